// Package redisbridge fans realtime pushes out to other server instances over Redis pub/sub.
package redisbridge

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/and161185/cipherline/internal/realtime"
	"github.com/gofrs/uuid/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ChannelPrefix is followed by the receiver's participant id.
const ChannelPrefix = "cipherline:push:"

const (
	publishTimeout = 2 * time.Second
	queueSize      = 256
)

type outbound struct {
	channel string
	payload []byte
}

type envelope struct {
	Origin string          `json:"origin"`
	Frame  json.RawMessage `json:"frame"`
}

// Bridge pushes to the local hub first and publishes to Redis when the receiver is not bound here.
type Bridge struct {
	rdb      redis.UniversalClient
	hub      *realtime.Hub
	instance string
	out      chan outbound
	log      *zap.Logger
}

// New returns a bridge with a random instance id.
func New(rdb redis.UniversalClient, hub *realtime.Hub, log *zap.Logger) *Bridge {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bridge{
		rdb:      rdb,
		hub:      hub,
		instance: uuid.Must(uuid.NewV4()).String(),
		out:      make(chan outbound, queueSize),
		log:      log,
	}
}

// Push delivers to a local binding, otherwise queues a publish for the other instances.
// It never waits on Redis: false means the receiver's local buffer or the publish queue is full.
func (b *Bridge) Push(id uuid.UUID, frame []byte) bool {
	if b.hub.Online(id) {
		return b.hub.Push(id, frame)
	}
	env, err := json.Marshal(envelope{Origin: b.instance, Frame: frame})
	if err != nil {
		b.log.Error("encode push envelope", zap.Error(err))
		return false
	}
	select {
	case b.out <- outbound{channel: ChannelPrefix + id.String(), payload: env}:
		return true
	default:
		b.log.Warn("publish queue full, push dropped", zap.Stringer("participant", id))
		return false
	}
}

// Run publishes queued pushes and delivers pushes from other instances until ctx ends.
func (b *Bridge) Run(ctx context.Context) error {
	pctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	defer func() {
		cancel()
		<-done
	}()
	go func() {
		defer close(done)
		b.publish(pctx)
	}()

	ps := b.rdb.PSubscribe(ctx, ChannelPrefix+"*")
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	b.log.Info("redis bridge subscribed", zap.String("instance", b.instance))

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			b.deliver(m.Channel, m.Payload)
		}
	}
}

func (b *Bridge) publish(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case o := <-b.out:
			if ctx.Err() != nil {
				return
			}
			pctx, cancel := context.WithTimeout(ctx, publishTimeout)
			n, err := b.rdb.Publish(pctx, o.channel, o.payload).Result()
			cancel()
			switch {
			case err != nil:
				b.log.Warn("redis publish failed", zap.String("channel", o.channel), zap.Error(err))
			case n == 0:
				b.log.Debug("no instance subscribed", zap.String("channel", o.channel))
			}
		}
	}
}

func (b *Bridge) deliver(channel, payload string) bool {
	id, err := uuid.FromString(strings.TrimPrefix(channel, ChannelPrefix))
	if err != nil {
		return false
	}
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil || len(env.Frame) == 0 {
		b.log.Debug("malformed envelope ignored", zap.String("channel", channel))
		return false
	}
	if env.Origin == b.instance {
		return false
	}
	return b.hub.Push(id, env.Frame)
}
