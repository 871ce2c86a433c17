package client

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/and161185/cipherline/internal/convert"
	"github.com/and161185/cipherline/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

// Handler receives every pushed message.
type Handler func(model.Message)

// Subscriber keeps a realtime connection open and re-registers after every reconnect.
type Subscriber struct {
	url    string
	header http.Header
	self   uuid.UUID
	log    *zap.Logger

	// Dialer opens the websocket. Set TLSClientConfig on a copy for private CAs.
	Dialer *websocket.Dialer
	// BaseDelay and MaxDelay bound the reconnect backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// OnConnect, when set, runs after each successful register.
	OnConnect func()
}

// NewSubscriber returns a subscriber for the API's realtime endpoint.
func NewSubscriber(api *API, self uuid.UUID, log *zap.Logger) *Subscriber {
	if log == nil {
		log = zap.NewNop()
	}
	return &Subscriber{
		url:       api.RealtimeURL(),
		header:    api.AuthHeader(),
		self:      self,
		Dialer:    websocket.DefaultDialer,
		log:       log,
		BaseDelay: 500 * time.Millisecond,
		MaxDelay:  30 * time.Second,
	}
}

func (s *Subscriber) backoff() retry.Backoff {
	b := retry.NewExponential(s.BaseDelay)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(s.MaxDelay, b)
}

// Run delivers pushed messages to h until ctx ends. Dial failures back off
// exponentially; a connection that was up resets the backoff when it drops.
func (s *Subscriber) Run(ctx context.Context, h Handler) error {
	for {
		err := retry.Do(ctx, s.backoff(), func(ctx context.Context) error {
			up, err := s.session(ctx, h)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if up {
				s.log.Info("realtime connection lost, reconnecting", zap.Error(err))
				return nil
			}
			s.log.Debug("realtime dial failed", zap.Error(err))
			return retry.RetryableError(err)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return err
		}
		// the last connection was up; pause before the next dial
		t := time.NewTimer(s.BaseDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// session runs one connection. up reports whether register was sent.
func (s *Subscriber) session(ctx context.Context, h Handler) (up bool, err error) {
	ws, _, err := s.Dialer.DialContext(ctx, s.url, s.header)
	if err != nil {
		return false, err
	}
	defer ws.Close()

	reg, err := json.Marshal(convert.Frame{Type: convert.FrameRegister, ParticipantID: s.self.String()})
	if err != nil {
		return false, err
	}
	if err := ws.WriteMessage(websocket.TextMessage, reg); err != nil {
		return false, err
	}
	if s.OnConnect != nil {
		s.OnConnect()
	}

	stop := context.AfterFunc(ctx, func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = ws.Close()
	})
	defer stop()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return true, err
		}
		var f convert.Frame
		if err := json.Unmarshal(raw, &f); err != nil || f.Type != convert.FrameMessage || len(f.Message) == 0 {
			continue
		}
		var cm convert.Message
		if err := json.Unmarshal(f.Message, &cm); err != nil {
			continue
		}
		m, err := convert.FromMessage(cm)
		if err != nil {
			s.log.Debug("malformed pushed message", zap.Error(err))
			continue
		}
		h(m)
	}
}
