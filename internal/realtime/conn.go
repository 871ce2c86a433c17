package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ConnOptions tune a websocket connection.
type ConnOptions struct {
	IdleTimeout   time.Duration
	SendBuffer    int
	MaxFrameBytes int64
}

const writeWait = 10 * time.Second

func (o ConnOptions) withDefaults() ConnOptions {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 60 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 1 << 20
	}
	return o
}

// Conn adapts a websocket to Sink with one read pump and one write pump.
type Conn struct {
	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	opts      ConnOptions
	log       *zap.Logger
}

// NewConn wraps an upgraded websocket.
func NewConn(ws *websocket.Conn, opts ConnOptions, log *zap.Logger) *Conn {
	if log == nil {
		log = zap.NewNop()
	}
	opts = opts.withDefaults()
	return &Conn{
		ws:   ws,
		send: make(chan []byte, opts.SendBuffer),
		done: make(chan struct{}),
		opts: opts,
		log:  log,
	}
}

// Send queues frame without blocking; a full buffer drops it.
func (c *Conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.log.Warn("send buffer full, frame dropped", zap.Int("bytes", len(frame)))
		return false
	}
}

// Serve runs the pumps until the peer goes away, the idle timeout fires or ctx ends,
// then closes sess.
func (c *Conn) Serve(ctx context.Context, sess *Session) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.writePump()
	go func() {
		<-ctx.Done()
		c.shutdown()
	}()

	c.readPump(sess)
	sess.Close()
	c.shutdown()
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) readPump(sess *Session) {
	c.ws.SetReadLimit(c.opts.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
	})
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.IdleTimeout))
		sess.HandleFrame(data)
	}
}

// writePump owns every write and closes the socket on exit, which also unblocks readPump.
func (c *Conn) writePump() {
	ping := time.NewTicker(c.opts.IdleTimeout * 9 / 10)
	defer ping.Stop()
	defer c.ws.Close()
	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown()
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		}
	}
}
