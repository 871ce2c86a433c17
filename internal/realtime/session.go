package realtime

import (
	"encoding/json"
	"sync"

	"github.com/and161185/cipherline/internal/convert"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// State is a connection's lifecycle position.
type State int

const (
	StateConnecting State = iota
	StateRegistered
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistered:
		return "registered"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Pusher delivers a frame to a participant wherever it is bound.
type Pusher interface {
	Push(id uuid.UUID, frame []byte) bool
}

// Session drives one connection through Connecting -> Registered -> Closed.
// self is the identity authenticated at upgrade time; register frames must match it.
type Session struct {
	mu    sync.Mutex
	hub   *Hub
	relay Pusher
	self  uuid.UUID
	sink  Sink
	state State
	log   *zap.Logger
}

// SessionOption configures a Session.
type SessionOption func(*Session)

// WithRelay routes client-relayed frames through p instead of the local hub.
func WithRelay(p Pusher) SessionOption {
	return func(s *Session) {
		if p != nil {
			s.relay = p
		}
	}
}

// NewSession returns a session in StateConnecting.
func NewSession(hub *Hub, self uuid.UUID, sink Sink, log *zap.Logger, opts ...SessionOption) *Session {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{hub: hub, relay: hub, self: self, sink: sink, log: log.With(zap.Stringer("participant", self))}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// HandleFrame processes one inbound frame. Invalid frames are ignored.
func (s *Session) HandleFrame(raw []byte) {
	var f convert.Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		s.log.Debug("malformed frame ignored", zap.Int("bytes", len(raw)))
		return
	}
	switch f.Type {
	case convert.FrameRegister:
		s.onRegister(f)
	case convert.FrameMessage:
		s.onMessage(f)
	default:
		s.log.Debug("unknown frame type ignored", zap.String("type", f.Type))
	}
}

func (s *Session) onRegister(f convert.Frame) {
	id, err := uuid.FromString(f.ParticipantID)
	if err != nil {
		s.log.Debug("register without valid participant id ignored")
		return
	}
	if id != s.self {
		s.log.Warn("register for foreign identity ignored", zap.Stringer("claimed", id))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.hub.Bind(s.self, s.sink)
	s.state = StateRegistered
	s.log.Debug("registered")
}

func (s *Session) onMessage(f convert.Frame) {
	if s.State() != StateRegistered {
		s.log.Debug("relay before register ignored")
		return
	}
	to, err := uuid.FromString(f.ReceiverID)
	if err != nil || len(f.Payload) == 0 {
		s.log.Debug("relay frame missing fields ignored")
		return
	}
	out, err := json.Marshal(convert.Frame{Type: convert.FrameMessage, Message: f.Payload})
	if err != nil {
		return
	}
	if !s.relay.Push(to, out) {
		s.log.Debug("relay dropped, receiver offline", zap.Stringer("receiver", to))
	}
}

// Close unbinds the connection. Later events are ignored.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	if s.state == StateRegistered {
		s.hub.Unbind(s.self, s.sink)
	}
	s.state = StateClosed
}
