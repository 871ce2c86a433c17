// Package realtime tracks which participants are connected and pushes frames to them.
package realtime

import (
	"sync"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Sink accepts outbound frames for one connection. Send must not block.
type Sink interface {
	Send(frame []byte) bool
}

// Hub is the live directory: at most one sink per participant, last bind wins.
type Hub struct {
	mu    sync.RWMutex
	sinks map[uuid.UUID]Sink
	log   *zap.Logger
}

// NewHub returns an empty hub.
func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{sinks: map[uuid.UUID]Sink{}, log: log}
}

// Bind makes s the participant's connection, replacing any previous one.
func (h *Hub) Bind(id uuid.UUID, s Sink) {
	h.mu.Lock()
	prev, replaced := h.sinks[id]
	h.sinks[id] = s
	h.mu.Unlock()
	if replaced && prev != s {
		h.log.Debug("binding replaced", zap.Stringer("participant", id))
	}
}

// Unbind removes the binding only if it is still s.
func (h *Hub) Unbind(id uuid.UUID, s Sink) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.sinks[id]; ok && cur == s {
		delete(h.sinks, id)
		return true
	}
	return false
}

// Push hands frame to the participant's connection; false if offline or its buffer is full.
func (h *Hub) Push(id uuid.UUID, frame []byte) bool {
	h.mu.RLock()
	s, ok := h.sinks[id]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return s.Send(frame)
}

// Online reports whether the participant has a bound connection.
func (h *Hub) Online(id uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.sinks[id]
	return ok
}

// Count returns the number of bound participants.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sinks)
}
