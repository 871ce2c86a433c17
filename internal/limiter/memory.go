package limiter

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"
)

type bucket struct {
	start time.Time
	sends int
}

// Memory is the single-process counterpart of PG, used with the in-memory store.
type Memory struct {
	mu       sync.Mutex
	buckets  map[uuid.UUID]*bucket
	window   time.Duration
	maxSends int
	now      func() time.Time
}

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxSends int) *Memory {
	return &Memory{buckets: map[uuid.UUID]*bucket{}, window: window, maxSends: maxSends, now: time.Now}
}

// Allow applies the same fixed-window rule as PG.
func (l *Memory) Allow(_ context.Context, participantID uuid.UUID) (bool, time.Duration, error) {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[participantID]
	if !ok || now.Sub(b.start) > l.window {
		b = &bucket{start: now}
		l.buckets[participantID] = b
	}
	b.sends++
	if b.sends <= l.maxSends {
		return true, 0, nil
	}
	retry := b.start.Add(l.window).Sub(now)
	if retry < time.Second {
		retry = time.Second
	}
	return false, retry, nil
}
