// Package limiter defines the per-sender send throttle and its implementations.
package limiter

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Limiter throttles message sends per participant.
type Limiter interface {
	// Allow records one send attempt and reports whether it may proceed,
	// with a retry-after hint when it may not.
	Allow(ctx context.Context, participantID uuid.UUID) (bool, time.Duration, error)
}

// Nop never throttles.
type Nop struct{}

// Allow always allows.
func (Nop) Allow(context.Context, uuid.UUID) (bool, time.Duration, error) { return true, 0, nil }
