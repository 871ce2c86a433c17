// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"

	"github.com/and161185/cipherline/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ParticipantRepository stores participants and their public keys.
type ParticipantRepository interface {
	// Get loads a participant by ID; unknown IDs yield errs.ErrParticipantNotFound.
	Get(ctx context.Context, id uuid.UUID) (*model.Participant, error)
	// PublishKey creates the participant with its public key, or accepts an identical re-publish.
	// A different key for an existing participant yields errs.ErrAlreadyExists.
	PublishKey(ctx context.Context, p *model.Participant) error
	// Ping checks storage reachability.
	Ping(ctx context.Context) error
}
