package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ParticipantRepo implements ParticipantRepository using PostgreSQL.
type ParticipantRepo struct{ db *DB }

// NewParticipantRepo constructs a participant repository.
func NewParticipantRepo(db *DB) *ParticipantRepo { return &ParticipantRepo{db: db} }

// Get selects a participant by ID.
func (r *ParticipantRepo) Get(ctx context.Context, id uuid.UUID) (*model.Participant, error) {
	const q = `
SELECT id, role, public_key, created_at
FROM participants WHERE id=$1`
	row := r.db.Pool.QueryRow(ctx, q, id)
	var (
		p    model.Participant
		role string
		key  []byte
	)
	if err := row.Scan(&p.ID, &role, &key, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrParticipantNotFound
		}
		return nil, err
	}
	if len(key) != len(p.PublicKey) {
		return nil, fmt.Errorf("participant %s: stored key has %d bytes", id, len(key))
	}
	p.Role = model.Role(role)
	copy(p.PublicKey[:], key)
	return &p, nil
}

// PublishKey inserts the participant, or refreshes its role when the same key is re-published.
// The WHERE on the conflict branch makes a different key affect zero rows.
func (r *ParticipantRepo) PublishKey(ctx context.Context, p *model.Participant) error {
	const q = `
INSERT INTO participants (id, role, public_key)
VALUES ($1, $2, $3)
ON CONFLICT (id) DO UPDATE SET role = EXCLUDED.role
WHERE participants.public_key = EXCLUDED.public_key`
	tag, err := r.db.Pool.Exec(ctx, q, p.ID, string(p.Role), p.PublicKey[:])
	if err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrAlreadyExists
	}
	return nil
}

// Ping checks database reachability.
func (r *ParticipantRepo) Ping(ctx context.Context) error { return r.db.Ping(ctx) }
