// Package service contains the application services: the server-side key
// directory and message delivery.
package service

import (
	"context"
	"fmt"

	"github.com/and161185/cipherline/internal/crypto/clientcrypto"
	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/model"
	"github.com/and161185/cipherline/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// KeyDirectory resolves and publishes participants' public keys.
type KeyDirectory interface {
	// GetPublicKey returns the participant's public key or errs.ErrParticipantNotFound.
	GetPublicKey(ctx context.Context, participantID uuid.UUID) (model.PublicKey, error)
	// PublishKey stores the caller's own base64 public key.
	PublishKey(ctx context.Context, participantID uuid.UUID, role model.Role, encoded string) (model.PublicKey, error)
}

type KeyDirectoryImpl struct {
	participants repository.ParticipantRepository
	log          *zap.Logger
}

// NewKeyDirectory constructs KeyDirectory over the participant repository.
func NewKeyDirectory(participants repository.ParticipantRepository, log *zap.Logger) *KeyDirectoryImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &KeyDirectoryImpl{participants: participants, log: log}
}

// GetPublicKey is open to any authenticated caller.
func (k *KeyDirectoryImpl) GetPublicKey(ctx context.Context, participantID uuid.UUID) (model.PublicKey, error) {
	if participantID == uuid.Nil {
		return model.PublicKey{}, errs.ErrParticipantNotFound
	}
	p, err := k.participants.Get(ctx, participantID)
	if err != nil {
		return model.PublicKey{}, err
	}
	return p.PublicKey, nil
}

// PublishKey creates the participant on first publish. An empty role defaults to client.
func (k *KeyDirectoryImpl) PublishKey(ctx context.Context, participantID uuid.UUID, role model.Role, encoded string) (model.PublicKey, error) {
	if participantID == uuid.Nil {
		return model.PublicKey{}, errs.Validation("empty participant id")
	}
	if role == "" {
		role = model.RoleClient
	}
	if !role.Valid() {
		return model.PublicKey{}, errs.Validation("unknown role %q", role)
	}
	raw, err := clientcrypto.DecodeKey(encoded)
	if err != nil {
		return model.PublicKey{}, errs.Validation("public key: %v", err)
	}
	p := &model.Participant{ID: participantID, Role: role, PublicKey: model.PublicKey(*raw)}
	if err := k.participants.PublishKey(ctx, p); err != nil {
		return model.PublicKey{}, fmt.Errorf("publish key: %w", err)
	}
	k.log.Info("public key published", zap.Stringer("participant", participantID), zap.String("role", string(role)))
	return p.PublicKey, nil
}
