package repository

import (
	"context"

	"github.com/and161185/cipherline/internal/model"
	"github.com/gofrs/uuid/v5"
)

// ConversationRepository persists conversations and their ordered message logs.
type ConversationRepository interface {
	// FindOrCreate returns the single conversation for the unordered pair {a, b},
	// creating it atomically if needed.
	FindOrCreate(ctx context.Context, a, b uuid.UUID) (*model.Conversation, error)

	// Find returns the conversation for {a, b} or errs.ErrNotFound.
	Find(ctx context.Context, a, b uuid.UUID) (*model.Conversation, error)

	// AppendMessage adds a message to the conversation's log.
	AppendMessage(ctx context.Context, msg *model.Message) error

	// ListMessages returns the conversation's messages by creation time ascending.
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error)

	// MarkDelivered flips sent->delivered for the given messages addressed to receiverID
	// and returns how many rows changed. Already delivered messages are skipped.
	MarkDelivered(ctx context.Context, messageIDs []uuid.UUID, receiverID uuid.UUID) (int, error)

	// GetMessage returns a single message or errs.ErrMessageNotFound.
	GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error)
}
