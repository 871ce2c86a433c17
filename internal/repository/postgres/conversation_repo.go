package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// ConversationRepo implements ConversationRepository using PostgreSQL.
type ConversationRepo struct{ db *DB }

// NewConversationRepo constructs a conversation repository.
func NewConversationRepo(db *DB) *ConversationRepo { return &ConversationRepo{db: db} }

// FindOrCreate resolves the conversation for {a, b} in one statement. The unique
// index on (participant_lo, participant_hi) serializes concurrent first contact;
// the no-op DO UPDATE makes RETURNING yield the surviving row in both branches.
func (r *ConversationRepo) FindOrCreate(ctx context.Context, a, b uuid.UUID) (*model.Conversation, error) {
	lo, hi := model.Pair(a, b)
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	const q = `
INSERT INTO conversations (id, participant_lo, participant_hi)
VALUES ($1, $2, $3)
ON CONFLICT (participant_lo, participant_hi)
DO UPDATE SET participant_lo = EXCLUDED.participant_lo
RETURNING id, participant_lo, participant_hi, created_at`
	var c model.Conversation
	if err := r.db.Pool.QueryRow(ctx, q, id, lo, hi).Scan(&c.ID, &c.Lo, &c.Hi, &c.CreatedAt); err != nil {
		if isForeignKeyViolation(err) {
			return nil, errs.ErrParticipantNotFound
		}
		return nil, err
	}
	return &c, nil
}

// Find looks up the conversation for {a, b} without creating it.
func (r *ConversationRepo) Find(ctx context.Context, a, b uuid.UUID) (*model.Conversation, error) {
	lo, hi := model.Pair(a, b)
	const q = `
SELECT id, participant_lo, participant_hi, created_at
FROM conversations WHERE participant_lo=$1 AND participant_hi=$2`
	var c model.Conversation
	if err := r.db.Pool.QueryRow(ctx, q, lo, hi).Scan(&c.ID, &c.Lo, &c.Hi, &c.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	return &c, nil
}

// AppendMessage inserts a message; seq is assigned by the database in insertion order.
func (r *ConversationRepo) AppendMessage(ctx context.Context, m *model.Message) error {
	att, err := encodeAttachments(m.Attachments)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO messages (id, conversation_id, sender_id, receiver_id, ciphertext, nonce, attachments, status, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = r.db.Pool.Exec(ctx, q,
		m.ID, m.ConversationID, m.SenderID, m.ReceiverID,
		m.Ciphertext, m.Nonce, att, string(m.Status), m.CreatedAt)
	if isForeignKeyViolation(err) {
		return errs.ErrNotFound
	}
	return err
}

const messageColumns = `id, conversation_id, sender_id, receiver_id, ciphertext, nonce, attachments, status, created_at`

// ListMessages returns the conversation log ordered by creation time.
func (r *ConversationRepo) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	const q = `
SELECT ` + messageColumns + `
FROM messages
WHERE conversation_id=$1
ORDER BY created_at ASC, seq ASC`
	rows, err := r.db.Pool.Query(ctx, q, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkDelivered flips status for messages still in "sent" addressed to receiverID.
func (r *ConversationRepo) MarkDelivered(ctx context.Context, ids []uuid.UUID, receiverID uuid.UUID) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	strs := make([]string, len(ids))
	for i, id := range ids {
		strs[i] = id.String()
	}
	const q = `
UPDATE messages SET status='delivered'
WHERE id = ANY($1::uuid[]) AND receiver_id=$2 AND status='sent'`
	tag, err := r.db.Pool.Exec(ctx, q, strs, receiverID)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// GetMessage returns a single message by id.
func (r *ConversationRepo) GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	const q = `SELECT ` + messageColumns + ` FROM messages WHERE id=$1`
	m, err := scanMessage(r.db.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrMessageNotFound
		}
		return nil, err
	}
	return &m, nil
}

func scanMessage(row pgx.Row) (model.Message, error) {
	var (
		m      model.Message
		att    []byte
		status string
	)
	if err := row.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID,
		&m.Ciphertext, &m.Nonce, &att, &status, &m.CreatedAt); err != nil {
		return model.Message{}, err
	}
	m.Status = model.Status(status)
	if len(att) > 0 {
		if err := json.Unmarshal(att, &m.Attachments); err != nil {
			return model.Message{}, fmt.Errorf("message %s attachments: %w", m.ID, err)
		}
	}
	return m, nil
}

func encodeAttachments(a []model.Attachment) ([]byte, error) {
	if a == nil {
		a = []model.Attachment{}
	}
	return json.Marshal(a)
}
