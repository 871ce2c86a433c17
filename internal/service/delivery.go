package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/and161185/cipherline/internal/convert"
	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/filestore"
	"github.com/and161185/cipherline/internal/limiter"
	"github.com/and161185/cipherline/internal/model"
	"github.com/and161185/cipherline/internal/repository"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
)

// Pusher delivers an encoded realtime frame to a participant if it is online.
type Pusher interface {
	Push(participantID uuid.UUID, frame []byte) bool
}

// Upload is one attachment received with a send.
type Upload struct {
	Filename  string
	MediaType string
	Encrypted bool
	Body      io.Reader
}

// SendRequest carries an already encrypted message.
type SendRequest struct {
	SenderID   uuid.UUID
	ReceiverID uuid.UUID
	Ciphertext string
	Nonce      string
	Files      []Upload
}

// DeliveryService accepts, stores and serves encrypted messages.
type DeliveryService interface {
	// Send validates and persists a message and pushes it to the receiver if online.
	Send(ctx context.Context, req SendRequest) (*model.Message, error)
	// Fetch returns the conversation between a and b and marks the requester's
	// incoming messages delivered.
	Fetch(ctx context.Context, a, b, requester uuid.UUID) ([]model.Message, error)
	// OpenAttachment streams one attachment of a message to one of its parties.
	OpenAttachment(ctx context.Context, messageID uuid.UUID, index int, requester uuid.UUID) (model.Attachment, io.ReadCloser, error)
}

type DeliveryServiceImpl struct {
	participants  repository.ParticipantRepository
	conversations repository.ConversationRepository
	files         filestore.Store
	pusher        Pusher
	lim           limiter.Limiter
	now           func() time.Time
	log           *zap.Logger
}

// DeliveryOption customizes DeliveryServiceImpl.
type DeliveryOption func(*DeliveryServiceImpl)

// WithLimiter enables the per-sender send throttle.
func WithLimiter(l limiter.Limiter) DeliveryOption {
	return func(s *DeliveryServiceImpl) { s.lim = l }
}

// WithClock overrides the creation-time source.
func WithClock(now func() time.Time) DeliveryOption {
	return func(s *DeliveryServiceImpl) { s.now = now }
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) DeliveryOption {
	return func(s *DeliveryServiceImpl) { s.log = l }
}

// NewDeliveryService constructs DeliveryService. A nil pusher disables realtime push.
func NewDeliveryService(participants repository.ParticipantRepository, conversations repository.ConversationRepository,
	files filestore.Store, pusher Pusher, opts ...DeliveryOption) *DeliveryServiceImpl {
	s := &DeliveryServiceImpl{
		participants:  participants,
		conversations: conversations,
		files:         files,
		pusher:        pusher,
		lim:           limiter.Nop{},
		now:           time.Now,
		log:           zap.NewNop(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Send validation order:
// - sender != receiver
// - ciphertext or at least one attachment
// - nonce present whenever ciphertext is
// - both parties are known
// - sender within the send throttle
func (s *DeliveryServiceImpl) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	if req.SenderID == req.ReceiverID {
		return nil, errs.Validation("cannot send to yourself")
	}
	if req.Ciphertext == "" && len(req.Files) == 0 {
		return nil, errs.Validation("message has neither text nor attachments")
	}
	if req.Ciphertext != "" && req.Nonce == "" {
		return nil, errs.Validation("ciphertext without nonce")
	}
	for _, id := range []uuid.UUID{req.SenderID, req.ReceiverID} {
		if _, err := s.participants.Get(ctx, id); err != nil {
			return nil, err
		}
	}
	ok, retry, err := s.lim.Allow(ctx, req.SenderID)
	if err != nil {
		return nil, fmt.Errorf("send throttle: %w", err)
	}
	if !ok {
		return nil, &errs.RateLimitError{RetryAfter: retry}
	}

	conv, err := s.conversations.FindOrCreate(ctx, req.SenderID, req.ReceiverID)
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	msg := &model.Message{
		ID:             id,
		ConversationID: conv.ID,
		SenderID:       req.SenderID,
		ReceiverID:     req.ReceiverID,
		Ciphertext:     req.Ciphertext,
		Nonce:          req.Nonce,
		Status:         model.StatusSent,
		CreatedAt:      s.now().UTC(),
	}
	if req.Ciphertext == "" {
		msg.Nonce = ""
	}

	msg.Attachments, err = s.store(req.Files)
	if err != nil {
		return nil, err
	}
	if err := s.conversations.AppendMessage(ctx, msg); err != nil {
		s.discard(msg.Attachments)
		return nil, fmt.Errorf("append message: %w", err)
	}

	s.push(msg)
	return msg, nil
}

func (s *DeliveryServiceImpl) store(files []Upload) ([]model.Attachment, error) {
	if len(files) == 0 {
		return nil, nil
	}
	if s.files == nil {
		return nil, errs.Validation("attachments are not accepted")
	}
	out := make([]model.Attachment, 0, len(files))
	for i, f := range files {
		key, n, err := s.files.Save(f.Body)
		if err != nil {
			s.discard(out)
			return nil, fmt.Errorf("store attachment[%d]: %w", i, err)
		}
		mt := f.MediaType
		if mt == "" {
			mt = "application/octet-stream"
		}
		out = append(out, model.Attachment{
			Filename:  cleanFilename(f.Filename),
			Path:      key,
			MediaType: mt,
			Size:      n,
			Encrypted: f.Encrypted,
		})
	}
	return out, nil
}

func (s *DeliveryServiceImpl) discard(atts []model.Attachment) {
	for _, a := range atts {
		if err := s.files.Remove(a.Path); err != nil {
			s.log.Warn("remove orphaned attachment", zap.Error(err))
		}
	}
}

func (s *DeliveryServiceImpl) push(msg *model.Message) {
	if s.pusher == nil {
		return
	}
	frame, err := convert.MessageFrame(*msg)
	if err != nil {
		s.log.Error("encode push frame", zap.Stringer("message", msg.ID), zap.Error(err))
		return
	}
	pushed := s.pusher.Push(msg.ReceiverID, frame)
	s.log.Debug("message stored",
		zap.Stringer("message", msg.ID),
		zap.Stringer("conversation", msg.ConversationID),
		zap.Int("attachments", len(msg.Attachments)),
		zap.Bool("pushed", pushed))
}

// Fetch returns an empty list when the pair has never exchanged a message.
func (s *DeliveryServiceImpl) Fetch(ctx context.Context, a, b, requester uuid.UUID) ([]model.Message, error) {
	if requester != a && requester != b {
		return nil, errs.ErrAccessDenied
	}
	conv, err := s.conversations.Find(ctx, a, b)
	if errors.Is(err, errs.ErrNotFound) {
		return []model.Message{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find conversation: %w", err)
	}
	msgs, err := s.conversations.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var unread []uuid.UUID
	for _, m := range msgs {
		if m.ReceiverID == requester && m.Status == model.StatusSent {
			unread = append(unread, m.ID)
		}
	}
	if len(unread) == 0 {
		return msgs, nil
	}
	n, err := s.conversations.MarkDelivered(ctx, unread, requester)
	if err != nil {
		return nil, fmt.Errorf("mark delivered: %w", err)
	}
	for i := range msgs {
		if msgs[i].ReceiverID == requester && msgs[i].Status == model.StatusSent {
			msgs[i].Status = model.StatusDelivered
		}
	}
	s.log.Debug("messages delivered", zap.Stringer("conversation", conv.ID), zap.Int("count", n))
	return msgs, nil
}

// OpenAttachment checks access before touching storage.
func (s *DeliveryServiceImpl) OpenAttachment(ctx context.Context, messageID uuid.UUID, index int, requester uuid.UUID) (model.Attachment, io.ReadCloser, error) {
	msg, err := s.conversations.GetMessage(ctx, messageID)
	if err != nil {
		return model.Attachment{}, nil, err
	}
	if msg.SenderID != requester && msg.ReceiverID != requester {
		return model.Attachment{}, nil, errs.ErrAccessDenied
	}
	if index < 0 || index >= len(msg.Attachments) {
		return model.Attachment{}, nil, errs.ErrAttachmentNotFound
	}
	att := msg.Attachments[index]
	if s.files == nil {
		return model.Attachment{}, nil, errs.ErrFileMissing
	}
	rc, err := s.files.Open(att.Path)
	if err != nil {
		if errors.Is(err, errs.ErrFileMissing) {
			s.log.Warn("attachment bytes missing", zap.Stringer("message", messageID), zap.Int("index", index))
		}
		return model.Attachment{}, nil, err
	}
	return att, rc, nil
}

func cleanFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, `\`, "/"))
	if name == "." || name == "/" || name == "" {
		return "document"
	}
	return name
}
