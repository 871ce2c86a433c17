// Package memory is an in-process implementation of the repository interfaces.
// It backs the server's dev mode and end-to-end tests; all data is lost on exit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/model"
	"github.com/gofrs/uuid/v5"
)

type pairKey struct{ lo, hi uuid.UUID }

type stored struct {
	msg model.Message
	seq int64
}

// Store satisfies both repository.ParticipantRepository and repository.ConversationRepository.
type Store struct {
	mu            sync.RWMutex
	participants  map[uuid.UUID]model.Participant
	conversations map[pairKey]model.Conversation
	convByID      map[uuid.UUID]pairKey
	messages      map[uuid.UUID]*stored
	logs          map[uuid.UUID][]uuid.UUID
	seq           int64
}

// New returns an empty store.
func New() *Store {
	return &Store{
		participants:  map[uuid.UUID]model.Participant{},
		conversations: map[pairKey]model.Conversation{},
		convByID:      map[uuid.UUID]pairKey{},
		messages:      map[uuid.UUID]*stored{},
		logs:          map[uuid.UUID][]uuid.UUID{},
	}
}

// Get returns a participant by id.
func (s *Store) Get(_ context.Context, id uuid.UUID) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.participants[id]
	if !ok {
		return nil, errs.ErrParticipantNotFound
	}
	return &p, nil
}

// PublishKey stores a participant key, rejecting a different key for a known participant.
func (s *Store) PublishKey(_ context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.participants[p.ID]; ok {
		if cur.PublicKey != p.PublicKey {
			return errs.ErrAlreadyExists
		}
		cur.Role = p.Role
		s.participants[p.ID] = cur
		return nil
	}
	cp := *p
	cp.CreatedAt = time.Now().UTC()
	s.participants[p.ID] = cp
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// FindOrCreate resolves the conversation for the unordered pair under the write lock.
func (s *Store) FindOrCreate(_ context.Context, a, b uuid.UUID) (*model.Conversation, error) {
	lo, hi := model.Pair(a, b)
	k := pairKey{lo, hi}

	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[k]; ok {
		return &c, nil
	}
	if _, ok := s.participants[lo]; !ok {
		return nil, errs.ErrParticipantNotFound
	}
	if _, ok := s.participants[hi]; !ok {
		return nil, errs.ErrParticipantNotFound
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	c := model.Conversation{ID: id, Lo: lo, Hi: hi, CreatedAt: time.Now().UTC()}
	s.conversations[k] = c
	s.convByID[id] = k
	return &c, nil
}

// Find looks up the conversation without creating it.
func (s *Store) Find(_ context.Context, a, b uuid.UUID) (*model.Conversation, error) {
	lo, hi := model.Pair(a, b)
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[pairKey{lo, hi}]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &c, nil
}

// Conversations reports how many conversations exist.
func (s *Store) Conversations() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// AppendMessage stores a copy of m at the end of its conversation log.
func (s *Store) AppendMessage(_ context.Context, m *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.convByID[m.ConversationID]; !ok {
		return errs.ErrNotFound
	}
	cp := *m
	cp.Attachments = append([]model.Attachment(nil), m.Attachments...)
	s.seq++
	s.messages[m.ID] = &stored{msg: cp, seq: s.seq}
	s.logs[m.ConversationID] = append(s.logs[m.ConversationID], m.ID)
	return nil
}

// ListMessages returns copies sorted by creation time, then append order.
func (s *Store) ListMessages(_ context.Context, conversationID uuid.UUID) ([]model.Message, error) {
	s.mu.RLock()
	ids := s.logs[conversationID]
	items := make([]*stored, 0, len(ids))
	for _, id := range ids {
		items = append(items, s.messages[id])
	}
	out := make([]model.Message, 0, len(items))
	sort.SliceStable(items, func(i, j int) bool {
		if !items[i].msg.CreatedAt.Equal(items[j].msg.CreatedAt) {
			return items[i].msg.CreatedAt.Before(items[j].msg.CreatedAt)
		}
		return items[i].seq < items[j].seq
	})
	for _, it := range items {
		m := it.msg
		m.Attachments = append([]model.Attachment(nil), it.msg.Attachments...)
		out = append(out, m)
	}
	s.mu.RUnlock()
	return out, nil
}

// MarkDelivered flips sent->delivered for matching messages.
func (s *Store) MarkDelivered(_ context.Context, ids []uuid.UUID, receiverID uuid.UUID) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range ids {
		it, ok := s.messages[id]
		if !ok || it.msg.ReceiverID != receiverID || it.msg.Status != model.StatusSent {
			continue
		}
		it.msg.Status = model.StatusDelivered
		n++
	}
	return n, nil
}

// GetMessage returns a copy of a single message.
func (s *Store) GetMessage(_ context.Context, id uuid.UUID) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.messages[id]
	if !ok {
		return nil, errs.ErrMessageNotFound
	}
	m := it.msg
	m.Attachments = append([]model.Attachment(nil), it.msg.Attachments...)
	return &m, nil
}
