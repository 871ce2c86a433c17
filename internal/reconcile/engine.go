// Package reconcile merges the server's view of a conversation with locally
// pending sends and decrypts it for display.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/and161185/cipherline/internal/client"
	"github.com/and161185/cipherline/internal/crypto/clientcrypto"
	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/model"
	"github.com/gofrs/uuid/v5"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
)

// Shown in place of text that could not be decrypted.
const (
	PlaceholderKeyUnavailable = "[key unavailable]"
	PlaceholderDecryptFailed  = "[unable to decrypt message]"
	PlaceholderDecrypting     = "[decrypting...]"
)

const (
	TempIDPrefix     = "local-"
	DefaultDebounce  = 2 * time.Second
	DefaultCacheSize = 512
)

// Transport is the server side of the conversation.
type Transport interface {
	Send(ctx context.Context, receiver uuid.UUID, ciphertext, nonce string, encrypted bool, files ...client.File) (model.Message, error)
	Fetch(ctx context.Context, other uuid.UUID) ([]model.Message, error)
}

// Keys resolves public keys. NotFound must wrap errs.ErrNotFound.
type Keys interface {
	PublicKey(ctx context.Context, id uuid.UUID) (*[clientcrypto.KeyLen]byte, error)
}

// Entry is one visible message.
type Entry struct {
	ID          string // server id, or TempIDPrefix+uuid while pending
	SenderID    uuid.UUID
	ReceiverID  uuid.UUID
	Text        string
	Attachments []model.Attachment
	Status      model.Status
	CreatedAt   time.Time
}

// Outgoing reports whether self wrote the entry.
func (e Entry) Outgoing(self uuid.UUID) bool { return e.SenderID == self }

// Engine holds the decrypted state of one conversation.
type Engine struct {
	self     uuid.UUID
	priv     *[clientcrypto.KeyLen]byte
	keys     Keys
	tr       Transport
	cache    *lru.Cache[string, string]
	debounce time.Duration
	now      func() time.Time
	log      *zap.Logger

	mu          sync.Mutex
	peer        uuid.UUID
	entries     map[string]Entry
	pending     map[string]struct{}
	lastRefresh time.Time
	refreshes   uint64
}

// Option customizes an Engine.
type Option func(*Engine)

// WithDebounce sets the minimum gap between unforced refreshes.
func WithDebounce(d time.Duration) Option { return func(e *Engine) { e.debounce = d } }

// WithClock injects the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(e *Engine) { e.log = l } }

// New returns an engine for the conversation between self and peer.
func New(self, peer uuid.UUID, priv *[clientcrypto.KeyLen]byte, keys Keys, tr Transport, cacheSize int, opts ...Option) (*Engine, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, string](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("plaintext cache: %w", err)
	}
	e := &Engine{
		self:     self,
		priv:     priv,
		keys:     keys,
		tr:       tr,
		cache:    cache,
		debounce: DefaultDebounce,
		now:      time.Now,
		log:      zap.NewNop(),
		peer:     peer,
		entries:  map[string]Entry{},
		pending:  map[string]struct{}{},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Peer is the other side of the bound conversation.
func (e *Engine) Peer() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

// Send shows text as pending, encrypts it for the peer and posts it.
// The returned entry is acknowledged on success and failed otherwise.
func (e *Engine) Send(ctx context.Context, text string) (Entry, error) {
	tid, err := uuid.NewV4()
	if err != nil {
		return Entry{}, err
	}
	e.mu.Lock()
	peer := e.peer
	ent := Entry{
		ID:         TempIDPrefix + tid.String(),
		SenderID:   e.self,
		ReceiverID: peer,
		Text:       text,
		Status:     model.StatusPending,
		CreatedAt:  e.now().UTC(),
	}
	e.entries[ent.ID] = ent
	e.pending[ent.ID] = struct{}{}
	e.cache.Add(ent.ID, text)
	e.mu.Unlock()

	pub, err := e.keys.PublicKey(ctx, peer)
	if err != nil {
		return e.MarkFailed(ent.ID), fmt.Errorf("resolve peer key: %w", err)
	}
	ct, nonce, err := clientcrypto.Encrypt(text, e.priv, pub)
	if err != nil {
		return e.MarkFailed(ent.ID), fmt.Errorf("encrypt: %w", err)
	}
	msg, err := e.tr.Send(ctx, peer, ct, nonce, false)
	if err != nil {
		return e.MarkFailed(ent.ID), err
	}
	return e.Acknowledge(ent.ID, msg), nil
}

// Acknowledge replaces the pending entry tempID with the stored message.
// If the message already arrived through a refresh the pending entry is dropped.
func (e *Engine) Acknowledge(tempID string, msg model.Message) Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := msg.ID.String()
	prev, ok := e.entries[tempID]
	e.cache.Remove(tempID)
	delete(e.pending, tempID)
	delete(e.entries, tempID)
	if !ok || !belongs(msg, e.self, e.peer) {
		// reset away while the send was in flight
		return entryFrom(msg, prev.Text)
	}
	e.cache.Add(id, prev.Text)
	if cur, exists := e.entries[id]; exists {
		cur.Text = prev.Text
		e.entries[id] = cur
		return cur
	}
	ent := entryFrom(msg, prev.Text)
	e.entries[id] = ent
	return ent
}

// MarkFailed flags the pending entry tempID as failed. It stays visible.
func (e *Engine) MarkFailed(tempID string) Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.entries[tempID]
	if !ok {
		return Entry{ID: tempID, Status: model.StatusFailed}
	}
	ent.Status = model.StatusFailed
	e.entries[tempID] = ent
	return ent
}

// Refresh re-reads the conversation from the server. Within the debounce
// window an unforced refresh returns the current snapshot without a fetch.
func (e *Engine) Refresh(ctx context.Context, force bool) ([]Entry, error) {
	e.mu.Lock()
	now := e.now()
	if !force && !e.lastRefresh.IsZero() && now.Sub(e.lastRefresh) < e.debounce {
		out := e.snapshotLocked()
		e.mu.Unlock()
		return out, nil
	}
	e.lastRefresh = now
	e.refreshes++
	gen := e.refreshes
	peer := e.peer
	e.mu.Unlock()

	msgs, err := e.tr.Fetch(ctx, peer)
	if err != nil {
		e.mu.Lock()
		// a later refresh owns lastRefresh now
		if e.refreshes == gen {
			e.lastRefresh = time.Time{}
		}
		e.mu.Unlock()
		return nil, fmt.Errorf("fetch conversation: %w", err)
	}
	fresh := make([]Entry, 0, len(msgs))
	for _, m := range msgs {
		fresh = append(fresh, entryFrom(m, e.plaintext(ctx, m)))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peer != peer {
		// reset to another conversation while fetching
		return e.snapshotLocked(), nil
	}
	for _, ent := range fresh {
		e.entries[ent.ID] = ent
	}
	return e.snapshotLocked(), nil
}

// Receive merges a pushed message. Messages of other conversations are ignored.
func (e *Engine) Receive(ctx context.Context, m model.Message) (Entry, bool) {
	peer := e.Peer()
	if !belongs(m, e.self, peer) {
		return Entry{}, false
	}
	ent := entryFrom(m, e.plaintext(ctx, m))

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.peer != peer {
		return Entry{}, false
	}
	if cur, ok := e.entries[ent.ID]; ok && cur.Status == model.StatusDelivered {
		ent.Status = cur.Status
	}
	e.entries[ent.ID] = ent
	return ent, true
}

// Reset drops all state and binds the engine to peer.
func (e *Engine) Reset(peer uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cache.Purge()
	e.peer = peer
	e.entries = map[string]Entry{}
	e.pending = map[string]struct{}{}
	e.lastRefresh = time.Time{}
}

// Snapshot returns the visible entries oldest first.
func (e *Engine) Snapshot() []Entry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

// Pending returns how many local sends have not been acknowledged.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// CacheLen reports how many plaintexts are cached.
func (e *Engine) CacheLen() int { return e.cache.Len() }

func (e *Engine) snapshotLocked() []Entry {
	out := make([]Entry, 0, len(e.entries))
	for _, ent := range e.entries {
		out = append(out, ent)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// plaintext decrypts m with the counterparty's key. Only successes are cached.
func (e *Engine) plaintext(ctx context.Context, m model.Message) string {
	id := m.ID.String()
	if text, ok := e.cache.Get(id); ok {
		return text
	}
	if m.Ciphertext == "" {
		return ""
	}
	other := m.Counterparty(e.self)
	pub, err := e.keys.PublicKey(ctx, other)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		return PlaceholderKeyUnavailable
	case err != nil:
		e.log.Debug("key lookup failed", zap.Stringer("participant", other), zap.Error(err))
		return PlaceholderDecrypting
	}
	text, err := clientcrypto.Decrypt(m.Ciphertext, m.Nonce, pub, e.priv)
	if err != nil {
		e.log.Debug("decrypt failed", zap.Stringer("message", m.ID))
		return PlaceholderDecryptFailed
	}
	e.cache.Add(id, text)
	return text
}

func belongs(m model.Message, self, peer uuid.UUID) bool {
	return (m.SenderID == self && m.ReceiverID == peer) || (m.SenderID == peer && m.ReceiverID == self)
}

func entryFrom(m model.Message, text string) Entry {
	return Entry{
		ID:          m.ID.String(),
		SenderID:    m.SenderID,
		ReceiverID:  m.ReceiverID,
		Text:        text,
		Attachments: m.Attachments,
		Status:      m.Status,
		CreatedAt:   m.CreatedAt,
	}
}
