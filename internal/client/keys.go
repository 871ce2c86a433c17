package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/and161185/cipherline/internal/crypto/clientcrypto"
	"github.com/and161185/cipherline/internal/errs"
	"github.com/gofrs/uuid/v5"
	"golang.org/x/sync/singleflight"
)

// KeyFetcher resolves a public key from the server.
type KeyFetcher interface {
	GetPublicKey(ctx context.Context, id uuid.UUID) (*[clientcrypto.KeyLen]byte, error)
}

// KeyDirectory caches resolved public keys for the life of the process.
// Concurrent lookups of the same id share one request. Failures are not cached.
type KeyDirectory struct {
	fetch KeyFetcher
	group singleflight.Group

	mu    sync.RWMutex
	cache map[uuid.UUID]*[clientcrypto.KeyLen]byte
}

// NewKeyDirectory returns an empty directory backed by f.
func NewKeyDirectory(f KeyFetcher) *KeyDirectory {
	return &KeyDirectory{fetch: f, cache: map[uuid.UUID]*[clientcrypto.KeyLen]byte{}}
}

// PublicKey returns id's key. It fails with errs.ErrNotFound when the participant
// has no key and with errs.ErrKeyUnavailable for anything else.
func (d *KeyDirectory) PublicKey(ctx context.Context, id uuid.UUID) (*[clientcrypto.KeyLen]byte, error) {
	d.mu.RLock()
	k, ok := d.cache[id]
	d.mu.RUnlock()
	if ok {
		return k, nil
	}

	v, err, _ := d.group.Do(id.String(), func() (any, error) {
		k, err := d.fetch.GetPublicKey(ctx, id)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.cache[id] = k
		d.mu.Unlock()
		return k, nil
	})
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			return nil, fmt.Errorf("public key of %s: %w", id, errs.ErrParticipantNotFound)
		}
		return nil, fmt.Errorf("public key of %s: %w (%v)", id, errs.ErrKeyUnavailable, err)
	}
	return v.(*[clientcrypto.KeyLen]byte), nil
}

// Forget drops a cached key.
func (d *KeyDirectory) Forget(id uuid.UUID) {
	d.mu.Lock()
	delete(d.cache, id)
	d.mu.Unlock()
}
