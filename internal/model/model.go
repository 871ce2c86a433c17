// Package model defines domain entities used by services and repositories.
package model

import (
	"time"

	"github.com/gofrs/uuid/v5"
)

// Role distinguishes the two kinds of participants. The messaging core never branches on it.
type Role string

const (
	RoleClient       Role = "client"
	RoleProfessional Role = "professional"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return r == RoleClient || r == RoleProfessional }

// PublicKey is a Curve25519 public key.
type PublicKey [32]byte

// Participant is a person able to exchange messages. The private key never reaches the server.
type Participant struct {
	ID        uuid.UUID
	Role      Role
	PublicKey PublicKey
	CreatedAt time.Time
}

// Conversation groups the messages of one unordered pair of participants.
// Lo and Hi hold the pair in canonical (byte-wise ascending) order.
type Conversation struct {
	ID        uuid.UUID
	Lo        uuid.UUID
	Hi        uuid.UUID
	CreatedAt time.Time
}

// Pair returns a and b in canonical order.
func Pair(a, b uuid.UUID) (lo, hi uuid.UUID) {
	for i := range a {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return a, b
			}
			return b, a
		}
	}
	return a, b
}

// Has reports whether id is one of the conversation's participants.
func (c Conversation) Has(id uuid.UUID) bool { return c.Lo == id || c.Hi == id }

// Status is a message delivery status.
type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"

	// Client-side only, never persisted.
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// Attachment describes one file stored alongside a message.
type Attachment struct {
	Filename  string `json:"filename"`
	Path      string `json:"path"` // storage name, never exposed to clients
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Encrypted bool   `json:"encrypted"`
}

// Message is immutable once persisted, except for the single sent->delivered transition.
type Message struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	ReceiverID     uuid.UUID
	Ciphertext     string // opaque, base64
	Nonce          string // opaque, base64; required iff Ciphertext != ""
	Attachments    []Attachment
	Status         Status
	CreatedAt      time.Time
}

// Counterparty returns the other side of the message relative to self.
func (m Message) Counterparty(self uuid.UUID) uuid.UUID {
	if m.SenderID == self {
		return m.ReceiverID
	}
	return m.SenderID
}
