// Package convert maps domain entities to and from the JSON wire types shared by
// the HTTP API, the realtime channel and the client.
package convert

import (
	"encoding/json"
	"fmt"
	"time"

	model "github.com/and161185/cipherline/internal/model"
	u "github.com/gofrs/uuid/v5"
)

// Frame types carried over the realtime channel.
const (
	FrameRegister = "register"
	FrameMessage  = "message"
)

// Attachment is the client-visible part of model.Attachment. The storage path is never sent.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	Size      int64  `json:"size"`
	Encrypted bool   `json:"encrypted"`
}

// Message is the JSON form of model.Message.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	SenderID       string       `json:"senderId"`
	ReceiverID     string       `json:"receiverId"`
	Ciphertext     string       `json:"ciphertext"`
	Nonce          string       `json:"nonce"`
	Attachments    []Attachment `json:"attachments"`
	Status         string       `json:"status"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// PublicKey is the body of key lookups and key publishing.
type PublicKey struct {
	ParticipantID string `json:"participantId,omitempty"`
	PublicKey     string `json:"publicKey"`
}

// SendBody is the JSON alternative to a multipart send.
type SendBody struct {
	Ciphertext string `json:"ciphertext"`
	Nonce      string `json:"nonce"`
}

// Error is the body of every non-2xx API response.
type Error struct {
	Error string `json:"error"`
}

// Frame is one realtime channel message. Which fields are set depends on Type.
type Frame struct {
	Type          string          `json:"type"`
	ParticipantID string          `json:"participantId,omitempty"`
	ReceiverID    string          `json:"receiverId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Message       json.RawMessage `json:"message,omitempty"`
}

// --- server -> client ---

// ToMessage converts a domain message to its wire form.
func ToMessage(m model.Message) Message {
	atts := make([]Attachment, 0, len(m.Attachments))
	for _, a := range m.Attachments {
		atts = append(atts, Attachment{Filename: a.Filename, MediaType: a.MediaType, Size: a.Size, Encrypted: a.Encrypted})
	}
	return Message{
		ID:             m.ID.String(),
		ConversationID: m.ConversationID.String(),
		SenderID:       m.SenderID.String(),
		ReceiverID:     m.ReceiverID.String(),
		Ciphertext:     m.Ciphertext,
		Nonce:          m.Nonce,
		Attachments:    atts,
		Status:         string(m.Status),
		CreatedAt:      m.CreatedAt,
	}
}

// ToMessages converts a slice; the result is never nil so it encodes as [].
func ToMessages(ms []model.Message) []Message {
	out := make([]Message, 0, len(ms))
	for _, m := range ms {
		out = append(out, ToMessage(m))
	}
	return out
}

// MessageFrame encodes the push frame announcing m to its receiver.
func MessageFrame(m model.Message) ([]byte, error) {
	body, err := json.Marshal(ToMessage(m))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Type: FrameMessage, Message: body})
}

// --- client side ---

// FromMessage parses a wire message back into the domain form.
func FromMessage(in Message) (model.Message, error) {
	var ids [4]u.UUID
	for i, s := range []string{in.ID, in.ConversationID, in.SenderID, in.ReceiverID} {
		id, err := u.FromString(s)
		if err != nil {
			return model.Message{}, fmt.Errorf("invalid id %q: %w", s, err)
		}
		ids[i] = id
	}
	atts := make([]model.Attachment, 0, len(in.Attachments))
	for _, a := range in.Attachments {
		atts = append(atts, model.Attachment{Filename: a.Filename, MediaType: a.MediaType, Size: a.Size, Encrypted: a.Encrypted})
	}
	return model.Message{
		ID:             ids[0],
		ConversationID: ids[1],
		SenderID:       ids[2],
		ReceiverID:     ids[3],
		Ciphertext:     in.Ciphertext,
		Nonce:          in.Nonce,
		Attachments:    atts,
		Status:         model.Status(in.Status),
		CreatedAt:      in.CreatedAt,
	}, nil
}

// FromMessages parses a slice, failing on the first malformed entry.
func FromMessages(in []Message) ([]model.Message, error) {
	out := make([]model.Message, 0, len(in))
	for i, m := range in {
		dm, err := FromMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message[%d]: %w", i, err)
		}
		out = append(out, dm)
	}
	return out, nil
}
