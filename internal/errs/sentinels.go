// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrParticipantNotFound indicates an unknown participant or one without a published key.
	ErrParticipantNotFound = fmt.Errorf("participant %w", ErrNotFound)

	// ErrMessageNotFound indicates an unknown message id.
	ErrMessageNotFound = fmt.Errorf("message %w", ErrNotFound)

	// ErrAttachmentNotFound indicates an attachment index outside the message's attachment list.
	ErrAttachmentNotFound = fmt.Errorf("attachment %w", ErrNotFound)

	// ErrFileMissing indicates the attachment record exists but its bytes are gone from storage.
	ErrFileMissing = fmt.Errorf("attachment file %w", ErrNotFound)

	// ErrValidation indicates a rejected request; the wrapping error carries the reason.
	ErrValidation = errors.New("validation")

	// ErrAccessDenied indicates the caller is authenticated but not a party to the resource.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnauthorized indicates failed authentication.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., a key is already published).
	ErrAlreadyExists = errors.New("already exists")

	// ErrRateLimited indicates the sender exceeded the send throttle.
	ErrRateLimited = errors.New("rate limited")

	// ErrDecryptionFailed indicates tampered ciphertext, a corrupted nonce or a wrong key.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrKeyUnavailable indicates a public key could not be fetched right now (network, server error).
	ErrKeyUnavailable = errors.New("key temporarily unavailable")
)

// Validation returns an ErrValidation-wrapping error with a user-facing reason.
func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// RateLimitError is returned by the send throttle and carries a retry-after hint.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrRateLimited, e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }
