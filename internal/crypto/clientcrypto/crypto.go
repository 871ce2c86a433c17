// Package clientcrypto contains client-side primitives for message encryption and private key custody.
package clientcrypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/box"

	"github.com/and161185/cipherline/internal/errs"
)

// Params
const (
	KeyLen   = 32
	NonceLen = 24
	KeKLen   = 32
	SaltLen  = 16

	argonTime    uint32 = 3
	argonMemory  uint32 = 64 * 1024
	argonThreads uint8  = 1
)

var enc = base64.StdEncoding

func Rand(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	return b, err
}

// GenerateKeyPair creates a fresh Curve25519 keypair for box encryption.
func GenerateKeyPair() (pub, priv *[KeyLen]byte, err error) {
	return box.GenerateKey(rand.Reader)
}

// EncodeKey renders a key as base64.
func EncodeKey(k *[KeyLen]byte) string { return enc.EncodeToString(k[:]) }

// DecodeKey parses a base64 key and checks its length.
func DecodeKey(s string) (*[KeyLen]byte, error) {
	raw, err := enc.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeyLen {
		return nil, fmt.Errorf("key length %d, want %d", len(raw), KeyLen)
	}
	var k [KeyLen]byte
	copy(k[:], raw)
	return &k, nil
}

// Encrypt seals plaintext for receiverPub, authenticated by senderPriv.
// Every call draws a new random nonce.
func Encrypt(plaintext string, senderPriv, receiverPub *[KeyLen]byte) (ciphertext, nonce string, err error) {
	var n [NonceLen]byte
	if _, err := rand.Read(n[:]); err != nil {
		return "", "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := box.Seal(nil, []byte(plaintext), &n, receiverPub, senderPriv)
	return enc.EncodeToString(sealed), enc.EncodeToString(n[:]), nil
}

// Decrypt opens a box produced by Encrypt. Any malformed input, tampering or
// key mismatch yields errs.ErrDecryptionFailed.
func Decrypt(ciphertext, nonce string, senderPub, receiverPriv *[KeyLen]byte) (string, error) {
	ct, err := enc.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext encoding", errs.ErrDecryptionFailed)
	}
	rawNonce, err := enc.DecodeString(nonce)
	if err != nil || len(rawNonce) != NonceLen {
		return "", fmt.Errorf("%w: nonce", errs.ErrDecryptionFailed)
	}
	var n [NonceLen]byte
	copy(n[:], rawNonce)
	out, ok := box.Open(nil, ct, &n, senderPub, receiverPriv)
	if !ok {
		return "", errs.ErrDecryptionFailed
	}
	return string(out), nil
}

// DeriveKEK derives a KEK from passphrase and salt using Argon2id.
func DeriveKEK(passphrase, salt []byte) []byte {
	return argon2.IDKey(passphrase, salt, argonTime, argonMemory, argonThreads, KeKLen)
}

// WrapKey encrypts a private key with KEK using XChaCha20-Poly1305 and random nonce.
func WrapKey(kek []byte, key *[KeyLen]byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce, err := Rand(chacha20poly1305.NonceSizeX)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(nonce)+KeyLen+aead.Overhead())
	out = append(out, nonce...)
	out = append(out, aead.Seal(nil, nonce, key[:], nil)...)
	return out, nil
}

// UnwrapKey decrypts a wrapped private key using KEK.
func UnwrapKey(kek, wrapped []byte) (*[KeyLen]byte, error) {
	if len(wrapped) < chacha20poly1305.NonceSizeX {
		return nil, errors.New("wrapped too short")
	}
	aead, err := chacha20poly1305.NewX(kek)
	if err != nil {
		return nil, err
	}
	nonce := wrapped[:chacha20poly1305.NonceSizeX]
	ct := wrapped[chacha20poly1305.NonceSizeX:]
	raw, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, err
	}
	if len(raw) != KeyLen {
		return nil, errors.New("unwrapped key has wrong length")
	}
	var k [KeyLen]byte
	copy(k[:], raw)
	return &k, nil
}
