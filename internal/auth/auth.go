// Package auth verifies and issues the HS256 bearer tokens that identify participants.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/and161185/cipherline/internal/errs"
	"github.com/and161185/cipherline/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

const leeway = 30 * time.Second

// Claims are the token claims; Subject holds the participant id.
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"`
}

// Identity is the authenticated caller.
type Identity struct {
	ParticipantID uuid.UUID
	Role          model.Role
}

// Verifier checks tokens signed with a shared key.
type Verifier struct {
	signKey []byte
}

// NewVerifier returns a verifier for signKey.
func NewVerifier(signKey []byte) *Verifier {
	return &Verifier{signKey: signKey}
}

// Verify checks signature, algorithm, time claims and subject. Every failure wraps errs.ErrUnauthorized.
func (v *Verifier) Verify(tok string) (Identity, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tok, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.signKey, nil
	}, jwt.WithLeeway(leeway))
	if err != nil || !parsed.Valid {
		return Identity{}, fmt.Errorf("%w: invalid token", errs.ErrUnauthorized)
	}

	id, err := uuid.FromString(claims.Subject)
	if err != nil || id == uuid.Nil {
		return Identity{}, fmt.Errorf("%w: bad subject", errs.ErrUnauthorized)
	}
	role := model.Role(claims.Role)
	if role != "" && !role.Valid() {
		return Identity{}, fmt.Errorf("%w: bad role", errs.ErrUnauthorized)
	}
	return Identity{ParticipantID: id, Role: role}, nil
}

// Issuer signs tokens. The server only verifies; issuing exists for tests and local development.
type Issuer struct {
	signKey []byte
	ttl     time.Duration
}

// NewIssuer returns an issuer producing tokens valid for ttl.
func NewIssuer(signKey []byte, ttl time.Duration) *Issuer {
	return &Issuer{signKey: signKey, ttl: ttl}
}

// Issue creates a signed HS256 JWT for the participant.
func (i *Issuer) Issue(id uuid.UUID, role model.Role) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Role: string(role),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signKey)
	return signed, exp, err
}

// BearerToken extracts the token from the Authorization headers.
func BearerToken(h http.Header) (string, error) {
	for _, v := range h.Values("Authorization") {
		v = strings.TrimSpace(v)
		if len(v) >= 7 && strings.EqualFold(v[:7], "bearer ") {
			t := strings.TrimSpace(v[7:])
			if t != "" {
				return t, nil
			}
		}
	}
	return "", fmt.Errorf("%w: no bearer token", errs.ErrUnauthorized)
}

type ctxKey string

const identityKey ctxKey = "cl.identity"

// WithIdentity stores the authenticated caller in context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// FromContext fetches the authenticated caller from context.
func FromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
