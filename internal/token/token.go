// Package token derives the capability tokens that authorize Executor
// notifications for a single Task.
//
// A token is an HS256 JWT whose only claims are the Task id and a fixed
// audience. It carries no time claims, so the same Task always yields the
// same token and the Requester never needs to store it. The signing key is
// derived from the server secret with HKDF so the raw secret is never used
// directly as a MAC key.
package token

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	audience = "task-notifications"
	hkdfInfo = "discover-tasks notification token v1"
	keySize  = 32
)

// ErrEmptySecret is returned when no server secret is configured.
var ErrEmptySecret = errors.New("token secret cannot be empty")

// Deriver computes and verifies per-Task capability tokens.
type Deriver struct {
	key []byte
}

// NewDeriver returns a Deriver keyed by secret.
func NewDeriver(secret string) (*Deriver, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("failed to derive token key: %w", err)
	}
	return &Deriver{key: key}, nil
}

// Derive returns the token for taskID. It is a pure function of the secret
// and the id.
func (d *Deriver) Derive(taskID uuid.UUID) (string, error) {
	claims := jwt.RegisteredClaims{
		Subject:  taskID.String(),
		Audience: jwt.ClaimStrings{audience},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify reports whether token is exactly the token derived for taskID.
func (d *Deriver) Verify(taskID uuid.UUID, token string) bool {
	if token == "" {
		return false
	}
	expected, err := d.Derive(taskID)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(token)) == 1
}
