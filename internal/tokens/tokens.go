// Package tokens provides service token issuance, storage, and verification
// for the activator API. Only bcrypt hashes of tokens are ever persisted.
package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	tokenPrefix     = "activator_st_"
	randomBytesSize = 32

	// tokenLength is the full token length: prefix + 64 hex chars.
	tokenLength = len(tokenPrefix) + 2*randomBytesSize

	maskPrefixLen = 17 // Show "activator_st_1234"
	maskSuffixLen = 4
)

var (
	// ErrTokenAlreadyExists is returned when adding a token that already exists.
	ErrTokenAlreadyExists = errors.New("service token already exists")
	// ErrTokenNotFound is returned when operating on a non-existent token.
	ErrTokenNotFound = errors.New("service token not found")
	// ErrTokenNil is returned when a nil token is provided.
	ErrTokenNil = errors.New("service token cannot be nil")
	// ErrClientIDEmpty is returned when a client ID is empty during issuance.
	ErrClientIDEmpty = errors.New("client ID cannot be empty")
	// ErrInvalidTokenFormat is returned when a token doesn't match the expected format.
	ErrInvalidTokenFormat = errors.New("invalid service token format")
)

// ServiceToken identifies one client of the activator API, typically the
// next-visit fan-out service. The Token field carries the plaintext only on
// Add; stores return it masked.
type ServiceToken struct {
	ID        string     `json:"id"`
	Token     string     `json:"token"`
	ClientID  string     `json:"clientId"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Active    bool       `json:"active"`
}

// Store defines service token storage and lookup.
type Store interface {
	// FindByToken resolves a plaintext token to its stored record by hash
	// comparison. Returns (nil, false) when no active token matches.
	FindByToken(ctx context.Context, token string) (*ServiceToken, bool)

	// Add persists a new token. The plaintext in t.Token is hashed before
	// storage and never retrievable afterwards.
	Add(ctx context.Context, t *ServiceToken) error

	// Revoke deactivates a token by ID. Revoked tokens stop authenticating
	// but remain on record.
	Revoke(ctx context.Context, tokenID string) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// Generate creates a new random service token for a client. The returned
// token carries its plaintext; this is the only time the plaintext exists.
func Generate(clientID, name string) (*ServiceToken, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}

	raw := make([]byte, randomBytesSize)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate service token: %w", err)
	}

	id := make([]byte, 8)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("failed to generate token ID: %w", err)
	}

	return &ServiceToken{
		ID:        hex.EncodeToString(id),
		Token:     tokenPrefix + hex.EncodeToString(raw),
		ClientID:  clientID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
		Active:    true,
	}, nil
}

// Parse validates the format of a presented token and returns it cleaned.
// Format checking is cheap rejection only; it proves nothing about validity.
func Parse(token string) (string, error) {
	token = strings.TrimSpace(token)

	if token == "" {
		return "", ErrInvalidTokenFormat
	}

	if !strings.HasPrefix(token, tokenPrefix) {
		return "", fmt.Errorf("%w: missing %q prefix", ErrInvalidTokenFormat, tokenPrefix)
	}

	if len(token) != tokenLength {
		return "", fmt.Errorf("%w: expected %d characters, got %d", ErrInvalidTokenFormat, tokenLength, len(token))
	}

	if _, err := hex.DecodeString(token[len(tokenPrefix):]); err != nil {
		return "", fmt.Errorf("%w: non-hex payload", ErrInvalidTokenFormat)
	}

	return token, nil
}

// Mask redacts a token (or hash) for logging, keeping only a short prefix
// and suffix.
func Mask(token string) string {
	if token == "" {
		return ""
	}

	if len(token) <= maskPrefixLen+maskSuffixLen {
		return strings.Repeat("*", len(token))
	}

	return token[:maskPrefixLen] + "..." + token[len(token)-maskSuffixLen:]
}

// expired reports whether the token is past its expiry, if it has one.
func (t *ServiceToken) expired(now time.Time) bool {
	return t.ExpiresAt != nil && now.After(*t.ExpiresAt)
}

// Usable reports whether the token can authenticate right now.
func (t *ServiceToken) Usable() bool {
	return t.Active && !t.expired(time.Now())
}
