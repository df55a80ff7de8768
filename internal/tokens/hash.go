package tokens

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost 10 is roughly 60ms per comparison, slow enough to blunt
	// brute force without hurting the request path noticeably.
	bcryptCost  = 10
	bcryptLimit = 72
)

// Hash produces the bcrypt hash stored in place of a plaintext token.
//
// Tokens exceed bcrypt's 72-byte input limit, so the plaintext is pre-hashed
// with SHA-256 first. Compare must mirror this preparation exactly.
func Hash(token string) (string, error) {
	if token == "" {
		return "", ErrTokenNil
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(token), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash service token: %w", err)
	}

	return string(hash), nil
}

// Compare checks a plaintext token against a stored bcrypt hash. Returns
// false on any error, including malformed hashes.
func Compare(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(token)) == nil
}

func bcryptInput(token string) []byte {
	if len(token) <= bcryptLimit {
		return []byte(token)
	}

	sum := sha256.Sum256([]byte(token))

	return sum[:]
}
