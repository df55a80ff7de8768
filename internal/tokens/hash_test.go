package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashAndCompare(t *testing.T) {
	token, err := Generate("fanout", "")
	require.NoError(t, err)

	hash, err := Hash(token.Token)
	require.NoError(t, err)

	assert.NotEqual(t, token.Token, hash)
	assert.True(t, Compare(hash, token.Token))
	assert.False(t, Compare(hash, token.Token+"x"))
}

func TestHash_EmptyToken(t *testing.T) {
	hash, err := Hash("")

	require.ErrorIs(t, err, ErrTokenNil)
	assert.Empty(t, hash)
}

func TestHash_Salted(t *testing.T) {
	token, err := Generate("fanout", "")
	require.NoError(t, err)

	first, err := Hash(token.Token)
	require.NoError(t, err)

	second, err := Hash(token.Token)
	require.NoError(t, err)

	// bcrypt salts every hash; both must still verify.
	assert.NotEqual(t, first, second)
	assert.True(t, Compare(first, token.Token))
	assert.True(t, Compare(second, token.Token))
}

func TestHash_InputLongerThanBcryptLimit(t *testing.T) {
	// Service tokens are 77 characters, past bcrypt's 72-byte limit. Without
	// pre-hashing, bcrypt would silently truncate and two tokens sharing the
	// first 72 bytes would verify against each other's hashes.
	base := "activator_st_" + strings.Repeat("a", 64)
	other := base[:72] + strings.Repeat("b", len(base)-72)

	hash, err := Hash(base)
	require.NoError(t, err)

	assert.True(t, Compare(hash, base))
	assert.False(t, Compare(hash, other))
}

func TestCompare_MalformedHash(t *testing.T) {
	assert.False(t, Compare("not-a-bcrypt-hash", "activator_st_whatever"))
	assert.False(t, Compare("", "token"))
	assert.False(t, Compare("$2a$10$abcdefg", ""))
}
