package tokens

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_AddAndFind(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	token, err := Generate("fanout", "primary")
	require.NoError(t, err)

	plaintext := token.Token

	require.NoError(t, store.Add(ctx, token))

	found, ok := store.FindByToken(ctx, plaintext)

	require.True(t, ok)
	assert.Equal(t, token.ID, found.ID)
	assert.Equal(t, "fanout", found.ClientID)
	assert.Equal(t, "primary", found.Name)
	assert.True(t, found.Active)

	// The stored record never returns the plaintext or the full hash.
	assert.NotEqual(t, plaintext, found.Token)
	assert.Contains(t, found.Token, "...")
}

func TestInMemoryStore_FindUnknownToken(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	token, err := Generate("fanout", "")
	require.NoError(t, err)
	require.NoError(t, store.Add(ctx, token))

	found, ok := store.FindByToken(ctx, "activator_st_"+strings.Repeat("00", 32))

	assert.False(t, ok)
	assert.Nil(t, found)
}

func TestInMemoryStore_FindEmptyToken(t *testing.T) {
	store := NewInMemoryStore()

	found, ok := store.FindByToken(context.Background(), "")

	assert.False(t, ok)
	assert.Nil(t, found)
}

func TestInMemoryStore_AddDuplicateID(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	token, err := Generate("fanout", "")
	require.NoError(t, err)

	require.NoError(t, store.Add(ctx, token))

	dup, err := Generate("fanout", "")
	require.NoError(t, err)

	dup.ID = token.ID

	assert.ErrorIs(t, store.Add(ctx, dup), ErrTokenAlreadyExists)
}

func TestInMemoryStore_AddNil(t *testing.T) {
	store := NewInMemoryStore()

	assert.ErrorIs(t, store.Add(context.Background(), nil), ErrTokenNil)
}

func TestInMemoryStore_Revoke(t *testing.T) {
	store := NewInMemoryStore()
	ctx := context.Background()

	token, err := Generate("fanout", "")
	require.NoError(t, err)

	plaintext := token.Token

	require.NoError(t, store.Add(ctx, token))
	require.NoError(t, store.Revoke(ctx, token.ID))

	// Revoked tokens no longer resolve, indistinguishable from unknown ones.
	_, ok := store.FindByToken(ctx, plaintext)
	assert.False(t, ok)
}

func TestInMemoryStore_RevokeUnknownID(t *testing.T) {
	store := NewInMemoryStore()

	assert.ErrorIs(t, store.Revoke(context.Background(), "no-such-id"), ErrTokenNotFound)
}

func TestInMemoryStore_ExpiredTokenStillResolves(t *testing.T) {
	// Expiry is an authentication decision, not a storage one: the store
	// returns the record and the caller checks Usable, so expired tokens can
	// be reported as 403 rather than a generic 401.
	store := NewInMemoryStore()
	ctx := context.Background()

	token, err := Generate("fanout", "")
	require.NoError(t, err)

	expired := time.Now().Add(-time.Hour)
	token.ExpiresAt = &expired
	plaintext := token.Token

	require.NoError(t, store.Add(ctx, token))

	found, ok := store.FindByToken(ctx, plaintext)

	require.True(t, ok)
	assert.False(t, found.Usable())
}

func TestInMemoryStore_HealthCheck(t *testing.T) {
	assert.NoError(t, NewInMemoryStore().HealthCheck(context.Background()))
}
