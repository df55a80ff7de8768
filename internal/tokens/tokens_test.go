package tokens

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	token, err := Generate("fanout-usdf", "USDF fan-out service")

	require.NoError(t, err)
	require.NotNil(t, token)

	assert.True(t, strings.HasPrefix(token.Token, "activator_st_"))
	assert.Len(t, token.Token, 77)
	assert.Len(t, token.ID, 16)
	assert.Equal(t, "fanout-usdf", token.ClientID)
	assert.Equal(t, "USDF fan-out service", token.Name)
	assert.True(t, token.Active)
	assert.Nil(t, token.ExpiresAt)
	assert.False(t, token.CreatedAt.IsZero())
}

func TestGenerate_EmptyClientID(t *testing.T) {
	token, err := Generate("", "no client")

	require.ErrorIs(t, err, ErrClientIDEmpty)
	assert.Nil(t, token)
}

func TestGenerate_UniqueTokens(t *testing.T) {
	first, err := Generate("fanout", "")
	require.NoError(t, err)

	second, err := Generate("fanout", "")
	require.NoError(t, err)

	assert.NotEqual(t, first.Token, second.Token)
	assert.NotEqual(t, first.ID, second.ID)
}

func TestParse(t *testing.T) {
	valid := "activator_st_" + strings.Repeat("ab", 32)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{name: "valid token", token: valid},
		{name: "valid token with surrounding whitespace", token: "  " + valid + "\t"},
		{name: "empty", token: "", wantErr: true},
		{name: "wrong prefix", token: "correlator_ak_" + strings.Repeat("ab", 32), wantErr: true},
		{name: "too short", token: "activator_st_abcd", wantErr: true},
		{name: "too long", token: valid + "ff", wantErr: true},
		{name: "non-hex payload", token: "activator_st_" + strings.Repeat("zz", 32), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaned, err := Parse(tt.token)

			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidTokenFormat)
				assert.Empty(t, cleaned)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, valid, cleaned)
		})
	}
}

func TestMask(t *testing.T) {
	token, err := Generate("fanout", "")
	require.NoError(t, err)

	masked := Mask(token.Token)

	assert.True(t, strings.HasPrefix(masked, "activator_st_"))
	assert.Contains(t, masked, "...")
	assert.NotContains(t, masked, token.Token[17:len(token.Token)-4])
	assert.Equal(t, token.Token[len(token.Token)-4:], masked[len(masked)-4:])
}

func TestMask_ShortInput(t *testing.T) {
	assert.Equal(t, "", Mask(""))
	assert.Equal(t, "*****", Mask("short"))
}

func TestUsable(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	future := time.Now().Add(time.Hour)

	tests := []struct {
		name  string
		token ServiceToken
		want  bool
	}{
		{name: "active without expiry", token: ServiceToken{Active: true}, want: true},
		{name: "active before expiry", token: ServiceToken{Active: true, ExpiresAt: &future}, want: true},
		{name: "active past expiry", token: ServiceToken{Active: true, ExpiresAt: &past}, want: false},
		{name: "revoked", token: ServiceToken{Active: false}, want: false},
		{name: "revoked and expired", token: ServiceToken{Active: false, ExpiresAt: &past}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.token.Usable())
		})
	}
}
