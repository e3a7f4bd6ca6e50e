package util

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomIDAlphabet(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 500; i++ {
		id, err := RandomID(10)
		require.NoError(t, err)
		require.Len(t, id, 10)
		for _, r := range id {
			assert.True(t, strings.ContainsRune(base62Chars, r), "unexpected rune %q", r)
		}
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
}

func TestGenIDRetriesOnCollision(t *testing.T) {
	attempts := 0
	id, err := GenID(8, func(string) (bool, error) {
		attempts++
		return attempts < 3, nil
	})
	require.NoError(t, err)
	assert.Len(t, id, 8)
	assert.Equal(t, 3, attempts)
}

func TestGenIDExhausted(t *testing.T) {
	_, err := GenID(8, func(string) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, ErrIDExhausted)
}

func TestGenIDPropagatesClaimError(t *testing.T) {
	boom := errors.New("disk full")
	_, err := GenID(0, func(string) (bool, error) { return false, boom })
	assert.ErrorIs(t, err, boom)
}

func TestRequestID(t *testing.T) {
	ctx := SetRequestID(context.Background(), "abc")
	assert.Equal(t, "abc", GetRequestID(ctx))
	assert.Empty(t, GetRequestID(context.Background()))

	kept := "8b0c8f0e-6a55-4d7c-9a0a-3a8d7c2b1f00"
	assert.Equal(t, kept, NewRequestID(kept))
	assert.NotEqual(t, "not-a-uuid", NewRequestID("not-a-uuid"))
}

func TestRedaction(t *testing.T) {
	assert.Equal(t, "[REDACTED 12 bytes]", RedactPasteContent("short secret"))
	long := "sk_live_0123456789 middle part é tail-secret"
	redacted := RedactPasteContent(long)
	assert.NotContains(t, redacted, "sk_live")
	assert.NotContains(t, redacted, "secret")
	assert.True(t, utf8.ValidString(RedactPasteContent(strings.Repeat("é", 15))))
	assert.Equal(t, "192.168.1.0", RedactIP("192.168.1.77:5555"))
	assert.True(t, strings.HasPrefix(RedactIP("not-an-ip"), "hash:"))

	dsn := RedactSecret("postgres://app:hunter2@db:5432/pastes")
	assert.NotContains(t, dsn, "hunter2")
	assert.Contains(t, dsn, "app:[REDACTED]@")
	assert.NotContains(t, RedactSecret("password=hunter2 host=db"), "hunter2")
}
