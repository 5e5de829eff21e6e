package token

import (
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "a-test-secret-that-is-long-enough-to-use"

func TestNewDeriver(t *testing.T) {
	t.Parallel()

	_, err := NewDeriver("")
	assert.ErrorIs(t, err, ErrEmptySecret)

	d, err := NewDeriver(testSecret)
	require.NoError(t, err)
	assert.Len(t, d.key, keySize)
}

func TestDeriveIsDeterministic(t *testing.T) {
	t.Parallel()

	d1, err := NewDeriver(testSecret)
	require.NoError(t, err)
	d2, err := NewDeriver(testSecret)
	require.NoError(t, err)

	id := uuid.New()
	a, err := d1.Derive(id)
	require.NoError(t, err)
	b, err := d2.Derive(id)
	require.NoError(t, err)

	assert.Equal(t, a, b, "same secret and id must give the same token")
	assert.Len(t, strings.Split(a, "."), 3)
}

func TestDeriveDistinct(t *testing.T) {
	t.Parallel()

	d, _ := NewDeriver(testSecret)
	other, _ := NewDeriver(testSecret + "-rotated")

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := d.Derive(uuid.New())
		require.NoError(t, err)
		assert.False(t, seen[tok], "tokens must differ across tasks")
		seen[tok] = true
	}

	id := uuid.New()
	a, _ := d.Derive(id)
	b, _ := other.Derive(id)
	assert.NotEqual(t, a, b, "tokens must depend on the secret")
}

func TestVerify(t *testing.T) {
	t.Parallel()

	d, _ := NewDeriver(testSecret)
	id := uuid.New()
	tok, err := d.Derive(id)
	require.NoError(t, err)

	t.Run("exact token", func(t *testing.T) {
		assert.True(t, d.Verify(id, tok))
	})
	t.Run("other task", func(t *testing.T) {
		assert.False(t, d.Verify(uuid.New(), tok))
	})
	t.Run("empty", func(t *testing.T) {
		assert.False(t, d.Verify(id, ""))
	})
	t.Run("tampered", func(t *testing.T) {
		assert.False(t, d.Verify(id, tok+"x"))
	})
	t.Run("valid jwt for same subject from another key", func(t *testing.T) {
		forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:  id.String(),
			Audience: jwt.ClaimStrings{audience},
		}).SignedString([]byte(testSecret))
		require.NoError(t, err)
		assert.False(t, d.Verify(id, forged))
	})
}
