package tokens

import (
	"crypto/sha256"
	"encoding/base64"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateOpaqueToken(t *testing.T) {
	a, err := GenerateOpaqueToken(32)
	require.NoError(t, err)
	b, err := GenerateOpaqueToken(32)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	raw, err := base64.RawURLEncoding.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
}

func TestGenerateBackupCode(t *testing.T) {
	re := regexp.MustCompile(`^[0-9a-f]{8}$`)
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		c, err := GenerateBackupCode()
		require.NoError(t, err)
		assert.Regexp(t, re, c)
		seen[c] = true
	}
	assert.Greater(t, len(seen), 45, "los códigos deberían ser casi todos distintos")
}

func TestHashes(t *testing.T) {
	sum := sha256.Sum256([]byte("hola"))

	assert.Equal(t, sum[:], SHA256Raw("hola"))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), SHA256Base64URL("hola"))
	assert.Len(t, SHA256Hex("hola"), 64)
}
