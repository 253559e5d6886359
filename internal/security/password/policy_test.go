package password

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestPolicyValidate(t *testing.T) {
	p := Policy{MinLength: 8, RequireUpper: true, RequireLower: true, RequireDigit: true}

	ok, reasons := p.Validate("Segura123")
	assert.True(t, ok)
	assert.Empty(t, reasons)

	ok, reasons = p.Validate("corta1A")
	assert.False(t, ok)
	assert.Contains(t, reasons, ReasonTooShort)

	ok, reasons = p.Validate("sinmayuscula1")
	assert.False(t, ok)
	assert.Contains(t, reasons, ReasonMissingUpper)

	ok, reasons = p.Validate("SINMINUSCULA1")
	assert.False(t, ok)
	assert.Contains(t, reasons, ReasonMissingLower)

	ok, reasons = p.Validate("SinNumeros")
	assert.False(t, ok)
	assert.Contains(t, reasons, ReasonMissingDigit)
}

func TestPolicySymbol(t *testing.T) {
	p := Policy{MinLength: 4, RequireSymbol: true}

	ok, _ := p.Validate("abc!")
	assert.True(t, ok)

	ok, reasons := p.Validate("abcd")
	assert.False(t, ok)
	assert.Equal(t, []string{ReasonMissingSymbol}, reasons)
}

func TestDescribeCoversAllReasons(t *testing.T) {
	for _, r := range []string{ReasonTooShort, ReasonMissingUpper, ReasonMissingLower, ReasonMissingDigit, ReasonMissingSymbol, ReasonBlacklisted} {
		assert.NotEqual(t, "contraseña inválida", Describe(r), "reason %s sin mensaje propio", r)
	}
}

func TestBlacklist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "comunes.txt")
	require.NoError(t, os.WriteFile(path, []byte("# comunes\npassword123\nQwerty2024\n\n"), 0o600))

	bl, err := LoadBlacklist(path)
	require.NoError(t, err)

	assert.True(t, bl.Contains("password123"))
	assert.True(t, bl.Contains("QWERTY2024"), "la comparación no distingue mayúsculas")
	assert.False(t, bl.Contains("# comunes"))
	assert.False(t, bl.Contains("otra-cosa"))
}

func TestBlacklistEmptyPath(t *testing.T) {
	bl, err := LoadBlacklist("")
	require.NoError(t, err)
	assert.False(t, bl.Contains("password123"))
}

func TestHashAndVerify(t *testing.T) {
	h, err := Hash("Segura123", bcrypt.MinCost)
	require.NoError(t, err)

	assert.True(t, Verify("Segura123", h))
	assert.False(t, Verify("otra", h))
}
