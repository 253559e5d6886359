package totp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Vectores RFC 6238 (apéndice B), secreto ASCII "12345678901234567890",
// truncados a 6 dígitos.
func TestCodeRFC6238Vectors(t *testing.T) {
	secret := []byte("12345678901234567890")
	cases := []struct {
		unix int64
		want string
	}{
		{59, "287082"},
		{1111111109, "081804"},
		{1111111111, "050471"},
		{1234567890, "005924"},
		{2000000000, "279037"},
		{20000000000, "353130"},
	}
	for _, c := range cases {
		got := Code(secret, time.Unix(c.unix, 0).UTC())
		assert.Equal(t, c.want, got, "t=%d", c.unix)
	}
}

func TestVerifyWindow(t *testing.T) {
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111111, 0).UTC()

	// código del paso actual
	ok, counter := Verify(secret, Code(secret, now), now, 1, nil)
	require.True(t, ok)
	assert.Equal(t, now.Unix()/30, counter)

	// paso anterior dentro de la ventana ±1
	prev := now.Add(-30 * time.Second)
	ok, counter = Verify(secret, Code(secret, prev), now, 1, nil)
	require.True(t, ok)
	assert.Equal(t, prev.Unix()/30, counter)

	// dos pasos atrás queda afuera
	ok, _ = Verify(secret, Code(secret, now.Add(-90*time.Second)), now, 1, nil)
	assert.False(t, ok)
}

func TestVerifyAntiReplay(t *testing.T) {
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111111, 0).UTC()
	code := Code(secret, now)

	ok, counter := Verify(secret, code, now, 1, nil)
	require.True(t, ok)

	// mismo código con el contador ya consumido
	ok, _ = Verify(secret, code, now, 1, &counter)
	assert.False(t, ok)
}

func TestVerifyRejectsMalformed(t *testing.T) {
	secret := []byte("12345678901234567890")
	now := time.Unix(1111111111, 0).UTC()
	for _, code := range []string{"", "12345", "1234567", "abcdef"} {
		ok, _ := Verify(secret, code, now, 1, nil)
		assert.False(t, ok, "code=%q", code)
	}
}

func TestSecretRoundTrip(t *testing.T) {
	raw, b32, err := GenerateSecret()
	require.NoError(t, err)
	assert.Len(t, raw, 20)
	assert.NotContains(t, b32, "=")

	dec, err := DecodeSecret(b32)
	require.NoError(t, err)
	assert.Equal(t, raw, dec)
}

func TestOTPAuthURL(t *testing.T) {
	u := OTPAuthURL("Solo a un Click", "ana@example.com", "JBSWY3DPEHPK3PXP")
	assert.True(t, strings.HasPrefix(u, "otpauth://totp/"))
	assert.Contains(t, u, "secret=JBSWY3DPEHPK3PXP")
	assert.Contains(t, u, "period=30")
	assert.Contains(t, u, "digits=6")
}
