package jwt

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestIssuer(t *testing.T, ttl time.Duration) *Issuer {
	t.Helper()
	iss, err := NewIssuer(bytes.Repeat([]byte{0x42}, 32), "https://clave.soloaunclick.com", ttl)
	require.NoError(t, err)
	return iss
}

func TestIssueAndVerify(t *testing.T) {
	iss := newTestIssuer(t, 15*time.Minute)
	now := time.Now().UTC()

	raw, err := iss.Issue("user-1", "ana@example.com", "mfa", now)
	require.NoError(t, err)

	claims, err := iss.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "ana@example.com", claims.Email)
	assert.Equal(t, "mfa", claims.AMR)
	assert.NotEmpty(t, claims.ID)
	assert.WithinDuration(t, now.Add(15*time.Minute), claims.ExpiresAt.Time, time.Second)
}

func TestVerifyRejectsExpired(t *testing.T) {
	iss := newTestIssuer(t, time.Minute)

	raw, err := iss.Issue("user-1", "ana@example.com", "pwd", time.Now().UTC().Add(-2*time.Minute))
	require.NoError(t, err)

	_, err = iss.Verify(raw)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	a := newTestIssuer(t, time.Minute)
	b, err := NewIssuer(bytes.Repeat([]byte{0x99}, 32), "https://clave.soloaunclick.com", time.Minute)
	require.NoError(t, err)

	raw, err := a.Issue("user-1", "ana@example.com", "pwd", time.Now().UTC())
	require.NoError(t, err)

	_, err = b.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsWrongIssuer(t *testing.T) {
	a := newTestIssuer(t, time.Minute)
	b, err := NewIssuer(bytes.Repeat([]byte{0x42}, 32), "https://otro-emisor.example.com", time.Minute)
	require.NoError(t, err)

	raw, err := a.Issue("user-1", "ana@example.com", "pwd", time.Now().UTC())
	require.NoError(t, err)

	_, err = b.Verify(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsGarbage(t *testing.T) {
	iss := newTestIssuer(t, time.Minute)
	_, err := iss.Verify("ni.siquiera.jwt")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewIssuerRequiresStrongSecret(t *testing.T) {
	_, err := NewIssuer([]byte("corto"), "x", time.Minute)
	assert.Error(t, err)
}
