package mfa

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soloaunclick/clave/internal/security/secretbox"
	"github.com/soloaunclick/clave/internal/security/totp"
	"github.com/soloaunclick/clave/internal/store/mem"
)

var testBase = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) (*Engine, *mem.Store, string) {
	t.Helper()
	require.NoError(t, secretbox.UnsafeSetMasterKeyForTests(bytes.Repeat([]byte{0xA5}, 32)))
	t.Cleanup(secretbox.UnsafeResetForTests)

	store := mem.New()
	u, err := store.CreateUser(context.Background(), "maria@example.com", "hash")
	require.NoError(t, err)

	e := NewEngine(store, Options{})
	e.now = func() time.Time { return testBase }
	return e, store, u.ID
}

// enroll completa el enrolamiento y devuelve el secreto crudo y los códigos
// de respaldo.
func enroll(t *testing.T, e *Engine, userID string) ([]byte, []string) {
	t.Helper()
	ctx := context.Background()
	setup, err := e.GenerateSetup(ctx, userID)
	require.NoError(t, err)

	raw, err := totp.DecodeSecret(setup.SecretB32)
	require.NoError(t, err)

	codes, err := e.ConfirmSetup(ctx, userID, totp.Code(raw, testBase))
	require.NoError(t, err)
	return raw, codes
}

func TestGenerateSetup(t *testing.T) {
	e, _, userID := newTestEngine(t)
	setup, err := e.GenerateSetup(context.Background(), userID)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(setup.QRDataURL, "data:image/png;base64,"))
	assert.Contains(t, setup.OTPAuthURL, "otpauth://totp/")
	assert.Contains(t, setup.OTPAuthURL, "issuer=Solo+a+un+Click")
	_, err = totp.DecodeSecret(setup.SecretB32)
	assert.NoError(t, err)
}

func TestConfirmSetupActivatesAndIssuesBackupCodes(t *testing.T) {
	e, store, userID := newTestEngine(t)
	_, codes := enroll(t, e, userID)

	require.Len(t, codes, 10)
	for _, c := range codes {
		assert.Regexp(t, `^[0-9a-f]{8}$`, c)
	}
	u, err := store.GetUserByID(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, u.MFAEnabled)
	assert.Equal(t, "totp", u.MFAMethod)
}

func TestConfirmSetupRejectsWrongCode(t *testing.T) {
	e, _, userID := newTestEngine(t)
	ctx := context.Background()
	_, err := e.GenerateSetup(ctx, userID)
	require.NoError(t, err)

	_, err = e.ConfirmSetup(ctx, userID, "000000")
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestGenerateSetupRejectsAlreadyEnrolled(t *testing.T) {
	e, _, userID := newTestEngine(t)
	enroll(t, e, userID)

	_, err := e.GenerateSetup(context.Background(), userID)
	assert.ErrorIs(t, err, ErrAlreadyEnrolled)
}

func TestVerifyWithTOTP(t *testing.T) {
	e, _, userID := newTestEngine(t)
	raw, _ := enroll(t, e, userID)
	ctx := context.Background()

	// Un paso después del confirm para no chocar con el anti-replay.
	e.now = func() time.Time { return testBase.Add(60 * time.Second) }
	token, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)

	res, err := e.Verify(ctx, userID, token, totp.Code(raw, e.now()), "")
	require.NoError(t, err)
	assert.Equal(t, "totp", res.Method)
}

func TestVerifyRejectsReplayedCode(t *testing.T) {
	e, _, userID := newTestEngine(t)
	raw, _ := enroll(t, e, userID)
	ctx := context.Background()

	e.now = func() time.Time { return testBase.Add(60 * time.Second) }
	code := totp.Code(raw, e.now())

	token, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	_, err = e.Verify(ctx, userID, token, code, "")
	require.NoError(t, err)

	// Mismo código dentro del mismo paso: replay.
	token, _, err = e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	_, err = e.Verify(ctx, userID, token, code, "")
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestVerifyAcceptsPreviousStep(t *testing.T) {
	e, _, userID := newTestEngine(t)
	raw, _ := enroll(t, e, userID)
	ctx := context.Background()

	now := testBase.Add(120 * time.Second)
	e.now = func() time.Time { return now }
	token, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)

	// Código del paso anterior (reloj del usuario atrasado 30s).
	res, err := e.Verify(ctx, userID, token, totp.Code(raw, now.Add(-30*time.Second)), "")
	require.NoError(t, err)
	assert.Equal(t, "totp", res.Method)
}

func TestVerifySessionTokenSingleUse(t *testing.T) {
	e, _, userID := newTestEngine(t)
	raw, _ := enroll(t, e, userID)
	ctx := context.Background()

	e.now = func() time.Time { return testBase.Add(60 * time.Second) }
	token, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	_, err = e.Verify(ctx, userID, token, totp.Code(raw, e.now()), "")
	require.NoError(t, err)

	// El token quedó consumido.
	e.now = func() time.Time { return testBase.Add(120 * time.Second) }
	_, err = e.Verify(ctx, userID, token, totp.Code(raw, e.now()), "")
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestVerifyExpiredSession(t *testing.T) {
	e, _, userID := newTestEngine(t)
	raw, _ := enroll(t, e, userID)
	ctx := context.Background()

	token, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)

	e.now = func() time.Time { return testBase.Add(11 * time.Minute) }
	_, err = e.Verify(ctx, userID, token, totp.Code(raw, e.now()), "")
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestVerifyWrongSessionToken(t *testing.T) {
	e, _, userID := newTestEngine(t)
	raw, _ := enroll(t, e, userID)
	ctx := context.Background()

	_, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	_, err = e.Verify(ctx, userID, "otro-token", totp.Code(raw, e.now()), "")
	assert.ErrorIs(t, err, ErrChallengeInvalid)
}

func TestVerifyWithBackupCode(t *testing.T) {
	e, _, userID := newTestEngine(t)
	_, codes := enroll(t, e, userID)
	ctx := context.Background()

	token, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	res, err := e.Verify(ctx, userID, token, codes[0], "")
	require.NoError(t, err)
	assert.Equal(t, "backup_code", res.Method)
	assert.Equal(t, 9, res.RemainingBackupCodes)

	// Un código de respaldo no se puede reutilizar.
	token, _, err = e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	_, err = e.Verify(ctx, userID, token, codes[0], "")
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestVerifyWithTrustedDevice(t *testing.T) {
	e, _, userID := newTestEngine(t)
	enroll(t, e, userID)
	ctx := context.Background()

	require.NoError(t, e.TrustDevice(ctx, userID, "hash-disp-1", "Notebook", "desktop", "Mozilla/5.0", "10.0.0.1"))

	token, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	res, err := e.Verify(ctx, userID, token, "", "hash-disp-1")
	require.NoError(t, err)
	assert.Equal(t, "trusted_device", res.Method)
}

func TestTrustedDeviceExpires(t *testing.T) {
	e, _, userID := newTestEngine(t)
	enroll(t, e, userID)
	ctx := context.Background()

	require.NoError(t, e.TrustDevice(ctx, userID, "hash-disp-1", "Notebook", "desktop", "", ""))

	e.now = func() time.Time { return testBase.Add(31 * 24 * time.Hour) }
	token, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	_, err = e.Verify(ctx, userID, token, "", "hash-disp-1")
	assert.ErrorIs(t, err, ErrCodeInvalid)
}

func TestRotateBackupCodesInvalidatesOld(t *testing.T) {
	e, _, userID := newTestEngine(t)
	_, oldCodes := enroll(t, e, userID)
	ctx := context.Background()

	newCodes, err := e.RotateBackupCodes(ctx, userID)
	require.NoError(t, err)
	require.Len(t, newCodes, 10)

	token, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	_, err = e.Verify(ctx, userID, token, oldCodes[0], "")
	assert.ErrorIs(t, err, ErrCodeInvalid)

	token, _, err = e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	res, err := e.Verify(ctx, userID, token, newCodes[0], "")
	require.NoError(t, err)
	assert.Equal(t, "backup_code", res.Method)
}

func TestRemainingBackupCodes(t *testing.T) {
	e, _, userID := newTestEngine(t)
	_, codes := enroll(t, e, userID)
	ctx := context.Background()

	n, err := e.RemainingBackupCodes(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	token, _, err := e.BeginChallenge(ctx, userID)
	require.NoError(t, err)
	_, err = e.Verify(ctx, userID, token, codes[3], "")
	require.NoError(t, err)

	n, err = e.RemainingBackupCodes(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

func TestDisable(t *testing.T) {
	e, store, userID := newTestEngine(t)
	raw, _ := enroll(t, e, userID)
	ctx := context.Background()

	e.now = func() time.Time { return testBase.Add(60 * time.Second) }
	require.NoError(t, e.Disable(ctx, userID, totp.Code(raw, e.now())))

	u, err := store.GetUserByID(ctx, userID)
	require.NoError(t, err)
	assert.False(t, u.MFAEnabled)

	_, err = store.GetMFATOTP(ctx, userID)
	assert.Error(t, err)
}

func TestDisableRejectsWrongCode(t *testing.T) {
	e, store, userID := newTestEngine(t)
	enroll(t, e, userID)

	err := e.Disable(context.Background(), userID, "000000")
	assert.ErrorIs(t, err, ErrCodeInvalid)

	u, err2 := store.GetUserByID(context.Background(), userID)
	require.NoError(t, err2)
	assert.True(t, u.MFAEnabled)
}
