package reset

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/soloaunclick/clave/internal/email"
	"github.com/soloaunclick/clave/internal/security/password"
	"github.com/soloaunclick/clave/internal/store/mem"
)

type sentMail struct {
	to, subject, html, text string
}

type captureSender struct {
	sent []sentMail
}

func (c *captureSender) Send(to, subject, html, text string) error {
	c.sent = append(c.sent, sentMail{to, subject, html, text})
	return nil
}

func testPolicy() password.Policy {
	return password.Policy{MinLength: 8, RequireUpper: true, RequireLower: true, RequireDigit: true, RequireSymbol: true}
}

func newTestFlow(t *testing.T) (*Flow, *mem.Store, *captureSender) {
	t.Helper()
	tpl, err := email.LoadTemplates("")
	require.NoError(t, err)
	store := mem.New()
	sender := &captureSender{}
	f := NewFlow(store, sender, tpl, Options{
		BaseURL:    "https://soloaunclick.com/recuperar",
		TTL:        time.Hour,
		BcryptCost: bcrypt.MinCost,
		Policy:     testPolicy(),
	})
	return f, store, sender
}

func mustRequest(t *testing.T, f *Flow, ctx context.Context, addr string) {
	t.Helper()
	link, err := f.Request(ctx, addr)
	require.NoError(t, err)
	require.NotEmpty(t, link)
}

// tokenFromMail extrae el token del cuerpo de texto del correo.
func tokenFromMail(t *testing.T, body string) string {
	t.Helper()
	i := strings.Index(body, "?token=")
	require.GreaterOrEqual(t, i, 0, "el correo debe contener el enlace con token")
	rest := body[i+len("?token="):]
	if j := strings.IndexAny(rest, " \n\r\t"); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

func TestRequestAndReset(t *testing.T) {
	f, store, sender := newTestFlow(t)
	ctx := context.Background()

	oldHash, err := password.Hash("ClaveVieja123!", bcrypt.MinCost)
	require.NoError(t, err)
	u, err := store.CreateUser(ctx, "maria@example.com", oldHash)
	require.NoError(t, err)

	mustRequest(t, f, ctx, "maria@example.com")
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "maria@example.com", sender.sent[0].to)

	tok := tokenFromMail(t, sender.sent[0].text)
	require.NoError(t, f.Reset(ctx, tok, "ClaveNueva456!"))

	updated, err := store.GetUserByID(ctx, u.ID)
	require.NoError(t, err)
	assert.True(t, password.Verify("ClaveNueva456!", updated.PasswordHash))
	assert.False(t, password.Verify("ClaveVieja123!", updated.PasswordHash))
}

func TestRequestUnknownEmailIsSilent(t *testing.T) {
	f, _, sender := newTestFlow(t)

	// Misma respuesta que para una cuenta existente, pero sin correo ni link.
	link, err := f.Request(context.Background(), "nadie@example.com")
	require.NoError(t, err)
	assert.Empty(t, link)
	assert.Empty(t, sender.sent)
}

func TestResetTokenSingleUse(t *testing.T) {
	f, store, sender := newTestFlow(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "maria@example.com", "x")
	require.NoError(t, err)
	mustRequest(t, f, ctx, "maria@example.com")
	tok := tokenFromMail(t, sender.sent[0].text)

	require.NoError(t, f.Reset(ctx, tok, "ClaveNueva456!"))
	err = f.Reset(ctx, tok, "OtraClave789!")
	assert.ErrorIs(t, err, ErrTokenUsed)
}

func TestResetBogusToken(t *testing.T) {
	f, _, _ := newTestFlow(t)
	err := f.Reset(context.Background(), "token-que-no-existe", "ClaveNueva456!")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestResetExpiredToken(t *testing.T) {
	f, store, sender := newTestFlow(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "maria@example.com", "x")
	require.NoError(t, err)
	mustRequest(t, f, ctx, "maria@example.com")
	tok := tokenFromMail(t, sender.sent[0].text)

	f.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	err = f.Reset(ctx, tok, "ClaveNueva456!")
	assert.ErrorIs(t, err, ErrTokenInvalid)
}

func TestNewRequestInvalidatesPrevious(t *testing.T) {
	f, store, sender := newTestFlow(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "maria@example.com", "x")
	require.NoError(t, err)

	mustRequest(t, f, ctx, "maria@example.com")
	mustRequest(t, f, ctx, "maria@example.com")
	require.Len(t, sender.sent, 2)

	first := tokenFromMail(t, sender.sent[0].text)
	second := tokenFromMail(t, sender.sent[1].text)
	require.NotEqual(t, first, second)

	assert.ErrorIs(t, f.Reset(ctx, first, "ClaveNueva456!"), ErrTokenInvalid)
	assert.NoError(t, f.Reset(ctx, second, "ClaveNueva456!"))
}

func TestResetRejectsWeakPassword(t *testing.T) {
	f, store, sender := newTestFlow(t)
	ctx := context.Background()

	_, err := store.CreateUser(ctx, "maria@example.com", "x")
	require.NoError(t, err)
	mustRequest(t, f, ctx, "maria@example.com")
	tok := tokenFromMail(t, sender.sent[0].text)

	var weak *WeakPasswordError
	err = f.Reset(ctx, tok, "corta")
	require.ErrorAs(t, err, &weak)
	assert.Contains(t, weak.Reasons, password.ReasonTooShort)

	// El token sigue vigente: la validación falló antes de consumirlo.
	assert.NoError(t, f.Reset(ctx, tok, "ClaveNueva456!"))
}

func TestResetRejectsBlacklistedPassword(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blacklist.txt")
	require.NoError(t, os.WriteFile(path, []byte("ClaveComun123!\n"), 0o600))
	bl, err := password.LoadBlacklist(path)
	require.NoError(t, err)

	tpl, err := email.LoadTemplates("")
	require.NoError(t, err)
	store := mem.New()
	sender := &captureSender{}
	f := NewFlow(store, sender, tpl, Options{
		BaseURL:    "https://soloaunclick.com/recuperar",
		BcryptCost: bcrypt.MinCost,
		Policy:     testPolicy(),
		Blacklist:  bl,
	})
	ctx := context.Background()

	_, err = store.CreateUser(ctx, "maria@example.com", "x")
	require.NoError(t, err)
	mustRequest(t, f, ctx, "maria@example.com")
	tok := tokenFromMail(t, sender.sent[0].text)

	var weak *WeakPasswordError
	err = f.Reset(ctx, tok, "ClaveComun123!")
	require.ErrorAs(t, err, &weak)
	assert.Contains(t, weak.Reasons, password.ReasonBlacklisted)
}

func TestResetClearsMFASession(t *testing.T) {
	f, store, sender := newTestFlow(t)
	ctx := context.Background()

	u, err := store.CreateUser(ctx, "maria@example.com", "x")
	require.NoError(t, err)
	require.NoError(t, store.SetMFASession(ctx, u.ID, "pendiente", time.Now().Add(10*time.Minute)))

	mustRequest(t, f, ctx, "maria@example.com")
	tok := tokenFromMail(t, sender.sent[0].text)
	require.NoError(t, f.Reset(ctx, tok, "ClaveNueva456!"))

	_, err = store.GetMFASession(ctx, u.ID)
	assert.Error(t, err)
}
