package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	rdb "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/soloaunclick/clave/internal/app"
	"github.com/soloaunclick/clave/internal/config"
	"github.com/soloaunclick/clave/internal/email"
	jwtx "github.com/soloaunclick/clave/internal/jwt"
	"github.com/soloaunclick/clave/internal/mfa"
	"github.com/soloaunclick/clave/internal/rate"
	"github.com/soloaunclick/clave/internal/reset"
	"github.com/soloaunclick/clave/internal/security/password"
	"github.com/soloaunclick/clave/internal/security/secretbox"
	"github.com/soloaunclick/clave/internal/security/totp"
	"github.com/soloaunclick/clave/internal/store/mem"
)

type captureSender struct {
	mu   sync.Mutex
	last struct {
		To, Subject, HTML, Text string
	}
}

func (s *captureSender) Send(to, subject, htmlBody, textBody string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last.To, s.last.Subject, s.last.HTML, s.last.Text = to, subject, htmlBody, textBody
	return nil
}

var tokenRe = regexp.MustCompile(`token=([A-Za-z0-9_-]+)`)

func (s *captureSender) token(t *testing.T) string {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	m := tokenRe.FindStringSubmatch(s.last.Text)
	require.Len(t, m, 2, "el correo debería traer el link con token")
	return m[1]
}

// newTestContainer arma un contenedor con store en memoria y rate limiting
// deshabilitado, suficiente para ejercitar los handlers de punta a punta.
func newTestContainer(t *testing.T) (*app.Container, *captureSender) {
	t.Helper()
	require.NoError(t, secretbox.UnsafeSetMasterKeyForTests(bytes.Repeat([]byte{0xC3}, 32)))
	t.Cleanup(secretbox.UnsafeResetForTests)

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Auth.BcryptCost = bcrypt.MinCost
	cfg.Server.AdminAPIKey = "clave-admin-test"

	store := mem.New()
	issuer, err := jwtx.NewIssuer(bytes.Repeat([]byte{0x11}, 32), cfg.JWT.Issuer, 15*time.Minute)
	require.NoError(t, err)

	sender := &captureSender{}
	tpl, err := email.LoadTemplates("")
	require.NoError(t, err)
	bl, err := password.LoadBlacklist("")
	require.NoError(t, err)

	c := &app.Container{
		Cfg:    cfg,
		Store:  store,
		Issuer: issuer,
		Rate:   rate.New(nil, "", rate.DefaultPolicies(), false),
		MFA:    mfa.NewEngine(store, mfa.Options{}),
		Sender: sender,
		Reset: reset.NewFlow(store, sender, tpl, reset.Options{
			BaseURL:    "https://soloaunclick.com/recuperar",
			TTL:        time.Hour,
			BcryptCost: bcrypt.MinCost,
			Policy:     password.Policy{MinLength: 8, RequireUpper: true, RequireDigit: true},
			Blacklist:  bl,
		}),
	}
	return c, sender
}

// newLimitedContainer es la variante con el limiter activo contra miniredis,
// para los tests que ejercitan cuotas y eventos de seguridad.
func newLimitedContainer(t *testing.T) (*app.Container, *captureSender) {
	t.Helper()
	c, sender := newTestContainer(t)
	mr := miniredis.RunT(t)
	client := rdb.NewClient(&rdb.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	c.Rate = rate.New(client, "test:rl:", nil, true)
	return c, sender
}

func doJSON(t *testing.T, h http.HandlerFunc, method, target string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	var body *bytes.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		require.NoError(t, err)
		body = bytes.NewReader(b)
	} else {
		body = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func registerUser(t *testing.T, c *app.Container, emailAddr, pwd string) string {
	t.Helper()
	rec := doJSON(t, Register(c), http.MethodPost, "/v1/auth/register", map[string]string{
		"email": emailAddr, "password": pwd,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody(t, rec)["id"].(string)
}

func TestRegister(t *testing.T) {
	c, _ := newTestContainer(t)

	rec := doJSON(t, Register(c), http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "Ana@Example.com", "password": "Segura123!",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ana@example.com", body["email"], "el email se normaliza a minúsculas")

	// duplicado
	rec = doJSON(t, Register(c), http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "ana@example.com", "password": "Segura123!",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, float64(1101), decodeBody(t, rec)["error_code"])

	// contraseña débil
	rec = doJSON(t, Register(c), http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "otra@example.com", "password": "corta",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(1104), decodeBody(t, rec)["error_code"])

	// email inválido
	rec = doJSON(t, Register(c), http.MethodPost, "/v1/auth/register", map[string]string{
		"email": "sin-arroba", "password": "Segura123!",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin(t *testing.T) {
	c, _ := newTestContainer(t)
	registerUser(t, c, "ana@example.com", "Segura123!")

	rec := doJSON(t, Login(c), http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "ana@example.com", "password": "Segura123!",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "Bearer", body["token_type"])

	// el token emitido pasa RequireAuth
	claims, err := c.Issuer.Verify(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "pwd", claims.AMR)

	// contraseña incorrecta y cuenta inexistente responden igual
	for _, creds := range []map[string]string{
		{"email": "ana@example.com", "password": "incorrecta1A!"},
		{"email": "nadie@example.com", "password": "Segura123!"},
	} {
		rec = doJSON(t, Login(c), http.MethodPost, "/v1/auth/login", creds)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Equal(t, float64(1201), decodeBody(t, rec)["error_code"])
	}
}

func TestLoginWithMFAAndBackupCode(t *testing.T) {
	c, _ := newTestContainer(t)
	userID := registerUser(t, c, "ana@example.com", "Segura123!")
	ctx := context.Background()

	// enrolar TOTP directo contra el engine
	setup, err := c.MFA.GenerateSetup(ctx, userID)
	require.NoError(t, err)
	codes := confirmEnrollment(t, c, userID, setup.SecretB32)
	require.Len(t, codes, 10)

	// el login ahora pide segundo factor
	rec := doJSON(t, Login(c), http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "ana@example.com", "password": "Segura123!",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	require.Equal(t, true, body["mfa_required"])
	mfaToken := body["mfa_token"].(string)
	require.NotEmpty(t, mfaToken)
	assert.Equal(t, userID, body["user_id"])

	// canje con código de respaldo
	rec = doJSON(t, MFAVerify(c), http.MethodPost, "/v1/mfa/verify", map[string]any{
		"user_id": userID, "mfa_token": mfaToken, "code": codes[0],
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body = decodeBody(t, rec)
	assert.NotEmpty(t, body["access_token"])
	assert.Equal(t, "backup_code", body["method"])
	assert.Equal(t, float64(9), body["remaining_backup_codes"])

	claims, err := c.Issuer.Verify(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "mfa", claims.AMR)

	// el mfa_token es de un solo uso
	rec = doJSON(t, MFAVerify(c), http.MethodPost, "/v1/mfa/verify", map[string]any{
		"user_id": userID, "mfa_token": mfaToken, "code": codes[1],
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestForgotAndReset(t *testing.T) {
	c, sender := newTestContainer(t)
	registerUser(t, c, "ana@example.com", "Segura123!")

	rec := doJSON(t, ForgotPassword(c), http.MethodPost, "/v1/auth/forgot", map[string]string{
		"email": "ana@example.com",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	token := sender.token(t)

	// cuenta inexistente: misma respuesta, sin filtrar nada
	rec = doJSON(t, ForgotPassword(c), http.MethodPost, "/v1/auth/forgot", map[string]string{
		"email": "nadie@example.com",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, ResetPassword(c), http.MethodPost, "/v1/auth/reset", map[string]string{
		"token": token, "password": "NuevaClave9!",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// el token no se puede reutilizar
	rec = doJSON(t, ResetPassword(c), http.MethodPost, "/v1/auth/reset", map[string]string{
		"token": token, "password": "OtraClave77!",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, float64(1302), decodeBody(t, rec)["error_code"])

	// login con la contraseña nueva
	rec = doJSON(t, Login(c), http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "ana@example.com", "password": "NuevaClave9!",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// token inventado
	rec = doJSON(t, ResetPassword(c), http.MethodPost, "/v1/auth/reset", map[string]string{
		"token": "no-existe", "password": "NuevaClave9!",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, float64(1301), decodeBody(t, rec)["error_code"])
}

func TestResetConfirmRateLimited(t *testing.T) {
	c, _ := newLimitedContainer(t)
	registerUser(t, c, "ana@example.com", "Segura123!")

	// Tokens inventados: tres intentos pasan la cuota (password_reset 3/1h),
	// el cuarto desde la misma IP recibe 429.
	for i := 0; i < 3; i++ {
		rec := doJSON(t, ResetPassword(c), http.MethodPost, "/v1/auth/reset", map[string]string{
			"token": "adivinado", "password": "NuevaClave9!",
		})
		require.Equal(t, http.StatusBadRequest, rec.Code, "intento %d", i+1)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	}
	rec := doJSON(t, ResetPassword(c), http.MethodPost, "/v1/auth/reset", map[string]string{
		"token": "adivinado", "password": "NuevaClave9!",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, float64(1401), decodeBody(t, rec)["error_code"])
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// Cada token rechazado quedó en el historial de la IP.
	evs, err := c.Rate.Events(context.Background(), rate.ActionPasswordReset, "192.0.2.1", 0)
	require.NoError(t, err)
	var failures int
	for _, e := range evs {
		if e.Event == "failure" {
			failures++
		}
	}
	assert.GreaterOrEqual(t, failures, 3)
}

func TestMFAVerifyFailureRecorded(t *testing.T) {
	c, _ := newLimitedContainer(t)
	userID := registerUser(t, c, "ana@example.com", "Segura123!")
	setup, err := c.MFA.GenerateSetup(context.Background(), userID)
	require.NoError(t, err)
	confirmEnrollment(t, c, userID, setup.SecretB32)

	rec := doJSON(t, Login(c), http.MethodPost, "/v1/auth/login", map[string]string{
		"email": "ana@example.com", "password": "Segura123!",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	mfaToken := decodeBody(t, rec)["mfa_token"].(string)

	rec = doJSON(t, MFAVerify(c), http.MethodPost, "/v1/mfa/verify", map[string]any{
		"user_id": userID, "mfa_token": mfaToken, "code": "000000",
	})
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	evs, err := c.Rate.Events(context.Background(), rate.ActionMFA, userID+":192.0.2.1", 0)
	require.NoError(t, err)
	require.NotEmpty(t, evs)
	assert.Equal(t, "failure", evs[0].Event)
}

func TestRequireAuth(t *testing.T) {
	c, _ := newTestContainer(t)
	userID := registerUser(t, c, "ana@example.com", "Segura123!")

	var gotUserID string
	protected := RequireAuth(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = UserIDFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	// sin token
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/mfa/backup-codes", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// token basura
	req := httptest.NewRequest(http.MethodGet, "/v1/mfa/backup-codes", nil)
	req.Header.Set("Authorization", "Bearer basura")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// token válido
	tok, err := c.Issuer.Issue(userID, "ana@example.com", "pwd", time.Now().UTC())
	require.NoError(t, err)
	req = httptest.NewRequest(http.MethodGet, "/v1/mfa/backup-codes", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, userID, gotUserID)
}

func TestRequireAdminKey(t *testing.T) {
	c, _ := newTestContainer(t)

	protected := RequireAdminKey(c)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/admin/security/stats", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/admin/security/stats", nil)
	req.Header.Set("X-Admin-Key", "clave-admin-test")
	rec = httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

// confirmEnrollment cierra el alta TOTP generando el código del autenticador
// a partir del secreto del QR.
func confirmEnrollment(t *testing.T, c *app.Container, userID, secretB32 string) []string {
	t.Helper()
	raw, err := totp.DecodeSecret(secretB32)
	require.NoError(t, err)
	codes, err := c.MFA.ConfirmSetup(context.Background(), userID, totp.Code(raw, time.Now().UTC()))
	require.NoError(t, err)
	return codes
}
