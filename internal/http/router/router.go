// Package router arma el chi.Router con la cadena de middlewares y todas las
// rutas del servicio.
package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/soloaunclick/clave/internal/app"
	httpx "github.com/soloaunclick/clave/internal/http"
	"github.com/soloaunclick/clave/internal/http/handlers"
)

// Deps son las dependencias del router.
type Deps struct {
	Container *app.Container
	Metrics   http.Handler // nil deshabilita /metrics
}

// New construye el handler raíz.
// Orden de middlewares: RequestID → Recover → SecurityHeaders → CORS →
// Metrics → Logging → rate limit de API.
func New(d Deps) http.Handler {
	c := d.Container
	r := chi.NewRouter()

	r.Use(
		httpx.WithRequestID,
		httpx.WithRecover,
		httpx.WithSecurityHeaders,
		func(next http.Handler) http.Handler { return httpx.WithCORS(next, c.Cfg.Server.CORSAllowedOrigins) },
		httpx.WithMetrics,
		httpx.WithLogging,
		func(next http.Handler) http.Handler { return httpx.WithAPIRateLimit(next, c.Rate) },
	)

	// Salud y métricas
	r.Get("/healthz", handlers.Healthz())
	r.Get("/readyz", handlers.Readyz(c))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	// Auth clásica
	r.Post("/v1/auth/register", handlers.Register(c))
	r.Post("/v1/auth/login", handlers.Login(c))
	r.Post("/v1/auth/forgot", handlers.ForgotPassword(c))
	r.Post("/v1/auth/reset", handlers.ResetPassword(c))

	// MFA: verify es público (va con mfa_token), el resto exige JWT.
	r.Post("/v1/mfa/verify", handlers.MFAVerify(c))
	r.Group(func(r chi.Router) {
		r.Use(handlers.RequireAuth(c))
		r.Post("/v1/mfa/setup", handlers.MFASetup(c))
		r.Post("/v1/mfa/confirm", handlers.MFAConfirm(c))
		r.Get("/v1/mfa/backup-codes", handlers.MFABackupCodes(c))
		r.Post("/v1/mfa/backup-codes/rotate", handlers.MFARotateBackupCodes(c))
		r.Post("/v1/mfa/disable", handlers.MFADisable(c))
	})

	// WebAuthn: el login es público, el registro exige JWT.
	r.Post("/v1/webauthn/login/begin", handlers.WebAuthnLoginBegin(c))
	r.Post("/v1/webauthn/login/finish", handlers.WebAuthnLoginFinish(c))
	r.Group(func(r chi.Router) {
		r.Use(handlers.RequireAuth(c))
		r.Post("/v1/webauthn/register/begin", handlers.WebAuthnRegisterBegin(c))
		r.Post("/v1/webauthn/register/finish", handlers.WebAuthnRegisterFinish(c))
		r.Get("/v1/webauthn/credentials", handlers.WebAuthnCredentials(c))
	})

	// Administración de seguridad (X-Admin-Key)
	r.Group(func(r chi.Router) {
		r.Use(handlers.RequireAdminKey(c))
		r.Get("/v1/admin/security/stats", handlers.SecurityStats(c))
		r.Get("/v1/admin/security/{action}/blocked", handlers.SecurityBlocked(c))
		r.Get("/v1/admin/security/{action}/events", handlers.SecurityEvents(c))
		r.Post("/v1/admin/security/unblock", handlers.SecurityUnblock(c))
	})

	return r
}
