package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/soloaunclick/clave/internal/app"
	httpx "github.com/soloaunclick/clave/internal/http"
	"github.com/soloaunclick/clave/internal/http/helpers"
	"github.com/soloaunclick/clave/internal/observability/logger"
	"github.com/soloaunclick/clave/internal/rate"
	"github.com/soloaunclick/clave/internal/security/password"
	"github.com/soloaunclick/clave/internal/store/core"
)

// dummyHash absorbe el tiempo de bcrypt cuando el email no existe, para que
// el login no delate cuentas por timing.
const dummyHash = "$2a$12$R9h/cIPz0gi.URNNX3kh2OPST9/PgBkqquzi.Ss7KIUgO2t0jWMUW"

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Register da de alta una cuenta nueva.
func Register(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !helpers.EnforceRegistrationLimit(w, r, c.Rate) {
			return
		}
		var req registerRequest
		if !httpx.ReadJSON(w, r, &req) {
			return
		}
		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		if req.Email == "" || !strings.Contains(req.Email, "@") {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_email", "email inválido", 1103)
			return
		}

		pol := passwordPolicy(c)
		if ok, reasons := pol.Validate(req.Password); !ok {
			httpx.WriteError(w, http.StatusBadRequest, "weak_password", password.Describe(reasons[0]), 1104)
			return
		}

		hash, err := password.Hash(req.Password, c.Cfg.Auth.BcryptCost)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo procesar el alta", 1500)
			return
		}
		u, err := c.Store.CreateUser(r.Context(), req.Email, hash)
		if err != nil {
			if errors.Is(err, core.ErrConflict) {
				httpx.WriteError(w, http.StatusConflict, "email_taken", "ya existe una cuenta con ese email", 1101)
				return
			}
			logger.From(r.Context()).Error("alta de usuario falló", logger.Err(err))
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo procesar el alta", 1500)
			return
		}
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{
			"id":    u.ID,
			"email": u.Email,
		})
	}
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id,omitempty"`
}

// Login valida credenciales. Con MFA activo devuelve un mfa_token de 10
// minutos en lugar del access token; el cliente lo canjea en /mfa/verify.
func Login(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if !httpx.ReadJSON(w, r, &req) {
			return
		}
		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		if !helpers.EnforceLoginLimit(w, r, c.Rate, req.Email) {
			httpx.RecordLoginAttempt("blocked")
			return
		}
		rlKey := helpers.ClientIP(r) + ":" + req.Email

		u, err := c.Store.GetUserByEmail(r.Context(), req.Email)
		if err != nil {
			password.Verify(req.Password, dummyHash)
			failLogin(w, r, c, rlKey)
			return
		}
		if !password.Verify(req.Password, u.PasswordHash) || u.Status != "active" {
			failLogin(w, r, c, rlKey)
			return
		}

		if u.MFAEnabled {
			// Dispositivo de confianza: el segundo factor igual pasa por
			// /mfa/verify, pero sin pedir código.
			token, exp, err := c.MFA.BeginChallenge(r.Context(), u.ID)
			if err != nil {
				logger.From(r.Context()).Error("no se pudo iniciar el challenge mfa", logger.UserID(u.ID), logger.Err(err))
				httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo iniciar la verificación", 1500)
				return
			}
			httpx.RecordLoginAttempt("mfa_required")
			httpx.WriteJSON(w, http.StatusOK, map[string]any{
				"mfa_required": true,
				"mfa_token":    token,
				"user_id":      u.ID,
				"expires_at":   exp.UTC().Format(time.RFC3339),
			})
			return
		}

		c.Rate.RecordSuccess(r.Context(), rate.ActionLogin, rlKey, nil)
		httpx.RecordLoginAttempt("ok")
		writeAccessToken(w, r, c, u, "pwd")
	}
}

func failLogin(w http.ResponseWriter, r *http.Request, c *app.Container, rlKey string) {
	c.Rate.RecordFailure(r.Context(), rate.ActionLogin, rlKey, map[string]string{"ip": helpers.ClientIP(r)})
	httpx.RecordLoginAttempt("bad_credentials")
	httpx.WriteError(w, http.StatusUnauthorized, "invalid_credentials", "email o contraseña incorrectos", 1201)
}

// writeAccessToken emite el JWT final del login.
func writeAccessToken(w http.ResponseWriter, r *http.Request, c *app.Container, u *core.User, amr string) {
	tok, err := c.Issuer.Issue(u.ID, u.Email, amr, time.Now().UTC())
	if err != nil {
		logger.From(r.Context()).Error("no se pudo emitir el access token", logger.UserID(u.ID), logger.Err(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo emitir el token", 1500)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"access_token": tok,
		"token_type":   "Bearer",
		"expires_in":   int(c.Issuer.AccessTTL().Seconds()),
	})
}

func passwordPolicy(c *app.Container) password.Policy {
	p := c.Cfg.Security.PasswordPolicy
	return password.Policy{
		MinLength:     p.MinLength,
		RequireUpper:  p.RequireUpper,
		RequireLower:  p.RequireLower,
		RequireDigit:  p.RequireDigit,
		RequireSymbol: p.RequireSymbol,
	}
}
