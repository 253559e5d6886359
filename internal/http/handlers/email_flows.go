package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/soloaunclick/clave/internal/app"
	httpx "github.com/soloaunclick/clave/internal/http"
	"github.com/soloaunclick/clave/internal/http/helpers"
	"github.com/soloaunclick/clave/internal/observability/logger"
	"github.com/soloaunclick/clave/internal/rate"
	"github.com/soloaunclick/clave/internal/reset"
)

type forgotRequest struct {
	Email string `json:"email"`
}

// ForgotPassword dispara el correo de recuperación. La respuesta es la misma
// exista o no la cuenta.
func ForgotPassword(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req forgotRequest
		if !httpx.ReadJSON(w, r, &req) {
			return
		}
		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		if req.Email == "" || !strings.Contains(req.Email, "@") {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_email", "email inválido", 1103)
			return
		}
		if !helpers.EnforceResetLimit(w, r, c.Rate, req.Email) {
			return
		}

		link, err := c.Reset.Request(r.Context(), req.Email)
		if err != nil {
			// No filtramos el motivo al cliente: el correo simplemente no llega.
			logger.From(r.Context()).Error("solicitud de reset falló", logger.Email(req.Email), logger.Err(err))
		}
		if c.Cfg.Email.DebugEchoLinks && link != "" {
			// Solo dev: evita depender de un buzón real para probar el flujo.
			w.Header().Set("X-Debug-Reset-Link", link)
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"message": "si la cuenta existe, vas a recibir un correo con instrucciones",
		})
	}
}

type resetRequest struct {
	Token    string `json:"token"`
	Password string `json:"password"`
}

// ResetPassword consume el token y fija la contraseña nueva.
func ResetPassword(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req resetRequest
		if !httpx.ReadJSON(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Token) == "" {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_token", "token requerido", 1301)
			return
		}
		// Mismo límite que la solicitud: la confirmación también es un blanco
		// de fuerza bruta (tokens adivinados).
		if !helpers.EnforceResetConfirmLimit(w, r, c.Rate) {
			return
		}

		err := c.Reset.Reset(r.Context(), req.Token, req.Password)
		if err == nil {
			c.Rate.RecordSuccess(r.Context(), rate.ActionPasswordReset, helpers.ClientIP(r), nil)
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"message": "contraseña actualizada"})
			return
		}

		var weak *reset.WeakPasswordError
		switch {
		case errors.As(err, &weak):
			httpx.WriteError(w, http.StatusBadRequest, "weak_password", weak.Error(), 1104)
		case errors.Is(err, reset.ErrTokenUsed):
			c.Rate.RecordFailure(r.Context(), rate.ActionPasswordReset, helpers.ClientIP(r), map[string]string{"reason": "token_used"})
			httpx.WriteError(w, http.StatusConflict, "token_used", "el token ya ha sido utilizado", 1302)
		case errors.Is(err, reset.ErrTokenInvalid):
			c.Rate.RecordFailure(r.Context(), rate.ActionPasswordReset, helpers.ClientIP(r), map[string]string{"reason": "token_invalid"})
			httpx.WriteError(w, http.StatusBadRequest, "invalid_token", "token inválido o expirado", 1301)
		default:
			logger.From(r.Context()).Error("reset de contraseña falló", logger.Err(err))
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo actualizar la contraseña", 1500)
		}
	}
}
