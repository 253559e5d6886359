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
	"github.com/soloaunclick/clave/internal/webauthn"
)

// WebAuthnRegisterBegin arranca la ceremonia de registro de una credencial
// biométrica para el usuario autenticado.
func WebAuthnRegisterBegin(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFrom(r.Context())
		if !helpers.EnforceBiometricLimit(w, r, c.Rate, userID) {
			return
		}
		creation, err := c.WebAuthn.BeginRegistration(r.Context(), userID)
		if err != nil {
			httpx.RecordWebAuthnCeremony("register", "fail")
			logger.From(r.Context()).Error("begin registro webauthn falló", logger.UserID(userID), logger.Err(err))
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo iniciar el registro", 1500)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, creation)
	}
}

// WebAuthnRegisterFinish cierra el registro. El nombre del dispositivo viene
// por query (?device=) porque el body es la respuesta cruda del navegador.
func WebAuthnRegisterFinish(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFrom(r.Context())
		deviceName := strings.TrimSpace(r.URL.Query().Get("device"))

		cred, err := c.WebAuthn.FinishRegistration(r.Context(), userID, deviceName, r)
		if err != nil {
			httpx.RecordWebAuthnCeremony("register", "fail")
			writeWebAuthnError(w, r, userID, err)
			return
		}
		httpx.RecordWebAuthnCeremony("register", "ok")
		httpx.WriteJSON(w, http.StatusCreated, map[string]any{
			"credential_id": cred.CredentialID,
			"created_at":    cred.CreatedAt,
			"transports":    cred.Transports,
		})
	}
}

type webauthnLoginBeginRequest struct {
	Email string `json:"email"`
}

// WebAuthnLoginBegin arma el challenge de autenticación. Con email arma la
// allow list de esa cuenta; sin email emite un challenge discoverable y el
// autenticador elige la passkey, sin revelar si la cuenta existe.
func WebAuthnLoginBegin(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req webauthnLoginBeginRequest
		if !httpx.ReadJSON(w, r, &req) {
			return
		}
		req.Email = strings.ToLower(strings.TrimSpace(req.Email))
		if req.Email == "" {
			// Sin identidad todavía: el límite va por IP sola.
			if !helpers.Enforce(w, r, c.Rate, rate.ActionBiometric, helpers.ClientIP(r)) {
				return
			}
			assertion, err := c.WebAuthn.BeginDiscoverableLogin(r.Context())
			if err != nil {
				httpx.RecordWebAuthnCeremony("login", "fail")
				logger.From(r.Context()).Error("begin login discoverable falló", logger.Err(err))
				httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo iniciar la autenticación", 1500)
				return
			}
			httpx.WriteJSON(w, http.StatusOK, map[string]any{"assertion": assertion})
			return
		}

		u, err := c.Store.GetUserByEmail(r.Context(), req.Email)
		if err != nil {
			httpx.WriteError(w, http.StatusNotFound, "no_credentials", "no hay credenciales biométricas para esa cuenta", 1206)
			return
		}
		if !helpers.EnforceBiometricLimit(w, r, c.Rate, u.ID) {
			return
		}
		assertion, err := c.WebAuthn.BeginLogin(r.Context(), u.ID)
		if err != nil {
			if errors.Is(err, webauthn.ErrNoCredentials) {
				httpx.WriteError(w, http.StatusNotFound, "no_credentials", "no hay credenciales biométricas para esa cuenta", 1206)
				return
			}
			httpx.RecordWebAuthnCeremony("login", "fail")
			logger.From(r.Context()).Error("begin login webauthn falló", logger.UserID(u.ID), logger.Err(err))
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo iniciar la autenticación", 1500)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"user_id":   u.ID,
			"assertion": assertion,
		})
	}
}

// WebAuthnLoginFinish valida la aserción y emite el access token. Sin
// user_id en la query se asume el flujo discoverable: la identidad sale del
// user handle de la aserción.
func WebAuthnLoginFinish(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
		if userID == "" {
			finishDiscoverableLogin(c, w, r)
			return
		}
		if !helpers.EnforceBiometricLimit(w, r, c.Rate, userID) {
			httpx.RecordWebAuthnCeremony("login", "rate_limited")
			return
		}

		rlKey := userID + ":" + helpers.ClientIP(r)
		if _, err := c.WebAuthn.FinishLogin(r.Context(), userID, r); err != nil {
			httpx.RecordWebAuthnCeremony("login", "fail")
			c.Rate.RecordFailure(r.Context(), rate.ActionBiometric, rlKey, map[string]string{"ip": helpers.ClientIP(r)})
			writeWebAuthnError(w, r, userID, err)
			return
		}
		httpx.RecordWebAuthnCeremony("login", "ok")
		c.Rate.RecordSuccess(r.Context(), rate.ActionBiometric, rlKey, nil)

		u, err := c.Store.GetUserByID(r.Context(), userID)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo completar el login", 1500)
			return
		}
		writeAccessToken(w, r, c, u, "webauthn")
	}
}

func finishDiscoverableLogin(c *app.Container, w http.ResponseWriter, r *http.Request) {
	ip := helpers.ClientIP(r)
	if !helpers.Enforce(w, r, c.Rate, rate.ActionBiometric, ip) {
		httpx.RecordWebAuthnCeremony("login", "rate_limited")
		return
	}
	userID, _, err := c.WebAuthn.FinishDiscoverableLogin(r.Context(), r)
	if err != nil {
		httpx.RecordWebAuthnCeremony("login", "fail")
		c.Rate.RecordFailure(r.Context(), rate.ActionBiometric, ip, map[string]string{"flow": "discoverable"})
		writeWebAuthnError(w, r, userID, err)
		return
	}
	httpx.RecordWebAuthnCeremony("login", "ok")
	c.Rate.RecordSuccess(r.Context(), rate.ActionBiometric, ip, nil)

	u, err := c.Store.GetUserByID(r.Context(), userID)
	if err != nil {
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo completar el login", 1500)
		return
	}
	writeAccessToken(w, r, c, u, "webauthn")
}

// WebAuthnCredentials lista las credenciales registradas del usuario.
func WebAuthnCredentials(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFrom(r.Context())
		creds, err := c.WebAuthn.Credentials(r.Context(), userID)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo listar las credenciales", 1500)
			return
		}
		out := make([]map[string]any, 0, len(creds))
		for _, cr := range creds {
			out = append(out, map[string]any{
				"credential_id": cr.CredentialID,
				"created_at":    cr.CreatedAt,
				"last_used":     cr.LastUsed,
				"transports":    cr.Transports,
			})
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"credentials": out})
	}
}

func writeWebAuthnError(w http.ResponseWriter, r *http.Request, userID string, err error) {
	switch {
	case errors.Is(err, webauthn.ErrCounterRegression):
		// Firma válida pero contador sospechoso: se rechaza y queda en el log.
		httpx.WriteError(w, http.StatusUnauthorized, "credential_rejected", "la credencial fue rechazada por actividad sospechosa", 1207)
	case errors.Is(err, webauthn.ErrChallengeInvalid):
		httpx.WriteError(w, http.StatusUnauthorized, "challenge_invalid", "el challenge expiró o ya fue usado, reintentá", 1208)
	case errors.Is(err, webauthn.ErrCredentialExpired):
		httpx.WriteError(w, http.StatusUnauthorized, "credential_expired", "la credencial expiró, registrala de nuevo", 1209)
	case errors.Is(err, webauthn.ErrCredentialConflict):
		httpx.WriteError(w, http.StatusConflict, "credential_exists", "esa credencial ya está registrada", 1210)
	case errors.Is(err, webauthn.ErrNoCredentials):
		httpx.WriteError(w, http.StatusNotFound, "no_credentials", "no hay credenciales biométricas para esa cuenta", 1206)
	default:
		logger.From(r.Context()).Error("ceremonia webauthn falló", logger.UserID(userID), logger.Err(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo completar la operación", 1500)
	}
}
