package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/soloaunclick/clave/internal/app"
	httpx "github.com/soloaunclick/clave/internal/http"
	"github.com/soloaunclick/clave/internal/http/helpers"
	"github.com/soloaunclick/clave/internal/mfa"
	"github.com/soloaunclick/clave/internal/observability/logger"
	"github.com/soloaunclick/clave/internal/rate"
)

// MFASetup genera (o regenera) el secreto TOTP y devuelve el QR.
func MFASetup(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFrom(r.Context())
		if !helpers.EnforceMFALimit(w, r, c.Rate, userID) {
			return
		}
		setup, err := c.MFA.GenerateSetup(r.Context(), userID)
		if err != nil {
			if errors.Is(err, mfa.ErrAlreadyEnrolled) {
				httpx.WriteError(w, http.StatusConflict, "mfa_already_enabled", "el segundo factor ya está activo", 1205)
				return
			}
			logger.From(r.Context()).Error("setup mfa falló", logger.UserID(userID), logger.Err(err))
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo generar el secreto", 1500)
			return
		}
		// Cache-Control: el QR y el secreto no deben quedar en caches.
		w.Header().Set("Cache-Control", "no-store")
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"secret":      setup.SecretB32,
			"otpauth_url": setup.OTPAuthURL,
			"qr":          setup.QRDataURL,
		})
	}
}

type mfaCodeRequest struct {
	Code string `json:"code"`
}

// MFAConfirm activa el segundo factor con el primer código del autenticador.
// Devuelve los códigos de respaldo: se muestran una sola vez.
func MFAConfirm(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFrom(r.Context())
		if !helpers.EnforceMFALimit(w, r, c.Rate, userID) {
			return
		}
		var req mfaCodeRequest
		if !httpx.ReadJSON(w, r, &req) {
			return
		}
		codes, err := c.MFA.ConfirmSetup(r.Context(), userID, req.Code)
		if err != nil {
			writeMFAError(w, r, userID, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"enabled":      true,
			"backup_codes": codes,
		})
	}
}

type mfaVerifyRequest struct {
	UserID         string `json:"user_id"`
	MFAToken       string `json:"mfa_token"`
	Code           string `json:"code,omitempty"`
	DeviceID       string `json:"device_id,omitempty"`
	RememberDevice bool   `json:"remember_device,omitempty"`
	DeviceName     string `json:"device_name,omitempty"`
}

// MFAVerify completa el login: canjea el mfa_token + código (o dispositivo de
// confianza) por el access token.
func MFAVerify(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mfaVerifyRequest
		if !httpx.ReadJSON(w, r, &req) {
			return
		}
		if req.UserID == "" || req.MFAToken == "" {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "user_id y mfa_token son requeridos", 1102)
			return
		}
		if !helpers.EnforceMFALimit(w, r, c.Rate, req.UserID) {
			httpx.RecordMFAVerification("unknown", "rate_limited")
			return
		}

		rlKey := req.UserID + ":" + helpers.ClientIP(r)
		res, err := c.MFA.Verify(r.Context(), req.UserID, req.MFAToken, req.Code, req.DeviceID)
		if err != nil {
			httpx.RecordMFAVerification("unknown", "fail")
			c.Rate.RecordFailure(r.Context(), rate.ActionMFA, rlKey, map[string]string{"ip": helpers.ClientIP(r)})
			writeMFAError(w, r, req.UserID, err)
			return
		}
		httpx.RecordMFAVerification(res.Method, "ok")
		c.Rate.RecordSuccess(r.Context(), rate.ActionMFA, rlKey, nil)

		if req.RememberDevice && req.DeviceID != "" && res.Method != "trusted_device" {
			if err := c.MFA.TrustDevice(r.Context(), req.UserID, req.DeviceID, req.DeviceName, "", r.UserAgent(), helpers.ClientIP(r)); err != nil {
				logger.From(r.Context()).Warn("no se pudo recordar el dispositivo", logger.UserID(req.UserID), logger.Err(err))
			}
		}

		u, err := c.Store.GetUserByID(r.Context(), req.UserID)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo completar el login", 1500)
			return
		}
		tok, err := c.Issuer.Issue(u.ID, u.Email, "mfa", time.Now().UTC())
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo emitir el token", 1500)
			return
		}
		resp := map[string]any{
			"access_token": tok,
			"token_type":   "Bearer",
			"expires_in":   int(c.Issuer.AccessTTL().Seconds()),
			"method":       res.Method,
		}
		if res.RemainingBackupCodes >= 0 {
			resp["remaining_backup_codes"] = res.RemainingBackupCodes
		}
		httpx.WriteJSON(w, http.StatusOK, resp)
	}
}

// MFABackupCodes devuelve cuántos códigos sin usar quedan.
func MFABackupCodes(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFrom(r.Context())
		n, err := c.MFA.RemainingBackupCodes(r.Context(), userID)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo consultar los códigos", 1500)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"remaining": n})
	}
}

// MFARotateBackupCodes genera un set nuevo (invalida el anterior).
func MFARotateBackupCodes(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFrom(r.Context())
		if !helpers.EnforceMFALimit(w, r, c.Rate, userID) {
			return
		}
		codes, err := c.MFA.RotateBackupCodes(r.Context(), userID)
		if err != nil {
			writeMFAError(w, r, userID, err)
			return
		}
		w.Header().Set("Cache-Control", "no-store")
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"backup_codes": codes})
	}
}

// MFADisable apaga el segundo factor (exige un código válido).
func MFADisable(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := UserIDFrom(r.Context())
		if !helpers.EnforceMFALimit(w, r, c.Rate, userID) {
			return
		}
		var req mfaCodeRequest
		if !httpx.ReadJSON(w, r, &req) {
			return
		}
		if err := c.MFA.Disable(r.Context(), userID, req.Code); err != nil {
			writeMFAError(w, r, userID, err)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"enabled": false})
	}
}

func writeMFAError(w http.ResponseWriter, r *http.Request, userID string, err error) {
	switch {
	case errors.Is(err, mfa.ErrChallengeInvalid):
		httpx.WriteError(w, http.StatusUnauthorized, "mfa_session_invalid", "la sesión de verificación expiró, volvé a iniciar sesión", 1203)
	case errors.Is(err, mfa.ErrCodeInvalid):
		httpx.WriteError(w, http.StatusUnauthorized, "invalid_mfa_code", "código de verificación inválido", 1202)
	case errors.Is(err, mfa.ErrNotEnrolled), errors.Is(err, mfa.ErrNotConfirmed):
		httpx.WriteError(w, http.StatusConflict, "mfa_not_enabled", "el segundo factor no está configurado", 1204)
	default:
		logger.From(r.Context()).Error("operación mfa falló", logger.UserID(userID), logger.Err(err))
		httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo completar la operación", 1500)
	}
}
