// Package helpers concentra la aplicación de rate limits por endpoint: arma
// la clave semántica, consulta el limiter y escribe headers y respuesta 429.
package helpers

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/soloaunclick/clave/internal/rate"
)

// ClientIP extrae la IP real (respeta X-Forwarded-For del proxy).
func ClientIP(r *http.Request) string {
	if xf := r.Header.Get("X-Forwarded-For"); xf != "" {
		parts := strings.Split(xf, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil {
		return host
	}
	return r.RemoteAddr
}

// Respuesta de error mínima para no importar internal/http (ciclo).
func writeJSONError(w http.ResponseWriter, status int, code, desc string, appCode int) {
	type payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description,omitempty"`
		ErrorCode        int    `json:"error_code,omitempty"`
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload{Error: code, ErrorDescription: desc, ErrorCode: appCode})
}

func setRateHeaders(w http.ResponseWriter, v rate.Verdict) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", v.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", v.Remaining))
	if !v.ResetAt.IsZero() {
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", v.ResetAt.Unix()))
	}
	if v.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(v.RetryAfter.Seconds())))
	}
}

// Enforce consulta el limiter para la acción e identificador. Si el request
// no pasa, escribe el 429 (con Retry-After) y devuelve false. Errores del
// backend dejan pasar.
func Enforce(w http.ResponseWriter, r *http.Request, svc *rate.Service, action, identifier string) bool {
	if svc == nil {
		return true
	}
	v, err := svc.Check(r.Context(), action, identifier)
	if err != nil {
		return true
	}
	setRateHeaders(w, v)
	if v.Allowed {
		return true
	}
	desc := "demasiadas solicitudes"
	if v.Blocked {
		desc = "demasiados intentos, acceso bloqueado temporalmente"
	}
	writeJSONError(w, http.StatusTooManyRequests, "rate_limited", desc, 1401)
	return false
}

// --- Wrappers semánticos ---

// EnforceLoginLimit limita login por IP+email.
func EnforceLoginLimit(w http.ResponseWriter, r *http.Request, svc *rate.Service, email string) bool {
	key := fmt.Sprintf("%s:%s", ClientIP(r), strings.ToLower(strings.TrimSpace(email)))
	return Enforce(w, r, svc, rate.ActionLogin, key)
}

// EnforceResetLimit limita las solicitudes de recuperación por IP+email.
func EnforceResetLimit(w http.ResponseWriter, r *http.Request, svc *rate.Service, email string) bool {
	key := fmt.Sprintf("%s:%s", ClientIP(r), strings.ToLower(strings.TrimSpace(email)))
	return Enforce(w, r, svc, rate.ActionPasswordReset, key)
}

// EnforceResetConfirmLimit limita la confirmación del reset por IP: misma
// cuota que la solicitud, para frenar la fuerza bruta de tokens.
func EnforceResetConfirmLimit(w http.ResponseWriter, r *http.Request, svc *rate.Service) bool {
	return Enforce(w, r, svc, rate.ActionPasswordReset, ClientIP(r))
}

// EnforceRegistrationLimit limita altas de cuenta por IP.
func EnforceRegistrationLimit(w http.ResponseWriter, r *http.Request, svc *rate.Service) bool {
	return Enforce(w, r, svc, rate.ActionRegistration, ClientIP(r))
}

// EnforceMFALimit limita verificaciones de segundo factor por usuario+IP.
func EnforceMFALimit(w http.ResponseWriter, r *http.Request, svc *rate.Service, userID string) bool {
	key := fmt.Sprintf("%s:%s", userID, ClientIP(r))
	return Enforce(w, r, svc, rate.ActionMFA, key)
}

// EnforceBiometricLimit limita ceremonias WebAuthn por usuario+IP.
func EnforceBiometricLimit(w http.ResponseWriter, r *http.Request, svc *rate.Service, userID string) bool {
	key := fmt.Sprintf("%s:%s", userID, ClientIP(r))
	return Enforce(w, r, svc, rate.ActionBiometric, key)
}
