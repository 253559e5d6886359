package handlers

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/soloaunclick/clave/internal/app"
	httpx "github.com/soloaunclick/clave/internal/http"
)

type ctxKey int

const ctxKeyUserID ctxKey = iota

func withUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, id)
}

// UserIDFrom devuelve el usuario autenticado del contexto ("" si no hay).
func UserIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyUserID).(string)
	return id
}

// RequireAuth valida el Bearer token y deja el user id en el contexto.
func RequireAuth(c *app.Container) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(raw, "Bearer ") {
				w.Header().Set("WWW-Authenticate", `Bearer realm="clave"`)
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "falta el token de acceso", 1403)
				return
			}
			claims, err := c.Issuer.Verify(strings.TrimPrefix(raw, "Bearer "))
			if err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
				httpx.WriteError(w, http.StatusUnauthorized, "unauthorized", "token inválido o expirado", 1403)
				return
			}
			next.ServeHTTP(w, r.WithContext(withUserID(r.Context(), claims.Subject)))
		})
	}
}

// RequireAdminKey protege los endpoints de administración con la API key
// compartida (X-Admin-Key).
func RequireAdminKey(c *app.Container) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := c.Cfg.Server.AdminAPIKey
			got := r.Header.Get("X-Admin-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(key), []byte(got)) != 1 {
				httpx.WriteError(w, http.StatusForbidden, "forbidden", "credencial de administración inválida", 1404)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
