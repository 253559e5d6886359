package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/soloaunclick/clave/internal/app"
	httpx "github.com/soloaunclick/clave/internal/http"
	"github.com/soloaunclick/clave/internal/security/secretbox"
)

// Healthz responde siempre que el proceso esté vivo.
func Healthz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	}
}

// Readyz verifica las dependencias: store alcanzable y clave maestra cargada.
func Readyz(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"store": "ok", "secretbox": "ok"}
		healthy := true
		if err := c.Store.Ping(ctx); err != nil {
			checks["store"] = err.Error()
			healthy = false
		}
		if !secretbox.Ready() {
			checks["secretbox"] = "clave maestra no cargada"
			healthy = false
		}

		status, label := http.StatusOK, "ok"
		if !healthy {
			status, label = http.StatusServiceUnavailable, "degraded"
		}
		httpx.WriteJSON(w, status, map[string]any{
			"status": label,
			"checks": checks,
		})
	}
}
