package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/soloaunclick/clave/internal/app"
	httpx "github.com/soloaunclick/clave/internal/http"
	"github.com/soloaunclick/clave/internal/observability/logger"
)

// SecurityStats devuelve las métricas de abuso de una acción (o de todas).
func SecurityStats(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rng := r.URL.Query().Get("range")
		if action := r.URL.Query().Get("action"); action != "" {
			st, err := c.Rate.StatsFor(r.Context(), action, rng)
			if err != nil {
				logger.From(r.Context()).Error("stats de seguridad fallaron", logger.Err(err))
				httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudieron leer las estadísticas", 1500)
				return
			}
			httpx.WriteJSON(w, http.StatusOK, st)
			return
		}
		all, err := c.Rate.StatsAll(r.Context(), rng)
		if err != nil {
			logger.From(r.Context()).Error("stats de seguridad fallaron", logger.Err(err))
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudieron leer las estadísticas", 1500)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, all)
	}
}

// SecurityBlocked lista los identificadores bloqueados de una acción.
func SecurityBlocked(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := chi.URLParam(r, "action")
		blocked, err := c.Rate.BlockedIdentifiers(r.Context(), action)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudieron leer los bloqueos", 1500)
			return
		}
		out := make(map[string]string, len(blocked))
		for id, until := range blocked {
			out[id] = until.Format(time.RFC3339)
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"action":  action,
			"blocked": out,
		})
	}
}

type unblockRequest struct {
	Action     string `json:"action"`
	Identifier string `json:"identifier"`
}

// SecurityUnblock levanta un bloqueo a mano.
func SecurityUnblock(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req unblockRequest
		if !httpx.ReadJSON(w, r, &req) {
			return
		}
		if req.Action == "" || req.Identifier == "" {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "action e identifier son requeridos", 1102)
			return
		}
		if err := c.Rate.Unblock(r.Context(), req.Action, req.Identifier); err != nil {
			logger.From(r.Context()).Error("desbloqueo falló", logger.Err(err))
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudo desbloquear", 1500)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"action":     req.Action,
			"identifier": req.Identifier,
			"unblocked":  true,
		})
	}
}

// SecurityEvents devuelve el historial reciente de un identificador.
func SecurityEvents(c *app.Container) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		action := chi.URLParam(r, "action")
		identifier := r.URL.Query().Get("identifier")
		if identifier == "" {
			httpx.WriteError(w, http.StatusBadRequest, "invalid_request", "identifier es requerido", 1102)
			return
		}
		n := int64(50)
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil && v > 0 && v <= 100 {
				n = v
			}
		}
		events, err := c.Rate.Events(r.Context(), action, identifier, n)
		if err != nil {
			httpx.WriteError(w, http.StatusInternalServerError, "internal_error", "no se pudieron leer los eventos", 1500)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{
			"action":     action,
			"identifier": identifier,
			"events":     events,
		})
	}
}
