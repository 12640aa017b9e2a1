package server

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/LucetTin5/chzzk-timeline/discovery"
	"github.com/LucetTin5/chzzk-timeline/telemetry"
)

// HandleAdminDiscovery starts an extra discovery pass and answers 202 without waiting for
// it; the outcome shows up in /status. The pass and the sessions it starts are parented to
// the server context, not the request.
func (h *Handlers) HandleAdminDiscovery(w http.ResponseWriter, r *http.Request) {
	if h.deps.Runner == nil {
		http.Error(w, "discovery not configured", http.StatusServiceUnavailable)
		return
	}
	log := telemetry.LoggerWithCorr(r.Context())
	err := h.deps.Runner.RunAsync(h.ctx, func(started int, err error) {
		if err != nil {
			log.Warn("admin discovery pass failed", slog.Any("err", err), slog.String("component", "http"))
			return
		}
		log.Info("admin discovery pass finished", slog.Int("started", started), slog.String("component", "http"))
	})
	if errors.Is(err, discovery.ErrPassInProgress) {
		writeJSON(w, http.StatusConflict, map[string]any{"status": "busy", "error": err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": "error", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "started"})
}
