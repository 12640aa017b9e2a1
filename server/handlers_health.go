package server

import (
	"context"
	"net/http"
	"time"
)

// HandleHealthz is the liveness probe. It only reports that the process serves HTTP.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready once the startup discovery pass succeeded and every
// configured backend answers.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	if h.deps.Ready != nil && !h.deps.Ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":       "not_ready",
			"failed_check": "discovery",
			"error":        "startup discovery pass has not completed",
		})
		return
	}

	for _, check := range h.deps.Checks {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := check.Fn(ctx)
		cancel()
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.Name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
