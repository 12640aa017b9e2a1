package server

import (
	"log/slog"
	"net/http"

	"github.com/LucetTin5/chzzk-timeline/db"
	"github.com/LucetTin5/chzzk-timeline/telemetry"
)

// HandleGraphNodes returns the channels with the most recent chatters.
// Query: window (duration, default GRAPH_WINDOW), limit (default GRAPH_MAX_NODES).
func (h *Handlers) HandleGraphNodes(w http.ResponseWriter, r *http.Request) {
	window := parseDurationQuery(r, "window", h.deps.GraphWindow)
	limit := parseIntQuery(r, "limit", h.deps.GraphMaxNodes)
	nodes, err := h.deps.Graph.Nodes(r.Context(), window, limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("graph nodes query failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if nodes == nil {
		nodes = []db.Node{}
	}
	writeJSON(w, http.StatusOK, nodes)
}

// HandleGraphLinks returns the chatter overlap between the top channels.
func (h *Handlers) HandleGraphLinks(w http.ResponseWriter, r *http.Request) {
	window := parseDurationQuery(r, "window", h.deps.GraphWindow)
	limit := parseIntQuery(r, "limit", h.deps.GraphMaxNodes)
	links, err := h.deps.Graph.Links(r.Context(), window, limit)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("graph links query failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if links == nil {
		links = []db.Link{}
	}
	writeJSON(w, http.StatusOK, links)
}
