package server

import (
	"log/slog"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/LucetTin5/chzzk-timeline/telemetry"
)

// HandleLiveChannels lists channel ids with an open session according to the chatter store.
func (h *Handlers) HandleLiveChannels(w http.ResponseWriter, r *http.Request) {
	ids, err := h.deps.Chatters.LiveChannels(r.Context())
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("live channels query failed", slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"count": len(ids), "channels": ids})
}

// HandleChatters returns the users seen on one channel within the chatter TTL.
func (h *Handlers) HandleChatters(w http.ResponseWriter, r *http.Request) {
	channelID := chi.URLParam(r, "channelID")
	ids, err := h.deps.Chatters.Chatters(r.Context(), channelID)
	if err != nil {
		telemetry.LoggerWithCorr(r.Context()).Error("chatters query failed", slog.String("channel_id", channelID), slog.Any("err", err), slog.String("component", "http"))
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]any{"channel_id": channelID, "count": len(ids), "chatters": ids})
}
