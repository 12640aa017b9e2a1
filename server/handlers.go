package server

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/LucetTin5/chzzk-timeline/chat"
	"github.com/LucetTin5/chzzk-timeline/db"
	"github.com/LucetTin5/chzzk-timeline/discovery"
	"github.com/LucetTin5/chzzk-timeline/registry"
)

// Registry is the read-only registry view.
type Registry interface {
	Len() int
	Snapshot() []registry.Entry
}

// SessionLister lists running chat sessions.
type SessionLister interface {
	Sessions() []chat.SessionInfo
}

// Reporter exposes the last discovery report.
type Reporter interface {
	LastReport() (discovery.Report, bool)
}

// PassRunner starts a background discovery pass that launches sessions for its result.
type PassRunner interface {
	RunAsync(ctx context.Context, done func(started int, err error)) error
}

// GraphStore serves the chatter overlap graph.
type GraphStore interface {
	Nodes(ctx context.Context, window time.Duration, limit int) ([]db.Node, error)
	Links(ctx context.Context, window time.Duration, limit int) ([]db.Link, error)
}

// ChatterStore serves the recent-chatter view kept by the Redis recorder.
type ChatterStore interface {
	LiveChannels(ctx context.Context) ([]string, error)
	Chatters(ctx context.Context, channelID string) ([]string, error)
}

// Check is a named readiness probe.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// Deps holds the collaborators the handlers read from.
type Deps struct {
	Registry  Registry
	Sessions  SessionLister
	Discovery Reporter
	Runner    PassRunner
	Graph     GraphStore
	Chatters  ChatterStore
	Checks    []Check

	// Ready is set once the startup discovery pass succeeded.
	Ready *atomic.Bool

	GraphWindow   time.Duration
	GraphMaxNodes int
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx  context.Context
	deps Deps
}

// NewHandlers creates a new Handlers instance with the given dependencies.
func NewHandlers(ctx context.Context, deps Deps) *Handlers {
	return &Handlers{ctx: ctx, deps: deps}
}

// HandleStatus returns the last discovery report and the session count.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	out := map[string]any{
		"active_sessions": h.deps.Registry.Len(),
		"discovery":       nil,
	}
	if h.deps.Discovery != nil {
		if rep, ok := h.deps.Discovery.LastReport(); ok {
			out["discovery"] = rep
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleSessions lists registry entries alongside session state.
func (h *Handlers) HandleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := []chat.SessionInfo{}
	if h.deps.Sessions != nil {
		sessions = h.deps.Sessions.Sessions()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    h.deps.Registry.Len(),
		"registry": h.deps.Registry.Snapshot(),
		"sessions": sessions,
	})
}
