// Package server exposes the operational HTTP surface: health, readiness, metrics,
// running sessions, the last discovery report and an admin trigger for discovery.
// Every request carries a correlation id and, when tracing is enabled, a span.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/LucetTin5/chzzk-timeline/telemetry"
)

// NewMux returns the HTTP handler with all routes. ctx outlives requests and is the
// parent of sessions started through the admin trigger.
func NewMux(ctx context.Context, deps Deps, auth AuthConfig, cors CORSConfig) http.Handler {
	h := NewHandlers(ctx, deps)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(correlate)
	r.Use(func(next http.Handler) http.Handler { return withCORSConfig(next, cors) })

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", h.HandleHealthz)
	r.Get("/readyz", h.HandleReadyz)
	r.Get("/status", h.HandleStatus)
	r.Get("/sessions", h.HandleSessions)

	if deps.Graph != nil {
		r.Get("/graph/nodes", h.HandleGraphNodes)
		r.Get("/graph/links", h.HandleGraphLinks)
	}

	if deps.Chatters != nil {
		r.Get("/chatters/live", h.HandleLiveChannels)
		r.Get("/chatters/{channelID}", h.HandleChatters)
	}

	r.Route("/admin", func(r chi.Router) {
		r.Use(func(next http.Handler) http.Handler { return adminAuth(next, auth) })
		r.Post("/discovery", h.HandleAdminDiscovery)
	})
	return r
}

// correlate injects the correlation id and wraps the request in a span.
func correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPURLAttr(r.URL.String()),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			span.SetAttributes(telemetry.HTTPRouteAttr(rctx.RoutePattern()))
		}
		telemetry.SetSpanHTTPStatus(span, rec.statusCode)
		if rec.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", rec.statusCode))
			span.SetStatus(code, msg)
		}
	})
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
func Start(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      2 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// WithoutCancel keeps context values while letting shutdown run to completion.
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", addr), slog.String("component", "http"))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
