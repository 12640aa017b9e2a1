package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AuthConfig protects the /admin routes. Auth is enabled when a token or a full
// username/password pair is set.
type AuthConfig struct {
	Username string
	Password string
	Token    string
}

// Enabled reports whether any credential is configured.
func (a AuthConfig) Enabled() bool {
	return (a.Username != "" && a.Password != "") || a.Token != ""
}

// adminAuth is a middleware that protects admin endpoints with Basic Auth or token-based auth
func adminAuth(next http.Handler, cfg AuthConfig) http.Handler {
	if !cfg.Enabled() {
		slog.Warn("admin authentication not configured, admin endpoints are unprotected", slog.String("component", "http"))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// dev mode
		if !cfg.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		// X-Admin-Token first
		if cfg.Token != "" {
			token := r.Header.Get("X-Admin-Token")
			if token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(cfg.Token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}

		if cfg.Username != "" && cfg.Password != "" {
			if username, password, ok := r.BasicAuth(); ok {
				userOK := subtle.ConstantTimeCompare([]byte(username), []byte(cfg.Username)) == 1
				passOK := subtle.ConstantTimeCompare([]byte(password), []byte(cfg.Password)) == 1
				if userOK && passOK {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		w.Header().Set("WWW-Authenticate", `Basic realm="chzzk-timeline admin"`)
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		slog.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("remote_addr", r.RemoteAddr), slog.String("component", "http"))
	})
}

// CORSConfig controls cross-origin access for the read-only endpoints.
type CORSConfig struct {
	// Permissive allows every origin. Otherwise only AllowedOrigins are echoed back.
	Permissive     bool
	AllowedOrigins []string
}

const (
	corsMethods = "GET, POST, OPTIONS"
	corsHeaders = "Content-Type, Authorization, X-Admin-Token, X-Correlation-ID"
)

// withCORSConfig wraps a handler with CORS headers based on configuration
func withCORSConfig(next http.Handler, cfg CORSConfig) http.Handler {
	if !cfg.Permissive && len(cfg.AllowedOrigins) == 0 {
		slog.Warn("CORS restricted mode without allowed origins, all cross-origin requests will be blocked", slog.String("component", "http"))
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")

		if cfg.Permissive {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
		} else if origin != "" && isOriginAllowed(origin, cfg.AllowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", corsMethods)
			w.Header().Set("Access-Control-Allow-Headers", corsHeaders)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Add("Vary", "Origin")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isOriginAllowed checks origin against the allow list. "*.example.com" matches any
// subdomain and the bare domain. Matching is case-insensitive.
func isOriginAllowed(origin string, allowedOrigins []string) bool {
	origin = strings.ToLower(origin)
	for _, allowed := range allowedOrigins {
		allowed = strings.ToLower(allowed)
		if origin == allowed {
			return true
		}
		if strings.HasPrefix(allowed, "*.") {
			domain := allowed[2:]
			if strings.HasSuffix(origin, "."+domain) || origin == "https://"+domain || origin == "http://"+domain {
				return true
			}
		}
	}
	return false
}
