package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		cfg            AuthConfig
		reqUsername    string
		reqPassword    string
		reqToken       string
		expectedStatus int
	}{
		{
			name:           "no auth configured - allows request",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "username without password does not enable auth",
			cfg:            AuthConfig{Username: "admin"},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "valid basic auth",
			cfg:            AuthConfig{Username: "admin", Password: "secret123"},
			reqUsername:    "admin",
			reqPassword:    "secret123",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid basic auth username",
			cfg:            AuthConfig{Username: "admin", Password: "secret123"},
			reqUsername:    "wrong",
			reqPassword:    "secret123",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "invalid basic auth password",
			cfg:            AuthConfig{Username: "admin", Password: "secret123"},
			reqUsername:    "admin",
			reqPassword:    "wrong",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "missing credentials",
			cfg:            AuthConfig{Token: "test-token-12345"},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "valid token auth",
			cfg:            AuthConfig{Token: "test-token-12345"},
			reqToken:       "test-token-12345",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "invalid token auth",
			cfg:            AuthConfig{Token: "test-token-12345"},
			reqToken:       "wrong-token",
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "token auth takes precedence over basic auth",
			cfg:            AuthConfig{Username: "admin", Password: "secret123", Token: "test-token-12345"},
			reqToken:       "test-token-12345",
			reqUsername:    "wrong",
			reqPassword:    "wrong",
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok"))
			}), tt.cfg)

			req := httptest.NewRequest(http.MethodPost, "/admin/discovery", nil)
			if tt.reqUsername != "" || tt.reqPassword != "" {
				req.SetBasicAuth(tt.reqUsername, tt.reqPassword)
			}
			if tt.reqToken != "" {
				req.Header.Set("X-Admin-Token", tt.reqToken)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if rr.Code != tt.expectedStatus {
				t.Errorf("expected status %d, got %d", tt.expectedStatus, rr.Code)
			}
			if tt.expectedStatus == http.StatusUnauthorized {
				if auth := rr.Header().Get("WWW-Authenticate"); auth == "" {
					t.Error("expected WWW-Authenticate header on 401 response")
				}
			}
		})
	}
}

func TestAuthConfigEnabled(t *testing.T) {
	tests := []struct {
		cfg  AuthConfig
		want bool
	}{
		{AuthConfig{}, false},
		{AuthConfig{Username: "admin"}, false},
		{AuthConfig{Password: "secret"}, false},
		{AuthConfig{Username: "admin", Password: "secret"}, true},
		{AuthConfig{Token: "t"}, true},
	}
	for _, tt := range tests {
		if got := tt.cfg.Enabled(); got != tt.want {
			t.Errorf("%+v.Enabled() = %v, want %v", tt.cfg, got, tt.want)
		}
	}
}

func TestCORSConfig(t *testing.T) {
	tests := []struct {
		name              string
		cfg               CORSConfig
		requestOrigin     string
		expectAllowOrigin string
		expectCredentials bool
	}{
		{
			name:              "permissive mode allows all origins",
			cfg:               CORSConfig{Permissive: true},
			requestOrigin:     "https://example.com",
			expectAllowOrigin: "*",
		},
		{
			name:              "restricted mode with matching origin",
			cfg:               CORSConfig{AllowedOrigins: []string{"https://example.com", "https://app.example.com"}},
			requestOrigin:     "https://example.com",
			expectAllowOrigin: "https://example.com",
			expectCredentials: true,
		},
		{
			name:              "restricted mode with non-matching origin",
			cfg:               CORSConfig{AllowedOrigins: []string{"https://example.com"}},
			requestOrigin:     "https://evil.com",
			expectAllowOrigin: "",
		},
		{
			name:              "restricted mode without origin header",
			cfg:               CORSConfig{AllowedOrigins: []string{"https://example.com"}},
			expectAllowOrigin: "",
		},
		{
			name:              "origin match ignores case",
			cfg:               CORSConfig{AllowedOrigins: []string{"https://example.com"}},
			requestOrigin:     "https://Example.com",
			expectAllowOrigin: "https://Example.com",
			expectCredentials: true,
		},
		{
			name:              "wildcard subdomain matching",
			cfg:               CORSConfig{AllowedOrigins: []string{"*.example.com"}},
			requestOrigin:     "https://app.example.com",
			expectAllowOrigin: "https://app.example.com",
			expectCredentials: true,
		},
		{
			name:              "wildcard matches bare domain",
			cfg:               CORSConfig{AllowedOrigins: []string{"*.example.com"}},
			requestOrigin:     "https://example.com",
			expectAllowOrigin: "https://example.com",
			expectCredentials: true,
		},
		{
			name:              "wildcard does not match lookalike domain",
			cfg:               CORSConfig{AllowedOrigins: []string{"*.example.com"}},
			requestOrigin:     "https://badexample.com",
			expectAllowOrigin: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}), tt.cfg)

			req := httptest.NewRequest(http.MethodGet, "/status", nil)
			if tt.requestOrigin != "" {
				req.Header.Set("Origin", tt.requestOrigin)
			}
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			if got := rr.Header().Get("Access-Control-Allow-Origin"); got != tt.expectAllowOrigin {
				t.Errorf("expected Allow-Origin %q, got %q", tt.expectAllowOrigin, got)
			}
			if creds := rr.Header().Get("Access-Control-Allow-Credentials"); (creds == "true") != tt.expectCredentials {
				t.Errorf("Allow-Credentials = %q, want credentials=%v", creds, tt.expectCredentials)
			}
		})
	}
}

func TestCORSPreflightRequest(t *testing.T) {
	handler := withCORSConfig(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("handler should not be called for OPTIONS request")
	}), CORSConfig{Permissive: true})

	req := httptest.NewRequest(http.MethodOptions, "/status", nil)
	req.Header.Set("Origin", "https://example.com")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Errorf("expected 204 for OPTIONS, got %d", rr.Code)
	}
	if allowMethods := rr.Header().Get("Access-Control-Allow-Methods"); allowMethods == "" {
		t.Error("expected Allow-Methods header on OPTIONS response")
	}
	if allowHeaders := rr.Header().Get("Access-Control-Allow-Headers"); allowHeaders == "" {
		t.Error("expected Allow-Headers header on OPTIONS response")
	}
}
