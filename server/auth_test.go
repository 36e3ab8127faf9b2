package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/asset-cache/store"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAuthMiddleware_NoToken_NoOp(t *testing.T) {
	s := &Server{config: Config{AuthToken: ""}}
	handler := s.authMiddleware(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/assets/upload", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Credentials(t *testing.T) {
	s := &Server{config: Config{AuthToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	tests := []struct {
		name          string
		authorization string
		want          int
	}{
		{name: "valid token", authorization: "Bearer test-token-123", want: http.StatusOK},
		{name: "wrong token", authorization: "Bearer wrong-token", want: http.StatusUnauthorized},
		{name: "token prefix", authorization: "Bearer test-token", want: http.StatusUnauthorized},
		{name: "missing header", want: http.StatusUnauthorized},
		{name: "basic scheme", authorization: "Basic dXNlcjpwYXNz", want: http.StatusUnauthorized},
		{name: "lowercase scheme", authorization: "bearer test-token-123", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodDelete, "/assets/default", nil)
			if tt.authorization != "" {
				req.Header.Set("Authorization", tt.authorization)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)

			if tt.want == http.StatusUnauthorized {
				require.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

				var body map[string]string
				require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
				require.Equal(t, "unauthorized", body["error"])
			}
		})
	}
}

func TestAuthMiddleware_Paths(t *testing.T) {
	s := &Server{config: Config{AuthToken: "test-token-123"}}
	handler := s.authMiddleware(okHandler())

	tests := []struct {
		path string
		want int
	}{
		{path: "/health", want: http.StatusOK},
		{path: "/ready", want: http.StatusOK},
		{path: "/metrics", want: http.StatusOK},
		{path: "/assets", want: http.StatusUnauthorized},
		{path: "/assets/upload", want: http.StatusUnauthorized},
		{path: "/assets/default", want: http.StatusUnauthorized},
		{path: "/healthz", want: http.StatusUnauthorized},
		{path: "/ready/", want: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)
			require.Equal(t, tt.want, rec.Code)
		})
	}
}

// Readiness must be visible without a token while the index is still loading,
// otherwise a supervisor cannot tell "loading" from "misconfigured".
func TestAuthReadyWhileLoading(t *testing.T) {
	st := store.New(&stubRemote{}, store.Config{Logger: discardLogger()})
	s, err := New(Config{AuthToken: "s3cret", Logger: discardLogger()}, st)
	require.NoError(t, err)
	h := s.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"loading"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/assets", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}
