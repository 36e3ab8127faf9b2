// Package server provides the local HTTP API for the asset cache.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	assetcache "github.com/wolfeidau/asset-cache"
	"github.com/wolfeidau/asset-cache/store"
	"github.com/wolfeidau/asset-cache/store/index"
	"github.com/wolfeidau/asset-cache/telemetry"
	"golang.org/x/net/netutil"
)

const (
	// maxRequestBody bounds path upload bodies, which only carry a path.
	maxRequestBody = 64 << 10

	// maxImageBody bounds raw image uploads.
	maxImageBody = 8 << 20
)

// AssetStore is the subset of *store.Store the server needs.
type AssetStore interface {
	Upload(ctx context.Context, path string) (string, error)
	UploadBytes(ctx context.Context, data []byte) (string, error)
	Remove(ctx context.Context, name, id string) error
	Entries() []index.Entry
	Capacity() int
	Protected(name string) bool
	Ready() <-chan struct{}
	Err() error
}

var _ AssetStore = (*store.Store)(nil)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., "127.0.0.1:8080")
	Address string

	// AuthToken, when set, is required as a Bearer token on every
	// endpoint except /health, /ready and /metrics.
	AuthToken string

	// MaxConns caps concurrent connections. Zero means unlimited.
	MaxConns int

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the asset cache.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
	store      AssetStore
}

// New creates a new server backed by st.
func New(cfg Config, st AssetStore) (*Server, error) {
	if st == nil {
		return nil, fmt.Errorf("asset store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:8080"
	}

	s := &Server{
		config: cfg,
		logger: cfg.Logger,
		store:  st,
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // uploads wait on the remote store
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ready", s.handleReady)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", withEndpoint("metrics", telemetry.PrometheusHandler()))

	mux.HandleFunc("POST /assets/upload", s.handleUpload)
	mux.HandleFunc("POST /assets", s.handleUploadImage)
	mux.HandleFunc("DELETE /assets/{name}", s.handleRemove)

	// The listing grows with the index, so it is worth compressing.
	mux.Handle("GET /assets", gzhttp.GzipHandler(http.HandlerFunc(s.handleList)))
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// handleReady reports whether the index has been loaded.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "ready")

	select {
	case <-s.store.Ready():
	default:
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "loading"})
		return
	}

	if err := s.store.Err(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "failed", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type uploadRequest struct {
	Path string `json:"path"`
}

type uploadResponse struct {
	ID    string `json:"id"`
	Found bool   `json:"found"`
}

// handleUpload resolves a local image path to a remote asset id.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload")

	var req uploadRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("decoding request: %v", err))
		return
	}
	if req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return
	}

	id, err := s.store.Upload(r.Context(), req.Path)
	if err != nil {
		s.logger.Error("upload failed", "path", req.Path, "error", err)
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{ID: id, Found: id != ""})
}

// handleUploadImage resolves an image sent as the request body, for callers
// that do not share a filesystem with the cache.
func (s *Server) handleUploadImage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "upload_image")

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxImageBody))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("image exceeds %d bytes", maxErr.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reading image: %v", err))
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "image body is required")
		return
	}

	id, err := s.store.UploadBytes(r.Context(), data)
	if err != nil {
		s.logger.Error("image upload failed", "size", len(data), "error", err)
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}

	writeJSON(w, http.StatusOK, uploadResponse{ID: id, Found: id != ""})
}

// handleRemove deletes an asset explicitly. The id query parameter is
// optional; without it the indexed id for name is used.
func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "remove")

	name := r.PathValue("name")
	id := r.URL.Query().Get("id")

	if err := s.store.Remove(r.Context(), name, id); err != nil {
		s.logger.Error("remove failed", "name", name, "id", id, "error", err)
		writeError(w, storeErrorStatus(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type listEntry struct {
	Name      string `json:"name"`
	ID        string `json:"id"`
	Protected bool   `json:"protected,omitempty"`

	// Fingerprint marks entries named by content rather than symbolically.
	Fingerprint bool `json:"fingerprint,omitempty"`
}

type listResponse struct {
	Count    int         `json:"count"`
	Capacity int         `json:"capacity"`
	Entries  []listEntry `json:"entries"`
}

// handleList returns the index, oldest first.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "list")

	entries := s.store.Entries()
	resp := listResponse{
		Count:    len(entries),
		Capacity: s.store.Capacity(),
		Entries:  make([]listEntry, 0, len(entries)),
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, listEntry{
			Name:        e.Name,
			ID:          e.ID,
			Protected:   s.store.Protected(e.Name),
			Fingerprint: assetcache.IsFingerprint(e.Name),
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func withEndpoint(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telemetry.SetEndpoint(r, endpoint)
		next.ServeHTTP(w, r)
	})
}

// storeErrorStatus maps store errors onto HTTP status codes. Anything that
// is not a local condition came from the remote store.
func storeErrorStatus(err error) int {
	switch {
	case errors.Is(err, store.ErrNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotIndexed):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}

		// Add handler-set tags
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		// Health checks and scrapes are noisy; keep them out of info logs.
		level := slog.LevelInfo
		if tags.Endpoint == "health" || tags.Endpoint == "ready" || tags.Endpoint == "metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.config.Address, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln, capped at MaxConns when set.
func (s *Server) Serve(ln net.Listener) error {
	if s.config.MaxConns > 0 {
		ln = netutil.LimitListener(ln, s.config.MaxConns)
	}

	s.logger.Info("starting server", "address", ln.Addr().String(), "max_conns", s.config.MaxConns)
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
