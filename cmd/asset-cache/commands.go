package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	assetcache "github.com/wolfeidau/asset-cache"
	"github.com/wolfeidau/asset-cache/server"
	"github.com/wolfeidau/asset-cache/telemetry"
)

// ServeCmd runs the local HTTP API.
type ServeCmd struct {
	Address   string `help:"Address to listen on." default:"127.0.0.1:8080" env:"ASSET_CACHE_ADDRESS"`
	AuthToken string `help:"Bearer token required by the local API." env:"ASSET_CACHE_AUTH_TOKEN"`
	MaxConns  int    `help:"Maximum concurrent connections (0 for unlimited)." default:"64" env:"ASSET_CACHE_MAX_CONNS"`

	InitTimeout time.Duration `help:"Time allowed for the initial remote listing." default:"1m" env:"ASSET_CACHE_INIT_TIMEOUT"`

	MetricsPrometheus bool          `help:"Expose Prometheus metrics on /metrics." default:"true" env:"ASSET_CACHE_METRICS_PROMETHEUS"`
	OTLPEndpoint      string        `name:"otlp-endpoint" help:"OTLP gRPC endpoint for metrics export." env:"ASSET_CACHE_OTLP_ENDPOINT"`
	MetricsInterval   time.Duration `help:"Metrics export interval." default:"10s" env:"ASSET_CACHE_METRICS_INTERVAL"`
}

// Run starts the server, loads the index in the background and blocks
// until ctx is cancelled or the server fails.
func (c *ServeCmd) Run(g *Globals, ctx context.Context) error {
	logger := g.logger

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsPrometheus,
		FlushInterval:    c.MetricsInterval,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown failed", "error", err)
		}
	}()

	creds, err := g.resolveCredentials(ctx)
	if err != nil {
		return err
	}

	st, err := g.newStore(creds)
	if err != nil {
		return err
	}

	authToken := c.AuthToken
	if creds.AuthToken != "" {
		authToken = creds.AuthToken
	}

	srv, err := server.New(server.Config{
		Address:   c.Address,
		AuthToken: authToken,
		MaxConns:  c.MaxConns,
		Logger:    logger.With("component", "server"),
	}, st)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// The server answers /health and /ready while the index loads.
	go func() {
		initCtx, cancel := context.WithTimeout(ctx, c.InitTimeout)
		defer cancel()
		if err := st.Init(initCtx); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"upload_url", fmt.Sprintf("http://%s/assets/upload", srv.Address()),
		"auth", authToken != "",
	)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// UploadCmd uploads images once and prints their asset ids.
type UploadCmd struct {
	Paths []string `arg:"" help:"Image files to upload." type:"path"`
}

// Run uploads each path in order. Paths without an image print an empty id.
func (c *UploadCmd) Run(g *Globals, ctx context.Context) error {
	creds, err := g.resolveCredentials(ctx)
	if err != nil {
		return err
	}
	st, err := g.openStore(ctx, creds)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	for _, path := range c.Paths {
		id, err := st.Upload(ctx, path)
		if err != nil {
			return fmt.Errorf("uploading %s: %w", path, err)
		}
		if id == "" {
			id = "-"
		}
		fmt.Fprintf(w, "%s\t%s\n", path, id)
	}
	return nil
}

// ListCmd prints the index.
type ListCmd struct{}

// Run loads the index from the remote store and prints it.
func (c *ListCmd) Run(g *Globals, ctx context.Context) error {
	creds, err := g.resolveCredentials(ctx)
	if err != nil {
		return err
	}
	st, err := g.openStore(ctx, creds)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "NAME\tID\tKIND\tPROTECTED")
	for _, e := range st.Entries() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", e.Name, e.ID, entryKind(e.Name), st.Protected(e.Name))
	}
	fmt.Fprintf(w, "\n%d/%d entries\n", st.Len(), st.Capacity())
	return nil
}

// entryKind labels cache-managed fingerprints apart from symbolic names.
func entryKind(name string) string {
	if assetcache.IsFingerprint(name) {
		return "fingerprint"
	}
	return "named"
}

// RemoveCmd deletes one asset.
type RemoveCmd struct {
	Name string `arg:"" help:"Asset name."`
	ID   string `arg:"" optional:"" help:"Asset id; looked up by name when omitted."`
}

// Run removes the asset remotely and from the index.
func (c *RemoveCmd) Run(g *Globals, ctx context.Context) error {
	creds, err := g.resolveCredentials(ctx)
	if err != nil {
		return err
	}
	st, err := g.openStore(ctx, creds)
	if err != nil {
		return err
	}
	return st.Remove(ctx, c.Name, c.ID)
}
