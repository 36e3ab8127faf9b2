// Command asset-cache keeps locally referenced artwork available as ids in a
// capacity-limited remote asset store.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"
	assetcache "github.com/wolfeidau/asset-cache"
	"github.com/wolfeidau/asset-cache/credentials"
	"github.com/wolfeidau/asset-cache/credentials/opprovider"
	"github.com/wolfeidau/asset-cache/remote"
	"github.com/wolfeidau/asset-cache/store"
)

var version = "dev"

// Globals are flags shared by every command.
type Globals struct {
	Config    kong.ConfigFlag  `help:"Load flag defaults from a JSON file." type:"path"`
	Version   kong.VersionFlag `help:"Print version and exit."`
	LogLevel  string           `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"ASSET_CACHE_LOG_LEVEL"`
	LogFormat string           `help:"Log format." enum:"text,json" default:"text" env:"ASSET_CACHE_LOG_FORMAT"`

	Credentials string `help:"Credentials template file; values override the remote flags." type:"path" env:"ASSET_CACHE_CREDENTIALS"`
	OPAccount   string `name:"op-account" help:"1Password account used by the op template function." env:"ASSET_CACHE_OP_ACCOUNT"`

	BaseURL       string        `help:"Remote store API root." default:"${default_base_url}" env:"ASSET_CACHE_BASE_URL"`
	ApplicationID string        `help:"Application id that owns the asset collection." env:"ASSET_CACHE_APPLICATION_ID"`
	Token         string        `help:"Authorization header value for the remote store." env:"ASSET_CACHE_TOKEN"`
	Origin        string        `help:"Origin header for the remote store." env:"ASSET_CACHE_ORIGIN"`
	Referer       string        `help:"Referer header for the remote store." env:"ASSET_CACHE_REFERER"`
	Timeout       time.Duration `help:"Remote request timeout." default:"30s" env:"ASSET_CACHE_TIMEOUT"`

	Capacity  int      `help:"Index size at which uploads start evicting." default:"300" env:"ASSET_CACHE_CAPACITY"`
	BatchSize int      `help:"Entries removed per eviction run." default:"5" env:"ASSET_CACHE_BATCH_SIZE"`
	Protected []string `help:"Asset names that are never evicted." default:"default,playing,paused" env:"ASSET_CACHE_PROTECTED"`
	Algorithm string   `help:"Fingerprint digest." enum:"sha256,blake3" default:"sha256" env:"ASSET_CACHE_ALGORITHM"`

	logger *slog.Logger
}

// CLI is the command line interface.
type CLI struct {
	Globals

	Serve  ServeCmd  `cmd:"" help:"Run the local HTTP API."`
	Upload UploadCmd `cmd:"" help:"Upload images and print their asset ids."`
	List   ListCmd   `cmd:"" help:"List indexed assets, oldest first."`
	Remove RemoveCmd `cmd:"" help:"Delete an asset from the remote store."`
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("asset-cache"),
		kong.Description("Content-addressed cache for a capacity-limited remote asset store."),
		kong.Configuration(kong.JSON),
		kong.UsageOnError(),
		kong.Vars{
			"version":          version,
			"default_base_url": remote.DefaultBaseURL,
		},
	)

	logger, err := newLogger(os.Stderr, cli.LogLevel, cli.LogFormat)
	kctx.FatalIfErrorf(err)
	slog.SetDefault(logger)
	cli.logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	kctx.BindTo(ctx, (*context.Context)(nil))
	if err := kctx.Run(&cli.Globals); err != nil {
		logger.Error("command failed", "command", kctx.Command(), "error", err)
		stop()
		os.Exit(1)
	}
}

func newLogger(w io.Writer, levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// resolveCredentials renders the credentials template, if any.
func (g *Globals) resolveCredentials(ctx context.Context) (*credentials.Credentials, error) {
	if g.Credentials == "" {
		return &credentials.Credentials{}, nil
	}

	var opOpts []opprovider.Option
	if g.OPAccount != "" {
		opOpts = append(opOpts, opprovider.WithAccount(g.OPAccount))
	}

	r := credentials.NewResolver(
		credentials.WithLogger(g.logger.With("component", "credentials")),
		opprovider.WithOnePassword(opOpts...),
	)
	creds, err := r.ResolveFile(ctx, g.Credentials)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials: %w", err)
	}
	return creds, nil
}

// remoteConfig merges flags with resolved credentials.
func (g *Globals) remoteConfig(creds *credentials.Credentials) remote.Config {
	cfg := remote.Config{
		BaseURL:       g.BaseURL,
		ApplicationID: g.ApplicationID,
		Token:         g.Token,
		Origin:        g.Origin,
		Referer:       g.Referer,
		Timeout:       g.Timeout,
	}
	creds.Remote.Apply(&cfg)
	return cfg
}

func (g *Globals) storeConfig() (store.Config, error) {
	alg, err := assetcache.ParseAlgorithm(g.Algorithm)
	if err != nil {
		return store.Config{}, err
	}
	return store.Config{
		Capacity:  g.Capacity,
		BatchSize: g.BatchSize,
		Protected: g.Protected,
		Algorithm: alg,
		Logger:    g.logger.With("component", "store"),
	}, nil
}

// openStore builds the remote client and store and loads the index.
func (g *Globals) openStore(ctx context.Context, creds *credentials.Credentials) (*store.Store, error) {
	st, err := g.newStore(creds)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		return nil, err
	}
	return st, nil
}

func (g *Globals) newStore(creds *credentials.Credentials) (*store.Store, error) {
	client, err := remote.NewUpstream(g.remoteConfig(creds),
		remote.WithLogger(g.logger.With("component", "remote")),
	)
	if err != nil {
		return nil, fmt.Errorf("creating remote client: %w", err)
	}

	cfg, err := g.storeConfig()
	if err != nil {
		return nil, err
	}
	return store.New(client, cfg), nil
}
