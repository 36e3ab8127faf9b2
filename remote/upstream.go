package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/wolfeidau/asset-cache/telemetry"
)

const (
	// DefaultBaseURL is the default remote store API root.
	DefaultBaseURL = "https://discord.com/api/v9"

	// DefaultTimeout is the default timeout for remote requests.
	DefaultTimeout = 30 * time.Second

	// assetTypeLargeImage is the asset type used for uploaded artwork.
	assetTypeLargeImage = 1

	// maxBodySize bounds how much of a response body is read.
	maxBodySize = 1 << 20
)

// Config holds the remote store endpoint and credentials.
type Config struct {
	// BaseURL is the API root, e.g. "https://discord.com/api/v9".
	BaseURL string

	// ApplicationID scopes every request to one asset collection.
	ApplicationID string

	// Token is sent verbatim in the Authorization header when set.
	Token string

	// Origin and Referer are sent when set; some deployments require them.
	Origin  string
	Referer string

	// Timeout applies to the default HTTP client. Default: 30s.
	Timeout time.Duration
}

var _ Client = (*Upstream)(nil)

// Upstream implements Client over the remote store's HTTP API.
type Upstream struct {
	baseURL string
	appID   string
	token   string
	origin  string
	referer string
	client  *http.Client
	logger  *slog.Logger
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) UpstreamOption {
	return func(u *Upstream) {
		u.client = client
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) UpstreamOption {
	return func(u *Upstream) {
		u.logger = logger
	}
}

// NewUpstream creates a new remote store client.
func NewUpstream(cfg Config, opts ...UpstreamOption) (*Upstream, error) {
	if cfg.ApplicationID == "" {
		return nil, fmt.Errorf("application id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}

	u := &Upstream{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		appID:   cfg.ApplicationID,
		token:   cfg.Token,
		origin:  cfg.Origin,
		referer: cfg.Referer,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: telemetry.NewInstrumentedTransport(nil),
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

func (u *Upstream) assetsURL() string {
	return fmt.Sprintf("%s/applications/%s/assets", u.baseURL, url.PathEscape(u.appID))
}

// List returns all assets registered for the application.
func (u *Upstream) List(ctx context.Context) ([]Asset, error) {
	target := u.assetsURL()

	body, err := u.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}

	var assets []Asset
	if err := json.Unmarshal(body, &assets); err != nil {
		return nil, &Error{Method: http.MethodGet, Target: target, Body: string(body), Err: fmt.Errorf("decoding assets: %w", err)}
	}

	u.logger.Debug("listed remote assets", "count", len(assets))
	return assets, nil
}

// Create uploads dataURI under name.
func (u *Upstream) Create(ctx context.Context, dataURI, name string) (Asset, error) {
	target := u.assetsURL()

	payload, err := json.Marshal(struct {
		Name  string `json:"name"`
		Image string `json:"image"`
		Type  int    `json:"type"`
	}{Name: name, Image: dataURI, Type: assetTypeLargeImage})
	if err != nil {
		return Asset{}, fmt.Errorf("encoding asset: %w", err)
	}

	body, err := u.do(ctx, http.MethodPost, target, payload)
	if err != nil {
		return Asset{}, err
	}

	var asset Asset
	if err := json.Unmarshal(body, &asset); err != nil {
		return Asset{}, &Error{Method: http.MethodPost, Target: target, Payload: string(payload), Body: string(body), Err: fmt.Errorf("decoding asset: %w", err)}
	}
	if asset.ID == "" {
		return Asset{}, &Error{Method: http.MethodPost, Target: target, Payload: string(payload), Body: string(body), Err: fmt.Errorf("response has no asset id")}
	}
	if asset.Name == "" {
		asset.Name = name
	}

	u.logger.Debug("created remote asset", "name", asset.Name, "id", asset.ID)
	return asset, nil
}

// Delete removes the asset with the given id.
func (u *Upstream) Delete(ctx context.Context, id string) error {
	target := u.assetsURL() + "/" + url.PathEscape(id)

	if _, err := u.do(ctx, http.MethodDelete, target, nil); err != nil {
		return err
	}

	u.logger.Debug("deleted remote asset", "id", id)
	return nil
}

// do performs a request and returns the response body for 2xx responses.
// Every failure is reported as *Error.
func (u *Upstream) do(ctx context.Context, method, target string, payload []byte) ([]byte, error) {
	rerr := &Error{Method: method, Target: target, Payload: string(payload)}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
	if err != nil {
		rerr.Err = fmt.Errorf("creating request: %w", err)
		return nil, rerr
	}
	u.setHeaders(req, payload != nil)

	resp, err := u.client.Do(req)
	if err != nil {
		rerr.Err = fmt.Errorf("performing request: %w", err)
		return nil, rerr
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		rerr.StatusCode = resp.StatusCode
		rerr.Err = fmt.Errorf("reading response: %w", err)
		return nil, rerr
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		rerr.StatusCode = resp.StatusCode
		rerr.Body = string(body)
		return nil, rerr
	}

	return body, nil
}

func (u *Upstream) setHeaders(req *http.Request, hasBody bool) {
	req.Header.Set("Accept", "application/json")
	if hasBody {
		req.Header.Set("Content-Type", "application/json")
	}
	if u.token != "" {
		req.Header.Set("Authorization", u.token)
	}
	if u.origin != "" {
		req.Header.Set("Origin", u.origin)
	}
	if u.referer != "" {
		req.Header.Set("Referer", u.referer)
	}
}
