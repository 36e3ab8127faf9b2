// Package flight collapses concurrent uploads of the same fingerprint into a
// single remote create. The first caller for a fingerprint runs the upload;
// callers arriving while it is under way join it and see its asset id as a
// cache hit.
package flight

import (
	"context"
	"log/slog"

	"github.com/wolfeidau/asset-cache/telemetry"
	"golang.org/x/sync/singleflight"
)

// Result is what one caller gets back from Do.
type Result struct {
	// ID is the remote asset id.
	ID string

	// Outcome is the cache result to record for this caller. Joiners always
	// see CacheHit; the caller that ran the upload sees whatever it returned.
	Outcome telemetry.CacheResult

	// Joined is true when this caller waited on an upload started by another.
	Joined bool
}

// UploadFunc resolves a fingerprint to a remote asset id.
//
// The context passed to UploadFunc is detached from the caller's deadline so
// one caller giving up does not abandon a create other callers wait on. It
// must not be used to write per-request state: by the time the upload
// finishes, the request that started it may be gone.
type UploadFunc func(ctx context.Context) (Result, error)

// Group deduplicates concurrent uploads keyed by fingerprint.
type Group struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*Group)

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Group) {
		g.logger = logger
	}
}

// New creates a new Group.
func New(opts ...Option) *Group {
	g := &Group{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Do runs fn once for all concurrent callers with the same key.
//
// If ctx expires first, Do returns the context error while the upload
// carries on for whoever else is waiting on it. Errors from fn are returned
// to every caller and are not remembered: the next Do for key runs fn again.
func (g *Group) Do(ctx context.Context, key string, fn UploadFunc) (Result, error) {
	// ran is closed only by the caller whose fn executes. fn returns before
	// singleflight delivers on ch, so reading ran after ch is ordered.
	ran := make(chan struct{})
	ch := g.group.DoChan(key, func() (any, error) {
		close(ran)
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{}, res.Err
		}
		out := res.Val.(Result)
		select {
		case <-ran:
			return out, nil
		default:
		}
		g.logger.Debug("joined upload in flight", "key", key, "id", out.ID)
		return Result{ID: out.ID, Outcome: telemetry.CacheHit, Joined: true}, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
