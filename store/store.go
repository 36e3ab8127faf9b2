// Package store deduplicates image uploads against a capacity-bounded remote asset store.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	assetcache "github.com/wolfeidau/asset-cache"
	"github.com/wolfeidau/asset-cache/remote"
	"github.com/wolfeidau/asset-cache/store/evict"
	"github.com/wolfeidau/asset-cache/store/flight"
	"github.com/wolfeidau/asset-cache/store/index"
	"github.com/wolfeidau/asset-cache/telemetry"
	"golang.org/x/sync/semaphore"
)

// DefaultAssetName is the asset returned when an image file cannot be read.
const DefaultAssetName = "default"

// DefaultProtected lists the status icons that are never evicted.
var DefaultProtected = []string{DefaultAssetName, "playing", "paused"}

var (
	// ErrNotReady is returned by operations issued before a successful Init.
	ErrNotReady = errors.New("asset store not ready")

	// ErrNotIndexed is returned by Remove when no id is given and the name is not indexed.
	ErrNotIndexed = errors.New("asset not indexed")
)

// Config holds Store configuration.
type Config struct {
	// Capacity is the index size at which a new upload first evicts.
	// Default: evict.DefaultCapacity.
	Capacity int

	// BatchSize is how many entries one eviction run removes.
	// Default: evict.DefaultBatchSize.
	BatchSize int

	// Protected names are never evicted. Default: DefaultProtected.
	Protected []string

	// DefaultName is the fallback asset for unreadable files. Default: DefaultAssetName.
	DefaultName string

	// Algorithm fingerprints uploads. Default: assetcache.DefaultAlgorithm.
	Algorithm assetcache.Algorithm

	// Logger for store events.
	Logger *slog.Logger
}

// Store makes local images available as remote asset ids.
//
// The index is loaded once by Init. Every other operation waits for Init to
// finish. Lookups, evictions, remote creates and index updates for uploads
// run one at a time so that two callers never both miss on the same
// fingerprint and create a duplicate.
type Store struct {
	client    remote.Client
	index     *index.Index
	protected evict.Set
	config    Config
	logger    *slog.Logger

	// sem serialises the lookup → evict → create → put sequence.
	sem    *semaphore.Weighted
	flight *flight.Group

	initOnce sync.Once
	ready    chan struct{}
	initErr  error
}

// New creates a Store. Call Init before use.
func New(client remote.Client, cfg Config) *Store {
	if cfg.Capacity <= 0 {
		cfg.Capacity = evict.DefaultCapacity
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = evict.DefaultBatchSize
	}
	if cfg.Protected == nil {
		cfg.Protected = DefaultProtected
	}
	if cfg.DefaultName == "" {
		cfg.DefaultName = DefaultAssetName
	}
	if cfg.Algorithm == "" {
		cfg.Algorithm = assetcache.DefaultAlgorithm
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Store{
		client:    client,
		index:     index.New(),
		protected: evict.NewSet(cfg.Protected...),
		config:    cfg,
		logger:    cfg.Logger,
		sem:       semaphore.NewWeighted(1),
		flight:    flight.New(flight.WithLogger(cfg.Logger)),
		ready:     make(chan struct{}),
	}
}

// Init loads the index from a full remote listing. Only the first call does
// any work; later calls return the first call's result. A listing failure
// is permanent for this Store: every later operation fails with ErrNotReady.
func (s *Store) Init(ctx context.Context) error {
	s.initOnce.Do(func() {
		defer close(s.ready)

		assets, err := s.client.List(ctx)
		if err != nil {
			s.initErr = fmt.Errorf("listing remote assets: %w", err)
			s.logger.Error("asset index load failed", "error", err)
			return
		}

		for _, d := range s.index.Load(assets) {
			s.logger.Warn("duplicate remote asset name, keeping newest",
				"name", d.Name,
				"untracked_id", d.ID,
			)
		}

		telemetry.UpdateIndexEntries(ctx, s.index.Len())
		s.logger.Info("asset index loaded",
			"entries", s.index.Len(),
			"capacity", s.config.Capacity,
			"algorithm", s.config.Algorithm,
		)
	})
	return s.initErr
}

// Ready returns a channel that is closed once Init has finished, whether or
// not it succeeded.
func (s *Store) Ready() <-chan struct{} {
	return s.ready
}

// Err returns the Init error, or nil. It is only meaningful after Ready is closed.
func (s *Store) Err() error {
	select {
	case <-s.ready:
		return s.initErr
	default:
		return ErrNotReady
	}
}

func (s *Store) waitReady(ctx context.Context) error {
	select {
	case <-s.ready:
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
	}
	if s.initErr != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, s.initErr)
	}
	return nil
}

// Upload returns the remote asset id for the image at path, creating the
// asset if its fingerprint is not indexed yet.
//
// An empty id with a nil error means there is no image to show: the file was
// unreadable and no default asset exists, or the image is not square. An
// unreadable file falls back to the default asset when one is indexed.
// Errors are returned only for remote create failures and ErrNotReady.
func (s *Store) Upload(ctx context.Context, path string) (string, error) {
	if err := s.waitReady(ctx); err != nil {
		return "", err
	}

	logger := s.logger.With("path", path)

	data, err := assetcache.ReadImage(path)
	if err != nil {
		if id, ok := s.index.Get(s.config.DefaultName); ok {
			logger.Debug("image unreadable, using default asset", "error", err, "id", id)
			s.record(ctx, telemetry.CacheFallback)
			return id, nil
		}
		logger.Debug("image unreadable, no default asset", "error", err)
		s.record(ctx, telemetry.CacheNone)
		return "", nil
	}

	return s.upload(ctx, data, logger)
}

// UploadBytes is Upload for an image already in memory. There is no default
// fallback since nothing can be unreadable.
func (s *Store) UploadBytes(ctx context.Context, data []byte) (string, error) {
	if err := s.waitReady(ctx); err != nil {
		return "", err
	}
	return s.upload(ctx, data, s.logger)
}

func (s *Store) upload(ctx context.Context, data []byte, logger *slog.Logger) (string, error) {
	if err := assetcache.ValidateSquare(data); err != nil {
		logger.Warn("rejecting image", "error", err)
		s.record(ctx, telemetry.CacheNone)
		return "", nil
	}

	uri := assetcache.DataURI(data)
	fp := assetcache.FingerprintURI(s.config.Algorithm, uri)
	name := fp.String()
	logger = logger.With("fingerprint", fp.ShortString())

	// Recording happens here, in the caller's goroutine. The flight may
	// outlive this request when ctx expires first.
	res, err := s.flight.Do(ctx, name, func(ctx context.Context) (flight.Result, error) {
		return s.resolve(ctx, uri, name, len(data), logger)
	})
	if err != nil {
		s.record(ctx, telemetry.CacheError)
		return "", err
	}
	s.record(ctx, res.Outcome)
	return res.ID, nil
}

// resolve looks name up and creates the asset on a miss, evicting first when
// the index is at capacity. It runs detached from any one request, so it
// reports the outcome instead of tagging ctx.
func (s *Store) resolve(ctx context.Context, uri, name string, size int, logger *slog.Logger) (flight.Result, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return flight.Result{}, fmt.Errorf("waiting for upload slot: %w", err)
	}
	defer s.sem.Release(1)

	if id, ok := s.index.Get(name); ok {
		logger.Debug("asset cache hit", "id", id)
		return flight.Result{ID: id, Outcome: telemetry.CacheHit}, nil
	}

	if evict.NeedsEviction(s.index.Len(), s.config.Capacity) {
		s.evict(ctx)
	}

	asset, err := s.client.Create(ctx, uri, name)
	if err != nil {
		return flight.Result{}, fmt.Errorf("creating asset %s: %w", name, err)
	}

	s.index.Put(name, asset.ID)
	telemetry.UpdateIndexEntries(ctx, s.index.Len())
	telemetry.RecordUploadSize(ctx, int64(size))

	logger.Info("asset created", "id", asset.ID, "size", size, "entries", s.index.Len())
	return flight.Result{ID: asset.ID, Outcome: telemetry.CacheMiss}, nil
}

// evict removes the oldest unprotected entries. Remote delete failures are
// logged and the local entry is dropped anyway, so a failed delete never
// leaves the index stuck at capacity. Caller must hold sem.
func (s *Store) evict(ctx context.Context) {
	victims := evict.Select(s.index.Entries(), s.protected, s.config.BatchSize)
	telemetry.RecordEvictionRun(ctx, len(victims))

	if len(victims) == 0 {
		s.logger.Warn("asset index full and every entry is protected",
			"entries", s.index.Len(),
			"capacity", s.config.Capacity,
		)
		return
	}

	for _, v := range victims {
		switch err := s.client.Delete(ctx, v.ID); {
		case remote.IsNotFound(err):
			s.logger.Debug("evicted asset already gone remotely", "name", v.Name, "id", v.ID)
			telemetry.RecordEviction(ctx, "not_found")
		case err != nil:
			s.logger.Error("evicting asset", "name", v.Name, "id", v.ID, "error", err)
			telemetry.RecordEviction(ctx, "error")
		default:
			s.logger.Debug("evicted asset", "name", v.Name, "id", v.ID)
			telemetry.RecordEviction(ctx, "success")
		}
		s.index.Remove(v.Name)
	}

	telemetry.UpdateIndexEntries(ctx, s.index.Len())
	s.logger.Info("eviction run complete", "evicted", len(victims), "entries", s.index.Len())
}

// Remove deletes the asset from the remote store and drops name from the
// index. When id is empty the indexed id is used. The local entry is removed
// even if the remote delete fails; that failure is still returned. An asset
// the remote store no longer has counts as removed.
func (s *Store) Remove(ctx context.Context, name, id string) error {
	if err := s.waitReady(ctx); err != nil {
		return err
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for upload slot: %w", err)
	}
	defer s.sem.Release(1)

	if id == "" {
		indexed, ok := s.index.Get(name)
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotIndexed, name)
		}
		id = indexed
	}

	err := s.client.Delete(ctx, id)
	s.index.Remove(name)
	telemetry.UpdateIndexEntries(ctx, s.index.Len())

	if remote.IsNotFound(err) {
		s.logger.Debug("asset already gone remotely", "name", name, "id", id)
		return nil
	}
	if err != nil {
		s.logger.Error("removing asset", "name", name, "id", id, "error", err)
		return fmt.Errorf("deleting asset %s: %w", name, err)
	}

	s.logger.Info("asset removed", "name", name, "id", id)
	return nil
}

// Lookup returns the indexed id for name without touching the remote store.
func (s *Store) Lookup(name string) (string, bool) {
	return s.index.Get(name)
}

// Entries returns a snapshot of the index, oldest first.
func (s *Store) Entries() []index.Entry {
	return s.index.Entries()
}

// Len returns the number of indexed assets.
func (s *Store) Len() int {
	return s.index.Len()
}

// Capacity returns the configured eviction threshold.
func (s *Store) Capacity() int {
	return s.config.Capacity
}

// Protected reports whether name is exempt from eviction.
func (s *Store) Protected(name string) bool {
	return s.protected.Contains(name)
}

// record counts an upload result and tags the surrounding request, if any.
func (s *Store) record(ctx context.Context, result telemetry.CacheResult) {
	telemetry.RecordUpload(ctx, result)
	if tags := telemetry.TagsFromContext(ctx); tags != nil {
		tags.CacheResult = result
	}
}
