package flight

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/asset-cache/telemetry"
)

func TestDo_SingleCall(t *testing.T) {
	g := New()

	result, err := g.Do(context.Background(), "abc", func(ctx context.Context) (Result, error) {
		return Result{ID: "1", Outcome: telemetry.CacheMiss}, nil
	})

	require.NoError(t, err)
	require.Equal(t, Result{ID: "1", Outcome: telemetry.CacheMiss}, result)
}

func TestDo_JoinersSeeHit(t *testing.T) {
	g := New()

	var callCount atomic.Int32
	var wg sync.WaitGroup
	results := make([]Result, 10)
	errs := make([]error, 10)

	release := make(chan struct{})
	started := make(chan struct{})

	upload := func(ctx context.Context) (Result, error) {
		callCount.Add(1)
		close(started)
		<-release
		return Result{ID: "42", Outcome: telemetry.CacheMiss}, nil
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0], errs[0] = g.Do(context.Background(), "shared-key", upload)
	}()
	<-started

	for i := 1; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], errs[idx] = g.Do(context.Background(), "shared-key", upload)
		}(i)
	}

	// Give the joiners time to attach before the upload finishes.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "upload func should be called exactly once")

	require.NoError(t, errs[0])
	require.Equal(t, Result{ID: "42", Outcome: telemetry.CacheMiss}, results[0])

	for i := 1; i < 10; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, Result{ID: "42", Outcome: telemetry.CacheHit, Joined: true}, results[i])
	}
}

func TestDo_CallerTimeout(t *testing.T) {
	g := New()

	var uploadCompleted atomic.Bool

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	started := make(chan struct{})
	var slowWg sync.WaitGroup
	slowWg.Add(1)
	go func() {
		defer slowWg.Done()
		_, err := g.Do(shortCtx, "timeout-key", func(ctx context.Context) (Result, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			// The detached context survives the first caller's deadline.
			if ctx.Err() != nil {
				return Result{}, ctx.Err()
			}
			uploadCompleted.Store(true)
			return Result{ID: "slow", Outcome: telemetry.CacheMiss}, nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}()

	<-started

	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()

	result, err := g.Do(longCtx, "timeout-key", func(ctx context.Context) (Result, error) {
		t.Error("should not be called - upload already in flight")
		return Result{}, nil
	})

	require.NoError(t, err)
	require.True(t, result.Joined)
	require.Equal(t, telemetry.CacheHit, result.Outcome)
	require.Equal(t, "slow", result.ID)
	require.True(t, uploadCompleted.Load())

	slowWg.Wait()
}

func TestDo_UploadError(t *testing.T) {
	g := New()

	expectedErr := errors.New("remote unavailable")

	var wg sync.WaitGroup
	errs := make([]error, 5)

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, errs[idx] = g.Do(context.Background(), "error-key", func(ctx context.Context) (Result, error) {
				time.Sleep(20 * time.Millisecond)
				return Result{}, expectedErr
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_DifferentKeys(t *testing.T) {
	g := New()

	var callCount atomic.Int32
	results := make([]Result, 5)
	errs := make([]error, 5)
	var wg sync.WaitGroup

	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := "key-" + string(rune('a'+idx))
			results[idx], errs[idx] = g.Do(context.Background(), key, func(ctx context.Context) (Result, error) {
				callCount.Add(1)
				return Result{ID: key, Outcome: telemetry.CacheMiss}, nil
			})
		}(i)
	}

	wg.Wait()

	for i := range 5 {
		require.NoError(t, errs[i])
		require.False(t, results[i].Joined)
	}
	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own upload")
}

func TestDo_RetryAfterError(t *testing.T) {
	g := New()

	expectedErr := errors.New("transient error")
	var callCount atomic.Int32

	_, err := g.Do(context.Background(), "retry-key", func(ctx context.Context) (Result, error) {
		callCount.Add(1)
		return Result{}, expectedErr
	})
	require.ErrorIs(t, err, expectedErr)

	// A completed flight is not cached, so the next call runs again.
	result, err := g.Do(context.Background(), "retry-key", func(ctx context.Context) (Result, error) {
		callCount.Add(1)
		return Result{ID: "ok", Outcome: telemetry.CacheHit}, nil
	})
	require.NoError(t, err)
	require.False(t, result.Joined)
	require.Equal(t, "ok", result.ID)
	require.Equal(t, int32(2), callCount.Load())
}
