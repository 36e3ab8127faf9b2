package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findGauge finds an int64 gauge metric by name and returns its data points.
func findGauge(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if g, ok := m.Data.(metricdata.Gauge[int64]); ok {
					return g.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.Emit() == value
}

func TestRecordHTTP(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodPost, "/assets/upload", nil)
	r = InjectTags(r)
	SetEndpoint(r, "upload")
	SetCacheResult(r, CacheHit)

	RecordHTTP(context.Background(), r, http.StatusOK, 64, 50*time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "asset_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "upload"))
	require.True(t, hasAttr(dps[0].Attributes, "method", "POST"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "2xx"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "hit"))

	bytesDps := findCounter(rm, "asset_cache_http_response_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 64, bytesDps[0].Value)

	histDps := findHistogram(rm, "asset_cache_http_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordHTTP_DefaultsWhenNoTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/unknown", nil)
	RecordHTTP(context.Background(), r, http.StatusNotFound, 0, time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "asset_cache_http_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "endpoint", "unknown"))
	require.True(t, hasAttr(dps[0].Attributes, "cache_result", "na"))
	require.True(t, hasAttr(dps[0].Attributes, "status_class", "4xx"))
}

func TestRecordUploadAndEviction(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordUpload(ctx, CacheMiss)
	RecordUpload(ctx, CacheMiss)
	RecordUpload(ctx, CacheHit)
	RecordUploadSize(ctx, 2048)
	RecordEvictionRun(ctx, 2)
	RecordEviction(ctx, "success")
	RecordEviction(ctx, "error")
	UpdateIndexEntries(ctx, 299)

	rm := collectMetrics(t, reader)

	uploads := findCounter(rm, "asset_cache_uploads_total")
	require.Len(t, uploads, 2)
	for _, dp := range uploads {
		switch {
		case hasAttr(dp.Attributes, "result", "miss"):
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "result", "hit"):
			require.EqualValues(t, 1, dp.Value)
		default:
			t.Fatalf("unexpected attributes %v", dp.Attributes)
		}
	}

	sizes := findHistogram(rm, "asset_cache_upload_size_bytes")
	require.Len(t, sizes, 1)
	require.Equal(t, uint64(1), sizes[0].Count)

	require.Len(t, findCounter(rm, "asset_cache_evictions_total"), 2)

	runs := findCounter(rm, "asset_cache_eviction_runs_total")
	require.Len(t, runs, 1)
	require.True(t, hasAttr(runs[0].Attributes, "empty", "false"))

	gauge := findGauge(rm, "asset_cache_index_entries")
	require.Len(t, gauge, 1)
	require.EqualValues(t, 299, gauge[0].Value)
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	r := httptest.NewRequest(http.MethodGet, "/test", nil)

	// None of these should panic
	RecordHTTP(ctx, InjectTags(r), http.StatusOK, 0, time.Millisecond)
	RecordRemoteRequest(ctx, "list", time.Millisecond, 0, "success")
	RecordUpload(ctx, CacheHit)
	RecordUploadSize(ctx, 1)
	RecordEviction(ctx, "success")
	RecordEvictionRun(ctx, 0)
	UpdateIndexEntries(ctx, 1)
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	setupTestMetrics(t)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{502, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, StatusClass(tt.status), "StatusClass(%d)", tt.status)
	}
}

func TestOpFromMethod(t *testing.T) {
	require.Equal(t, "list", opFromMethod(http.MethodGet))
	require.Equal(t, "create", opFromMethod(http.MethodPost))
	require.Equal(t, "delete", opFromMethod(http.MethodDelete))
	require.Equal(t, "other", opFromMethod(http.MethodPatch))
}
