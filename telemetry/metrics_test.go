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

// setupTestMetrics installs a Metrics instance backed by a ManualReader for testing.
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
	return ok && v.AsString() == value
}

func TestRecordBackendOp(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := WithOperation(context.Background(), OpAdd)
	RecordBackendOp(ctx, "filesystem", "write", "success", 2*time.Millisecond, 128)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "simpledatastore_backend_requests_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "backend", "filesystem"))
	require.True(t, hasAttr(dps[0].Attributes, "op", "write"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "success"))
	require.True(t, hasAttr(dps[0].Attributes, "store_op", "add"))

	bytesDps := findCounter(rm, "simpledatastore_backend_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 128, bytesDps[0].Value)

	histDps := findHistogram(rm, "simpledatastore_backend_request_duration_seconds")
	require.Len(t, histDps, 1)
	require.Equal(t, uint64(1), histDps[0].Count)
}

func TestRecordBackendOp_NoBytes(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordBackendOp(context.Background(), "filesystem", "read", "not_found", time.Millisecond, 0)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "simpledatastore_backend_requests_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "store_op", OpNone))

	require.Empty(t, findCounter(rm, "simpledatastore_backend_bytes_total"))
}

func TestRecordStoreOp(t *testing.T) {
	reader := setupTestMetrics(t)

	ctx := context.Background()
	RecordStoreOp(ctx, OpRead, "success", time.Millisecond)
	RecordStoreOp(ctx, OpRead, "success", time.Millisecond)
	RecordStoreOp(ctx, OpRead, "not_found", time.Millisecond)

	rm := collectMetrics(t, reader)

	dps := findCounter(rm, "simpledatastore_store_operations_total")
	require.Len(t, dps, 2)

	var total int64
	for _, dp := range dps {
		require.True(t, hasAttr(dp.Attributes, "op", "read"))
		total += dp.Value
	}
	require.EqualValues(t, 3, total)
}

func TestRecordObjectWrite(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordObjectWrite(context.Background(), OpWrite, 12)

	rm := collectMetrics(t, reader)
	dps := findHistogram(rm, "simpledatastore_object_write_lines")
	require.Len(t, dps, 1)
	require.Equal(t, uint64(1), dps[0].Count)
	require.InDelta(t, 12, dps[0].Sum, 0.001)
}

func TestRecord_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil

	// Should not panic
	RecordBackendOp(context.Background(), "filesystem", "write", "success", time.Millisecond, 1)
	RecordStoreOp(context.Background(), OpAdd, "success", time.Millisecond)
	RecordObjectWrite(context.Background(), OpAdd, 1)
}

func TestMeter_FallsBackToGlobal(t *testing.T) {
	globalMetrics = nil
	require.NotNil(t, Meter())

	setupTestMetrics(t)
	require.Equal(t, globalMetrics.meter, Meter())
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShutdownMetrics_Idempotent(t *testing.T) {
	setupTestMetrics(t)

	require.NoError(t, shutdownMetrics(context.Background()))
	require.Nil(t, globalMetrics)
	require.NoError(t, shutdownMetrics(context.Background()))
}
