package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"gridsim.ai/internal/sim/updates"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not an int64 sum", name)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestRecordTick(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordTick(ctx, "Harbor", updates.TickSummary{Tick: 1, Visible: 5, Culled: 2, Sent: 4, Backlog: 3, DurationMs: 2})
	m.RecordTick(ctx, "Harbor", updates.TickSummary{Tick: 2, Visible: 1, Sent: 1, PriorityFailures: 1, DurationMs: 1})

	rm := collect(t, reader)
	for name, want := range map[string]int64{
		"interest.entities.visible":  6,
		"interest.entities.culled":   2,
		"interest.updates.sent":      5,
		"interest.priority.failures": 1,
	} {
		if got := sumValue(t, rm, name); got != want {
			t.Fatalf("%s=%d want %d", name, got, want)
		}
	}

	met := findMetric(rm, "interest.step.duration")
	if met == nil {
		t.Fatal("step duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("step duration data=%T", met.Data)
	}
	if hist.DataPoints[0].Count != 2 {
		t.Fatalf("count=%d want 2", hist.DataPoints[0].Count)
	}

	gauge := findMetric(rm, "interest.updates.backlog")
	if gauge == nil {
		t.Fatal("backlog not found")
	}
	g, ok := gauge.Data.(metricdata.Gauge[int64])
	if !ok || len(g.DataPoints) != 1 || g.DataPoints[0].Value != 0 {
		t.Fatalf("backlog=%+v want last value 0", gauge.Data)
	}
}

func TestViewersActive(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.ViewerJoined(ctx, "Harbor")
	m.ViewerJoined(ctx, "Harbor")
	m.ViewerLeft(ctx, "Harbor")

	if got := sumValue(t, collect(t, reader), "interest.viewers.active"); got != 1 {
		t.Fatalf("viewers=%d want 1", got)
	}
}

func TestInitProviderServesPrometheus(t *testing.T) {
	ctx := context.Background()
	mp, h, shutdown, err := InitProvider(ctx, ProviderConfig{ServiceVersion: "test"})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	defer shutdown(ctx)

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.ViewerJoined(ctx, "Harbor")

	srv := httptest.NewServer(h)
	defer srv.Close()
	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "interest_viewers_active") {
		t.Fatalf("metrics output missing viewers gauge:\n%s", body)
	}
}
