// Package observe holds the interest-management metrics. Instruments are created
// from an injected MeterProvider so tests can read them back with a ManualReader;
// InitProvider wires the process-wide provider to a Prometheus exporter.
package observe

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"gridsim.ai/internal/sim/updates"
)

const meterName = "gridsim.ai/interest"

// Metrics holds the instruments recorded by the region runtime. Safe for
// concurrent use.
type Metrics struct {
	// EntitiesVisible counts entity evaluations that passed culling.
	EntitiesVisible metric.Int64Counter
	// EntitiesCulled counts entity evaluations hidden by culling.
	EntitiesCulled metric.Int64Counter
	// UpdatesSent counts updates handed to viewers, kills included.
	UpdatesSent metric.Int64Counter
	// PriorityFailures counts scoring errors that fell back to the lowest priority.
	PriorityFailures metric.Int64Counter
	// StepDuration is the wall time of one scheduler step.
	StepDuration metric.Float64Histogram
	// ViewersActive is the number of subscribed viewers.
	ViewersActive metric.Int64UpDownCounter
	// Backlog is the number of updates left queued after a tick, summed over viewers.
	Backlog metric.Int64Gauge
}

// stepBuckets are in seconds; a 10Hz tick has 100ms to spend.
var stepBuckets = []float64{
	0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.EntitiesVisible, err = m.Int64Counter("interest.entities.visible",
		metric.WithDescription("Entity evaluations that passed culling."),
	); err != nil {
		return nil, err
	}
	if met.EntitiesCulled, err = m.Int64Counter("interest.entities.culled",
		metric.WithDescription("Entity evaluations hidden by culling."),
	); err != nil {
		return nil, err
	}
	if met.UpdatesSent, err = m.Int64Counter("interest.updates.sent",
		metric.WithDescription("Entity updates delivered to viewers."),
	); err != nil {
		return nil, err
	}
	if met.PriorityFailures, err = m.Int64Counter("interest.priority.failures",
		metric.WithDescription("Priority computations that failed and ranked last."),
	); err != nil {
		return nil, err
	}
	if met.StepDuration, err = m.Float64Histogram("interest.step.duration",
		metric.WithDescription("Wall time of one update scheduling step."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(stepBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ViewersActive, err = m.Int64UpDownCounter("interest.viewers.active",
		metric.WithDescription("Viewers currently subscribed to the region."),
	); err != nil {
		return nil, err
	}
	if met.Backlog, err = m.Int64Gauge("interest.updates.backlog",
		metric.WithDescription("Updates left queued after the last tick."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

// RecordTick records one scheduler step for the named region.
func (m *Metrics) RecordTick(ctx context.Context, region string, sum updates.TickSummary) {
	attrs := metric.WithAttributes(attribute.String("region", region))
	m.EntitiesVisible.Add(ctx, int64(sum.Visible), attrs)
	m.EntitiesCulled.Add(ctx, int64(sum.Culled), attrs)
	m.UpdatesSent.Add(ctx, int64(sum.Sent), attrs)
	if sum.PriorityFailures > 0 {
		m.PriorityFailures.Add(ctx, int64(sum.PriorityFailures), attrs)
	}
	m.StepDuration.Record(ctx, sum.DurationMs/1000, attrs)
	m.Backlog.Record(ctx, int64(sum.Backlog), attrs)
}

func (m *Metrics) ViewerJoined(ctx context.Context, region string) {
	m.ViewersActive.Add(ctx, 1, metric.WithAttributes(attribute.String("region", region)))
}

func (m *Metrics) ViewerLeft(ctx context.Context, region string) {
	m.ViewersActive.Add(ctx, -1, metric.WithAttributes(attribute.String("region", region)))
}
