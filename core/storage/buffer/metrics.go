package buffer

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the optional OpenTelemetry instruments the pool records
// against. A nil *Metrics, or the empty Metrics NewMetrics returns when no
// meter is supplied, makes every recording method a no-op.
type Metrics struct {
	hits    metric.Int64Counter
	misses  metric.Int64Counter
	evicted metric.Int64Counter
}

// NewMetrics builds the pool's instruments from meter. Passing a nil meter
// (or one obtained from a disabled telemetry.Telemetry) yields a Metrics
// whose recording methods are safe no-ops.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return &Metrics{}, nil
	}
	hits, err := meter.Int64Counter("ridgedb.buffer_pool.fetch_hits")
	if err != nil {
		return nil, err
	}
	misses, err := meter.Int64Counter("ridgedb.buffer_pool.fetch_misses")
	if err != nil {
		return nil, err
	}
	evicted, err := meter.Int64Counter("ridgedb.buffer_pool.evictions")
	if err != nil {
		return nil, err
	}
	return &Metrics{hits: hits, misses: misses, evicted: evicted}, nil
}

func (m *Metrics) recordHit(ctx context.Context) {
	if m == nil || m.hits == nil {
		return
	}
	m.hits.Add(ctx, 1)
}

func (m *Metrics) recordMiss(ctx context.Context) {
	if m == nil || m.misses == nil {
		return
	}
	m.misses.Add(ctx, 1)
}

func (m *Metrics) recordEviction(ctx context.Context) {
	if m == nil || m.evicted == nil {
		return
	}
	m.evicted.Add(ctx, 1)
}
