package btree

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the tree's optional OpenTelemetry instruments. A nil
// *Metrics makes every recording method a no-op.
type Metrics struct {
	retries metric.Int64Counter
	splits  metric.Int64Counter
	merges  metric.Int64Counter
}

// NewMetrics builds the tree's instruments from meter. A nil meter yields a
// Metrics whose recording methods are safe no-ops.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return &Metrics{}, nil
	}
	retries, err := meter.Int64Counter("ridgedb.btree.descent_retries")
	if err != nil {
		return nil, err
	}
	splits, err := meter.Int64Counter("ridgedb.btree.node_splits")
	if err != nil {
		return nil, err
	}
	merges, err := meter.Int64Counter("ridgedb.btree.node_merges")
	if err != nil {
		return nil, err
	}
	return &Metrics{retries: retries, splits: splits, merges: merges}, nil
}

func (m *Metrics) recordRetry(ctx context.Context) {
	if m == nil || m.retries == nil {
		return
	}
	m.retries.Add(ctx, 1)
}

func (m *Metrics) recordSplit(ctx context.Context) {
	if m == nil || m.splits == nil {
		return
	}
	m.splits.Add(ctx, 1)
}

func (m *Metrics) recordMerge(ctx context.Context) {
	if m == nil || m.merges == nil {
		return
	}
	m.merges.Add(ctx, 1)
}
