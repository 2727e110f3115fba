package concurrency

import (
	"context"

	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the lock manager's optional OpenTelemetry instruments. A nil
// *Metrics makes every recording method a no-op.
type Metrics struct {
	grants  metric.Int64Counter
	aborts  metric.Int64Counter
	victims metric.Int64Counter
}

// NewMetrics builds the lock manager's instruments from meter. A nil meter
// yields a Metrics whose recording methods are safe no-ops.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return &Metrics{}, nil
	}
	grants, err := meter.Int64Counter("ridgedb.lockmgr.grants")
	if err != nil {
		return nil, err
	}
	aborts, err := meter.Int64Counter("ridgedb.lockmgr.aborts")
	if err != nil {
		return nil, err
	}
	victims, err := meter.Int64Counter("ridgedb.lockmgr.deadlock_victims")
	if err != nil {
		return nil, err
	}
	return &Metrics{grants: grants, aborts: aborts, victims: victims}, nil
}

func (m *Metrics) recordGrant(ctx context.Context) {
	if m == nil || m.grants == nil {
		return
	}
	m.grants.Add(ctx, 1)
}

func (m *Metrics) recordAbort(ctx context.Context) {
	if m == nil || m.aborts == nil {
		return
	}
	m.aborts.Add(ctx, 1)
}

func (m *Metrics) recordVictim(ctx context.Context) {
	if m == nil || m.victims == nil {
		return
	}
	m.victims.Add(ctx, 1)
}
