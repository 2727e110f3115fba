package concurrency

import "time"

// Config fixes the lock manager's background deadlock detector cadence.
type Config struct {
	CycleDetectionInterval time.Duration // 0 selects the default of 50ms
}

func (c Config) interval() time.Duration {
	if c.CycleDetectionInterval <= 0 {
		return 50 * time.Millisecond
	}
	return c.CycleDetectionInterval
}
