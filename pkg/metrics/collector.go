package metrics

import "time"

// StateProvider is the small slice of the worker registry the collector
// needs: a count of workers per classified state. pkg/daemon's Daemon
// implements this so the collector never has to import pkg/daemon or
// pkg/registry directly, keeping the metrics package's dependency surface to
// prometheus alone.
type StateProvider interface {
	CountByState() map[string]int
}

// Collector polls a StateProvider on a fixed interval and updates the
// container gauges, the way the teacher's Collector polled the cluster
// manager — generalized from a multi-resource cluster snapshot to
// Plancton's single worker registry.
type Collector struct {
	provider StateProvider
	interval time.Duration
	stopCh   chan struct{}
}

// NewCollector returns a Collector that samples provider every interval.
func NewCollector(provider StateProvider, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{provider: provider, interval: interval, stopCh: make(chan struct{})}
}

// Start begins collecting in a background goroutine.
func (c *Collector) Start() {
	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop halts collection.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	counts := c.provider.CountByState()
	for _, state := range []string{"running", "exited", "created", "other"} {
		ContainersByState.WithLabelValues(state).Set(float64(counts[state]))
	}
}
