// Package telemetry fans a stream of time-series records out to every
// configured sink, mirroring the original's "streamer" set: a daemon series
// carrying status/uptime/container-count fields, a measurement series
// carrying cpu_eff, and a container series carrying per-dock lifecycle
// outcomes (spec.md §4.4, §9).
//
// Grounded on the teacher's pkg/metrics package for the shape of a
// process-wide, lazily-registered sink set, generalized from Prometheus-only
// collection to an arbitrary Sink interface so a second, non-Prometheus sink
// (InfluxDB) can share the same fan-out path.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/plancton/pkg/log"
)

// Record is a single point: a named series, a set of tags, and a set of
// fields, matching the original's streamer(series=, tags=, fields=) calls.
type Record struct {
	Series string
	Tags   map[string]interface{}
	Fields map[string]interface{}
	Time   time.Time
}

// Sink receives records. Emit must not block the caller for long; sinks that
// do network I/O should apply their own short timeout.
type Sink interface {
	Name() string
	Emit(ctx context.Context, rec Record)
	Close() error
}

// Fanout holds the live sink set and reconciles it against the
// baseurl#database strings from config.Config.InfluxDBURL, exactly like the
// original's _influxdb_setup: sinks not present in the new set are closed and
// dropped, sinks already present are kept, and new entries are added.
type Fanout struct {
	mu    sync.RWMutex
	sinks map[string]Sink
}

// New returns an empty Fanout. Use Reconcile to populate it from config.
func New() *Fanout {
	return &Fanout{sinks: map[string]Sink{}}
}

// Reconcile makes the live sink set match wanted (a set of baseurl#database
// keys), constructing new sinks with makeSink and closing removed ones.
func (f *Fanout) Reconcile(wanted map[string]struct{}, makeSink func(key string) Sink) {
	logger := log.WithComponent("telemetry")
	f.mu.Lock()
	defer f.mu.Unlock()

	for key, sink := range f.sinks {
		if _, ok := wanted[key]; !ok {
			if err := sink.Close(); err != nil {
				logger.Warn().Err(err).Str("sink", key).Msg("error closing removed telemetry sink")
			}
			delete(f.sinks, key)
		}
	}
	for key := range wanted {
		if _, ok := f.sinks[key]; ok {
			continue
		}
		f.sinks[key] = makeSink(key)
	}
}

// Emit fans rec out to every live sink. Each sink's Emit is expected to be
// non-blocking or to apply its own timeout; Emit itself never blocks on
// network I/O beyond what the sink does synchronously.
func (f *Fanout) Emit(ctx context.Context, rec Record) {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, sink := range f.sinks {
		sink.Emit(ctx, rec)
	}
}

// Count reports the number of live sinks, chiefly for tests.
func (f *Fanout) Count() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.sinks)
}

// CloseAll closes every live sink, e.g. on daemon shutdown.
func (f *Fanout) CloseAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for key, sink := range f.sinks {
		_ = sink.Close()
		delete(f.sinks, key)
	}
}
