package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/docker/docker/errdefs"

	"github.com/cuemby/plancton/pkg/log"
	"github.com/cuemby/plancton/pkg/metrics"
	"github.com/cuemby/plancton/pkg/telemetry"
)

// EngineError is the terminal error returned once a retried call exhausts
// its attempts. Callers translate it to "skip this tick's action" per
// spec.md §7.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine: %s: call failed after retries: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error { return e.Err }

// withRetry is the idiomatic Go reshaping of the original Python @robust
// decorator: up to policy.Attempts tries, sleeping policy.Delay between
// attempts and multiplying the delay by policy.Backoff each time, retrying
// only errors isRetryable classifies as transient. Every retry emits a
// daemon{status=waiting} telemetry record through sink, exactly as the
// original emits via self.streamer.
func withRetry(ctx context.Context, op string, policy RetryPolicy, sink *telemetry.Fanout, hostname string, f func() error) error {
	logger := log.WithComponent("engine")
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.EngineCallDuration, op)

	delay := policy.Delay
	var lastErr error

	for attempt := 1; attempt <= policy.Attempts; attempt++ {
		lastErr = f()
		if lastErr == nil {
			return nil
		}
		if !isRetryable(lastErr) || attempt == policy.Attempts {
			break
		}

		metrics.EngineCallRetriesTotal.WithLabelValues(op).Inc()
		logger.Warn().Err(lastErr).Str("op", op).Dur("retry_in", delay).Msg("engine call failed, retrying")
		if sink != nil {
			sink.Emit(ctx, telemetry.Record{
				Series: "daemon",
				Tags:   map[string]interface{}{"hostname": hostname},
				Fields: map[string]interface{}{"status": "waiting"},
			})
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &EngineError{Op: op, Err: ctx.Err()}
		}
		delay = time.Duration(float64(delay) * policy.Backoff)
	}

	return &EngineError{Op: op, Err: lastErr}
}

// isRetryable classifies connection errors, timeouts, and the engine's own
// typed API errors (errdefs.IsUnavailable, errdefs.IsDeadline, etc.) as
// transient, mirroring the original's catch of requests.ConnectionError,
// requests.ReadTimeout, and docker.errors.DockerException. A not-found or
// invalid-argument error is never retryable: it reflects a semantic mistake
// that a retry cannot fix.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errdefs.IsNotFound(err) || errdefs.IsInvalidParameter(err) || errdefs.IsForbidden(err) || errdefs.IsUnauthorized(err) {
		return false
	}
	if errdefs.IsUnavailable(err) || errdefs.IsDeadline(err) || errdefs.IsSystem(err) || errdefs.IsUnknown(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
