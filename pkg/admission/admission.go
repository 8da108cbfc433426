// Package admission implements spec.md §4.6: CPU efficiency sampling, the
// fitting/launchable admission arithmetic, and the overhead eviction state
// machine.
//
// Grounded on the single-pass-per-tick shape of
// cuemby-warren/pkg/scheduler/scheduler.go's schedule() (one function that
// inspects current state and returns an action set), adapted from
// "replicas vs. desired" arithmetic to "idle capacity vs. CPU quota"
// arithmetic, and on original_source/plancton/__init__.py's
// _set_cpu_efficiency/_overhead_control for the exact formulas.
package admission

import (
	"math"
	"time"
)

// Controller holds the single piece of state the efficiency and overhead
// formulas carry across ticks: when the over-threshold condition began.
type Controller struct {
	overheadFirstTime time.Time
}

// New returns a Controller with no over-threshold condition recorded.
func New() *Controller {
	return &Controller{}
}

// OverheadFirstTime reports the wall-clock time the over-threshold condition
// began, or the zero Time if the condition does not currently hold
// (spec.md §8 invariant: "while the over-threshold condition is false,
// overhead_first_time == 0").
func (c *Controller) OverheadFirstTime() time.Time {
	return c.overheadFirstTime
}

// Sample computes efficiency = (Δup·ncpus − Δidle)·100 / (Δup·ncpus),
// clamped to [0,100], defaulting to 100 when Δup is zero (spec.md §4.6,
// §8 boundary behavior).
func Sample(prevUptime, prevIdle, uptime, idle float64, ncpus int) float64 {
	deltaUp := uptime - prevUptime
	deltaIdle := idle - prevIdle
	if deltaUp == 0 {
		return 100
	}
	eff := (deltaUp*float64(ncpus) - deltaIdle) * 100 / (deltaUp * float64(ncpus))
	return clamp(eff, 0, 100)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Fitting computes floor(idle·0.95·ncpus/(cpusPerDock·100)), the number of
// additional workers the host's idle capacity theoretically admits
// (spec.md §4.6). A cpusPerDock of 0 or less yields 0 instead of a division
// by zero.
func Fitting(idle float64, ncpus int, cpusPerDock float64) int {
	if cpusPerDock <= 0 {
		return 0
	}
	return int(math.Floor(idle * 0.95 * float64(ncpus) / (cpusPerDock * 100)))
}

// Launchable computes min(fitting, max(maxDocks-running, 0), docksPerLoop)
// (spec.md §4.6).
func Launchable(fitting, maxDocks, running, docksPerLoop int) int {
	headroom := maxDocks - running
	if headroom < 0 {
		headroom = 0
	}
	launchable := fitting
	if headroom < launchable {
		launchable = headroom
	}
	if docksPerLoop < launchable {
		launchable = docksPerLoop
	}
	return launchable
}

// SpawnInhibited reports whether spec.md §4.6/§8's spawn-inhibition
// conditions hold: force-kill, draining, no local image, or still within
// grace_spawn seconds of the last eviction.
func SpawnInhibited(forceKill, draining, hasImage bool, now, lastKillTime time.Time, graceSpawn time.Duration) bool {
	if forceKill || draining || !hasImage {
		return true
	}
	return now.Sub(lastKillTime) <= graceSpawn
}

// Threshold computes 100·cpusPerDock·min(running,maxDocks)/ncpus
// (spec.md §4.6). Returns 0 when ncpus is 0 to avoid division by zero,
// which degenerates Overhead to "never evict" — the same as the
// cpus_per_dock=0 boundary case (spec.md §8).
func Threshold(cpusPerDock float64, running, maxDocks, ncpus int) float64 {
	if ncpus == 0 {
		return 0
	}
	capped := running
	if maxDocks < capped {
		capped = maxDocks
	}
	return 100 * cpusPerDock * float64(capped) / float64(ncpus)
}

// Overhead implements the over-threshold state machine: it records when the
// condition first began, and reports whether grace_kill seconds have now
// elapsed, meaning the caller should evict one worker (youngest Running).
// When the condition is false, any previously recorded start time is
// cleared. At most one eviction is ever signaled per call (spec.md §4.6).
func (c *Controller) Overhead(efficiency, threshold float64, graceKill time.Duration, now time.Time) (evict bool) {
	overThreshold := threshold > 0 && efficiency > threshold+10
	if !overThreshold {
		c.overheadFirstTime = time.Time{}
		return false
	}
	if c.overheadFirstTime.IsZero() {
		c.overheadFirstTime = now
		return false
	}
	return now.Sub(c.overheadFirstTime) > graceKill
}
