// Package mode implements the sentinel-file control surface of spec.md
// §4.8: drain, drain-stop, and force-stop, each signaled by a file's
// presence in the run directory, coordinated with a sibling control CLI
// purely by file existence (no locking).
//
// Grounded on the original's drain/resume/kill/onexit methods in
// original_source/plancton/__init__.py, reshaped as a small stateless
// struct over a directory path, in the idiom of
// cuemby-warren/pkg/mode-adjacent state files the teacher has none of —
// this component is a direct, minimally-adapted port of the original's
// file-presence semantics since no pack example owns an equivalent
// sentinel-file pattern.
package mode

import (
	"os"
	"path/filepath"

	"github.com/cuemby/plancton/pkg/log"
)

const (
	drainFile     = "drain"
	drainStopFile = "drain-stop"
	forceStopFile = "force-stop"
)

// Flags is a point-in-time read of which sentinels are present, consumed
// once per tick by the main loop (spec.md §4.9 step 3).
type Flags struct {
	Draining  bool
	DrainStop bool
	ForceStop bool
}

// Controller manages the sentinel files under rundir.
type Controller struct {
	rundir string
}

// New returns a Controller rooted at rundir.
func New(rundir string) *Controller {
	return &Controller{rundir: rundir}
}

func (c *Controller) path(name string) string {
	return filepath.Join(c.rundir, name)
}

// create makes name with O_CREAT|O_EXCL, 0644 per spec.md §6. An
// already-present file is not an error (spec.md §4.8).
func create(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	return f.Close()
}

// remove deletes path. A missing file is not an error (spec.md §4.8).
func remove(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// Drain creates the drain sentinel, and the drain-stop sentinel too if stop
// is true (spec.md §4.8: "drain --stop").
func (c *Controller) Drain(stop bool) error {
	if err := create(c.path(drainFile)); err != nil {
		log.WithComponent("mode").Error().Err(err).Msg("cannot create drain sentinel")
		return err
	}
	if stop {
		if err := create(c.path(drainStopFile)); err != nil {
			log.WithComponent("mode").Error().Err(err).Msg("cannot create drain-stop sentinel")
			return err
		}
	}
	return nil
}

// Resume clears both the drain and drain-stop sentinels, restoring the
// pre-drain state (spec.md §8: "drain then resume restores the pre-drain
// state").
func (c *Controller) Resume() error {
	if err := remove(c.path(drainFile)); err != nil {
		log.WithComponent("mode").Error().Err(err).Msg("cannot remove drain sentinel")
		return err
	}
	if err := remove(c.path(drainStopFile)); err != nil {
		log.WithComponent("mode").Error().Err(err).Msg("cannot remove drain-stop sentinel")
		return err
	}
	return nil
}

// Kill creates the force-stop sentinel, requesting eviction of every
// worker on the next tick.
func (c *Controller) Kill() error {
	if err := create(c.path(forceStopFile)); err != nil {
		log.WithComponent("mode").Error().Err(err).Msg("cannot create force-stop sentinel")
		return err
	}
	return nil
}

// ClearForceStop removes the force-stop sentinel, called by the core
// during the tick after observing it (spec.md §4.8).
func (c *Controller) ClearForceStop() error {
	return remove(c.path(forceStopFile))
}

// ClearDrainStop removes the drain-stop sentinel, called once the main
// loop has converged with zero running workers (spec.md §4.9 step 12).
func (c *Controller) ClearDrainStop() error {
	return remove(c.path(drainStopFile))
}

// Snapshot reads which sentinels are currently present.
func (c *Controller) Snapshot() Flags {
	return Flags{
		Draining:  exists(c.path(drainFile)),
		DrainStop: exists(c.path(drainStopFile)),
		ForceStop: exists(c.path(forceStopFile)),
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
