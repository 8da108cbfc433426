// Package lifecycle builds worker container specs, spawns workers, and
// reaps them per the TTL/force-kill/state truth table of spec.md §4.7.
//
// Grounded on original_source/plancton/__init__.py's _create_container,
// _start_container, and _control_containers, expressed in the idiom of
// cuemby-warren/pkg/runtime/containerd.go's CreateContainer (build a spec
// value one field at a time, with named intermediate locals).
package lifecycle

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/plancton/pkg/config"
	"github.com/cuemby/plancton/pkg/engine"
	"github.com/cuemby/plancton/pkg/log"
	"github.com/cuemby/plancton/pkg/registry"
	"github.com/cuemby/plancton/pkg/telemetry"
)

const randomSuffixChars = "0123456789abcdefghijklmnopqrstuvwxyz"

// randomSuffix draws n characters from crypto/rand, generalizing the
// original's random.SystemRandom() choice into the 6-char worker name
// suffix spec.md §3 names.
func randomSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, b := range buf {
		out[i] = randomSuffixChars[int(b)%len(randomSuffixChars)]
	}
	return string(out), nil
}

// BuildSpec builds the create-container payload from cfg, matching spec.md
// §4.7 "Creation" field for field: CPU quota/period, bridge network,
// security opts gated on AppArmor, binds rewritten to rw/shared/Z, memory
// plus swap-adjusted memory, privileged flag, device triples, and
// capability add/drop partitioned by sign prefix.
func BuildSpec(cfg *config.Config, hostname string, apparmorEnabled bool) (engine.ContainerSpec, string, error) {
	suffix, err := randomSuffix(6)
	if err != nil {
		return engine.ContainerSpec{}, "", err
	}
	name := registry.NamePrefix + "-" + suffix

	shortHost := hostname
	if len(shortHost) > 40 {
		shortHost = shortHost[:40]
	}
	containerHostname := fmt.Sprintf("plancton-%s-%s", shortHost, uuid.NewString())

	securityOpt := cfg.SecurityOpts
	if !apparmorEnabled {
		securityOpt = nil
	}

	binds := make([]string, 0, len(cfg.Binds))
	for _, b := range cfg.Binds {
		binds = append(binds, b+":rw,shared,Z")
	}

	devices := make([]engine.DeviceMapping, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		parts := strings.SplitN(d, ":", 3)
		dm := engine.DeviceMapping{}
		if len(parts) > 0 {
			dm.Host = parts[0]
		}
		if len(parts) > 1 {
			dm.Container = parts[1]
		}
		if len(parts) > 2 {
			dm.CgroupPerms = parts[2]
		}
		devices = append(devices, dm)
	}

	var capAdd, capDrop []string
	for _, cap := range cfg.Capabilities {
		if cap == "" {
			continue
		}
		switch cap[0] {
		case '-':
			capDrop = append(capDrop, strings.TrimPrefix(cap, "-"))
		case '+':
			capAdd = append(capAdd, strings.TrimPrefix(cap, "+"))
		default:
			capAdd = append(capAdd, cap)
		}
	}

	spec := engine.ContainerSpec{
		Image:       cfg.DockerImage,
		Cmd:         cfg.DockerCmd,
		Hostname:    containerHostname,
		User:        cfg.UserGroup,
		CPUQuota:    int64(cfg.CPUsPerDock * 100000),
		CPUPeriod:   100000,
		Memory:      cfg.MaxDockMem,
		MemorySwap:  cfg.MaxDockSwap,
		Privileged:  cfg.DockerPrivileged,
		Binds:       binds,
		Devices:     devices,
		CapAdd:      capAdd,
		CapDrop:     capDrop,
		SecurityOpt: securityOpt,
		NetworkMode: "bridge",
	}
	return spec, name, nil
}

// Spawn creates and starts a worker, then inspects it for a PID. A zero PID
// is treated as a failed launch, per spec.md §4.7 "Start".
func Spawn(cli engine.Client, spec engine.ContainerSpec, name string) (id string, pid int, err error) {
	logger := log.WithComponent("lifecycle")

	id, err = cli.Create(spec, name)
	if err != nil {
		logger.Error().Err(err).Str("name", name).Msg("cannot create container")
		return "", 0, err
	}
	logger.Debug().Str("id", id).Str("name", name).Msg("created container")

	if err := cli.Start(id); err != nil {
		logger.Error().Err(err).Str("id", id).Msg("cannot start container")
		return id, 0, err
	}

	insp, err := cli.Inspect(id)
	if err != nil {
		logger.Error().Err(err).Str("id", id).Msg("cannot inspect started container")
		return id, 0, err
	}
	if insp.Pid == 0 {
		logger.Warn().Str("id", id).Msg("started container reports PID 0, treating as failed launch")
		return id, 0, nil
	}
	return id, insp.Pid, nil
}

// timeLayout matches spec.md §9's "parse only the first 19 chars as naive
// UTC" truncation.
const timeLayout = "2006-01-02T15:04:05"

func parseEngineTime(ts string) (time.Time, error) {
	if len(ts) > 19 {
		ts = ts[:19]
	}
	return time.Parse(timeLayout, ts)
}

// ParseEngineTime exposes parseEngineTime to pkg/daemon's overhead-eviction
// path, which needs the same truncate-to-19-chars parse as Reap uses for its
// Running branch.
func ParseEngineTime(ts string) (time.Time, error) {
	return parseEngineTime(ts)
}

// ReapResult reports what Reap decided for one worker, used by the caller
// (pkg/daemon) to emit telemetry and logs.
type ReapResult struct {
	Worker    registry.Worker
	Removed   bool
	Started   bool
	Killed    bool
	Uptime    time.Duration
	EmitTelem bool
	RemoveErr error
}

// Reap applies spec.md §4.7's truth table to every worker in workers:
//   - Running and (uptime > maxTTL or forceKill): force-remove, telemetry
//     {started:true,killed:true,uptime}.
//   - Exited: remove, telemetry {started:true,killed:false,uptime}.
//   - Created: remove, telemetry {started:false,killed:false,uptime:0}.
//   - Any other non-Running state: remove, no telemetry (spec.md §9 open
//     question — Paused/Restarting/Dead are silently reaped, preserved
//     deliberately).
func Reap(cli engine.Client, workers []registry.Worker, maxTTL time.Duration, forceKill bool, now time.Time) []ReapResult {
	logger := log.WithComponent("lifecycle")
	results := make([]ReapResult, 0, len(workers))

	for _, w := range workers {
		var res ReapResult
		res.Worker = w

		switch w.Phase {
		case registry.Running:
			insp, err := cli.Inspect(w.ID)
			if err != nil {
				logger.Error().Err(err).Str("id", w.ID).Msg("cannot inspect running container, skipping this tick")
				continue
			}
			started, perr := parseEngineTime(insp.StartedAt)
			if perr != nil {
				logger.Warn().Err(perr).Str("id", w.ID).Msg("cannot parse StartedAt, skipping this tick")
				continue
			}
			uptime := now.Sub(started)
			if uptime > maxTTL || forceKill {
				res.Started = true
				res.Killed = true
				res.Uptime = uptime
				res.EmitTelem = true
				res.Removed = true
			} else {
				continue
			}
		case registry.Exited:
			insp, err := cli.Inspect(w.ID)
			if err != nil {
				logger.Error().Err(err).Str("id", w.ID).Msg("cannot inspect exited container, skipping this tick")
				continue
			}
			started, serr := parseEngineTime(insp.StartedAt)
			finished, ferr := parseEngineTime(insp.FinishedAt)
			if serr == nil && ferr == nil {
				res.Uptime = finished.Sub(started)
			}
			res.Started = true
			res.Killed = false
			res.EmitTelem = true
			res.Removed = true
		case registry.Created:
			res.Started = false
			res.Killed = false
			res.Uptime = 0
			res.EmitTelem = true
			res.Removed = true
		default: // Other: Paused, Restarting, Dead — silently reaped
			res.EmitTelem = false
			res.Removed = true
		}

		if res.Removed {
			if err := cli.Remove(w.ID, true); err != nil {
				logger.Warn().Err(err).Str("id", w.ID).Msg("could not remove container")
				res.RemoveErr = err
				res.Removed = false
			}
		}
		results = append(results, res)
	}
	return results
}

// EmitTelemetry records each reap result's container{} series point, per
// spec.md §4.4's table.
func EmitTelemetry(ctx context.Context, sink *telemetry.Fanout, hostname string, results []ReapResult) {
	for _, r := range results {
		if !r.EmitTelem || !r.Removed {
			continue
		}
		sink.Emit(ctx, telemetry.Record{
			Series: "container",
			Tags: map[string]interface{}{
				"hostname": hostname,
				"started":  r.Started,
				"killed":   r.Killed,
			},
			Fields: map[string]interface{}{"uptime": r.Uptime.Seconds()},
		})
	}
}
