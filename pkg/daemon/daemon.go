// Package daemon implements the main control loop: steps 1-12 of spec.md
// §4.9's tick, wrapped in an outer interruptible-sleep loop (step 13).
//
// Grounded on the ticker-vs-stopCh run() loops of
// cuemby-warren/pkg/scheduler/scheduler.go and pkg/reconciler/reconciler.go,
// generalized so the inter-tick sleep also wakes early on the force-stop
// sentinel — a direct port of original_source/plancton/__init__.py's
// run()'s 1-Hz time.Sleep(1) polling loop into Go's select-on-ticker idiom.
package daemon

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/cuemby/plancton/pkg/admission"
	"github.com/cuemby/plancton/pkg/config"
	"github.com/cuemby/plancton/pkg/engine"
	"github.com/cuemby/plancton/pkg/hostprobe"
	"github.com/cuemby/plancton/pkg/lifecycle"
	"github.com/cuemby/plancton/pkg/log"
	"github.com/cuemby/plancton/pkg/metrics"
	"github.com/cuemby/plancton/pkg/mode"
	"github.com/cuemby/plancton/pkg/registry"
	"github.com/cuemby/plancton/pkg/telemetry"
)

// Daemon holds every piece of cross-tick state spec.md §3 names.
type Daemon struct {
	cli      engine.Client
	sink     *telemetry.Fanout
	modeCtrl *mode.Controller
	adm      *admission.Controller

	confdir  string
	hostname string
	facts    config.HostFacts
	apparmor bool

	cfg atomic.Pointer[config.Config]

	startTime      time.Time
	lastUpdateTime time.Time
	lastConfUpTime time.Time
	lastKillTime   time.Time

	uptime0, idletime0 float64
	efficiency         float64
	hasImage           bool
	doMainLoop         bool

	mu          sync.Mutex
	lastWorkers []registry.Worker

	nowFunc      func() time.Time
	cpuTimesFunc func() (float64, float64, error)
}

// New constructs a Daemon with its first configuration load already applied.
func New(cli engine.Client, sink *telemetry.Fanout, modeCtrl *mode.Controller, confdir, hostname string, facts config.HostFacts, apparmorEnabled bool) *Daemon {
	d := &Daemon{
		cli:          cli,
		sink:         sink,
		modeCtrl:     modeCtrl,
		adm:          admission.New(),
		confdir:      confdir,
		hostname:     hostname,
		facts:        facts,
		apparmor:     apparmorEnabled,
		startTime:    time.Now(),
		nowFunc:      time.Now,
		cpuTimesFunc: hostprobe.CPUTimes,
	}
	d.cfg.Store(config.Load(confdir, nil, facts))
	d.lastConfUpTime = d.startTime
	d.doMainLoop = true

	// Sample cpu_times once up front, mirroring the original's __init__
	// baseline sample: without this, the first Tick's delta would be
	// measured against a zero baseline, i.e. against the host's entire
	// uptime since boot rather than the gap since startup.
	if uptime, idle, err := d.cpuTimesFunc(); err == nil {
		d.uptime0, d.idletime0 = uptime, idle
	}
	return d
}

// CountByState implements metrics.StateProvider from the most recent tick's
// worker list, for the background Prometheus collector.
func (d *Daemon) CountByState() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return registry.CountByState(d.lastWorkers)
}

func (d *Daemon) setLastWorkers(workers []registry.Worker) {
	d.mu.Lock()
	d.lastWorkers = workers
	d.mu.Unlock()
}

// Run drives Tick forever until a tick requests exit (spec.md §4.9 step 12)
// or ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	logger := log.WithComponent("daemon")
	for {
		timer := metrics.NewTimer()
		if err := d.Tick(ctx); err != nil {
			logger.Error().Err(err).Msg("tick failed, continuing")
		}
		timer.ObserveDuration(metrics.MainLoopDuration)

		if !d.doMainLoop {
			logger.Info().Msg("drain-stop converged, exiting")
			return nil
		}

		sleepFor := time.Duration(d.cfg.Load().MainSleep) * time.Second
		deadline := d.nowFunc().Add(sleepFor)
		for d.nowFunc().Before(deadline) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			if d.modeCtrl.Snapshot().ForceStop {
				logger.Warn().Msg("force-stop observed mid-sleep, waking immediately")
				break
			}
			if !d.doMainLoop {
				break
			}
		}
	}
}

// Tick runs steps 1-12 of spec.md §4.9 once.
func (d *Daemon) Tick(ctx context.Context) error {
	logger := log.WithComponent("daemon")
	now := d.nowFunc()
	cfg := d.cfg.Load()

	// Step 1-2: efficiency sample + daemon{uptime} telemetry.
	uptime, idle, err := d.cpuTimesFunc()
	if err != nil {
		logger.Warn().Err(err).Msg("cannot read cpu times, reusing previous efficiency sample")
	} else {
		d.efficiency = admission.Sample(d.uptime0, d.idletime0, uptime, idle, d.facts.NCPUs)
		d.uptime0, d.idletime0 = uptime, idle
	}
	metrics.DaemonUptimeSeconds.Set(now.Sub(d.startTime).Seconds())
	d.sink.Emit(ctx, telemetry.Record{
		Series: "daemon",
		Tags:   map[string]interface{}{"hostname": d.hostname},
		Fields: map[string]interface{}{"uptime": now.Sub(d.startTime).Seconds()},
	})

	// Step 3: sentinel flags.
	flags := d.modeCtrl.Snapshot()
	forceKillActive := flags.ForceStop
	if flags.Draining {
		logger.Info().Msg("draining")
	}
	if forceKillActive {
		logger.Warn().Msg("force-stop sentinel observed")
	}
	metrics.DaemonMode.Set(boolToFloat(flags.Draining))

	// Step 4: overhead controller, evicting the youngest Running worker.
	workers, err := registry.List(d.cli, true)
	if err != nil {
		logger.Error().Err(err).Msg("cannot list workers, skipping this tick's admission")
		d.clearForceStopIfObserved(forceKillActive)
		return err
	}
	running := registry.RunningCount(workers)
	threshold := admission.Threshold(cfg.CPUsPerDock, running, cfg.MaxDocks, d.facts.NCPUs)
	if d.adm.Overhead(d.efficiency, threshold, time.Duration(cfg.GraceKill)*time.Second, now) {
		if victim, ok := youngestRunning(workers); ok {
			d.evict(ctx, victim, now)
			workers = removeWorker(workers, victim.ID)
		}
	}

	// Step 5: config hot-reload.
	prevImage := cfg.DockerImage
	prevInflux := cfg.InfluxDBURL
	if now.Sub(d.lastConfUpTime) >= time.Duration(cfg.UpdateConfig)*time.Second {
		cfg = config.Load(d.confdir, cfg, d.facts)
		d.cfg.Store(cfg)
		d.lastConfUpTime = now
	}

	// Step 6: image refresh.
	imageChanged := cfg.DockerImage != prevImage
	expired := now.Sub(d.lastUpdateTime) >= time.Duration(cfg.ImageExpiration)*time.Second
	if !d.hasImage || imageChanged || expired {
		repo, tag := splitImage(cfg.DockerImage)
		if err := d.cli.Pull(repo, tag); err != nil {
			logger.Error().Err(err).Str("image", cfg.DockerImage).Msg("image pull failed")
			d.hasImage = false
		} else {
			d.hasImage = true
			d.lastUpdateTime = now
		}
	}

	// Step 7: sink reconciliation on symmetric difference.
	if setsDiffer(prevInflux, cfg.InfluxDBURL) {
		d.sink.Reconcile(cfg.InfluxDBURL, func(key string) telemetry.Sink {
			return telemetry.NewInfluxSink(key)
		})
	}

	// Step 8: re-count, emit measurement/daemon telemetry.
	workers, err = registry.List(d.cli, true)
	if err != nil {
		logger.Error().Err(err).Msg("cannot re-list workers after eviction")
	}
	running = registry.RunningCount(workers)
	d.setLastWorkers(workers)
	metrics.CPUEfficiency.Set(d.efficiency)
	for state, count := range registry.CountByState(workers) {
		metrics.ContainersByState.WithLabelValues(state).Set(float64(count))
	}
	d.sink.Emit(ctx, telemetry.Record{
		Series: "measurement",
		Tags:   map[string]interface{}{"hostname": d.hostname},
		Fields: map[string]interface{}{"cpu_eff": d.efficiency},
	})
	status := "active"
	if flags.Draining {
		status = "draining"
	}
	d.sink.Emit(ctx, telemetry.Record{
		Series: "daemon",
		Tags:   map[string]interface{}{"hostname": d.hostname, "status": status},
		Fields: map[string]interface{}{"containers": running},
	})

	// Step 9: admission arithmetic and spawn burst.
	fitting := admission.Fitting(100-d.efficiency, d.facts.NCPUs, cfg.CPUsPerDock)
	launchable := admission.Launchable(fitting, cfg.MaxDocks, running, cfg.DocksPerLoop)
	if !admission.SpawnInhibited(forceKillActive, flags.Draining, d.hasImage, now, d.lastKillTime, time.Duration(cfg.GraceSpawn)*time.Second) {
		for i := 0; i < launchable; i++ {
			spec, name, err := lifecycle.BuildSpec(cfg, d.hostname, d.apparmor)
			if err != nil {
				logger.Error().Err(err).Msg("cannot build container spec, stopping spawn burst")
				break
			}
			id, pid, err := lifecycle.Spawn(d.cli, spec, name)
			if err != nil {
				logger.Error().Err(err).Str("name", name).Msg("spawn failed, stopping spawn burst")
				break
			}
			if pid == 0 {
				logger.Warn().Str("id", id).Msg("spawned container reported no PID, stopping spawn burst")
				break
			}
			metrics.ContainersSpawnedTotal.Inc()
		}
	}

	// Re-list before reaping so a just-spawned container that failed to
	// start (e.g. reported PID 0) is visible to Reap this same tick, per
	// spec.md's ordering guarantee that reap runs after spawn.
	if postSpawn, err := registry.List(d.cli, true); err != nil {
		logger.Error().Err(err).Msg("cannot re-list workers after spawn burst, reaping against pre-spawn snapshot")
	} else {
		workers = postSpawn
	}

	// Step 10: lifecycle reap.
	results := lifecycle.Reap(d.cli, workers, time.Duration(cfg.MaxTTL)*time.Second, forceKillActive, now)
	lifecycle.EmitTelemetry(ctx, d.sink, d.hostname, results)
	for _, r := range results {
		if !r.Removed {
			continue
		}
		metrics.ContainersReapedTotal.WithLabelValues(reapReason(r)).Inc()
		if r.Started {
			metrics.ContainerLifetimeSeconds.Observe(r.Uptime.Seconds())
		}
		if r.Killed {
			d.lastKillTime = now
		}
	}

	// Step 11: human-readable worker table dump.
	d.dumpTable(reapSurvivors(workers, results))

	// Step 12: drain-stop convergence.
	remaining, _ := registry.List(d.cli, true)
	if registry.RunningCount(remaining) == 0 && flags.Draining && flags.DrainStop {
		if err := d.modeCtrl.ClearDrainStop(); err != nil {
			logger.Error().Err(err).Msg("cannot clear drain-stop sentinel")
		}
		d.doMainLoop = false
	}

	d.clearForceStopIfObserved(forceKillActive)
	return nil
}

func (d *Daemon) clearForceStopIfObserved(observed bool) {
	if !observed {
		return
	}
	if err := d.modeCtrl.ClearForceStop(); err != nil {
		log.WithComponent("daemon").Error().Err(err).Msg("cannot clear force-stop sentinel")
	}
}

// evict removes victim as an overhead eviction and emits its container{}
// telemetry point, mirroring the Running branch of lifecycle.Reap's truth
// table but triggered by the overhead controller rather than TTL/force-kill.
func (d *Daemon) evict(ctx context.Context, victim registry.Worker, now time.Time) {
	logger := log.WithComponent("daemon")
	var uptime time.Duration
	if insp, err := d.cli.Inspect(victim.ID); err == nil {
		if started, perr := lifecycle.ParseEngineTime(insp.StartedAt); perr == nil {
			uptime = now.Sub(started)
		}
	}
	if err := d.cli.Remove(victim.ID, true); err != nil {
		logger.Warn().Err(err).Str("id", victim.ID).Msg("cannot remove overhead-evicted worker")
		return
	}
	d.lastKillTime = now
	metrics.ContainersReapedTotal.WithLabelValues("overhead").Inc()
	metrics.ContainerLifetimeSeconds.Observe(uptime.Seconds())
	d.sink.Emit(ctx, telemetry.Record{
		Series: "container",
		Tags: map[string]interface{}{
			"hostname": d.hostname,
			"started":  true,
			"killed":   true,
		},
		Fields: map[string]interface{}{"uptime": uptime.Seconds()},
	})
}

// dumpTable renders workers as a human-readable table, grounded on the
// original's _dump_container_list (built on PrettyTable), enriched from the
// pack's tablewriter adoption (attested across several other_examples
// manifests go.mod files) rather than a hand-rolled stdlib formatter.
func (d *Daemon) dumpTable(workers []registry.Worker) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetHeader([]string{"ID", "NAME", "STATE", "CREATED", "UPTIME"})
	for _, w := range workers {
		table.Append([]string{
			w.ShortID,
			w.Name,
			string(w.Phase),
			time.Unix(w.CreatedAt, 0).UTC().Format(time.RFC3339),
			w.Uptime.Round(time.Second).String(),
		})
	}
	table.Render()
	log.WithComponent("daemon").Info().Msg("\n" + buf.String())
}

func youngestRunning(workers []registry.Worker) (registry.Worker, bool) {
	running := make([]registry.Worker, 0, len(workers))
	for _, w := range workers {
		if w.Phase == registry.Running {
			running = append(running, w)
		}
	}
	if len(running) == 0 {
		return registry.Worker{}, false
	}
	registry.SortYoungestFirst(running)
	return running[0], true
}

func removeWorker(workers []registry.Worker, id string) []registry.Worker {
	out := make([]registry.Worker, 0, len(workers))
	for _, w := range workers {
		if w.ID != id {
			out = append(out, w)
		}
	}
	return out
}

// reapSurvivors returns the workers not named in results, i.e. what remains
// after the lifecycle pass, for the table dump.
func reapSurvivors(workers []registry.Worker, results []lifecycle.ReapResult) []registry.Worker {
	removed := make(map[string]struct{}, len(results))
	for _, r := range results {
		if r.Removed {
			removed[r.Worker.ID] = struct{}{}
		}
	}
	out := make([]registry.Worker, 0, len(workers))
	for _, w := range workers {
		if _, gone := removed[w.ID]; !gone {
			out = append(out, w)
		}
	}
	return out
}

func reapReason(r lifecycle.ReapResult) string {
	switch {
	case !r.EmitTelem:
		return "other"
	case r.Killed:
		return "ttl_or_forcekill"
	case r.Started:
		return "exited"
	default:
		return "created"
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// splitImage separates "repo[:tag]" into its parts, taking care not to
// mistake a registry host:port for a tag separator (spec.md §3).
func splitImage(image string) (repo, tag string) {
	lastColon := strings.LastIndex(image, ":")
	lastSlash := strings.LastIndex(image, "/")
	if lastColon > lastSlash {
		return image[:lastColon], image[lastColon+1:]
	}
	return image, "latest"
}

// setsDiffer reports whether a and b differ (symmetric difference
// non-empty), per spec.md §4.9 step 7.
func setsDiffer(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return true
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return true
		}
	}
	return false
}
