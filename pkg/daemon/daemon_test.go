package daemon

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/plancton/pkg/config"
	"github.com/cuemby/plancton/pkg/engine"
	"github.com/cuemby/plancton/pkg/mode"
	"github.com/cuemby/plancton/pkg/telemetry"
)

// fakeEngine is an in-memory engine.Client sufficient to drive full ticks
// without a live container engine: created containers are tracked in a map
// keyed by a counter-derived id, List/Inspect/Remove operate over that map.
type fakeEngine struct {
	nextID     int
	containers map[string]*fakeContainer
	pullErr    error
	createErr  error
	startErr   error
	removeErr  error
	pulls      int
}

type fakeContainer struct {
	name       string
	running    bool
	state      string
	createdAt  int64
	startedAt  string
	finishedAt string
	pid        int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{containers: map[string]*fakeContainer{}}
}

func (f *fakeEngine) List(all bool) ([]engine.ContainerSummary, error) {
	out := make([]engine.ContainerSummary, 0, len(f.containers))
	for id, c := range f.containers {
		status := "Exited (0) 1 minute ago"
		if c.running {
			status = "Up 1 minute"
		}
		out = append(out, engine.ContainerSummary{
			ID:      id,
			Names:   []string{"/" + c.name},
			Status:  status,
			State:   c.state,
			Created: c.createdAt,
		})
	}
	return out, nil
}

func (f *fakeEngine) Inspect(id string) (engine.Inspection, error) {
	c, ok := f.containers[id]
	if !ok {
		return engine.Inspection{}, fmt.Errorf("no such container: %s", id)
	}
	return engine.Inspection{
		ID:         id,
		Names:      []string{"/" + c.name},
		Running:    c.running,
		Pid:        c.pid,
		StartedAt:  c.startedAt,
		FinishedAt: c.finishedAt,
		Created:    c.createdAt,
	}, nil
}

func (f *fakeEngine) Create(spec engine.ContainerSpec, name string) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	f.nextID++
	id := fmt.Sprintf("c%d", f.nextID)
	f.containers[id] = &fakeContainer{name: name, state: "created", createdAt: time.Now().Unix()}
	return id, nil
}

func (f *fakeEngine) Start(id string) error {
	if f.startErr != nil {
		return f.startErr
	}
	c := f.containers[id]
	c.running = true
	c.state = "running"
	c.pid = 4242
	c.startedAt = time.Now().UTC().Format("2006-01-02T15:04:05")
	return nil
}

func (f *fakeEngine) Remove(id string, force bool) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeEngine) Pull(repo, tag string) error {
	f.pulls++
	return f.pullErr
}

func testDaemon(t *testing.T, cli engine.Client) (*Daemon, string) {
	t.Helper()
	confdir := t.TempDir()
	sink := telemetry.New()
	modeCtrl := mode.New(t.TempDir())
	facts := config.HostFacts{RAMBytes: 16_000_000_000, SwapBytes: 0, NCPUs: 4}
	d := New(cli, sink, modeCtrl, confdir, "testhost", facts, false)

	c := d.cfg.Load()
	c.CPUsPerDock = 1
	c.MaxDocks = 2
	c.DocksPerLoop = 4
	c.GraceSpawn = 60
	c.GraceKill = 120
	c.MainSleep = 30
	c.MaxTTL = 3600
	d.cfg.Store(c)
	d.hasImage = true

	return d, confdir
}

func TestScenario1ColdStartIdleHostSpawnsTwo(t *testing.T) {
	fe := newFakeEngine()
	d, _ := testDaemon(t, fe)
	// deltaUp=100, ncpus=4: eff=(100*4-380)*100/400=5 -> idle=95
	setCPUTimes(d, stepFunc([][2]float64{{0, 0}, {100, 380}}))

	require.NoError(t, d.Tick(context.Background()))
	assert.Len(t, fe.containers, 2)
}

func TestScenario2AtCapNoSpawn(t *testing.T) {
	fe := newFakeEngine()
	d, _ := testDaemon(t, fe)
	setCPUTimes(d, stepFunc([][2]float64{{0, 0}, {100, 380}}))

	fe.containers["existing1"] = &fakeContainer{name: "plancton-worker-aaaaaa", running: true, state: "running", createdAt: time.Now().Unix(), startedAt: time.Now().UTC().Format("2006-01-02T15:04:05")}
	fe.containers["existing2"] = &fakeContainer{name: "plancton-worker-bbbbbb", running: true, state: "running", createdAt: time.Now().Unix(), startedAt: time.Now().UTC().Format("2006-01-02T15:04:05")}

	require.NoError(t, d.Tick(context.Background()))
	assert.Len(t, fe.containers, 2) // no new spawns, neither existing was TTL-expired
}

func TestScenario4TTLExpiryEvictsWorker(t *testing.T) {
	fe := newFakeEngine()
	d, _ := testDaemon(t, fe)
	setCPUTimes(d, stepFunc([][2]float64{{0, 0}, {0, 0}})) // deltaUp=0 -> efficiency=100, idle=0, no spawns

	startedAt := time.Now().Add(-3700 * time.Second).UTC().Format("2006-01-02T15:04:05")
	fe.containers["stale"] = &fakeContainer{name: "plancton-worker-cccccc", running: true, state: "running", createdAt: time.Now().Unix(), startedAt: startedAt}

	require.NoError(t, d.Tick(context.Background()))
	assert.Empty(t, fe.containers)
}

func TestScenario5ForceStopEvictsAllAndClearsSentinel(t *testing.T) {
	fe := newFakeEngine()
	d, _ := testDaemon(t, fe)
	setCPUTimes(d, stepFunc([][2]float64{{0, 0}, {0, 0}}))

	now := time.Now()
	fe.containers["w1"] = &fakeContainer{name: "plancton-worker-d1", running: true, state: "running", createdAt: now.Unix(), startedAt: now.Add(-5 * time.Second).UTC().Format("2006-01-02T15:04:05")}
	fe.containers["w2"] = &fakeContainer{name: "plancton-worker-d2", running: true, state: "running", createdAt: now.Unix(), startedAt: now.Add(-5 * time.Second).UTC().Format("2006-01-02T15:04:05")}

	require.NoError(t, d.modeCtrl.Kill())
	require.NoError(t, d.Tick(context.Background()))

	assert.Empty(t, fe.containers)
	assert.False(t, d.modeCtrl.Snapshot().ForceStop)
}

func TestScenario6DrainStopConvergesAndStopsLoop(t *testing.T) {
	fe := newFakeEngine()
	d, _ := testDaemon(t, fe)
	setCPUTimes(d, stepFunc([][2]float64{{0, 0}, {0, 0}}))
	c := d.cfg.Load()
	c.MaxTTL = 60
	d.cfg.Store(c)

	now := time.Now()
	expiredAt := now.Add(-120 * time.Second).UTC().Format("2006-01-02T15:04:05")
	fe.containers["w1"] = &fakeContainer{name: "plancton-worker-e1", running: true, state: "running", createdAt: now.Unix(), startedAt: expiredAt}
	fe.containers["w2"] = &fakeContainer{name: "plancton-worker-e2", running: true, state: "running", createdAt: now.Unix(), startedAt: expiredAt}

	require.NoError(t, d.modeCtrl.Drain(true))

	// First tick: both TTL-expired workers are reaped, running still >0 mid-tick's step-12 read happens after reap.
	require.NoError(t, d.Tick(context.Background()))
	assert.Empty(t, fe.containers)
	assert.False(t, d.modeCtrl.Snapshot().DrainStop)
	assert.False(t, d.doMainLoop)
}

func TestOverheadEvictsYoungestWorker(t *testing.T) {
	fe := newFakeEngine()
	d, _ := testDaemon(t, fe)
	// Every tick advances uptime by 100s and idle by 20s from the baseline,
	// holding efficiency at (100*4-20)*100/400=95, comfortably over the
	// threshold+10 bound so the overhead controller's grace_kill clock runs
	// continuously across ticks instead of resetting to deltaUp=0 each time.
	setCPUTimes(d, incrementingCPUTimes(100, 20))

	clock := time.Now()
	d.nowFunc = func() time.Time { return clock }

	fe.containers["old"] = &fakeContainer{name: "plancton-worker-old1", running: true, state: "running", createdAt: clock.Add(-100 * time.Second).Unix(), startedAt: clock.Add(-100 * time.Second).UTC().Format("2006-01-02T15:04:05")}
	fe.containers["young"] = &fakeContainer{name: "plancton-worker-yng1", running: true, state: "running", createdAt: clock.Unix(), startedAt: clock.UTC().Format("2006-01-02T15:04:05")}

	// Drive the overhead state machine past grace_kill (120s) by ticking at
	// 30s (main_sleep) intervals, mirroring spec.md §8 scenario 3.
	for i := 0; i < 6; i++ {
		_ = d.Tick(context.Background())
		clock = clock.Add(30 * time.Second)
	}

	_, youngStillThere := fe.containers["young"]
	assert.False(t, youngStillThere, "youngest worker should have been evicted first")
}

// setCPUTimes installs f as d's cpu-times source and takes the baseline
// sample from it, as New does with the real source; the first value f
// yields is therefore the baseline, not the first tick's sample.
func setCPUTimes(d *Daemon, f func() (float64, float64, error)) {
	d.cpuTimesFunc = f
	d.uptime0, d.idletime0, _ = f()
}

// stepFunc returns a cpuTimesFunc that yields each pair in order, then
// repeats the last pair forever.
func stepFunc(pairs [][2]float64) func() (float64, float64, error) {
	i := 0
	return func() (float64, float64, error) {
		if i >= len(pairs) {
			i = len(pairs) - 1
		}
		p := pairs[i]
		i++
		return p[0], p[1], nil
	}
}

// incrementingCPUTimes returns a cpuTimesFunc whose first call yields (0, 0)
// and whose every later call advances uptime and idle by the given deltas,
// so with the first call used as the baseline every tick samples the same
// efficiency.
func incrementingCPUTimes(deltaUp, deltaIdle float64) func() (float64, float64, error) {
	var uptime, idle float64
	first := true
	return func() (float64, float64, error) {
		if first {
			first = false
			return uptime, idle, nil
		}
		uptime += deltaUp
		idle += deltaIdle
		return uptime, idle, nil
	}
}
