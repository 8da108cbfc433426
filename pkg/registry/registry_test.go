package registry

import (
	"testing"

	"github.com/cuemby/plancton/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEngine struct {
	summaries []engine.ContainerSummary
}

func (f *fakeEngine) List(all bool) ([]engine.ContainerSummary, error) { return f.summaries, nil }
func (f *fakeEngine) Inspect(id string) (engine.Inspection, error)      { return engine.Inspection{}, nil }
func (f *fakeEngine) Create(spec engine.ContainerSpec, name string) (string, error) {
	return "", nil
}
func (f *fakeEngine) Start(id string) error            { return nil }
func (f *fakeEngine) Remove(id string, force bool) error { return nil }
func (f *fakeEngine) Pull(repo, tag string) error       { return nil }

func TestListFiltersByNamePrefix(t *testing.T) {
	fe := &fakeEngine{summaries: []engine.ContainerSummary{
		{ID: "a", Names: []string{"/plancton-worker-abc123"}, Status: "Up 5 minutes", State: "running", Created: 10},
		{ID: "b", Names: []string{"/unrelated-container"}, Status: "Up 5 minutes", State: "running", Created: 20},
	}}

	workers, err := List(fe, true)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "plancton-worker-abc123", workers[0].Name)
}

func TestClassifyRunningByUpPrefix(t *testing.T) {
	fe := &fakeEngine{summaries: []engine.ContainerSummary{
		{ID: "a", Names: []string{"/plancton-worker-aaa"}, Status: "Up 2 hours", State: "running", Created: 1},
		{ID: "b", Names: []string{"/plancton-worker-bbb"}, Status: "Exited (0) 3 minutes ago", State: "exited", Created: 2},
		{ID: "c", Names: []string{"/plancton-worker-ccc"}, Status: "Created", State: "created", Created: 3},
		{ID: "d", Names: []string{"/plancton-worker-ddd"}, Status: "Paused", State: "paused", Created: 4},
	}}

	workers, err := List(fe, true)
	require.NoError(t, err)
	require.Len(t, workers, 4)

	byName := map[string]Worker{}
	for _, w := range workers {
		byName[w.Name] = w
	}
	assert.Equal(t, Running, byName["plancton-worker-aaa"].Phase)
	assert.Equal(t, Exited, byName["plancton-worker-bbb"].Phase)
	assert.Equal(t, Created, byName["plancton-worker-ccc"].Phase)
	assert.Equal(t, Other, byName["plancton-worker-ddd"].Phase)
}

func TestSortYoungestFirst(t *testing.T) {
	workers := []Worker{
		{Name: "old", CreatedAt: 100},
		{Name: "new", CreatedAt: 300},
		{Name: "mid", CreatedAt: 200},
	}
	SortYoungestFirst(workers)
	assert.Equal(t, []string{"new", "mid", "old"}, []string{workers[0].Name, workers[1].Name, workers[2].Name})
}

func TestCountByStateCoversAllPhases(t *testing.T) {
	workers := []Worker{{Phase: Running}, {Phase: Running}, {Phase: Exited}}
	counts := CountByState(workers)
	assert.Equal(t, 2, counts["running"])
	assert.Equal(t, 1, counts["exited"])
	assert.Equal(t, 0, counts["created"])
	assert.Equal(t, 0, counts["other"])
}

func TestRunningCount(t *testing.T) {
	workers := []Worker{{Phase: Running}, {Phase: Exited}, {Phase: Running}}
	assert.Equal(t, 2, RunningCount(workers))
}
