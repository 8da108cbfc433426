// Package registry projects the engine's container list onto Plancton's
// worker descriptors: filtered to the plancton-worker name prefix,
// classified into Running/Exited/Created/Other, and sorted for eviction.
//
// Grounded on the original's container_list()/_control_containers() pair in
// original_source/plancton/__init__.py, reshaped into the "iterate
// resources, pick by a single scalar key" idiom of
// cuemby-warren/pkg/scheduler/scheduler.go's selectNode (there it picks the
// least-loaded node; here the comparator is creation time, but the shape of
// "enumerate, classify, pick" is the same).
package registry

import (
	"sort"
	"strings"
	"time"

	"github.com/cuemby/plancton/pkg/engine"
)

// NamePrefix is the only name prefix Plancton ever creates, inspects, or
// removes (spec.md §3 invariant).
const NamePrefix = "plancton-worker"

// Phase is a worker's classified lifecycle state.
type Phase string

const (
	Running  Phase = "running"
	Exited   Phase = "exited"
	Created  Phase = "created"
	Other    Phase = "other"
)

// Worker is the descriptor derived from engine state (spec.md §3).
type Worker struct {
	ID         string
	ShortID    string
	Name       string
	Phase      Phase
	CreatedAt  int64 // unix seconds, from the engine's list Created field
	StartedAt  string
	FinishedAt string
	Uptime     time.Duration
}

// classify maps the engine's structured state string onto spec.md §4.5's
// four-way classification: "Running" means the status string begins with
// "Up"; everything else is read from the engine's State substring.
func classify(status, state string) Phase {
	if strings.HasPrefix(status, "Up") {
		return Running
	}
	switch strings.ToLower(state) {
	case "exited":
		return Exited
	case "created":
		return Created
	default:
		return Other
	}
}

// List fetches every container from cli, keeps only those whose name
// begins with NamePrefix, and classifies each.
func List(cli engine.Client, all bool) ([]Worker, error) {
	summaries, err := cli.List(all)
	if err != nil {
		return nil, err
	}

	workers := make([]Worker, 0, len(summaries))
	for _, s := range summaries {
		name := primaryName(s.Names)
		if !strings.HasPrefix(name, NamePrefix) {
			continue
		}
		shortID := s.ID
		if len(shortID) > 12 {
			shortID = shortID[:12]
		}
		workers = append(workers, Worker{
			ID:        s.ID,
			ShortID:   shortID,
			Name:      name,
			Phase:     classify(s.Status, s.State),
			CreatedAt: s.Created,
		})
	}
	return workers, nil
}

func primaryName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return strings.TrimPrefix(names[0], "/")
}

// SortYoungestFirst orders workers by CreatedAt descending, so eviction by
// index 0 always kills the youngest first (spec.md §4.5).
func SortYoungestFirst(workers []Worker) {
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].CreatedAt > workers[j].CreatedAt
	})
}

// CountByState returns a map from the four classified phases to worker
// counts; Daemon.CountByState uses it to implement metrics.StateProvider.
func CountByState(workers []Worker) map[string]int {
	counts := map[string]int{
		string(Running): 0,
		string(Exited):  0,
		string(Created): 0,
		string(Other):   0,
	}
	for _, w := range workers {
		counts[string(w.Phase)]++
	}
	return counts
}

// RunningCount is a convenience the daemon uses for its admission and
// overhead arithmetic.
func RunningCount(workers []Worker) int {
	n := 0
	for _, w := range workers {
		if w.Phase == Running {
			n++
		}
	}
	return n
}
