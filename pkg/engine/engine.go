// Package engine wraps the container engine's native client with the six
// retry-wrapped operations spec.md §4.1 names, and exposes domain types
// (ContainerSummary, Inspection, ContainerSpec) so the rest of Plancton never
// imports the engine SDK directly.
//
// Grounded on the only pack member that talks to a live container engine
// through its native Go SDK rather than containerd: the Docker Engine Client
// usage in jesseduffield-lazydocker's pkg/commands/docker.go, container.go
// and image.go. The teacher (cuemby-warren) talks to containerd instead, but
// spec.md §6 names a Docker-socket-shaped contract, so this component is
// enriched from the pack's Docker-native example rather than the teacher.
package engine

import "time"

// ContainerSummary is one row of a container list, trimmed to the fields
// the worker registry needs (spec.md §3's worker descriptor plus Created
// for eviction ordering).
type ContainerSummary struct {
	ID      string
	Names   []string
	Status  string // human status string, e.g. "Up 5 minutes" or "Exited (0) 2 hours ago"
	State   string // structured state: "running", "exited", "created", "paused", "restarting", "dead"
	Created int64  // unix seconds
}

// Inspection is the detail returned by Inspect, trimmed to the fields
// spec.md §6 names: State.Running|Status|Pid|StartedAt|FinishedAt, Id,
// Names, Created.
type Inspection struct {
	ID         string
	Names      []string
	Running    bool
	Status     string
	State      string
	Pid        int
	StartedAt  string // ISO-8601, truncated to 19 chars per spec.md §9 ("byte-compatibility")
	FinishedAt string
	Created    int64
}

// DeviceMapping is a host:container:perms triple (spec.md §3 `devices`).
type DeviceMapping struct {
	Host        string
	Container   string
	CgroupPerms string
}

// ContainerSpec is the engine-agnostic create-container payload built by
// pkg/lifecycle and consumed by Create (spec.md §4.7 "Creation").
type ContainerSpec struct {
	Image       string
	Cmd         []string
	Hostname    string
	User        string
	CPUQuota    int64
	CPUPeriod   int64
	Memory      int64
	MemorySwap  int64
	Privileged  bool
	Binds       []string // already rewritten: each configured bind with ":rw,shared,Z" appended
	Devices     []DeviceMapping
	CapAdd      []string
	CapDrop     []string
	SecurityOpt []string
	NetworkMode string
}

// Client is the retry-wrapped engine contract spec.md §4.1 names.
type Client interface {
	List(all bool) ([]ContainerSummary, error)
	Inspect(id string) (Inspection, error)
	Create(spec ContainerSpec, name string) (string, error)
	Start(id string) error
	Remove(id string, force bool) error
	Pull(repo, tag string) error
}

// RetryPolicy configures withRetry; spec.md §4.1 names 5 attempts, 3s
// initial delay, geometric backoff x2.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
}

// DefaultRetryPolicy is the policy named by spec.md §4.1 and grounded on the
// original's @robust() default arguments (tries=5, delay=3, backoff=2).
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 5, Delay: 3 * time.Second, Backoff: 2}
}
