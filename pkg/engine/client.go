package engine

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/cuemby/plancton/pkg/telemetry"
)

// dockerAPI is the slice of *client.Client this package actually calls,
// narrowed to an interface so tests can substitute a fake without a live
// engine socket — the same "accept the interface your code needs" shape
// lazydocker's DockerCommand.Client field would use if it weren't wired
// directly to *client.Client.
type dockerAPI interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error)
	ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, id string, options container.StartOptions) error
	ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	Close() error
}

// DockerClient implements Client against a real Docker Engine socket,
// grounded on jesseduffield-lazydocker's pkg/commands/docker.go
// (client.NewClientWithOpts) and container.go/image.go (the six operation
// bodies). Every operation runs through withRetry per spec.md §4.1.
type DockerClient struct {
	api      dockerAPI
	policy   RetryPolicy
	sink     *telemetry.Fanout
	hostname string
	timeout  time.Duration
}

// NewDockerClient dials sockPath (e.g. "unix:///var/run/docker.sock"),
// negotiating the API version automatically, matching spec.md §6's
// "protocol-versioned as auto-detect".
func NewDockerClient(sockPath, hostname string, sink *telemetry.Fanout) (*DockerClient, error) {
	cli, err := client.NewClientWithOpts(
		client.WithHost(sockPath),
		client.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, err
	}
	return &DockerClient{
		api:      cli,
		policy:   DefaultRetryPolicy(),
		sink:     sink,
		hostname: hostname,
		timeout:  30 * time.Second,
	}, nil
}

// Close releases the underlying HTTP transport.
func (c *DockerClient) Close() error { return c.api.Close() }

func (c *DockerClient) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.timeout)
}

// List filters nothing itself: spec.md §4.5 (worker registry) owns the
// plancton-worker name-prefix filter, so List returns every container the
// engine knows about.
func (c *DockerClient) List(all bool) ([]ContainerSummary, error) {
	var out []ContainerSummary
	err := withRetry(context.Background(), "list", c.policy, c.sink, c.hostname, func() error {
		ctx, cancel := c.ctx()
		defer cancel()
		raw, err := c.api.ContainerList(ctx, container.ListOptions{All: all})
		if err != nil {
			return err
		}
		out = make([]ContainerSummary, 0, len(raw))
		for _, r := range raw {
			out = append(out, ContainerSummary{
				ID:      r.ID,
				Names:   r.Names,
				Status:  r.Status,
				State:   r.State,
				Created: r.Created,
			})
		}
		return nil
	})
	return out, err
}

// Inspect returns the fields spec.md §6 names, with StartedAt/FinishedAt
// truncated to 19 characters per spec.md §9 ("Timestamp truncation").
func (c *DockerClient) Inspect(id string) (Inspection, error) {
	var out Inspection
	err := withRetry(context.Background(), "inspect", c.policy, c.sink, c.hostname, func() error {
		ctx, cancel := c.ctx()
		defer cancel()
		raw, err := c.api.ContainerInspect(ctx, id)
		if err != nil {
			return err
		}
		out = Inspection{
			ID:    raw.ID,
			Names: []string{strings.TrimPrefix(raw.Name, "/")},
		}
		if created, err := time.Parse(time.RFC3339Nano, raw.Created); err == nil {
			out.Created = created.Unix()
		}
		if raw.State != nil {
			out.Running = raw.State.Running
			out.Status = raw.State.Status
			out.State = raw.State.Status
			out.Pid = raw.State.Pid
			out.StartedAt = truncateTimestamp(raw.State.StartedAt)
			out.FinishedAt = truncateTimestamp(raw.State.FinishedAt)
		}
		return nil
	})
	return out, err
}

// truncateTimestamp keeps only the first 19 characters of an RFC3339-ish
// timestamp ("2006-01-02T15:04:05"), matching the original's parse of only
// the first 19 chars as naive UTC (spec.md §9).
func truncateTimestamp(ts string) string {
	if len(ts) > 19 {
		return ts[:19]
	}
	return ts
}

// Create builds the engine-native config/host-config pair from spec and
// calls ContainerCreate, returning the new container's id.
func (c *DockerClient) Create(spec ContainerSpec, name string) (string, error) {
	var id string
	err := withRetry(context.Background(), "create", c.policy, c.sink, c.hostname, func() error {
		ctx, cancel := c.ctx()
		defer cancel()

		cfg := &container.Config{
			Image:    spec.Image,
			Cmd:      spec.Cmd,
			Hostname: spec.Hostname,
			User:     spec.User,
		}

		devices := make([]container.DeviceMapping, 0, len(spec.Devices))
		for _, d := range spec.Devices {
			devices = append(devices, container.DeviceMapping{
				PathOnHost:        d.Host,
				PathInContainer:   d.Container,
				CgroupPermissions: d.CgroupPerms,
			})
		}

		hostCfg := &container.HostConfig{
			Binds:       spec.Binds,
			Privileged:  spec.Privileged,
			CapAdd:      spec.CapAdd,
			CapDrop:     spec.CapDrop,
			SecurityOpt: spec.SecurityOpt,
			NetworkMode: container.NetworkMode(spec.NetworkMode),
			Resources: container.Resources{
				CPUQuota:  spec.CPUQuota,
				CPUPeriod: spec.CPUPeriod,
				Memory:    spec.Memory,
				MemorySwap: func() int64 {
					if spec.MemorySwap <= 0 {
						return spec.Memory
					}
					return spec.Memory + spec.MemorySwap
				}(),
				Devices: devices,
			},
		}

		resp, err := c.api.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, name)
		if err != nil {
			return err
		}
		id = resp.ID
		return nil
	})
	return id, err
}

// Start starts a previously created container.
func (c *DockerClient) Start(id string) error {
	return withRetry(context.Background(), "start", c.policy, c.sink, c.hostname, func() error {
		ctx, cancel := c.ctx()
		defer cancel()
		return c.api.ContainerStart(ctx, id, container.StartOptions{})
	})
}

// Remove removes a container, optionally forcing removal of a running one.
func (c *DockerClient) Remove(id string, force bool) error {
	return withRetry(context.Background(), "remove", c.policy, c.sink, c.hostname, func() error {
		ctx, cancel := c.ctx()
		defer cancel()
		return c.api.ContainerRemove(ctx, id, container.RemoveOptions{Force: force})
	})
}

// Pull pulls repo:tag, draining and closing the response body as the Docker
// client contract requires for the pull to actually run to completion.
func (c *DockerClient) Pull(repo, tag string) error {
	return withRetry(context.Background(), "pull", c.policy, c.sink, c.hostname, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		ref := repo
		if tag != "" {
			ref = repo + ":" + tag
		}
		rc, err := c.api.ImagePull(ctx, ref, image.PullOptions{})
		if err != nil {
			return err
		}
		defer rc.Close()
		_, err = io.Copy(io.Discard, rc)
		return err
	})
}

var _ Client = (*DockerClient)(nil)
