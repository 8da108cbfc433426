package engine

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAPI struct {
	listErrs    []error
	listResult  []container.Summary
	createErr   error
	createID    string
	startErr    error
	removeErr   error
	removeForce bool
	pullErr     error
	pullBody    *trackingBody
	inspectResp container.InspectResponse
	inspectErr  error
	calls       int
}

func (f *fakeAPI) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.listErrs) && f.listErrs[idx] != nil {
		return nil, f.listErrs[idx]
	}
	return f.listResult, nil
}

func (f *fakeAPI) ContainerInspect(ctx context.Context, id string) (container.InspectResponse, error) {
	return f.inspectResp, f.inspectErr
}

func (f *fakeAPI) ContainerCreate(ctx context.Context, cfg *container.Config, hostCfg *container.HostConfig, netCfg *network.NetworkingConfig, platform *ocispec.Platform, name string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: f.createID}, nil
}

func (f *fakeAPI) ContainerStart(ctx context.Context, id string, options container.StartOptions) error {
	return f.startErr
}

func (f *fakeAPI) ContainerRemove(ctx context.Context, id string, options container.RemoveOptions) error {
	f.removeForce = options.Force
	return f.removeErr
}

func (f *fakeAPI) ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error) {
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	f.pullBody = &trackingBody{}
	return f.pullBody, nil
}

func (f *fakeAPI) Close() error { return nil }

// trackingBody is an empty pull response body that records whether it was
// read to EOF and closed.
type trackingBody struct{ drained, closed bool }

func (b *trackingBody) Read(p []byte) (int, error) {
	b.drained = true
	return 0, io.EOF
}

func (b *trackingBody) Close() error {
	b.closed = true
	return nil
}

func newTestClient(api dockerAPI) *DockerClient {
	return &DockerClient{
		api:      api,
		policy:   RetryPolicy{Attempts: 2, Delay: 0, Backoff: 1},
		hostname: "test-host",
		timeout:  0,
	}
}

func TestListMapsSummaries(t *testing.T) {
	api := &fakeAPI{listResult: []container.Summary{
		{ID: "abc123", Names: []string{"/plancton-worker-aaaaaa"}, Status: "Up 5 minutes", State: "running", Created: 100},
	}}
	c := newTestClient(api)

	out, err := c.List(true)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "abc123", out[0].ID)
	assert.Equal(t, "running", out[0].State)
}

func TestListRetriesTransientErrorThenSucceeds(t *testing.T) {
	api := &fakeAPI{
		listErrs:   []error{errdefs.Unavailable(errors.New("connect: connection refused"))},
		listResult: []container.Summary{},
	}
	c := newTestClient(api)
	c.policy.Delay = 0

	out, err := c.List(true)
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Equal(t, 2, api.calls)
}

func TestListGivesUpAfterExhaustingRetries(t *testing.T) {
	transient := errdefs.Unavailable(errors.New("connect: connection refused"))
	api := &fakeAPI{listErrs: []error{transient, transient, transient}}
	c := newTestClient(api)
	c.policy = RetryPolicy{Attempts: 2, Delay: 0, Backoff: 1}

	_, err := c.List(true)
	require.Error(t, err)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Equal(t, "list", engErr.Op)
}

func TestListDoesNotRetryNotFound(t *testing.T) {
	api := &fakeAPI{listErrs: []error{errdefs.NotFound(errors.New("no such container"))}}
	c := newTestClient(api)

	_, err := c.List(true)
	require.Error(t, err)
	assert.Equal(t, 1, api.calls)
}

func TestCreateReturnsID(t *testing.T) {
	api := &fakeAPI{createID: "newcontainerid"}
	c := newTestClient(api)

	id, err := c.Create(ContainerSpec{Image: "busybox"}, "plancton-worker-abcdef")
	require.NoError(t, err)
	assert.Equal(t, "newcontainerid", id)
}

func TestRemoveForwardsForceFlag(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(api)
	require.NoError(t, c.Remove("id", true))
	assert.True(t, api.removeForce)
}

func TestPullDrainsBody(t *testing.T) {
	api := &fakeAPI{}
	c := newTestClient(api)
	require.NoError(t, c.Pull("busybox", "latest"))
	require.NotNil(t, api.pullBody)
	assert.True(t, api.pullBody.drained)
	assert.True(t, api.pullBody.closed)
}

func TestTruncateTimestamp(t *testing.T) {
	assert.Equal(t, "2024-01-02T15:04:05", truncateTimestamp("2024-01-02T15:04:05.123456789Z"))
	assert.Equal(t, "", truncateTimestamp(""))
}
