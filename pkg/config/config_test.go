package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFacts() HostFacts {
	return HostFacts{RAMBytes: 8_000_000_000, SwapBytes: 2_000_000_000, NCPUs: 4}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg := Load(t.TempDir(), nil, testFacts())
	require.NotNil(t, cfg)
	assert.Equal(t, Defaults().DockerImage, cfg.DockerImage)
	assert.Equal(t, 2, cfg.MaxDocks) // ncpus - 2 == 4 - 2
}

func TestLoadMalformedYAMLKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("not: [valid"), 0644))

	prev := Defaults()
	prev.DockerImage = "sentinel-image"
	cfg := Load(dir, prev, testFacts())

	assert.Equal(t, "sentinel-image", cfg.DockerImage)
}

func TestLoadAppliesScalarsAndDockerCmdString(t *testing.T) {
	dir := t.TempDir()
	yamlDoc := `
docker_image: myimage:latest
docker_cmd: "/bin/sh -c sleep-forever"
main_sleep: 5
cpus_per_dock: 0.5
max_docks: "ncpus - 1"
docker_privileged: true
binds:
  - /data:/data:ro
influxdb_url:
  - http://a.example.com:8086#plancton
  - missing-hash-discarded
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlDoc), 0644))

	cfg := Load(dir, nil, testFacts())

	assert.Equal(t, "myimage:latest", cfg.DockerImage)
	assert.Equal(t, []string{"/bin/sh", "-c", "sleep-forever"}, cfg.DockerCmd)
	assert.Equal(t, 5, cfg.MainSleep)
	assert.InDelta(t, 0.5, cfg.CPUsPerDock, 0.0001)
	assert.True(t, cfg.DockerPrivileged)
	assert.Equal(t, []string{"/data:/data:ro"}, cfg.Binds)
	assert.Equal(t, 3, cfg.MaxDocks) // ncpus - 1 == 4 - 1

	_, kept := cfg.InfluxDBURL["http://a.example.com:8086#plancton"]
	assert.True(t, kept)
	assert.Len(t, cfg.InfluxDBURL, 1)
}

func TestLoadDockerCmdAsList(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("docker_cmd:\n  - /bin/sleep\n  - \"300\"\n"), 0644))

	cfg := Load(dir, nil, testFacts())
	assert.Equal(t, []string{"/bin/sleep", "300"}, cfg.DockerCmd)
}

func TestLoadInvalidMaxDocksExprFallsBackToZero(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("max_docks: \"ncpus / unknown_var\"\n"), 0644))

	cfg := Load(dir, nil, testFacts())
	assert.Equal(t, 0, cfg.MaxDocks)
}

func TestCloneIsIndependent(t *testing.T) {
	a := Defaults()
	b := a.clone()
	b.DockerCmd[0] = "mutated"
	assert.NotEqual(t, a.DockerCmd[0], b.DockerCmd[0])
}

func TestEvalMaxDocksArithmetic(t *testing.T) {
	facts := HostFacts{RAMBytes: 16_000_000_000, SwapBytes: 0, NCPUs: 8}

	cases := []struct {
		expr string
		want int
	}{
		{"ncpus - 2", 6},
		{"ncpus * 2", 16},
		{"(ncpus - 2) * 2", 12},
		{"ram_bytes / max_dock_mem", 8},
		{"ncpus", 8},
		{"-ncpus + 10", 2},
	}
	for _, c := range cases {
		got, err := EvalMaxDocks(c.expr, facts, 2_000_000_000, 0)
		require.NoError(t, err, c.expr)
		assert.Equal(t, c.want, got, c.expr)
	}
}

func TestEvalMaxDocksRejectsUnknownIdentifier(t *testing.T) {
	_, err := EvalMaxDocks("ncpus + unknown", testFacts(), 0, 0)
	assert.Error(t, err)
}

func TestEvalMaxDocksRejectsDivisionByZero(t *testing.T) {
	_, err := EvalMaxDocks("ncpus / 0", testFacts(), 0, 0)
	assert.Error(t, err)
}

func TestEvalMaxDocksRejectsTrailingGarbage(t *testing.T) {
	_, err := EvalMaxDocks("ncpus + 1 2", testFacts(), 0, 0)
	assert.Error(t, err)
}
