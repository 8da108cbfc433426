// Package config loads and hot-reloads Plancton's YAML configuration file,
// normalizing its shapes and evaluating the max_docks capacity expression in
// a restricted namespace. Grounded on the YAML-manifest handling in
// cmd/warren/apply.go (gopkg.in/yaml.v3, per-field defaulting) generalized
// from a one-shot "apply" parse to a repeated hot-reload.
package config

import (
	"os"
	"strings"

	"github.com/cuemby/plancton/pkg/log"
	"gopkg.in/yaml.v3"
)

// Config is the process-wide, hot-reloadable configuration described in
// spec.md §3. A loaded Config is immutable; reload produces a new value that
// the daemon swaps in atomically.
type Config struct {
	UpdateConfig     int
	ImageExpiration  int
	MainSleep        int
	GraceKill        int
	GraceSpawn       int
	CPUsPerDock      float64
	MaxDocksExpr     string
	MaxDocks         int
	DocksPerLoop     int
	MaxTTL           int
	DockerImage      string
	DockerCmd        []string
	DockerPrivileged bool
	MaxDockMem       int64
	MaxDockSwap      int64
	UserGroup        string
	Binds            []string
	Devices          []string
	Capabilities     []string
	SecurityOpts     []string
	InfluxDBURL      map[string]struct{}
}

// HostFacts are the three host-derived bindings the max_docks expression may
// reference (spec.md §3); the other two, max_dock_mem and max_dock_swap, come
// from the configuration itself. They're supplied by the caller (pkg/hostprobe) rather than
// read by this package, keeping config evaluation pure and testable.
type HostFacts struct {
	RAMBytes  int64
	SwapBytes int64
	NCPUs     int
}

// Defaults returns Plancton's built-in configuration, matching
// original_source/plancton/__init__.py's Plancton.conf dict.
func Defaults() *Config {
	return &Config{
		UpdateConfig:     60,
		ImageExpiration:  43200,
		MainSleep:        30,
		GraceKill:        120,
		GraceSpawn:       60,
		CPUsPerDock:      1,
		MaxDocksExpr:     "ncpus - 2",
		DocksPerLoop:     4,
		MaxTTL:           43200,
		DockerImage:      "busybox",
		DockerCmd:        []string{"/bin/sleep", "60"},
		DockerPrivileged: false,
		MaxDockMem:       2000000000,
		MaxDockSwap:      0,
		UserGroup:        "0:0",
		Binds:            nil,
		Devices:          nil,
		Capabilities:     nil,
		SecurityOpts:     nil,
		InfluxDBURL:      map[string]struct{}{},
	}
}

// clone returns a deep-enough copy of cfg so mutating the result never
// affects the value the daemon is currently using.
func (c *Config) clone() *Config {
	cp := *c
	cp.DockerCmd = append([]string(nil), c.DockerCmd...)
	cp.Binds = append([]string(nil), c.Binds...)
	cp.Devices = append([]string(nil), c.Devices...)
	cp.Capabilities = append([]string(nil), c.Capabilities...)
	cp.SecurityOpts = append([]string(nil), c.SecurityOpts...)
	cp.InfluxDBURL = make(map[string]struct{}, len(c.InfluxDBURL))
	for k := range c.InfluxDBURL {
		cp.InfluxDBURL[k] = struct{}{}
	}
	return &cp
}

// rawDoc mirrors the on-disk YAML schema loosely: every field is an
// interface{} so an absent key can be told apart from a zero value, exactly
// like the original's conf.get(k, previous_default).
type rawDoc map[string]interface{}

// Load parses <confdir>/config.yaml, merges it onto prev (or Defaults() if
// prev is nil), evaluates max_docks, and normalizes docker_cmd and
// influxdb_url. An unreadable or malformed file logs an error and returns a
// clone of prev unchanged, or on a first load (prev nil) the defaults with
// their max_docks expression evaluated (spec.md §4.3, §7).
func Load(confdir string, prev *Config, facts HostFacts) *Config {
	logger := log.WithComponent("config")
	base := prev
	if base == nil {
		base = Defaults()
		if docks, err := EvalMaxDocks(base.MaxDocksExpr, facts, base.MaxDockMem, base.MaxDockSwap); err == nil {
			base.MaxDocks = docks
		}
	}
	next := base.clone()

	data, err := os.ReadFile(confdir + "/config.yaml")
	if err != nil {
		logger.Error().Err(err).Str("confdir", confdir).Msg("config.yaml could not be read, using previous configuration")
		return next
	}

	var doc rawDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		logger.Error().Err(err).Msg("config.yaml is not valid YAML, using previous configuration")
		return next
	}
	if doc == nil {
		doc = rawDoc{}
	}

	applyScalars(next, doc)
	next.DockerCmd = normalizeDockerCmd(doc, next.DockerCmd)
	next.InfluxDBURL = normalizeInfluxURL(doc, next.InfluxDBURL)

	expr, ok := doc["max_docks"]
	if ok {
		next.MaxDocksExpr = toString(expr)
	}
	docks, err := EvalMaxDocks(next.MaxDocksExpr, facts, next.MaxDockMem, next.MaxDockSwap)
	if err != nil {
		logger.Error().Err(err).Str("expr", next.MaxDocksExpr).Msg("max_docks expression invalid, falling back to zero")
		next.MaxDocks = 0
	} else {
		next.MaxDocks = docks
	}

	return next
}

func applyScalars(c *Config, doc rawDoc) {
	setInt(doc, "updateconfig", &c.UpdateConfig)
	setInt(doc, "image_expiration", &c.ImageExpiration)
	setInt(doc, "main_sleep", &c.MainSleep)
	setInt(doc, "grace_kill", &c.GraceKill)
	setInt(doc, "grace_spawn", &c.GraceSpawn)
	setFloat(doc, "cpus_per_dock", &c.CPUsPerDock)
	setInt(doc, "docks_per_loop", &c.DocksPerLoop)
	setInt(doc, "max_ttl", &c.MaxTTL)
	setString(doc, "docker_image", &c.DockerImage)
	setBool(doc, "docker_privileged", &c.DockerPrivileged)
	setInt64(doc, "max_dock_mem", &c.MaxDockMem)
	setInt64(doc, "max_dock_swap", &c.MaxDockSwap)
	setString(doc, "user_group", &c.UserGroup)
	setStringList(doc, "binds", &c.Binds)
	setStringList(doc, "devices", &c.Devices)
	setStringList(doc, "capabilities", &c.Capabilities)
	setStringList(doc, "security_opts", &c.SecurityOpts)
}

func setInt(doc rawDoc, key string, dst *int) {
	if v, ok := doc[key]; ok {
		if n, ok := toInt(v); ok {
			*dst = n
		}
	}
}

func setInt64(doc rawDoc, key string, dst *int64) {
	if v, ok := doc[key]; ok {
		if n, ok := toInt(v); ok {
			*dst = int64(n)
		}
	}
}

func setFloat(doc rawDoc, key string, dst *float64) {
	if v, ok := doc[key]; ok {
		switch n := v.(type) {
		case float64:
			*dst = n
		case int:
			*dst = float64(n)
		}
	}
}

func setString(doc rawDoc, key string, dst *string) {
	if v, ok := doc[key]; ok {
		*dst = toString(v)
	}
}

func setBool(doc rawDoc, key string, dst *bool) {
	if v, ok := doc[key]; ok {
		if b, ok := v.(bool); ok {
			*dst = b
		}
	}
}

func setStringList(doc rawDoc, key string, dst *[]string) {
	v, ok := doc[key]
	if !ok {
		return
	}
	items, ok := v.([]interface{})
	if !ok {
		return
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, toString(item))
	}
	*dst = out
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	default:
		return ""
	}
}

// normalizeDockerCmd splits a scalar docker_cmd on spaces, or takes a list
// verbatim (spec.md §3).
func normalizeDockerCmd(doc rawDoc, prev []string) []string {
	v, ok := doc["docker_cmd"]
	if !ok {
		return prev
	}
	switch val := v.(type) {
	case string:
		return strings.Fields(val)
	case []interface{}:
		out := make([]string, 0, len(val))
		for _, item := range val {
			out = append(out, toString(item))
		}
		return out
	default:
		return prev
	}
}

// normalizeInfluxURL accepts a string, a list, or an absent/empty value, and
// returns the set of entries that contain "#" (baseurl#database), discarding
// the rest (spec.md §3).
func normalizeInfluxURL(doc rawDoc, prev map[string]struct{}) map[string]struct{} {
	v, ok := doc["influxdb_url"]
	if !ok {
		return prev
	}
	set := map[string]struct{}{}
	switch val := v.(type) {
	case string:
		if strings.Contains(val, "#") {
			set[val] = struct{}{}
		}
	case []interface{}:
		for _, item := range val {
			s := toString(item)
			if strings.Contains(s, "#") {
				set[s] = struct{}{}
			}
		}
	}
	return set
}
