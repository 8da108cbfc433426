package telemetry

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/plancton/pkg/log"
)

// InfluxSink posts records to an InfluxDB HTTP write endpoint, encoded as
// line protocol. No third-party InfluxDB client exists anywhere in the
// retrieved example pack (verified by exhaustive grep of every go.mod and
// vendored source), so this sink is built directly on net/http rather than
// by default — see DESIGN.md.
type InfluxSink struct {
	key      string
	baseURL  string
	database string
	client   *http.Client
}

// NewInfluxSink parses a "baseurl#database" key, matching the original's
// url.split("#", 1) in _influxdb_setup.
func NewInfluxSink(key string) *InfluxSink {
	baseURL, database, _ := strings.Cut(key, "#")
	return &InfluxSink{
		key:      key,
		baseURL:  strings.TrimRight(baseURL, "/"),
		database: database,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *InfluxSink) Name() string { return s.key }

// Emit writes a single line-protocol point. Send failures are logged and
// otherwise swallowed: a dead InfluxDB endpoint must never block or crash
// the daemon's control loop (spec.md §4.4).
func (s *InfluxSink) Emit(ctx context.Context, rec Record) {
	line := encodeLine(rec)
	url := fmt.Sprintf("%s/write?db=%s", s.baseURL, s.database)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(line))
	if err != nil {
		log.WithComponent("telemetry.influx").Warn().Err(err).Str("sink", s.key).Msg("cannot build write request")
		return
	}
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		log.WithComponent("telemetry.influx").Warn().Err(err).Str("sink", s.key).Msg("write request failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.WithComponent("telemetry.influx").Warn().Int("status", resp.StatusCode).Str("sink", s.key).Msg("write request rejected")
	}
}

func (s *InfluxSink) Close() error { return nil }

// encodeLine renders a Record as a single InfluxDB line-protocol line:
// measurement,tag=val,tag=val field=val,field=val timestamp_ns
func encodeLine(rec Record) string {
	var b strings.Builder
	b.WriteString(escapeMeasurement(rec.Series))

	for _, k := range sortedKeys(rec.Tags) {
		b.WriteByte(',')
		b.WriteString(escapeTagOrKey(k))
		b.WriteByte('=')
		b.WriteString(escapeTagOrKey(fmt.Sprint(rec.Tags[k])))
	}

	b.WriteByte(' ')
	fieldKeys := sortedKeys(rec.Fields)
	for i, k := range fieldKeys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(escapeTagOrKey(k))
		b.WriteByte('=')
		b.WriteString(encodeFieldValue(rec.Fields[k]))
	}

	b.WriteByte(' ')
	b.WriteString(strconv.FormatInt(rec.Time.UnixNano(), 10))
	return b.String()
}

func encodeFieldValue(v interface{}) string {
	switch n := v.(type) {
	case bool:
		return strconv.FormatBool(n)
	case int:
		return strconv.Itoa(n) + "i"
	case int64:
		return strconv.FormatInt(n, 10) + "i"
	case float64:
		return strconv.FormatFloat(n, 'f', -1, 64)
	case string:
		return `"` + strings.ReplaceAll(n, `"`, `\"`) + `"`
	default:
		return `"` + strings.ReplaceAll(fmt.Sprint(n), `"`, `\"`) + `"`
	}
}

func escapeMeasurement(s string) string {
	s = strings.ReplaceAll(s, ",", "\\,")
	return strings.ReplaceAll(s, " ", "\\ ")
}

func escapeTagOrKey(s string) string {
	s = strings.ReplaceAll(s, ",", "\\,")
	s = strings.ReplaceAll(s, "=", "\\=")
	return strings.ReplaceAll(s, " ", "\\ ")
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
