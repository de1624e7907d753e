package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/knxlink/internal/infrastructure/config"
	"github.com/nerrad567/knxlink/internal/infrastructure/influxdb"
)

// fakeServer answers /ping and records line protocol posted to /api/v2/write.
type fakeServer struct {
	*httptest.Server

	mu    sync.Mutex
	lines []string
	query []string
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
			fs.mu.Lock()
			fs.query = append(fs.query, r.URL.RawQuery)
			for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
				if line != "" {
					fs.lines = append(fs.lines, line)
				}
			}
			fs.mu.Unlock()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) waitForLines(t *testing.T, n int) []string {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		fs.mu.Lock()
		got := append([]string(nil), fs.lines...)
		fs.mu.Unlock()
		if len(got) >= n {
			return got
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d lines", n)
	return nil
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "knxlink-test-token",
		Org:           "knxlink",
		Bucket:        "knx",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	_, err := influxdb.Connect(cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := influxdb.Connect(testConfig(url))
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_HealthCheck(t *testing.T) {
	fs := newFakeServer(t)

	client, err := influxdb.Connect(testConfig(fs.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // test cleanup

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_DefaultBatchSettings(t *testing.T) {
	fs := newFakeServer(t)
	cfg := testConfig(fs.URL)
	cfg.BatchSize = 0
	cfg.FlushInterval = -1

	client, err := influxdb.Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() with zero batch settings error = %v", err)
	}
	client.Close() //nolint:errcheck // test cleanup
}

func TestWriteGroupValue(t *testing.T) {
	fs := newFakeServer(t)
	client, err := influxdb.Connect(testConfig(fs.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // test cleanup

	temp := 21.5
	client.WriteGroupValue(influxdb.GroupValuePoint{
		GA:     "1/2/3",
		Name:   "living_temp",
		DPT:    "9.001",
		Unit:   "°C",
		Kind:   "write",
		Source: "1.1.5",
		Number: &temp,
		Raw:    "0c33",
		Time:   time.Unix(1700000000, 0),
	})
	client.WriteConnectionState("sim", "connected", 3, time.Unix(1700000001, 0))
	client.Flush()

	lines := fs.waitForLines(t, 2)
	all := strings.Join(lines, "\n")
	for _, want := range []string{
		"knx_group_value,",
		"ga=1/2/3",
		"name=living_temp",
		"value=21.5",
		`raw="0c33"`,
		"knx_connection,scheme=sim,state=connected epoch=3i",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("line protocol missing %q:\n%s", want, all)
		}
	}

	if st := client.Stats(); st.Points != 2 || st.WriteErrors != 0 || !st.Connected {
		t.Errorf("Stats() = %+v", st)
	}

	fs.mu.Lock()
	q := fs.query[0]
	fs.mu.Unlock()
	if !strings.Contains(q, "bucket=knx") || !strings.Contains(q, "org=knxlink") {
		t.Errorf("write query = %q", q)
	}
}

func TestWriteAfterClose(t *testing.T) {
	fs := newFakeServer(t)
	client, err := influxdb.Connect(testConfig(fs.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close() //nolint:errcheck // test cleanup

	client.WritePoint("knx_group_value", map[string]string{"ga": "1/1/1"}, map[string]any{"value": 1.0})
	client.Flush()

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if st := client.Stats(); st.Points != 0 {
		t.Errorf("points queued after Close: %+v", st)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}
	// second close is a no-op
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestClose_Nil(t *testing.T) {
	var client *influxdb.Client
	if err := client.Close(); err != nil {
		t.Errorf("Close() on nil client error = %v", err)
	}
	if client.IsConnected() {
		t.Error("nil client reports connected")
	}
}

func TestNewGroupValuePoint(t *testing.T) {
	on := true
	ts := time.Unix(1700000000, 0)

	tests := []struct {
		name    string
		point   influxdb.GroupValuePoint
		want    []string
		notWant []string
	}{
		{
			name:  "boolean switch",
			point: influxdb.GroupValuePoint{GA: "0/0/1", DPT: "1.001", Bool: &on, Time: ts},
			want:  []string{"knx_group_value,dpt=1.001,ga=0/0/1", "value=true"},
		},
		{
			name:    "text without optional tags",
			point:   influxdb.GroupValuePoint{GA: "2/0/7", Text: "scene-12", Time: ts},
			want:    []string{"knx_group_value,ga=2/0/7 ", `value="scene-12"`},
			notWant: []string{"dpt=", "name=", "unit="},
		},
		{
			name:    "raw only",
			point:   influxdb.GroupValuePoint{GA: "3/1/1", Raw: "01ff", Time: ts},
			want:    []string{`raw="01ff"`},
			notWant: []string{"value="},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := write.PointToLineProtocol(influxdb.NewGroupValuePoint(tt.point), time.Nanosecond)
			for _, w := range tt.want {
				if !strings.Contains(line, w) {
					t.Errorf("line %q missing %q", line, w)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(line, nw) {
					t.Errorf("line %q should not contain %q", line, nw)
				}
			}
		})
	}
}
