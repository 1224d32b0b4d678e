package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/udp-mirror/internal/config"
	"github.com/postalsys/udp-mirror/internal/control"
	"github.com/postalsys/udp-mirror/internal/logging"
	"github.com/postalsys/udp-mirror/internal/transport"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Relay.DataAddress = "127.0.0.1:0"
	cfg.Relay.AdminAddress = "127.0.0.1:0"
	return cfg
}

func startRelay(t *testing.T, cfg *config.Config, logger *slog.Logger) (*Relay, *prometheus.Registry) {
	t.Helper()
	if logger == nil {
		logger = logging.NopLogger()
	}
	reg := prometheus.NewRegistry()
	r := New(cfg, Options{Logger: logger, Registerer: reg, Gatherer: reg})
	if err := r.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() { r.Stop() })
	return r, reg
}

func listenClient(t *testing.T) *transport.Conn {
	t.Helper()
	c, err := transport.Listen(context.Background(), "127.0.0.1:0", transport.Options{})
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func port(t *testing.T, address string) int {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		t.Fatalf("resolve %s: %v", address, err)
	}
	return addr.Port
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func receiveWithin(t *testing.T, c *transport.Conn, d time.Duration) transport.Datagram {
	t.Helper()
	ch := make(chan transport.Datagram, 1)
	go func() {
		dg, err := c.Receive()
		if err == nil {
			ch <- dg
		}
	}()
	select {
	case dg := <-ch:
		return dg
	case <-time.After(d):
		t.Fatal("timed out waiting for mirrored datagram")
	}
	return transport.Datagram{}
}

func TestRelay_RegisterMirrorUnregister(t *testing.T) {
	logBuf := &syncBuffer{}
	logger := logging.NewLoggerWithWriter("info", "text", logBuf)
	r, _ := startRelay(t, testConfig(), logger)

	dataPort := port(t, r.DataAddress())
	adminPort := port(t, r.AdminAddress())

	subscriber := listenClient(t)
	source := listenClient(t)

	if err := subscriber.Send("127.0.0.1", adminPort, []byte("register")); err != nil {
		t.Fatalf("send register: %v", err)
	}
	waitFor(t, func() bool { return r.Registry().Len() == 1 })

	if !r.Registry().Contains("127.0.0.1", subscriber.LocalAddr().Port) {
		t.Fatalf("subscriber not registered: %v", r.Destinations())
	}

	if err := source.Send("127.0.0.1", dataPort, []byte("hello")); err != nil {
		t.Fatalf("send data: %v", err)
	}
	dg := receiveWithin(t, subscriber, 2*time.Second)
	if string(dg.Payload) != "hello" {
		t.Errorf("payload = %q, want hello", dg.Payload)
	}
	if dg.SenderPort != dataPort {
		t.Errorf("mirrored from port %d, want data port %d", dg.SenderPort, dataPort)
	}

	if err := subscriber.Send("127.0.0.1", adminPort, []byte("unregister")); err != nil {
		t.Fatalf("send unregister: %v", err)
	}
	waitFor(t, func() bool { return r.Registry().Len() == 0 })

	logs := logBuf.String()
	for _, want := range []string{"listening for incoming data", "waiting for registrations", "registered destination", "unregistered destination"} {
		if !strings.Contains(logs, want) {
			t.Errorf("log missing %q:\n%s", want, logs)
		}
	}
}

func TestRelay_Stats(t *testing.T) {
	r, _ := startRelay(t, testConfig(), nil)

	subscriber := listenClient(t)
	source := listenClient(t)

	subscriber.Send("127.0.0.1", port(t, r.AdminAddress()), []byte("register"))
	waitFor(t, func() bool { return r.Registry().Len() == 1 })

	source.Send("127.0.0.1", port(t, r.DataAddress()), []byte("0123456789"))
	receiveWithin(t, subscriber, 2*time.Second)

	stats := r.Stats()
	if stats.Destinations != 1 {
		t.Errorf("Destinations = %d, want 1", stats.Destinations)
	}
	if !stats.AdminRunning || !stats.MirrorRunning {
		t.Errorf("loops not running: %+v", stats)
	}
	if stats.DatagramsReceived != 1 || stats.BytesReceived != 10 {
		t.Errorf("received = %d/%d, want 1/10", stats.DatagramsReceived, stats.BytesReceived)
	}
	if stats.DatagramsForwarded != 1 || stats.BytesForwarded != 10 {
		t.Errorf("forwarded = %d/%d, want 1/10", stats.DatagramsForwarded, stats.BytesForwarded)
	}
	if stats.Uptime <= 0 {
		t.Errorf("Uptime = %v, want > 0", stats.Uptime)
	}
}

func TestRelay_StartTwice(t *testing.T) {
	r, _ := startRelay(t, testConfig(), nil)

	if err := r.Start(); err == nil {
		t.Error("second Start should fail")
	}
}

func TestRelay_StartAfterStop(t *testing.T) {
	r, _ := startRelay(t, testConfig(), nil)

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrStopped) {
		t.Fatalf("Start after Stop error = %v, want ErrStopped", err)
	}

	stats := r.Stats()
	if r.IsRunning() || stats.MirrorRunning || stats.AdminRunning {
		t.Errorf("relay restarted after Stop: running=%v stats=%+v", r.IsRunning(), stats)
	}
}

func TestRelay_StartAfterStopBeforeStart(t *testing.T) {
	r := New(testConfig(), Options{Logger: logging.NopLogger(), Registerer: prometheus.NewRegistry()})

	if err := r.Stop(); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := r.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start after Stop error = %v, want ErrStopped", err)
	}
}

func TestRelay_BindFailure(t *testing.T) {
	taken := listenClient(t)

	cfg := testConfig()
	cfg.Relay.AdminAddress = taken.LocalAddr().String()

	r := New(cfg, Options{Logger: logging.NopLogger(), Registerer: prometheus.NewRegistry()})
	if err := r.Start(); err == nil {
		r.Stop()
		t.Fatal("Start should fail when the admin port is taken")
	}
	if r.IsRunning() {
		t.Error("relay should not be running after a bind failure")
	}
}

func TestRelay_StopIsClean(t *testing.T) {
	r, _ := startRelay(t, testConfig(), nil)

	if !r.IsRunning() {
		t.Fatal("expected relay to be running")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.StopWithContext(ctx); err != nil {
		t.Fatalf("StopWithContext failed: %v", err)
	}

	if r.IsRunning() {
		t.Error("expected relay to be stopped")
	}
	stats := r.Stats()
	if stats.AdminRunning || stats.MirrorRunning {
		t.Errorf("loops still running after Stop: %+v", stats)
	}

	select {
	case err := <-r.Errors():
		t.Errorf("clean stop reported error: %v", err)
	default:
	}

	// Stop is idempotent.
	if err := r.Stop(); err != nil {
		t.Errorf("second Stop failed: %v", err)
	}
}

func TestRelay_FatalLoopErrorIsReported(t *testing.T) {
	r, _ := startRelay(t, testConfig(), nil)

	// Closing the socket without cancelling looks like a transport failure to the loop.
	r.dataConn.Close()

	select {
	case err := <-r.Errors():
		if !strings.Contains(err.Error(), "mirror loop") {
			t.Errorf("error = %v, want mirror loop error", err)
		}
		if !errors.Is(err, transport.ErrClosed) {
			t.Errorf("error = %v, want wrapped ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("fatal loop error not reported")
	}

	waitFor(t, func() bool { return !r.Stats().MirrorRunning })

	// The admin loop keeps running.
	subscriber := listenClient(t)
	subscriber.Send("127.0.0.1", port(t, r.AdminAddress()), []byte("register"))
	waitFor(t, func() bool { return r.Registry().Len() == 1 })
}

func TestRelay_HealthAndControl(t *testing.T) {
	cfg := testConfig()
	cfg.Health.Enabled = true
	cfg.Health.Address = "127.0.0.1:0"
	cfg.Control.Enabled = true
	cfg.Control.SocketPath = filepath.Join(t.TempDir(), "relay.sock")

	r, _ := startRelay(t, cfg, nil)
	r.Registry().Add("10.0.0.5", 9001)

	healthAddr := r.HealthAddress()
	if healthAddr == "" {
		t.Fatal("health server address is empty")
	}

	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		resp, err = http.Get("http://" + healthAddr + "/destinations")
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /destinations: %v", err)
	}
	defer resp.Body.Close()

	var dests []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&dests); err != nil {
		t.Fatalf("decode destinations: %v", err)
	}
	if len(dests) != 1 || dests[0]["address"] != "10.0.0.5:9001" {
		t.Errorf("destinations = %v", dests)
	}

	client := control.NewClient(cfg.Control.SocketPath)
	defer client.Close()

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("control status: %v", err)
	}
	if !status.Running || status.DestinationCount != 1 {
		t.Errorf("status = %+v", status)
	}
	if status.DataAddress != r.DataAddress() {
		t.Errorf("status data address = %s, want %s", status.DataAddress, r.DataAddress())
	}
}
