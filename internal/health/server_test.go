package health

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/udp-mirror/internal/registry"
)

// mockStatsProvider implements StatsProvider for testing.
type mockStatsProvider struct {
	running bool
	stats   Stats
	dests   []registry.Destination
}

func (m *mockStatsProvider) IsRunning() bool {
	return m.running
}

func (m *mockStatsProvider) Stats() Stats {
	return m.stats
}

func (m *mockStatsProvider) Destinations() []registry.Destination {
	return m.dests
}

func serve(s *Server, method, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	s.server.Handler.ServeHTTP(rec, req)
	return rec
}

func TestServer_handleHealth(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	rec := serve(s, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := rec.Body.String(); body != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}
}

func TestServer_MethodNotAllowed(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	for _, path := range []string{"/health", "/healthz", "/ready", "/destinations"} {
		rec := serve(s, http.MethodPost, path)
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("POST %s: expected status %d, got %d", path, http.StatusMethodNotAllowed, rec.Code)
		}
	}
}

func TestServer_handleHealthz_Running(t *testing.T) {
	provider := &mockStatsProvider{
		running: true,
		stats: Stats{
			Destinations:       2,
			AdminRunning:       true,
			MirrorRunning:      true,
			DatagramsReceived:  10,
			BytesReceived:      2048,
			DatagramsForwarded: 20,
			BytesForwarded:     4096,
			SendFailures:       1,
			Uptime:             90 * time.Second,
		},
	}
	s := NewServer(DefaultServerConfig(), provider)

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if response["status"] != "healthy" {
		t.Errorf("expected status 'healthy', got %v", response["status"])
	}
	if int(response["destinations"].(float64)) != 2 {
		t.Errorf("expected destinations 2, got %v", response["destinations"])
	}
	if int(response["datagrams_forwarded"].(float64)) != 20 {
		t.Errorf("expected datagrams_forwarded 20, got %v", response["datagrams_forwarded"])
	}
	if response["bytes_received_human"] != "2.0 KiB" {
		t.Errorf("expected bytes_received_human '2.0 KiB', got %v", response["bytes_received_human"])
	}
	if response["bytes_forwarded_human"] != "4.0 KiB" {
		t.Errorf("expected bytes_forwarded_human '4.0 KiB', got %v", response["bytes_forwarded_human"])
	}
	if int(response["uptime_seconds"].(float64)) != 90 {
		t.Errorf("expected uptime_seconds 90, got %v", response["uptime_seconds"])
	}
}

func TestServer_handleHealthz_NotRunning(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: false})

	rec := serve(s, http.MethodGet, "/healthz")
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected status %d, got %d", http.StatusServiceUnavailable, rec.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if response["status"] != "unavailable" {
		t.Errorf("expected status 'unavailable', got %v", response["status"])
	}
}

func TestServer_handleReady(t *testing.T) {
	tests := []struct {
		name     string
		provider StatsProvider
		wantCode int
		wantBody string
	}{
		{
			name: "both loops running",
			provider: &mockStatsProvider{
				running: true,
				stats:   Stats{AdminRunning: true, MirrorRunning: true},
			},
			wantCode: http.StatusOK,
			wantBody: "READY\n",
		},
		{
			name: "mirror loop down",
			provider: &mockStatsProvider{
				running: true,
				stats:   Stats{AdminRunning: true},
			},
			wantCode: http.StatusServiceUnavailable,
			wantBody: "NOT READY\n",
		},
		{
			name:     "relay stopped",
			provider: &mockStatsProvider{running: false},
			wantCode: http.StatusServiceUnavailable,
			wantBody: "NOT READY\n",
		},
		{
			name:     "no provider",
			provider: nil,
			wantCode: http.StatusServiceUnavailable,
			wantBody: "NOT READY\n",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(DefaultServerConfig(), tc.provider)
			rec := serve(s, http.MethodGet, "/ready")
			if rec.Code != tc.wantCode {
				t.Errorf("expected status %d, got %d", tc.wantCode, rec.Code)
			}
			if body := rec.Body.String(); body != tc.wantBody {
				t.Errorf("expected body %q, got %q", tc.wantBody, body)
			}
		})
	}
}

func TestServer_handleDestinations(t *testing.T) {
	provider := &mockStatsProvider{
		running: true,
		dests: []registry.Destination{
			{Host: "10.0.0.5", Port: 9001},
			{Host: "::1", Port: 53},
		},
	}
	s := NewServer(DefaultServerConfig(), provider)

	rec := serve(s, http.MethodGet, "/destinations")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var result []DestinationInfo
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if len(result) != 2 {
		t.Fatalf("expected 2 destinations, got %d", len(result))
	}
	if result[0].Address != "10.0.0.5:9001" {
		t.Errorf("expected address 10.0.0.5:9001, got %s", result[0].Address)
	}
	if result[1].Address != "[::1]:53" {
		t.Errorf("expected address [::1]:53, got %s", result[1].Address)
	}
}

func TestServer_handleDestinations_Empty(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	rec := serve(s, http.MethodGet, "/destinations")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Errorf("expected empty JSON array, got %q", body)
	}
}

func TestServer_Metrics_CustomGatherer(t *testing.T) {
	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "udp_mirror_test_total",
		Help: "test counter",
	})
	reg.MustRegister(counter)
	counter.Add(3)

	cfg := DefaultServerConfig()
	cfg.Gatherer = reg
	s := NewServer(cfg, &mockStatsProvider{running: true})

	rec := serve(s, http.MethodGet, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "udp_mirror_test_total 3") {
		t.Errorf("metrics output missing counter:\n%s", rec.Body.String())
	}
}

func TestServer_StartStop(t *testing.T) {
	cfg := ServerConfig{
		Address:      "127.0.0.1:0", // Dynamic port
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	s := NewServer(cfg, &mockStatsProvider{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	if !s.IsRunning() {
		t.Error("expected server to be running")
	}

	addr := s.Address()
	if addr == nil {
		t.Fatal("expected non-nil address")
	}

	// Use retry loop to handle race between Start() and Serve()
	var resp *http.Response
	var err error
	for i := 0; i < 10; i++ {
		time.Sleep(10 * time.Millisecond)
		resp, err = http.Get("http://" + addr.String() + "/health")
		if err == nil {
			break
		}
	}
	if err != nil {
		t.Fatalf("request failed after retries: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != "OK\n" {
		t.Errorf("expected body 'OK\\n', got %q", body)
	}

	if err := s.Stop(); err != nil {
		t.Errorf("failed to stop: %v", err)
	}
	if s.IsRunning() {
		t.Error("expected server to be stopped")
	}
}

func TestServer_DoubleStop(t *testing.T) {
	s := NewServer(ServerConfig{Address: "127.0.0.1:0"}, &mockStatsProvider{running: true})

	if err := s.Start(); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	// Stop twice should not error
	if err := s.Stop(); err != nil {
		t.Errorf("first stop failed: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}
}

func TestServer_PprofIndex(t *testing.T) {
	s := NewServer(DefaultServerConfig(), &mockStatsProvider{running: true})

	rec := serve(s, http.MethodGet, "/debug/pprof/")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec.Body.Len() == 0 {
		t.Error("expected non-empty body for pprof index")
	}
}
