// Package control provides a Unix socket control interface for the UDP mirror relay.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/udp-mirror/internal/registry"
)

// RelayInfo provides relay information for the control interface.
type RelayInfo interface {
	// IsRunning returns true if the relay is running.
	IsRunning() bool

	// DataAddress returns the bound data socket address.
	DataAddress() string

	// AdminAddress returns the bound admin socket address.
	AdminAddress() string

	// Destinations returns a snapshot of the registered destinations.
	Destinations() []registry.Destination

	// Uptime returns how long the relay has been running.
	Uptime() time.Duration
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	Running          bool   `json:"running"`
	DataAddress      string `json:"data_address"`
	AdminAddress     string `json:"admin_address"`
	DestinationCount int    `json:"destination_count"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

// DestinationsResponse is the response for the destinations endpoint.
type DestinationsResponse struct {
	Destinations []string `json:"destinations"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./udp-mirror.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	relay    RelayInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, relay RelayInfo) *Server {
	s := &Server{
		cfg:   cfg,
		relay: relay,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/destinations", s.handleDestinations)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by a previous run
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := StatusResponse{
		Running:          s.relay.IsRunning(),
		DataAddress:      s.relay.DataAddress(),
		AdminAddress:     s.relay.AdminAddress(),
		DestinationCount: len(s.relay.Destinations()),
		UptimeSeconds:    int64(s.relay.Uptime().Seconds()),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Server) handleDestinations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	dests := s.relay.Destinations()
	addrs := make([]string, len(dests))
	for i, d := range dests {
		addrs[i] = d.String()
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(DestinationsResponse{Destinations: addrs})
}
