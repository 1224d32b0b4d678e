// Package relay wires the registry, both UDP loops, and the optional health and
// control servers into one process-wide relay.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/udp-mirror/internal/admin"
	"github.com/postalsys/udp-mirror/internal/config"
	"github.com/postalsys/udp-mirror/internal/control"
	"github.com/postalsys/udp-mirror/internal/health"
	"github.com/postalsys/udp-mirror/internal/logging"
	"github.com/postalsys/udp-mirror/internal/metrics"
	"github.com/postalsys/udp-mirror/internal/mirror"
	"github.com/postalsys/udp-mirror/internal/recovery"
	"github.com/postalsys/udp-mirror/internal/registry"
	"github.com/postalsys/udp-mirror/internal/transport"
)

// ErrStopped is returned by Start once the relay has been stopped.
var ErrStopped = errors.New("relay stopped")

// Options overrides process-wide defaults, mostly for tests.
type Options struct {
	// Logger replaces the logger built from the relay config.
	Logger *slog.Logger

	// Registerer receives the relay metrics. Nil uses the default registry.
	Registerer prometheus.Registerer

	// Gatherer serves /metrics on the health server. Nil uses the default registry.
	Gatherer prometheus.Gatherer
}

// Relay owns the destination registry and both protocol loops.
type Relay struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics

	dataConn  *transport.Conn
	adminConn *transport.Conn

	healthServer  *health.Server
	controlServer *control.Server

	adminRunning  atomic.Bool
	mirrorRunning atomic.Bool
	startedAt     atomic.Int64

	errCh chan error

	// State
	running  atomic.Bool
	stopped  atomic.Bool
	stopOnce sync.Once
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a relay from cfg. Sockets are bound by Start.
func New(cfg *config.Config, opts Options) *Relay {
	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(cfg.Relay.LogLevel, cfg.Relay.LogFormat)
	}

	m := metrics.Default()
	if opts.Registerer != nil {
		m = metrics.NewMetricsWithRegistry(opts.Registerer)
	}

	r := &Relay{
		cfg:      cfg,
		logger:   logging.Component(logger, "relay"),
		registry: registry.New(),
		metrics:  m,
		errCh:    make(chan error, 2),
	}

	if cfg.Health.Enabled {
		r.healthServer = health.NewServer(health.ServerConfig{
			Address:      cfg.Health.Address,
			ReadTimeout:  cfg.Health.ReadTimeout,
			WriteTimeout: cfg.Health.WriteTimeout,
			Gatherer:     opts.Gatherer,
		}, r)
	}

	if cfg.Control.Enabled {
		ctlCfg := control.DefaultServerConfig()
		ctlCfg.SocketPath = cfg.Control.SocketPath
		r.controlServer = control.NewServer(ctlCfg, r)
	}

	return r
}

// Start binds both sockets and launches the admin and mirror loops. A relay
// cannot be started again after Stop.
func (r *Relay) Start() error {
	if r.stopped.Load() {
		return ErrStopped
	}
	if r.running.Load() {
		return fmt.Errorf("relay already running")
	}

	ctx, cancel := context.WithCancel(context.Background())

	socketOpts := transport.Options{
		ReuseAddress: r.cfg.Socket.ReuseAddress,
		ReadBuffer:   r.cfg.ReadBufferBytes(),
		WriteBuffer:  r.cfg.WriteBufferBytes(),
	}

	dataOpts := socketOpts
	dataOpts.MaxDatagramSize = r.cfg.MaxDatagramBytes()
	dataOpts.SendTimeout = r.cfg.Mirror.SendTimeout
	dataOpts.TOS = r.cfg.Mirror.TOS

	dataConn, err := transport.Listen(ctx, r.cfg.Relay.DataAddress, dataOpts)
	if err != nil {
		cancel()
		r.logger.Error("failed to bind data socket",
			logging.KeyAddress, r.cfg.Relay.DataAddress,
			logging.KeyError, err)
		return fmt.Errorf("bind data socket %s: %w", r.cfg.Relay.DataAddress, err)
	}

	adminConn, err := transport.Listen(ctx, r.cfg.Relay.AdminAddress, socketOpts)
	if err != nil {
		cancel()
		dataConn.Close()
		r.logger.Error("failed to bind admin socket",
			logging.KeyAddress, r.cfg.Relay.AdminAddress,
			logging.KeyError, err)
		return fmt.Errorf("bind admin socket %s: %w", r.cfg.Relay.AdminAddress, err)
	}

	r.dataConn = dataConn
	r.adminConn = adminConn
	r.cancel = cancel
	r.startedAt.Store(time.Now().UnixNano())
	r.running.Store(true)

	mirrorLoop := mirror.NewLoop(mirror.Config{
		FailureLogRate:  r.cfg.Mirror.FailureLogRate,
		FailureLogBurst: r.cfg.Mirror.FailureLogBurst,
	}, dataConn, r.registry, r.metrics, r.logger)
	adminLoop := admin.NewLoop(adminConn, r.registry, r.metrics, r.logger)

	r.logger.Info("listening for incoming data",
		logging.KeyAddress, dataConn.LocalAddr().String())
	r.runLoop(ctx, metrics.LoopMirror, &r.mirrorRunning, mirrorLoop.Run)

	r.logger.Info("waiting for registrations",
		logging.KeyAddress, adminConn.LocalAddr().String())
	r.runLoop(ctx, metrics.LoopAdmin, &r.adminRunning, adminLoop.Run)

	if r.healthServer != nil {
		if err := r.healthServer.Start(); err != nil {
			r.logger.Error("failed to start health server",
				logging.KeyAddress, r.cfg.Health.Address,
				logging.KeyError, err)
			r.Stop()
			return fmt.Errorf("start health server: %w", err)
		}
		r.logger.Info("health server started",
			logging.KeyAddress, r.healthServer.Address())
	}

	if r.controlServer != nil {
		if err := r.controlServer.Start(); err != nil {
			r.logger.Error("failed to start control server",
				logging.KeyAddress, r.cfg.Control.SocketPath,
				logging.KeyError, err)
			r.Stop()
			return fmt.Errorf("start control server: %w", err)
		}
		r.logger.Info("control server started",
			logging.KeyAddress, r.controlServer.SocketPath())
	}

	return nil
}

// runLoop runs fn in its own goroutine and reports a fatal return on Errors.
func (r *Relay) runLoop(ctx context.Context, name string, flag *atomic.Bool, fn func(context.Context) error) {
	flag.Store(true)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer flag.Store(false)
		defer recovery.RecoverWithLog(r.logger, name+" loop")

		if err := fn(ctx); err != nil {
			select {
			case r.errCh <- fmt.Errorf("%s loop: %w", name, err):
			default:
			}
		}
	}()
}

// Errors delivers fatal loop errors. A clean Stop sends nothing.
func (r *Relay) Errors() <-chan error {
	return r.errCh
}

// Stop cancels both loops, closes the sockets, and waits for the loops to exit.
func (r *Relay) Stop() error {
	var errs []error
	r.stopOnce.Do(func() {
		r.logger.Info("stopping relay")

		uptime := r.Uptime()
		r.stopped.Store(true)
		r.running.Store(false)
		if r.cancel != nil {
			r.cancel()
		}

		if r.controlServer != nil {
			if err := r.controlServer.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop control server: %w", err))
			}
		}
		if r.healthServer != nil {
			if err := r.healthServer.Stop(); err != nil {
				errs = append(errs, fmt.Errorf("stop health server: %w", err))
			}
		}

		if r.dataConn != nil {
			r.dataConn.Close()
		}
		if r.adminConn != nil {
			r.adminConn.Close()
		}

		r.wg.Wait()

		r.logger.Info("relay stopped",
			logging.KeyCount, r.registry.Len(),
			logging.KeyDuration, uptime.Round(time.Second).String())
	})

	return errors.Join(errs...)
}

// StopWithContext stops with a timeout.
func (r *Relay) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		done <- r.Stop()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning returns true if the relay is running.
func (r *Relay) IsRunning() bool {
	return r.running.Load()
}

// Registry returns the shared destination registry.
func (r *Relay) Registry() *registry.Registry {
	return r.registry
}

// Destinations returns a snapshot of the registered destinations.
func (r *Relay) Destinations() []registry.Destination {
	return r.registry.List()
}

// DataAddress returns the bound data address, or the configured one before Start.
func (r *Relay) DataAddress() string {
	if r.dataConn != nil {
		return r.dataConn.LocalAddr().String()
	}
	return r.cfg.Relay.DataAddress
}

// AdminAddress returns the bound admin address, or the configured one before Start.
func (r *Relay) AdminAddress() string {
	if r.adminConn != nil {
		return r.adminConn.LocalAddr().String()
	}
	return r.cfg.Relay.AdminAddress
}

// HealthAddress returns the health server address, or "" before it is started.
func (r *Relay) HealthAddress() string {
	if r.healthServer == nil || r.healthServer.Address() == nil {
		return ""
	}
	return r.healthServer.Address().String()
}

// Uptime returns the time since Start, or 0 if the relay is not running.
func (r *Relay) Uptime() time.Duration {
	if !r.running.Load() {
		return 0
	}
	return time.Since(time.Unix(0, r.startedAt.Load()))
}

// Stats implements health.StatsProvider.
func (r *Relay) Stats() health.Stats {
	snap := r.metrics.Snapshot()
	return health.Stats{
		Destinations:       r.registry.Len(),
		AdminRunning:       r.adminRunning.Load(),
		MirrorRunning:      r.mirrorRunning.Load(),
		DatagramsReceived:  snap.DatagramsReceived,
		BytesReceived:      snap.BytesReceived,
		DatagramsForwarded: snap.DatagramsForwarded,
		BytesForwarded:     snap.BytesForwarded,
		SendFailures:       snap.SendFailures,
		Uptime:             r.Uptime(),
	}
}
