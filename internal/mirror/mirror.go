// Package mirror implements the data-plane loop of the relay: every datagram
// received on the data port is sent, unmodified, to every registered
// destination.
//
// The loop takes one registry snapshot per datagram and iterates the
// snapshot without holding the registry lock, so a large or slow fan-out
// never blocks registrations. A destination registered while a datagram is
// being fanned out is either in the snapshot or not; it is never partially
// processed.
//
// A failed send to one destination is logged and counted, and the loop moves
// on to the next destination. Failures never unregister a destination.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/postalsys/udp-mirror/internal/logging"
	"github.com/postalsys/udp-mirror/internal/metrics"
	"github.com/postalsys/udp-mirror/internal/recovery"
	"github.com/postalsys/udp-mirror/internal/registry"
	"github.com/postalsys/udp-mirror/internal/transport"
)

// Registry is the subset of the destination registry the mirror loop reads.
type Registry interface {
	List() []registry.Destination
}

// Conn is the data port transport. Payloads are received and mirrored on the
// same socket, so destinations see the data port as the source.
type Conn interface {
	Receive() (transport.Datagram, error)
	Send(host string, port int, payload []byte) error
	Close() error
}

// Config holds mirror loop tuning.
type Config struct {
	// FailureLogRate is the sustained number of send-failure log lines per
	// second. 0 or less logs every failure.
	FailureLogRate float64

	// FailureLogBurst is the number of failure lines allowed in a burst.
	FailureLogBurst int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureLogRate:  1,
		FailureLogBurst: 5,
	}
}

// Result summarizes the fan-out of one datagram.
type Result struct {
	Destinations int
	Sent         int
	Failed       int
}

// Loop forwards data port traffic to registered destinations.
type Loop struct {
	conn     Conn
	registry Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger

	failureLog *rate.Limiter
	suppressed atomic.Int64
}

// NewLoop creates a mirror loop. m may be nil.
func NewLoop(cfg Config, conn Conn, reg Registry, m *metrics.Metrics, logger *slog.Logger) *Loop {
	limit := rate.Inf
	if cfg.FailureLogRate > 0 {
		limit = rate.Limit(cfg.FailureLogRate)
	}
	burst := cfg.FailureLogBurst
	if burst < 1 {
		burst = 1
	}

	return &Loop{
		conn:       conn,
		registry:   reg,
		metrics:    m,
		logger:     logging.Component(logger, "mirror"),
		failureLog: rate.NewLimiter(limit, burst),
	}
}

// Run receives and mirrors datagrams until ctx is cancelled or the transport
// fails. Cancellation closes the transport and returns nil; a transport
// failure is logged and returned.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer recovery.RecoverToError(l.logger, metrics.LoopMirror, &err)

	stop := context.AfterFunc(ctx, func() {
		l.conn.Close()
	})
	defer stop()

	for {
		dg, rerr := l.conn.Receive()
		if errors.Is(rerr, transport.ErrTruncated) {
			l.logger.Warn("dropped oversized datagram",
				logging.KeySender, dg.Sender(),
				logging.KeyError, rerr)
			l.metrics.RecordTruncated(metrics.PortData)
			continue
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("data receive failed",
				logging.KeyLoop, metrics.LoopMirror,
				logging.KeyError, rerr)
			l.metrics.RecordLoopError(metrics.LoopMirror)
			return fmt.Errorf("data receive: %w", rerr)
		}

		l.metrics.RecordReceive(metrics.PortData, len(dg.Payload))
		res := l.Forward(dg.Payload)

		l.logger.Debug("mirrored datagram",
			logging.KeySender, dg.Sender(),
			logging.KeyBytes, len(dg.Payload),
			logging.KeyCount, res.Sent,
			"failed", res.Failed)
	}
}

// Forward sends payload to every destination in a fresh registry snapshot.
func (l *Loop) Forward(payload []byte) Result {
	destinations := l.registry.List()
	l.metrics.RecordFanout(len(destinations))

	res := Result{Destinations: len(destinations)}
	for _, d := range destinations {
		if err := l.conn.Send(d.Host, d.Port, payload); err != nil {
			res.Failed++
			l.reportFailure(d, err)
			continue
		}
		res.Sent++
		l.metrics.RecordForward(len(payload))
	}
	return res
}

// Suppressed returns the number of send failures not yet logged.
func (l *Loop) Suppressed() int64 {
	return l.suppressed.Load()
}

func (l *Loop) reportFailure(d registry.Destination, err error) {
	l.metrics.RecordSendFailure()

	if !l.failureLog.Allow() {
		l.suppressed.Add(1)
		return
	}

	l.logger.Warn("send to destination failed",
		logging.KeyDestination, d.String(),
		logging.KeyError, err,
		"suppressed", l.suppressed.Swap(0))
}
