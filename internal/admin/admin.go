// Package admin implements the control-plane loop of the relay.
//
// Each datagram on the admin port carries exactly one command. The subject of
// the command is always the datagram's observed source address; addresses in
// the payload are never consulted, so a client can only register itself.
// No reply datagram is ever sent.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/postalsys/udp-mirror/internal/logging"
	"github.com/postalsys/udp-mirror/internal/metrics"
	"github.com/postalsys/udp-mirror/internal/recovery"
	"github.com/postalsys/udp-mirror/internal/transport"
)

// Command is an admin protocol command.
type Command string

const (
	CommandRegister   Command = "register"
	CommandUnregister Command = "unregister"
)

// Outcome is the result of handling one admin datagram.
type Outcome string

const (
	OutcomeAdded       Outcome = "added"
	OutcomeDuplicate   Outcome = "duplicate"
	OutcomeRemoved     Outcome = "removed"
	OutcomeNotFound    Outcome = "not_found"
	OutcomeUnsupported Outcome = "unsupported"
)

// maxLoggedPayload caps how much of an unsupported payload is logged.
const maxLoggedPayload = 64

// ParseCommand interprets payload as a command. The match is exact.
func ParseCommand(payload []byte) (Command, bool) {
	switch Command(payload) {
	case CommandRegister:
		return CommandRegister, true
	case CommandUnregister:
		return CommandUnregister, true
	default:
		return "", false
	}
}

// Registry is the subset of the destination registry the admin loop mutates.
type Registry interface {
	Add(host string, port int) bool
	Remove(host string, port int) bool
	Len() int
}

// Receiver is the admin port transport.
type Receiver interface {
	Receive() (transport.Datagram, error)
	Close() error
}

// Loop processes register/unregister datagrams.
type Loop struct {
	conn     Receiver
	registry Registry
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewLoop creates an admin loop. m may be nil.
func NewLoop(conn Receiver, reg Registry, m *metrics.Metrics, logger *slog.Logger) *Loop {
	return &Loop{
		conn:     conn,
		registry: reg,
		metrics:  m,
		logger:   logging.Component(logger, "admin"),
	}
}

// Run receives and handles admin datagrams until ctx is cancelled or the
// transport fails. Cancellation closes the transport and returns nil; a
// transport failure is logged and returned.
func (l *Loop) Run(ctx context.Context) (err error) {
	defer recovery.RecoverToError(l.logger, metrics.LoopAdmin, &err)

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
			l.metrics.RecordTruncated(metrics.PortAdmin)
			continue
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.Error("admin receive failed",
				logging.KeyLoop, metrics.LoopAdmin,
				logging.KeyError, rerr)
			l.metrics.RecordLoopError(metrics.LoopAdmin)
			return fmt.Errorf("admin receive: %w", rerr)
		}

		l.metrics.RecordReceive(metrics.PortAdmin, len(dg.Payload))
		l.Handle(dg)
	}
}

// Handle applies one admin datagram to the registry and logs the outcome.
func (l *Loop) Handle(dg transport.Datagram) Outcome {
	sender := dg.Sender()

	cmd, ok := ParseCommand(dg.Payload)
	if !ok {
		l.logger.Warn("unsupported command",
			logging.KeyCommand, quotePayload(dg.Payload),
			logging.KeySender, sender)
		l.metrics.RecordAdminCommand("unknown", string(OutcomeUnsupported))
		return OutcomeUnsupported
	}

	var outcome Outcome
	switch cmd {
	case CommandRegister:
		if l.registry.Add(dg.SenderHost, dg.SenderPort) {
			outcome = OutcomeAdded
			l.logger.Info("registered destination",
				logging.KeySender, sender,
				logging.KeyCommand, string(cmd))
		} else {
			outcome = OutcomeDuplicate
			l.logger.Info("destination already registered",
				logging.KeySender, sender)
		}
	case CommandUnregister:
		if l.registry.Remove(dg.SenderHost, dg.SenderPort) {
			outcome = OutcomeRemoved
			l.logger.Info("unregistered destination",
				logging.KeySender, sender)
		} else {
			outcome = OutcomeNotFound
			l.logger.Info("destination not registered or already unregistered",
				logging.KeySender, sender)
		}
	}

	l.metrics.RecordAdminCommand(string(cmd), string(outcome))
	l.metrics.SetDestinations(l.registry.Len())
	return outcome
}

func quotePayload(payload []byte) string {
	if len(payload) > maxLoggedPayload {
		return strconv.Quote(string(payload[:maxLoggedPayload])) + "..."
	}
	return strconv.Quote(string(payload))
}
