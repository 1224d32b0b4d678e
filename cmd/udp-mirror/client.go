package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"

	"github.com/postalsys/udp-mirror/internal/control"
	"github.com/postalsys/udp-mirror/internal/transport"
)

const defaultSocketPath = "./udp-mirror.sock"

func statusCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show relay status",
		Long:  "Display the status of a running relay through its control socket.",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			status, err := client.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("query control socket %s: %w", socketPath, err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running:       %v\n", status.Running)
			fmt.Fprintf(out, "Data:          %s\n", status.DataAddress)
			fmt.Fprintf(out, "Admin:         %s\n", status.AdminAddress)
			fmt.Fprintf(out, "Destinations:  %d\n", status.DestinationCount)
			fmt.Fprintf(out, "Uptime:        %s\n", time.Duration(status.UptimeSeconds)*time.Second)
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", defaultSocketPath, "Path to control socket")

	return cmd
}

func destinationsCmd() *cobra.Command {
	var socketPath string

	cmd := &cobra.Command{
		Use:   "destinations",
		Short: "List registered destinations",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := control.NewClient(socketPath)
			defer client.Close()

			resp, err := client.Destinations(cmd.Context())
			if err != nil {
				return fmt.Errorf("query control socket %s: %w", socketPath, err)
			}

			out := cmd.OutOrStdout()
			if len(resp.Destinations) == 0 {
				fmt.Fprintln(out, "No destinations registered.")
				return nil
			}
			for _, d := range resp.Destinations {
				fmt.Fprintln(out, d)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", defaultSocketPath, "Path to control socket")

	return cmd
}

// splitAddress parses host:port into its parts, rejecting port 0.
func splitAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", address, err)
	}
	if host == "" {
		host = "127.0.0.1"
	}
	port, err := parsePort("port", portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// sendControlDatagram sends command from conn to the relay admin address.
func sendControlDatagram(conn *transport.Conn, adminAddr, command string) error {
	host, port, err := splitAddress(adminAddr)
	if err != nil {
		return err
	}
	if err := conn.Send(host, port, []byte(command)); err != nil {
		return fmt.Errorf("send %s to %s: %w", command, adminAddr, err)
	}
	return nil
}

func controlDatagramCmd(command, short string) *cobra.Command {
	var local string

	cmd := &cobra.Command{
		Use:   command + " ADMIN_ADDR",
		Short: short,
		Long: fmt.Sprintf(`Send %q to a relay admin address. The relay acts on the address the
datagram comes from, so --local must be the address that should receive
(or stop receiving) mirrored traffic.`, command),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := transport.Listen(cmd.Context(), local, transport.Options{ReuseAddress: true})
			if err != nil {
				return fmt.Errorf("bind %s: %w", local, err)
			}
			defer conn.Close()

			if err := sendControlDatagram(conn, args[0], command); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Sent %s from %s to %s\n", command, conn.LocalAddr(), args[0])
			return nil
		},
	}

	cmd.Flags().StringVarP(&local, "local", "l", "0.0.0.0:0", "Local address to send from")

	return cmd
}

func subscribeCmd() *cobra.Command {
	var local string

	cmd := &cobra.Command{
		Use:   "subscribe ADMIN_ADDR",
		Short: "Register and print mirrored datagrams until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			conn, err := transport.Listen(ctx, local, transport.Options{})
			if err != nil {
				return fmt.Errorf("bind %s: %w", local, err)
			}
			defer conn.Close()

			if err := sendControlDatagram(conn, args[0], "register"); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Subscribed from %s, press Ctrl+C to stop\n", conn.LocalAddr())

			go func() {
				<-ctx.Done()
				// Unregister before closing so the relay stops sending immediately.
				unsubscribe(conn, args[0], cmd.ErrOrStderr())
				conn.Close()
			}()

			return printDatagrams(ctx, conn, out)
		},
	}

	cmd.Flags().StringVarP(&local, "local", "l", "0.0.0.0:0", "Local address to receive on")

	return cmd
}

// unsubscribe sends unregister and reports a failed send on errOut.
func unsubscribe(conn *transport.Conn, adminAddr string, errOut io.Writer) error {
	err := sendControlDatagram(conn, adminAddr, "unregister")
	if err != nil {
		fmt.Fprintf(errOut, "Warning: %v; the relay may still be sending to %s\n", err, conn.LocalAddr())
	}
	return err
}

type receiver interface {
	Receive() (transport.Datagram, error)
}

// printDatagrams writes one line per datagram until ctx is done.
func printDatagrams(ctx context.Context, conn receiver, out io.Writer) error {
	for {
		dg, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				fmt.Fprintln(out, "Unsubscribed.")
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "%s  %s  %s\n",
			time.Now().Format("15:04:05.000"),
			dg.Sender(),
			humanize.IBytes(uint64(len(dg.Payload))))
	}
}

func statsCmd() *cobra.Command {
	var url string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print relay counters from the health server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("fetch %s: %w", url, err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("fetch %s: unexpected status %d", url, resp.StatusCode)
			}

			lines, err := relayCounters(resp.Body)
			if err != nil {
				return err
			}
			for _, line := range lines {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&url, "url", "u", "http://127.0.0.1:8080/metrics", "Health server metrics URL")

	return cmd
}

// relayCounters parses Prometheus text exposition and renders the udp_mirror
// counters and gauges as sorted "name{labels} value" lines.
func relayCounters(r io.Reader) ([]string, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parse metrics: %w", err)
	}

	var lines []string
	for name, mf := range families {
		if !strings.HasPrefix(name, "udp_mirror_") {
			continue
		}
		for _, m := range mf.GetMetric() {
			value, ok := metricValue(mf.GetType(), m)
			if !ok {
				continue
			}
			rendered := strconv.FormatFloat(value, 'f', -1, 64)
			if strings.HasPrefix(name, "udp_mirror_bytes_") {
				rendered = humanize.IBytes(uint64(value))
			}
			lines = append(lines, fmt.Sprintf("%s%s %s", name, formatLabels(m.GetLabel()), rendered))
		}
	}

	sort.Strings(lines)
	return lines, nil
}

func metricValue(t dto.MetricType, m *dto.Metric) (float64, bool) {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue(), true
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue(), true
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount()), true
	}
	return 0, false
}

func formatLabels(labels []*dto.LabelPair) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, len(labels))
	for i, l := range labels {
		parts[i] = fmt.Sprintf("%s=%q", l.GetName(), l.GetValue())
	}
	return "{" + strings.Join(parts, ",") + "}"
}
