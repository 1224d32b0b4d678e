// Package main provides the CLI entry point for the udp-mirror relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/udp-mirror/internal/config"
	"github.com/postalsys/udp-mirror/internal/relay"
	"github.com/postalsys/udp-mirror/internal/wizard"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "udp-mirror",
		Short: "udp-mirror - UDP fan-out relay",
		Long: `udp-mirror copies every datagram received on a data port to all
destinations currently registered on an admin port.

A consumer subscribes by sending the text "register" to the admin port
from the address it wants to receive on, and leaves by sending
"unregister" from the same address.`,
		Version: Version,
	}
	rootCmd.SilenceErrors = true

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(destinationsCmd())
	rootCmd.AddCommand(controlDatagramCmd("register", "Register a local address with a relay"))
	rootCmd.AddCommand(controlDatagramCmd("unregister", "Unregister a local address from a relay"))
	rootCmd.AddCommand(subscribeCmd())
	rootCmd.AddCommand(statsCmd())

	return rootCmd
}

// parsePort parses a positional port argument.
func parsePort(name, s string) (int, error) {
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", name, s)
	}
	if port < 1 || port > 65535 {
		return 0, fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return port, nil
}

// portArgs validates DATA_PORT and ADMIN_PORT.
func portArgs(cmd *cobra.Command, args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("requires DATA_PORT and ADMIN_PORT, received %d argument(s)", len(args))
	}
	if _, err := parsePort("DATA_PORT", args[0]); err != nil {
		return err
	}
	if _, err := parsePort("ADMIN_PORT", args[1]); err != nil {
		return err
	}
	return nil
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run DATA_PORT ADMIN_PORT",
		Short: "Run the relay",
		Long: `Start the relay. Datagrams received on DATA_PORT are mirrored to every
destination registered through ADMIN_PORT.`,
		Example: "  udp-mirror run 514 10000\n  udp-mirror run 514 10000 -c ./config.yaml",
		Args:    portArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dataPort, _ := parsePort("DATA_PORT", args[0])
			adminPort, _ := parsePort("ADMIN_PORT", args[1])

			// Past argument validation, failures are runtime errors
			cmd.SilenceUsage = true

			cfg, err := loadRunConfig(configPath, cmd.Flags().Changed("config"), dataPort, adminPort)
			if err != nil {
				return err
			}

			r := relay.New(cfg, relay.Options{})
			if err := r.Start(); err != nil {
				return fmt.Errorf("failed to start relay: %w", err)
			}

			// The CLI is the only signal subscriber; the relay only sees Stop.
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var runErr error
			select {
			case sig := <-sigCh:
				fmt.Fprintf(cmd.ErrOrStderr(), "\nReceived signal %v, shutting down...\n", sig)
			case runErr = <-r.Errors():
				fmt.Fprintf(cmd.ErrOrStderr(), "Relay failed: %v\n", runErr)
			}

			// Graceful shutdown with timeout
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := r.StopWithContext(ctx); err != nil {
				return errors.Join(runErr, fmt.Errorf("shutdown: %w", err))
			}

			return runErr
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

// loadRunConfig loads the config file when one was given, otherwise the
// defaults, and applies the positional ports before validating.
func loadRunConfig(path string, explicit bool, dataPort, adminPort int) (*config.Config, error) {
	cfg := config.Default()
	if explicit {
		loaded, err := config.Read(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if err := cfg.SetPorts(dataPort, adminPort); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func initCmd() *cobra.Command {
	var configPath string
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(configPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", configPath)
			}

			if err := wizard.WriteConfig(config.Default(), configPath); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Configuration written to %s\n", configPath)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}

func setupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "setup",
		Short: "Interactive setup wizard",
		Long:  "Walk through the relay configuration interactively and write a config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !term.IsTerminal(int(os.Stdin.Fd())) {
				return fmt.Errorf("setup requires an interactive terminal; use 'udp-mirror init' instead")
			}

			_, err := wizard.New().Run()
			return err
		},
	}
}
