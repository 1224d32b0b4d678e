// Package wizard provides an interactive setup wizard for the UDP mirror relay.
package wizard

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/postalsys/udp-mirror/internal/config"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
}

// Answers holds every value collected by the wizard forms.
type Answers struct {
	ConfigPath string
	LogLevel   string
	LogFormat  string

	BindHost  string
	DataPort  string
	AdminPort string

	MaxDatagramSize string
	SendTimeout     string
	ReuseAddress    bool

	HealthEnabled  bool
	HealthAddress  string
	ControlEnabled bool
	SocketPath     string
}

// DefaultAnswers returns the values pre-filled in the forms.
func DefaultAnswers() Answers {
	return Answers{
		ConfigPath:      "./config.yaml",
		LogLevel:        "info",
		LogFormat:       "text",
		BindHost:        "0.0.0.0",
		DataPort:        strconv.Itoa(config.DefaultDataPort),
		AdminPort:       strconv.Itoa(config.DefaultAdminPort),
		MaxDatagramSize: "64KiB",
		SendTimeout:     "0s",
		HealthEnabled:   true,
		HealthAddress:   ":8080",
		ControlEnabled:  true,
		SocketPath:      "./udp-mirror.sock",
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
	out   io.Writer
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
		out:   os.Stdout,
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	a := DefaultAnswers()

	if err := w.askBasicSetup(&a); err != nil {
		return nil, err
	}
	if err := w.askPorts(&a); err != nil {
		return nil, err
	}
	if err := w.askMirrorOptions(&a); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&a); err != nil {
		return nil, err
	}

	cfg, err := BuildConfig(a)
	if err != nil {
		return nil, err
	}

	if err := WriteConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(a.ConfigPath, cfg)

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  _   _ ____  ____    __  __ _
 | | | |  _ \|  _ \  |  \/  (_)_ __ _ __ ___  _ __
 | | | | | | | |_) | | |\/| | | '__| '__/ _ \| '__|
 | |_| | |_| |  __/  | |  | | | |  | | | (_) | |
  \___/|____/|_|     |_|  |_|_|_|  |_|  \___/|_|
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  UDP Fan-out Relay - Setup Wizard\n")

	fmt.Fprintln(w.out, banner)
	fmt.Fprintln(w.out, subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Where to write the configuration and how to log."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(ValidateConfigPath),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (every mirrored datagram)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewSelect[string]().
				Title("Log Format").
				Options(
					huh.NewOption("Text", "text"),
					huh.NewOption("JSON", "json"),
				).
				Value(&a.LogFormat),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askPorts(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Ports").
				Description("Traffic arriving on the data port is copied to every\nsender that registered on the admin port.\n\nThe ports are written to the file, but 'udp-mirror run'\ntakes both ports as arguments and uses those instead."),

			huh.NewInput().
				Title("Bind Address").
				Description("Interface both sockets listen on").
				Placeholder("0.0.0.0").
				Value(&a.BindHost).
				Validate(ValidateHost),

			huh.NewInput().
				Title("Data Port").
				Description("UDP port receiving the traffic to mirror").
				Placeholder(strconv.Itoa(config.DefaultDataPort)).
				Value(&a.DataPort).
				Validate(ValidatePort),

			huh.NewInput().
				Title("Admin Port").
				Description("UDP port receiving register/unregister").
				Placeholder(strconv.Itoa(config.DefaultAdminPort)).
				Value(&a.AdminPort).
				Validate(ValidatePort),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askMirrorOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Mirror Options").
				Description("Tune the data socket."),

			huh.NewInput().
				Title("Max Datagram Size").
				Description("Larger datagrams are truncated (e.g. 64KiB, 9000B)").
				Placeholder("64KiB").
				Value(&a.MaxDatagramSize).
				Validate(ValidateDatagramSize),

			huh.NewInput().
				Title("Send Timeout").
				Description("Per-destination write deadline, 0s for none").
				Placeholder("0s").
				Value(&a.SendTimeout).
				Validate(ValidateDuration),

			huh.NewConfirm().
				Title("Enable SO_REUSEADDR / SO_REUSEPORT?").
				Description("Lets several relays share the same ports").
				Value(&a.ReuseAddress),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and the control socket."),

			huh.NewConfirm().
				Title("Enable health check endpoint?").
				Description("HTTP endpoint for monitoring (/health, /healthz, /metrics)").
				Value(&a.HealthEnabled),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, destinations)").
				Value(&a.ControlEnabled),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return err
	}

	var fields []huh.Field
	if a.HealthEnabled {
		fields = append(fields, huh.NewInput().
			Title("Health Address").
			Placeholder(":8080").
			Value(&a.HealthAddress).
			Validate(func(s string) error {
				if _, _, err := net.SplitHostPort(s); err != nil {
					return fmt.Errorf("invalid address: %w", err)
				}
				return nil
			}))
	}
	if a.ControlEnabled {
		fields = append(fields, huh.NewInput().
			Title("Control Socket Path").
			Placeholder("./udp-mirror.sock").
			Value(&a.SocketPath).
			Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("socket path is required")
				}
				return nil
			}))
	}
	if len(fields) == 0 {
		return nil
	}

	return huh.NewForm(huh.NewGroup(fields...)).WithTheme(w.theme).Run()
}

// BuildConfig turns wizard answers into a validated configuration.
func BuildConfig(a Answers) (*config.Config, error) {
	cfg := config.Default()

	cfg.Relay.LogLevel = a.LogLevel
	cfg.Relay.LogFormat = a.LogFormat
	cfg.Relay.DataAddress = net.JoinHostPort(a.BindHost, strings.TrimSpace(a.DataPort))
	cfg.Relay.AdminAddress = net.JoinHostPort(a.BindHost, strings.TrimSpace(a.AdminPort))

	cfg.Socket.ReuseAddress = a.ReuseAddress

	if a.MaxDatagramSize != "" {
		cfg.Mirror.MaxDatagramSize = a.MaxDatagramSize
	}
	if a.SendTimeout != "" {
		d, err := time.ParseDuration(a.SendTimeout)
		if err != nil {
			return nil, fmt.Errorf("invalid send timeout: %w", err)
		}
		cfg.Mirror.SendTimeout = d
	}

	cfg.Health.Enabled = a.HealthEnabled
	if a.HealthEnabled && a.HealthAddress != "" {
		cfg.Health.Address = a.HealthAddress
	}

	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled && a.SocketPath != "" {
		cfg.Control.SocketPath = a.SocketPath
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// WriteConfig writes cfg as YAML to path, creating parent directories.
func WriteConfig(cfg *config.Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# udp-mirror configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out, style.Render("✓ Setup Complete!"))
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out)

	fmt.Fprintf(w.out, "  Config file:  %s\n", configPath)
	fmt.Fprintf(w.out, "  Data:         udp://%s\n", cfg.Relay.DataAddress)
	fmt.Fprintf(w.out, "  Admin:        udp://%s\n", cfg.Relay.AdminAddress)

	if cfg.Health.Enabled {
		fmt.Fprintf(w.out, "  Health:       http://%s/health\n", cfg.Health.Address)
	}
	if cfg.Control.Enabled {
		fmt.Fprintf(w.out, "  Control:      %s\n", cfg.Control.SocketPath)
	}

	_, dataPort, _ := net.SplitHostPort(cfg.Relay.DataAddress)
	_, adminPort, _ := net.SplitHostPort(cfg.Relay.AdminAddress)

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  To start the relay:")
	fmt.Fprintf(w.out, "    udp-mirror run %s %s -c %s\n", dataPort, adminPort, configPath)
	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, "  The ports given to 'udp-mirror run' always replace the ports in the")
	fmt.Fprintln(w.out, "  config file; the file keeps the bind hosts and all other settings.")
	fmt.Fprintln(w.out)
}

// ValidateConfigPath requires a .yaml or .yml path.
func ValidateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

// ValidateHost accepts an IP literal or a hostname.
func ValidateHost(s string) error {
	if s == "" {
		return fmt.Errorf("bind address is required")
	}
	if strings.ContainsAny(s, " /") {
		return fmt.Errorf("invalid bind address %q", s)
	}
	return nil
}

// ValidatePort accepts 1..65535.
func ValidatePort(s string) error {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > 65535 {
		return fmt.Errorf("port must be a number between 1 and 65535")
	}
	return nil
}

// ValidateDatagramSize accepts a human size between 1B and 64KiB.
func ValidateDatagramSize(s string) error {
	n, err := config.ParseSize(s)
	if err != nil {
		return err
	}
	if n < 1 || n > 64*1024 {
		return fmt.Errorf("size must be between 1B and 64KiB")
	}
	return nil
}

// ValidateDuration accepts a non-negative Go duration.
func ValidateDuration(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	if d < 0 {
		return fmt.Errorf("duration must not be negative")
	}
	return nil
}
