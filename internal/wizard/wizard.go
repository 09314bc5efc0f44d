// Package wizard provides the interactive setup and pairing prompts for the
// relay host.
package wizard

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/comine-app/comine-relay/internal/config"
	"github.com/comine-app/comine-relay/internal/relay"
	"github.com/comine-app/comine-relay/internal/transport"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	DataDir    string
	Relay      relay.Config
}

// Answers holds everything the setup form asks for.
type Answers struct {
	DataDir        string
	ConfigPath     string
	ServerURL      string
	EnableRelay    bool
	LogLevel       string
	ControlEnabled bool
	HealthEnabled  bool
}

// DefaultAnswers returns the values the form starts with.
func DefaultAnswers() Answers {
	return Answers{
		DataDir:        "./data",
		ConfigPath:     "./config.yaml",
		ServerURL:      relay.DefaultServerURL,
		EnableRelay:    true,
		LogLevel:       "info",
		ControlEnabled: true,
	}
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	answers := DefaultAnswers()

	if err := w.askBasicSetup(&answers); err != nil {
		return nil, err
	}
	if err := w.askRelaySetup(&answers); err != nil {
		return nil, err
	}
	if err := w.askAdvancedOptions(&answers); err != nil {
		return nil, err
	}

	result, err := Apply(answers)
	if err != nil {
		return nil, err
	}

	w.printSummary(result)
	return result, nil
}

// Apply writes the configuration file and the initial relay configuration
// described by a.
func Apply(a Answers) (*Result, error) {
	cfg := buildConfig(a)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := writeConfig(cfg, a.ConfigPath); err != nil {
		return nil, err
	}

	relayCfg, err := initRelayConfig(a.DataDir, a.ServerURL, a.EnableRelay)
	if err != nil {
		return nil, err
	}

	return &Result{
		Config:     cfg,
		ConfigPath: a.ConfigPath,
		DataDir:    a.DataDir,
		Relay:      relayCfg,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  comine relay")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Browser extension relay - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure where the host keeps its state."),

			huh.NewInput().
				Title("Data Directory").
				Description("Relay identity and paired devices are stored here").
				Placeholder("./data").
				Value(&a.DataDir).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("data directory is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("./config.yaml").
				Value(&a.ConfigPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askRelaySetup(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay").
				Description("Browsers on other machines reach this host through the relay server."),

			huh.NewInput().
				Title("Relay Server URL").
				Description("ws:// or wss:// endpoint").
				Placeholder(relay.DefaultServerURL).
				Value(&a.ServerURL).
				Validate(func(s string) error {
					return transport.ValidateRelayURL(strings.TrimSpace(s))
				}),

			huh.NewConfirm().
				Title("Connect to the relay now?").
				Description("Can be changed later with 'comine-relay enable' or 'disable'").
				Value(&a.EnableRelay),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func (w *Wizard) askAdvancedOptions(a *Answers) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Advanced Options").
				Description("Configure monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&a.LogLevel),

			huh.NewConfirm().
				Title("Enable control socket?").
				Description("Unix socket for CLI commands (status, pair, devices)").
				Value(&a.ControlEnabled),

			huh.NewConfirm().
				Title("Enable health endpoint?").
				Description("HTTP endpoint for monitoring (/health, /ready, /metrics)").
				Value(&a.HealthEnabled),
		),
	).WithTheme(w.theme)

	return form.Run()
}

func validateConfigPath(s string) error {
	if s == "" {
		return fmt.Errorf("config path is required")
	}
	if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
		return fmt.Errorf("config file should have .yaml or .yml extension")
	}
	return nil
}

func buildConfig(a Answers) *config.Config {
	cfg := config.Default()

	cfg.Host.DataDir = a.DataDir
	cfg.Host.LogLevel = a.LogLevel
	cfg.Host.LogFormat = "text"

	cfg.Control.Enabled = a.ControlEnabled
	if a.ControlEnabled {
		cfg.Control.SocketPath = filepath.Join(a.DataDir, "control.sock")
	}

	cfg.Health.Enabled = a.HealthEnabled

	return cfg
}

func writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := `# Comine relay host configuration
# Generated by setup wizard

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// initRelayConfig creates or repairs the relay configuration in dataDir and
// applies the chosen server and enabled flag. An existing identity is kept.
func initRelayConfig(dataDir, serverURL string, enabled bool) (relay.Config, error) {
	serverURL = strings.TrimSpace(serverURL)
	if err := transport.ValidateRelayURL(serverURL); err != nil {
		return relay.Config{}, fmt.Errorf("%w: %v", relay.ErrInvalidServerURL, err)
	}

	path := relay.ConfigPath(dataDir)
	cfg, healed, err := relay.LoadConfig(path)
	if err != nil && !healed {
		return relay.Config{}, fmt.Errorf("load relay config: %w", err)
	}

	cfg.ServerURL = serverURL
	cfg.Enabled = enabled
	if err := relay.SaveConfig(path, cfg); err != nil {
		return relay.Config{}, fmt.Errorf("save relay config: %w", err)
	}
	return cfg, nil
}

func (w *Wizard) printSummary(r *Result) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Host ID:      %s\n", r.Relay.HostID)
	fmt.Printf("  Config file:  %s\n", r.ConfigPath)
	fmt.Printf("  Data dir:     %s\n", r.DataDir)
	fmt.Printf("  Relay:        %s (enabled: %t)\n", r.Relay.ServerURL, r.Relay.Enabled)

	if r.Config.Control.Enabled {
		fmt.Printf("  Control:      %s\n", r.Config.Control.SocketPath)
	}
	if r.Config.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", r.Config.Health.Address)
	}

	fmt.Println()
	fmt.Println("  To start the host:")
	fmt.Printf("    comine-relay run -c %s\n", r.ConfigPath)
	fmt.Println("  Then pair a browser with:")
	fmt.Println("    comine-relay pair")
	fmt.Println()
}
