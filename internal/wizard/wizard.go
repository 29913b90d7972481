// Package wizard provides the interactive setup that writes a relay or
// agent configuration file.
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

	"github.com/postalsys/muti-relay/internal/auth"
	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/transport"
)

// Roles the wizard can configure.
const (
	RoleRelay = "relay"
	RoleAgent = "agent"
)

// Result contains the wizard output.
type Result struct {
	Config     *config.Config
	ConfigPath string
	Role       string

	// Token is the plaintext token generated for a relay. Only its
	// bcrypt hash is written to the file.
	Token string
}

// RelayOptions are the answers that shape a relay configuration.
type RelayOptions struct {
	Transport       string
	ListenAddr      string
	Path            string
	PlainText       bool
	TLS             config.TLSConfig
	PortRange       string
	AllowFixedPorts bool
	TokenName       string
	TokenHash       string
	MaxClients      int
	HTTPEnabled     bool
	LogLevel        string
}

// AgentOptions are the answers that shape an agent configuration.
type AgentOptions struct {
	Transport   string
	ServerAddr  string
	Path        string
	CA          string
	Insecure    bool
	Token       string
	Tunnels     []config.TunnelConfig
	HTTPEnabled bool
	LogLevel    string
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

	role, configPath, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	res := &Result{ConfigPath: configPath, Role: role}
	switch role {
	case RoleRelay:
		opts, token, err := w.askRelay(filepath.Dir(configPath))
		if err != nil {
			return nil, err
		}
		res.Config = BuildRelayConfig(opts)
		res.Token = token
	default:
		opts, err := w.askAgent()
		if err != nil {
			return nil, err
		}
		res.Config = BuildAgentConfig(opts)
	}

	if err := WriteConfig(res.Config, configPath, role); err != nil {
		return nil, err
	}

	w.printSummary(res)
	return res, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render("\n  muti-relay")

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  NAT traversal relay and agent - setup\n")

	fmt.Fprintln(w.out, banner)
	fmt.Fprintln(w.out, subtitle)
}

func (w *Wizard) askBasicSetup() (role, configPath string, err error) {
	role = RoleAgent
	configPath = "./config.yaml"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Role").
				Description("The relay runs on a public host; the agent runs next to the service").
				Options(
					huh.NewOption("Agent (publish local services)", RoleAgent),
					huh.NewOption("Relay (public entry point)", RoleRelay),
				).
				Value(&role),

			huh.NewInput().
				Title("Config File Path").
				Placeholder("./config.yaml").
				Value(&configPath).
				Validate(validateConfigPath),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askRelay(dir string) (RelayOptions, string, error) {
	opts := RelayOptions{
		Transport:       "tcp",
		ListenAddr:      "0.0.0.0:7000",
		Path:            "/relay",
		PortRange:       "8000-9000",
		AllowFixedPorts: true,
		TokenName:       "default",
		LogLevel:        "info",
		HTTPEnabled:     true,
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Control Listener").
				Description("Agents connect here."),

			huh.NewSelect[string]().
				Title("Transport").
				Options(transportOptions()...).
				Value(&opts.Transport),

			huh.NewInput().
				Title("Listen Address").
				Placeholder("0.0.0.0:7000").
				Value(&opts.ListenAddr).
				Validate(validateHostPort),
		),
		huh.NewGroup(
			huh.NewNote().
				Title("Public Ports").
				Description("Tunnels are published on ports from this range."),

			huh.NewInput().
				Title("Port Range").
				Placeholder("8000-9000").
				Value(&opts.PortRange).
				Validate(func(s string) error {
					_, _, err := config.ParsePortRange(s)
					return err
				}),

			huh.NewConfirm().
				Title("Allow agents to request fixed ports?").
				Value(&opts.AllowFixedPorts),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return opts, "", err
	}

	if opts.Transport == "ws" {
		pathForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("HTTP Path").
					Placeholder("/relay").
					Value(&opts.Path).
					Validate(validatePath),

				huh.NewConfirm().
					Title("Behind a TLS-terminating proxy?").
					Description("Serve plain HTTP and trust X-Forwarded-For").
					Value(&opts.PlainText),
			),
		).WithTheme(w.theme)
		if err := pathForm.Run(); err != nil {
			return opts, "", err
		}
	}

	if !opts.PlainText {
		tlsCfg, err := w.askTLSSetup(dir)
		if err != nil {
			return opts, "", err
		}
		opts.TLS = tlsCfg
	}

	maxClients := ""
	tokenForm := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Access Token").
				Description("A token is generated now. Only its hash is stored."),

			huh.NewInput().
				Title("Token Name").
				Value(&opts.TokenName).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("name is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Max concurrent agents (empty for unlimited)").
				Value(&maxClients).
				Validate(validateOptionalCount),
		),
		w.advancedGroup(&opts.LogLevel, &opts.HTTPEnabled),
	).WithTheme(w.theme)
	if err := tokenForm.Run(); err != nil {
		return opts, "", err
	}
	opts.MaxClients, _ = strconv.Atoi(maxClients)

	token, err := auth.GenerateToken()
	if err != nil {
		return opts, "", err
	}
	opts.TokenHash, err = auth.HashToken(token)
	if err != nil {
		return opts, "", err
	}
	return opts, token, nil
}

func (w *Wizard) askTLSSetup(dir string) (config.TLSConfig, error) {
	choice := "generate"
	certsDir := filepath.Join(dir, "certs")
	commonName := "localhost"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Certificate").
				Options(
					huh.NewOption("Generate a self-signed certificate", "generate"),
					huh.NewOption("Use existing certificate files", "existing"),
				).
				Value(&choice),

			huh.NewInput().
				Title("Certificates Directory").
				Value(&certsDir),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	certPath := filepath.Join(certsDir, "relay.crt")
	keyPath := filepath.Join(certsDir, "relay.key")

	if choice == "existing" {
		existing := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().Title("Certificate File").Value(&certPath).Validate(fileExists),
				huh.NewInput().Title("Private Key File").Value(&keyPath).Validate(fileExists),
			),
		).WithTheme(w.theme)
		if err := existing.Run(); err != nil {
			return config.TLSConfig{}, err
		}
		return config.TLSConfig{Cert: certPath, Key: keyPath}, nil
	}

	cnForm := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Common Name").
				Description("Hostname agents use to reach the relay").
				Value(&commonName),
		),
	).WithTheme(w.theme)
	if err := cnForm.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return config.TLSConfig{}, fmt.Errorf("failed to create certs directory: %w", err)
	}
	if err := transport.GenerateAndSaveCert(certPath, keyPath, commonName, 365*24*time.Hour); err != nil {
		return config.TLSConfig{}, err
	}
	fmt.Fprintf(w.out, "\n✓ Generated certificate: %s\n\n", certPath)
	return config.TLSConfig{Cert: certPath, Key: keyPath}, nil
}

func (w *Wizard) askAgent() (AgentOptions, error) {
	opts := AgentOptions{
		Transport: "tcp",
		Path:      "/relay",
		LogLevel:  "info",
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Relay").
				Description("Where the agent connects."),

			huh.NewSelect[string]().
				Title("Transport").
				Options(transportOptions()...).
				Value(&opts.Transport),

			huh.NewInput().
				Title("Relay Address").
				Description("host:port, or a ws:// or wss:// URL").
				Placeholder("relay.example.com:7000").
				Value(&opts.ServerAddr).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("address is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Token").
				EchoMode(huh.EchoModePassword).
				Value(&opts.Token).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("token is required")
					}
					return nil
				}),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("CA Certificate (optional)").
				Description("PEM file to verify the relay with").
				Value(&opts.CA),

			huh.NewConfirm().
				Title("Skip TLS verification?").
				Description("Only for testing with self-signed certificates").
				Value(&opts.Insecure),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return opts, err
	}

	for addMore := true; addMore; {
		t, err := w.askTunnel(len(opts.Tunnels) + 1)
		if err != nil {
			return opts, err
		}
		opts.Tunnels = append(opts.Tunnels, t)

		more := huh.NewForm(
			huh.NewGroup(
				huh.NewConfirm().Title("Add another tunnel?").Value(&addMore),
			),
		).WithTheme(w.theme)
		if err := more.Run(); err != nil {
			return opts, err
		}
	}

	adv := huh.NewForm(w.advancedGroup(&opts.LogLevel, &opts.HTTPEnabled)).WithTheme(w.theme)
	if err := adv.Run(); err != nil {
		return opts, err
	}
	return opts, nil
}

func (w *Wizard) askTunnel(n int) (config.TunnelConfig, error) {
	t := config.TunnelConfig{Name: fmt.Sprintf("tunnel-%d", n), Protocol: "tcp"}
	remotePort := ""

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().Title(fmt.Sprintf("Tunnel #%d", n)),

			huh.NewInput().
				Title("Name").
				Value(&t.Name),

			huh.NewInput().
				Title("Local Address").
				Description("The service to publish").
				Placeholder("127.0.0.1:3000").
				Value(&t.LocalAddr).
				Validate(validateHostPort),

			huh.NewInput().
				Title("Remote Port (empty lets the relay choose)").
				Value(&remotePort).
				Validate(validateOptionalPort),
		),
	).WithTheme(w.theme)
	if err := form.Run(); err != nil {
		return t, err
	}

	if remotePort != "" {
		p, _ := strconv.ParseUint(remotePort, 10, 16)
		t.RemotePort = uint16(p)
	}
	return t, nil
}

func (w *Wizard) advancedGroup(logLevel *string, httpEnabled *bool) *huh.Group {
	return huh.NewGroup(
		huh.NewSelect[string]().
			Title("Log Level").
			Options(
				huh.NewOption("Debug (verbose)", "debug"),
				huh.NewOption("Info (recommended)", "info"),
				huh.NewOption("Warning", "warn"),
				huh.NewOption("Error (quiet)", "error"),
			).
			Value(logLevel),

		huh.NewConfirm().
			Title("Enable the HTTP endpoint?").
			Description("/healthz, /status and /metrics on 127.0.0.1:8080").
			Value(httpEnabled),
	)
}

// BuildRelayConfig turns wizard answers into a relay configuration.
func BuildRelayConfig(opts RelayOptions) *config.Config {
	cfg := config.Default()
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	listener := config.ListenerConfig{
		Transport: opts.Transport,
		Address:   opts.ListenAddr,
		PlainText: opts.PlainText,
		TLS:       opts.TLS,
	}
	if opts.Transport == "ws" {
		listener.Path = opts.Path
	}
	cfg.Relay.Listeners = []config.ListenerConfig{listener}

	if opts.PortRange != "" {
		cfg.Relay.PortRange = opts.PortRange
	}
	cfg.Relay.AllowFixedPorts = opts.AllowFixedPorts
	cfg.Relay.Tokens = []config.TokenConfig{{
		Name:       opts.TokenName,
		TokenHash:  opts.TokenHash,
		MaxClients: opts.MaxClients,
	}}

	cfg.HTTP.Enabled = opts.HTTPEnabled
	return cfg
}

// BuildAgentConfig turns wizard answers into an agent configuration.
func BuildAgentConfig(opts AgentOptions) *config.Config {
	cfg := config.Default()
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}

	cfg.Agent.Token = opts.Token
	cfg.Agent.Server.Transport = opts.Transport
	cfg.Agent.Server.Address = opts.ServerAddr
	if opts.Transport == "ws" {
		cfg.Agent.Server.Path = opts.Path
	}
	cfg.Agent.Server.TLS.CA = opts.CA
	cfg.Agent.Server.TLS.InsecureSkipVerify = opts.Insecure
	cfg.Agent.Tunnels = append([]config.TunnelConfig(nil), opts.Tunnels...)

	cfg.HTTP.Enabled = opts.HTTPEnabled
	return cfg
}

// WriteConfig writes cfg to path with a header naming the role. Files
// carrying tokens are only readable by the owner.
func WriteConfig(cfg *config.Config, path, role string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := fmt.Sprintf("# muti-relay %s configuration\n# Generated by muti-relay init\n\n", role)

	mode := os.FileMode(0644)
	if cfg.HasSensitiveData() {
		mode = 0600
	}
	if err := os.WriteFile(path, []byte(header+string(data)), mode); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (w *Wizard) printSummary(res *Result) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render(strings.Repeat("─", 49))

	fmt.Fprintln(w.out)
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out, style.Render("✓ Setup Complete!"))
	fmt.Fprintln(w.out, divider)
	fmt.Fprintln(w.out)

	fmt.Fprintf(w.out, "  Role:         %s\n", res.Role)
	fmt.Fprintf(w.out, "  Config file:  %s\n", res.ConfigPath)

	cfg := res.Config
	switch res.Role {
	case RoleRelay:
		l := cfg.Relay.Listeners[0]
		fmt.Fprintf(w.out, "  Listener:     %s://%s\n", l.Transport, l.Address)
		fmt.Fprintf(w.out, "  Public ports: %s\n", cfg.Relay.PortRange)
		if res.Token != "" {
			fmt.Fprintln(w.out)
			fmt.Fprintln(w.out, "  Agent token (shown once, store it now):")
			fmt.Fprintf(w.out, "    %s\n", res.Token)
		}
	case RoleAgent:
		fmt.Fprintf(w.out, "  Relay:        %s://%s\n", cfg.Agent.Server.Transport, cfg.Agent.Server.Address)
		for _, t := range cfg.Agent.Tunnels {
			remote := "auto"
			if t.RemotePort != 0 {
				remote = strconv.Itoa(int(t.RemotePort))
			}
			fmt.Fprintf(w.out, "  Tunnel:       %s %s -> %s\n", t.Name, t.LocalAddr, remote)
		}
	}

	if cfg.HTTP.Enabled {
		fmt.Fprintf(w.out, "  Health:       http://%s/healthz\n", cfg.HTTP.Address)
	}

	fmt.Fprintln(w.out)
	fmt.Fprintf(w.out, "  To start:\n    muti-relay %s -c %s\n\n", res.Role, res.ConfigPath)
}

func transportOptions() []huh.Option[string] {
	return []huh.Option[string]{
		huh.NewOption("TCP + TLS", "tcp"),
		huh.NewOption("WebSocket (proxy-friendly)", "ws"),
		huh.NewOption("QUIC (UDP)", "quic"),
	}
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

func validateHostPort(s string) error {
	if _, _, err := net.SplitHostPort(s); err != nil {
		return fmt.Errorf("invalid address format (use host:port)")
	}
	return nil
}

func validatePath(s string) error {
	if !strings.HasPrefix(s, "/") {
		return fmt.Errorf("path must start with /")
	}
	return nil
}

func validateOptionalPort(s string) error {
	if s == "" {
		return nil
	}
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil || p == 0 {
		return fmt.Errorf("must be a port between 1 and 65535")
	}
	return nil
}

func validateOptionalCount(s string) error {
	if s == "" {
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return fmt.Errorf("must be a non-negative number")
	}
	return nil
}

func fileExists(s string) error {
	if _, err := os.Stat(s); err != nil {
		return fmt.Errorf("file not found: %s", s)
	}
	return nil
}
