// Package config provides configuration parsing and validation for the
// relay and the agent.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration. A single file may carry
// both a relay and an agent section; each role reads its own.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Relay     RelayConfig     `yaml:"relay"`
	Agent     AgentConfig     `yaml:"agent"`
	Mux       MuxConfig       `yaml:"mux"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	HTTP      HTTPConfig      `yaml:"http"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// RelayConfig contains relay settings.
type RelayConfig struct {
	Listeners        []ListenerConfig `yaml:"listeners"`
	BindHost         string           `yaml:"bind_host"`          // host public tunnel ports bind on
	PortRange        string           `yaml:"port_range"`         // e.g. "8000-9000"
	AllowFixedPorts  bool             `yaml:"allow_fixed_ports"`  // honor requested ports
	BusyPortCooldown time.Duration    `yaml:"busy_port_cooldown"` // skip ports the OS refused for this long
	MaxSessions      int              `yaml:"max_sessions"`       // 0 = unlimited
	HandshakeTimeout time.Duration    `yaml:"handshake_timeout"`
	OpenTimeout      time.Duration    `yaml:"open_timeout"` // wait for OpenAck
	IdleTimeout      time.Duration    `yaml:"idle_timeout"` // forwarded connection idle limit, 0 = none
	TokenDB          string           `yaml:"token_db"`     // sqlite token store, optional
	Tokens           []TokenConfig    `yaml:"tokens"`
}

// ListenerConfig defines a relay control listener.
type ListenerConfig struct {
	Transport string    `yaml:"transport"` // tcp, ws, quic
	Address   string    `yaml:"address"`
	Path      string    `yaml:"path"`      // HTTP path for ws
	PlainText bool      `yaml:"plaintext"` // ws behind a TLS-terminating proxy
	TLS       TLSConfig `yaml:"tls"`
}

// TokenConfig is a token record declared in the configuration file.
type TokenConfig struct {
	Name                    string `yaml:"name"`
	Token                   string `yaml:"token"`
	TokenHash               string `yaml:"token_hash"` // bcrypt
	MaxClients              int    `yaml:"max_clients"`
	MaxTunnelsPerClient     int    `yaml:"max_tunnels_per_client"`
	MaxConnectionsPerTunnel int    `yaml:"max_connections_per_tunnel"`
	MaxBandwidth            Size   `yaml:"max_bandwidth"` // bytes per second per tunnel
}

// AgentConfig contains agent settings.
type AgentConfig struct {
	ClientID    string          `yaml:"client_id"` // empty = generated
	Token       string          `yaml:"token"`
	Server      ServerConfig    `yaml:"server"`
	Tunnels     []TunnelConfig  `yaml:"tunnels"`
	DialTimeout time.Duration   `yaml:"dial_timeout"` // local service dial
	IdleTimeout time.Duration   `yaml:"idle_timeout"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
}

// ServerConfig describes how the agent reaches the relay.
type ServerConfig struct {
	Transport string        `yaml:"transport"` // tcp, ws, quic
	Address   string        `yaml:"address"`   // host:port or ws(s):// URL
	Path      string        `yaml:"path"`      // HTTP path for ws
	Proxy     string        `yaml:"proxy"`     // socks5:// or http:// proxy URL
	Timeout   time.Duration `yaml:"timeout"`
	TLS       TLSConfig     `yaml:"tls"`
}

// TunnelConfig is one tunnel the agent publishes.
type TunnelConfig struct {
	Name       string `yaml:"name"`
	LocalAddr  string `yaml:"local_addr"`
	RemotePort uint16 `yaml:"remote_port"` // 0 = relay chooses
	Protocol   string `yaml:"protocol"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// TLSConfig defines TLS settings.
type TLSConfig struct {
	Cert               string `yaml:"cert"`
	Key                string `yaml:"key"`
	CA                 string `yaml:"ca"`
	ClientCA           string `yaml:"client_ca"` // relay: require agent certificates
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"` // dev only
}

// MuxConfig tunes the stream multiplexer.
type MuxConfig struct {
	WindowSize Size `yaml:"window_size"`
	MaxPayload Size `yaml:"max_payload"`
}

// HeartbeatConfig tunes the liveness monitor.
type HeartbeatConfig struct {
	Interval  time.Duration `yaml:"interval"`
	Timeout   time.Duration `yaml:"timeout"`
	MaxMissed int           `yaml:"max_missed"`
}

// HTTPConfig defines the health/metrics/status server.
type HTTPConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Relay: RelayConfig{
			Listeners:        []ListenerConfig{},
			BindHost:         "0.0.0.0",
			PortRange:        "8000-9000",
			AllowFixedPorts:  true,
			BusyPortCooldown: time.Minute,
			MaxSessions:      0,
			HandshakeTimeout: 10 * time.Second,
			OpenTimeout:      10 * time.Second,
			IdleTimeout:      0,
			Tokens:           []TokenConfig{},
		},
		Agent: AgentConfig{
			Server: ServerConfig{
				Transport: "tcp",
				Timeout:   30 * time.Second,
			},
			Tunnels:     []TunnelConfig{},
			DialTimeout: 10 * time.Second,
			Reconnect: ReconnectConfig{
				InitialDelay: 1 * time.Second,
				MaxDelay:     60 * time.Second,
				Multiplier:   2.0,
				Jitter:       0.2,
				MaxRetries:   0,
			},
		},
		Mux: MuxConfig{
			WindowSize: 256 * 1024,
			MaxPayload: 64 * 1024,
		},
		Heartbeat: HeartbeatConfig{
			Interval:  30 * time.Second,
			Timeout:   10 * time.Second,
			MaxMissed: 2,
		},
		HTTP: HTTPConfig{
			Enabled:      false,
			Address:      "127.0.0.1:8080",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes. It does not validate; each
// role calls ValidateRelay or ValidateAgent.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		// ${VAR:-default}
		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, ok := os.LookupEnv(varName); ok {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the sections shared by both roles.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Mux.MaxPayload < 1024 || c.Mux.MaxPayload > 16*1024*1024 {
		errs = append(errs, "mux.max_payload must be between 1KiB and 16MiB")
	}
	if c.Mux.WindowSize < c.Mux.MaxPayload/4 || c.Mux.WindowSize > 1<<30 {
		errs = append(errs, "mux.window_size must be at least a quarter of max_payload and at most 1GiB")
	}

	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, "heartbeat.interval must be positive")
	}
	if c.Heartbeat.Timeout <= 0 || c.Heartbeat.Timeout >= c.Heartbeat.Interval {
		errs = append(errs, "heartbeat.timeout must be positive and shorter than heartbeat.interval")
	}
	if c.Heartbeat.MaxMissed < 1 {
		errs = append(errs, "heartbeat.max_missed must be at least 1")
	}

	if c.HTTP.Enabled && c.HTTP.Address == "" {
		errs = append(errs, "http.address is required when enabled")
	}

	return joinErrors(errs)
}

// ValidateRelay checks the relay section.
func (c *Config) ValidateRelay() error {
	var errs []string
	r := c.Relay

	if len(r.Listeners) == 0 {
		errs = append(errs, "relay.listeners: at least one listener is required")
	}
	for i, l := range r.Listeners {
		if err := validateListener(l); err != nil {
			errs = append(errs, fmt.Sprintf("relay.listeners[%d]: %v", i, err))
		}
	}

	if _, _, err := ParsePortRange(r.PortRange); err != nil {
		errs = append(errs, fmt.Sprintf("relay.port_range: %v", err))
	}
	if r.BindHost != "" && net.ParseIP(r.BindHost) == nil && r.BindHost != "localhost" {
		errs = append(errs, fmt.Sprintf("relay.bind_host: invalid IP address %q", r.BindHost))
	}
	if r.MaxSessions < 0 {
		errs = append(errs, "relay.max_sessions must not be negative")
	}
	if r.HandshakeTimeout <= 0 {
		errs = append(errs, "relay.handshake_timeout must be positive")
	}
	if r.OpenTimeout <= 0 {
		errs = append(errs, "relay.open_timeout must be positive")
	}

	if len(r.Tokens) == 0 && r.TokenDB == "" {
		errs = append(errs, "relay: tokens or token_db is required")
	}
	seen := make(map[string]bool)
	for i, t := range r.Tokens {
		if err := validateToken(t); err != nil {
			errs = append(errs, fmt.Sprintf("relay.tokens[%d]: %v", i, err))
		}
		if seen[t.Name] {
			errs = append(errs, fmt.Sprintf("relay.tokens[%d]: duplicate name %q", i, t.Name))
		}
		seen[t.Name] = true
	}

	return joinErrors(errs)
}

// ValidateAgent checks the agent section.
func (c *Config) ValidateAgent() error {
	var errs []string
	a := c.Agent

	if a.Token == "" {
		errs = append(errs, "agent.token is required")
	}
	if err := validateServer(a.Server); err != nil {
		errs = append(errs, fmt.Sprintf("agent.server: %v", err))
	}

	if len(a.Tunnels) == 0 {
		errs = append(errs, "agent.tunnels: at least one tunnel is required")
	}
	names := make(map[string]bool)
	for i, t := range a.Tunnels {
		if err := validateTunnel(t); err != nil {
			errs = append(errs, fmt.Sprintf("agent.tunnels[%d]: %v", i, err))
		}
		if t.Name != "" {
			if names[t.Name] {
				errs = append(errs, fmt.Sprintf("agent.tunnels[%d]: duplicate name %q", i, t.Name))
			}
			names[t.Name] = true
		}
	}

	if a.DialTimeout <= 0 {
		errs = append(errs, "agent.dial_timeout must be positive")
	}

	rc := a.Reconnect
	if rc.InitialDelay <= 0 {
		errs = append(errs, "agent.reconnect.initial_delay must be positive")
	}
	if rc.MaxDelay < rc.InitialDelay {
		errs = append(errs, "agent.reconnect.max_delay must be >= initial_delay")
	}
	if rc.Multiplier < 1 {
		errs = append(errs, "agent.reconnect.multiplier must be at least 1")
	}
	if rc.Jitter < 0 || rc.Jitter > 1 {
		errs = append(errs, "agent.reconnect.jitter must be between 0 and 1")
	}
	if rc.MaxRetries < 0 {
		errs = append(errs, "agent.reconnect.max_retries must not be negative")
	}

	return joinErrors(errs)
}

func joinErrors(errs []string) error {
	if len(errs) > 0 {
		return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidTransport(transport string) bool {
	switch transport {
	case "tcp", "ws", "quic":
		return true
	default:
		return false
	}
}

func validateListener(l ListenerConfig) error {
	if !isValidTransport(l.Transport) {
		return fmt.Errorf("invalid transport: %s (must be tcp, ws, or quic)", l.Transport)
	}
	if l.Address == "" {
		return fmt.Errorf("address is required")
	}
	if l.PlainText {
		if l.Transport != "ws" {
			return fmt.Errorf("plaintext is only supported for ws transport")
		}
		return nil
	}
	if l.TLS.Cert == "" || l.TLS.Key == "" {
		return fmt.Errorf("tls.cert and tls.key are required")
	}
	return nil
}

func validateServer(s ServerConfig) error {
	if !isValidTransport(s.Transport) {
		return fmt.Errorf("invalid transport: %s (must be tcp, ws, or quic)", s.Transport)
	}
	if s.Address == "" {
		return fmt.Errorf("address is required")
	}
	if s.Proxy != "" {
		u, err := url.Parse(s.Proxy)
		if err != nil {
			return fmt.Errorf("invalid proxy URL: %v", err)
		}
		switch {
		case s.Transport == "quic":
			return fmt.Errorf("proxy is not supported for quic transport")
		case u.Scheme == "socks5" || u.Scheme == "socks5h":
		case (u.Scheme == "http" || u.Scheme == "https") && s.Transport == "ws":
		default:
			return fmt.Errorf("unsupported proxy scheme %q for %s transport", u.Scheme, s.Transport)
		}
	}
	return nil
}

func validateTunnel(t TunnelConfig) error {
	if t.LocalAddr == "" {
		return fmt.Errorf("local_addr is required")
	}
	if _, _, err := net.SplitHostPort(t.LocalAddr); err != nil {
		return fmt.Errorf("invalid local_addr %q: %v", t.LocalAddr, err)
	}
	if t.Protocol != "" && t.Protocol != "tcp" {
		return fmt.Errorf("unsupported protocol %q (only tcp)", t.Protocol)
	}
	return nil
}

func validateToken(t TokenConfig) error {
	if t.Name == "" {
		return fmt.Errorf("name is required")
	}
	if t.Token == "" && t.TokenHash == "" {
		return fmt.Errorf("token or token_hash is required")
	}
	if t.Token != "" && t.TokenHash != "" {
		return fmt.Errorf("token and token_hash are mutually exclusive")
	}
	if t.MaxClients < 0 || t.MaxTunnelsPerClient < 0 || t.MaxConnectionsPerTunnel < 0 || t.MaxBandwidth < 0 {
		return fmt.Errorf("limits must not be negative")
	}
	return nil
}

// ParsePortRange parses "min-max" into its bounds.
func ParsePortRange(s string) (min, max uint16, err error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, fmt.Errorf("invalid port range %q (want min-max)", s)
	}
	a, err := strconv.ParseUint(strings.TrimSpace(lo), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %v", s, err)
	}
	b, err := strconv.ParseUint(strings.TrimSpace(hi), 10, 16)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid port range %q: %v", s, err)
	}
	if a == 0 || a > b {
		return 0, 0, fmt.Errorf("invalid port range %q", s)
	}
	return uint16(a), uint16(b), nil
}

// String returns a string representation of the config (for debugging).
// Sensitive values are redacted. Use StringUnsafe() for full output.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c.Redacted())
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with sensitive values redacted.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}
	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for i := range redacted.Relay.Tokens {
		t := &redacted.Relay.Tokens[i]
		if t.Token != "" {
			t.Token = redactedValue
		}
		if t.TokenHash != "" {
			t.TokenHash = redactedValue
		}
	}
	for i := range redacted.Relay.Listeners {
		if redacted.Relay.Listeners[i].TLS.Key != "" {
			redacted.Relay.Listeners[i].TLS.Key = redactedValue
		}
	}

	if redacted.Agent.Token != "" {
		redacted.Agent.Token = redactedValue
	}
	if redacted.Agent.Server.TLS.Key != "" {
		redacted.Agent.Server.TLS.Key = redactedValue
	}
	if u, err := url.Parse(redacted.Agent.Server.Proxy); err == nil && u.User != nil {
		redacted.Agent.Server.Proxy = u.Redacted()
	}

	return redacted
}

// HasSensitiveData reports whether the config carries any secrets.
func (c *Config) HasSensitiveData() bool {
	if c.Agent.Token != "" {
		return true
	}
	for _, t := range c.Relay.Tokens {
		if t.Token != "" {
			return true
		}
	}
	if u, err := url.Parse(c.Agent.Server.Proxy); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			return true
		}
	}
	return false
}
