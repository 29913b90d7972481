package main

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/auth"
	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/transport"
	"github.com/postalsys/muti-relay/internal/wizard"
)

// certValidity is the lifetime of certificates generated by init.
const certValidity = 365 * 24 * time.Hour

type initOptions struct {
	role      string
	output    string
	transport string
	listen    string
	portRange string
	server    string
	token     string
	insecure  bool
	tunnels   []string
	force     bool
}

func initCmd() *cobra.Command {
	var opts initOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a relay or agent configuration",
		Long: `Create a configuration file.

Without --role an interactive wizard asks for every setting. With --role the
file is written from flags and defaults, which suits scripted installs.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.role == "" {
				_, err := wizard.New().Run()
				if errors.Is(err, huh.ErrUserAborted) {
					fmt.Fprintln(cmd.ErrOrStderr(), "aborted")
					return nil
				}
				return err
			}
			return runInit(cmd.OutOrStdout(), opts)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.role, "role", "", "Write a config for this role without prompting (relay or agent)")
	f.StringVarP(&opts.output, "output", "o", "./config.yaml", "Path of the file to write")
	f.StringVar(&opts.transport, "transport", "tcp", "Control transport (tcp, quic, ws)")
	f.StringVar(&opts.listen, "listen", "0.0.0.0:7000", "Relay: control listen address")
	f.StringVar(&opts.portRange, "port-range", "", "Relay: public port range, e.g. 8000-9000")
	f.StringVar(&opts.server, "server", "", "Agent: relay address")
	f.StringVar(&opts.token, "token", "", "Agent: access token")
	f.BoolVar(&opts.insecure, "insecure", false, "Agent: skip relay certificate verification")
	f.StringArrayVar(&opts.tunnels, "tunnel", nil, "Agent: tunnel as name=host:port[@remote_port] (repeatable)")
	f.BoolVar(&opts.force, "force", false, "Overwrite an existing file")

	return cmd
}

func runInit(out io.Writer, opts initOptions) error {
	if _, err := os.Stat(opts.output); err == nil && !opts.force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", opts.output)
	}
	if _, ok := transport.ParseTransportType(opts.transport); !ok {
		return fmt.Errorf("unknown transport %q", opts.transport)
	}

	switch opts.role {
	case wizard.RoleRelay:
		return initRelay(out, opts)
	case wizard.RoleAgent:
		return initAgent(out, opts)
	default:
		return fmt.Errorf("unknown role %q (want relay or agent)", opts.role)
	}
}

func initRelay(out io.Writer, opts initOptions) error {
	dir := filepath.Dir(opts.output)
	ro := wizard.RelayOptions{
		Transport:       opts.transport,
		ListenAddr:      opts.listen,
		Path:            "/relay",
		PortRange:       opts.portRange,
		AllowFixedPorts: true,
		TokenName:       "default",
		HTTPEnabled:     true,
		TLS: config.TLSConfig{
			Cert: filepath.Join(dir, "relay.crt"),
			Key:  filepath.Join(dir, "relay.key"),
		},
	}

	host, _, err := net.SplitHostPort(opts.listen)
	if err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := transport.GenerateAndSaveCert(ro.TLS.Cert, ro.TLS.Key, host, certValidity); err != nil {
		return fmt.Errorf("failed to generate certificate: %w", err)
	}

	token, err := auth.GenerateToken()
	if err != nil {
		return err
	}
	if ro.TokenHash, err = auth.HashToken(token); err != nil {
		return err
	}

	cfg := wizard.BuildRelayConfig(ro)
	if err := cfg.ValidateRelay(); err != nil {
		return err
	}
	if err := wizard.WriteConfig(cfg, opts.output, wizard.RoleRelay); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s relay configuration written to %s\n", okStyle.Render("✓"), opts.output)
	fmt.Fprintf(out, "%s self-signed certificate for %s in %s\n", okStyle.Render("✓"), host, ro.TLS.Cert)
	fmt.Fprintf(out, "\nAgent token (shown once):\n\n  %s\n\n", token)
	return nil
}

func initAgent(out io.Writer, opts initOptions) error {
	if opts.server == "" {
		return errors.New("--server is required for an agent")
	}
	if opts.token == "" {
		return errors.New("--token is required for an agent")
	}

	ao := wizard.AgentOptions{
		Transport:   opts.transport,
		ServerAddr:  opts.server,
		Path:        "/relay",
		Token:       opts.token,
		Insecure:    opts.insecure,
		HTTPEnabled: true,
	}
	for _, spec := range opts.tunnels {
		t, err := parseTunnelFlag(spec)
		if err != nil {
			return err
		}
		ao.Tunnels = append(ao.Tunnels, t)
	}

	cfg := wizard.BuildAgentConfig(ao)
	if err := cfg.ValidateAgent(); err != nil {
		return err
	}
	if err := wizard.WriteConfig(cfg, opts.output, wizard.RoleAgent); err != nil {
		return err
	}

	fmt.Fprintf(out, "%s agent configuration written to %s (%d tunnels)\n",
		okStyle.Render("✓"), opts.output, len(ao.Tunnels))
	return nil
}

// parseTunnelFlag parses name=host:port[@remote_port].
func parseTunnelFlag(s string) (config.TunnelConfig, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok || name == "" || rest == "" {
		return config.TunnelConfig{}, fmt.Errorf("invalid tunnel %q: want name=host:port[@remote_port]", s)
	}

	t := config.TunnelConfig{Name: name, Protocol: "tcp"}
	local, remote, hasRemote := strings.Cut(rest, "@")
	if _, _, err := net.SplitHostPort(local); err != nil {
		return t, fmt.Errorf("invalid tunnel %q: %w", s, err)
	}
	t.LocalAddr = local

	if hasRemote {
		port, err := strconv.ParseUint(remote, 10, 16)
		if err != nil || port == 0 {
			return t, fmt.Errorf("invalid tunnel %q: bad remote port %q", s, remote)
		}
		t.RemotePort = uint16(port)
	}
	return t, nil
}
