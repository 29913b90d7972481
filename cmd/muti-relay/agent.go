package main

import (
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/agent"
	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/transport"
)

func agentCmd() *cobra.Command {
	var (
		configPath string
		quiet      bool
	)

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the agent next to the local services",
		Long:  "Connect to the relay, publish the configured tunnels and keep the session alive.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, (*config.Config).ValidateAgent)
			if err != nil {
				return err
			}
			var out io.Writer = cmd.OutOrStdout()
			if quiet {
				out = io.Discard
			}
			return runAgent(cfg, out)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print tunnel events to stdout")

	return cmd
}

func runAgent(cfg *config.Config, out io.Writer) error {
	logger := newLogger(cfg)

	tr, dialOpts, err := agentTransport(cfg.Agent.Server)
	if err != nil {
		return err
	}
	defer tr.Close()

	m, gatherer := newMetrics()
	ctrl, err := agent.NewController(agent.Config{
		ServerAddr:       cfg.Agent.Server.Address,
		Transport:        tr,
		DialOptions:      dialOpts,
		Token:            cfg.Agent.Token,
		ClientID:         cfg.Agent.ClientID,
		Tunnels:          agentTunnels(cfg.Agent.Tunnels),
		HandshakeTimeout: cfg.Agent.Server.Timeout,
		DialTimeout:      cfg.Agent.DialTimeout,
		IdleTimeout:      cfg.Agent.IdleTimeout,
		WindowSize:       uint32(cfg.Mux.WindowSize),
		MaxPayload:       int(cfg.Mux.MaxPayload),
		Heartbeat:        heartbeatConfig(cfg, logger),
		Reconnect: agent.ReconnectConfig{
			InitialDelay: cfg.Agent.Reconnect.InitialDelay,
			MaxDelay:     cfg.Agent.Reconnect.MaxDelay,
			Multiplier:   cfg.Agent.Reconnect.Multiplier,
			Jitter:       cfg.Agent.Reconnect.Jitter,
			MaxRetries:   cfg.Agent.Reconnect.MaxRetries,
		},
		Metrics: m,
		Logger:  logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	hs, err := startHealth(cfg.HTTP, ctrl, gatherer, logger)
	if err != nil {
		return err
	}
	if hs != nil {
		defer hs.Stop()
	}

	ctx, stop := signalContext()
	defer stop()

	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for ev := range ctrl.Events() {
			printEvent(out, cfg.Agent.Server.Address, ev)
		}
	}()

	logger.Info("agent starting",
		logging.KeyClientID, ctrl.ClientID(),
		logging.KeyAddress, cfg.Agent.Server.Address,
		"tunnels", len(cfg.Agent.Tunnels),
		"version", Version)

	err = ctrl.Run(ctx)
	<-printed
	if err != nil {
		return err
	}
	logger.Info("agent stopped")
	return nil
}

// agentTransport builds the transport and dial options for the relay.
func agentTransport(sc config.ServerConfig) (transport.Transport, transport.DialOptions, error) {
	opts := transport.DefaultDialOptions()

	tt, ok := transport.ParseTransportType(sc.Transport)
	if !ok {
		return nil, opts, fmt.Errorf("unknown transport %q", sc.Transport)
	}
	tr, _ := transport.New(tt)

	if sc.Timeout > 0 {
		opts.Timeout = sc.Timeout
	}
	opts.ProxyURL = sc.Proxy
	opts.Path = sc.Path
	opts.InsecureSkipVerify = sc.TLS.InsecureSkipVerify

	tlsCfg, err := transport.LoadClientTLSConfig(sc.TLS.CA, sc.TLS.ServerName, sc.TLS.InsecureSkipVerify)
	if err != nil {
		return nil, opts, err
	}
	if sc.TLS.Cert != "" {
		tlsCfg, err = transport.WithClientCertificate(tlsCfg, sc.TLS.Cert, sc.TLS.Key)
		if err != nil {
			return nil, opts, err
		}
	}
	opts.TLSConfig = tlsCfg

	return tr, opts, nil
}

func agentTunnels(in []config.TunnelConfig) []agent.TunnelConfig {
	out := make([]agent.TunnelConfig, 0, len(in))
	for _, t := range in {
		out = append(out, agent.TunnelConfig{
			Name:       t.Name,
			LocalAddr:  t.LocalAddr,
			RemotePort: t.RemotePort,
			Protocol:   t.Protocol,
		})
	}
	return out
}

var (
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// printEvent renders the events a user running the agent cares about.
func printEvent(w io.Writer, server string, ev agent.Event) {
	if w == io.Discard {
		return
	}
	ts := dimStyle.Render(ev.Time.Format("15:04:05"))

	switch ev.Type {
	case agent.EventConnected:
		fmt.Fprintf(w, "%s %s connected to %s\n", ts, okStyle.Render("✓"), server)
	case agent.EventTunnelRegistered:
		t := ev.Tunnel
		fmt.Fprintf(w, "%s %s %s %s -> %s\n", ts, okStyle.Render("✓"), t.Name,
			t.LocalAddr, publicAddr(server, t.RemotePort))
	case agent.EventTunnelFailed:
		t := ev.Tunnel
		msg := t.CodeName()
		if t.Message != "" {
			msg += ": " + t.Message
		}
		fmt.Fprintf(w, "%s %s %s %s\n", ts, failStyle.Render("✗"), t.Name, msg)
	case agent.EventDisconnected:
		if ev.Err != nil {
			fmt.Fprintf(w, "%s %s disconnected: %v\n", ts, failStyle.Render("✗"), ev.Err)
		}
	case agent.EventReconnecting:
		fmt.Fprintf(w, "%s %s reconnecting in %s (attempt %d)\n", ts,
			dimStyle.Render("…"), ev.Delay.Round(time.Millisecond), ev.Attempt)
	}
}

// publicAddr renders the relay host with a tunnel's public port.
func publicAddr(server string, port uint16) string {
	host := relayHost(server)
	if host == "" {
		return strconv.Itoa(int(port))
	}
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

// relayHost extracts the host from a host:port or URL server address.
func relayHost(server string) string {
	if u, err := url.Parse(server); err == nil && u.Host != "" {
		return u.Hostname()
	}
	if host, _, err := net.SplitHostPort(server); err == nil {
		return host
	}
	return server
}
