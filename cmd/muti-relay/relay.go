package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/spf13/cobra"

	"github.com/postalsys/muti-relay/internal/auth"
	"github.com/postalsys/muti-relay/internal/config"
	"github.com/postalsys/muti-relay/internal/logging"
	"github.com/postalsys/muti-relay/internal/registry"
	"github.com/postalsys/muti-relay/internal/relay"
	"github.com/postalsys/muti-relay/internal/transport"
)

func relayCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the public relay",
		Long:  "Accept agent sessions on the configured listeners and publish their tunnels.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configPath, (*config.Config).ValidateRelay)
			if err != nil {
				return err
			}
			return runRelay(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func runRelay(cfg *config.Config) error {
	logger := newLogger(cfg)

	store, closeStore, err := buildTokenStore(cfg.Relay)
	if err != nil {
		return err
	}
	defer closeStore()

	lo, hi, err := config.ParsePortRange(cfg.Relay.PortRange)
	if err != nil {
		return err
	}
	reg := registry.New(registry.Config{
		Ports:           registry.PortRange{Min: lo, Max: hi},
		AllowFixedPorts: cfg.Relay.AllowFixedPorts,
		BusyCooldown:    cfg.Relay.BusyPortCooldown,
		Logger:          logger,
	})

	m, gatherer := newMetrics()
	srv, err := relay.NewServer(relay.Config{
		Authenticator:    auth.NewAuthenticator(store),
		Registry:         reg,
		BindHost:         cfg.Relay.BindHost,
		HandshakeTimeout: cfg.Relay.HandshakeTimeout,
		OpenTimeout:      cfg.Relay.OpenTimeout,
		IdleTimeout:      cfg.Relay.IdleTimeout,
		MaxSessions:      cfg.Relay.MaxSessions,
		WindowSize:       uint32(cfg.Mux.WindowSize),
		MaxPayload:       int(cfg.Mux.MaxPayload),
		Heartbeat:        heartbeatConfig(cfg, logger),
		Version:          Version,
		Metrics:          m,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	var transports []transport.Transport
	defer func() {
		for _, tr := range transports {
			tr.Close()
		}
	}()

	var listeners []transport.Listener
	for _, lc := range cfg.Relay.Listeners {
		tr, ln, err := openListener(lc, cfg.Relay.MaxSessions)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return err
		}
		transports = append(transports, tr)
		listeners = append(listeners, ln)
		logger.Info("listening for agents",
			logging.KeyTransport, lc.Transport,
			logging.KeyAddress, ln.Addr().String())
	}

	hs, err := startHealth(cfg.HTTP, srv, gatherer, logger)
	if err != nil {
		for _, l := range listeners {
			l.Close()
		}
		return err
	}
	if hs != nil {
		defer hs.Stop()
	}

	ctx, stop := signalContext()
	defer stop()

	logger.Info("relay started",
		"port_range", cfg.Relay.PortRange,
		"tokens", len(cfg.Relay.Tokens),
		"version", Version)

	var wg sync.WaitGroup
	errc := make(chan error, len(listeners))
	for _, ln := range listeners {
		wg.Add(1)
		go func(ln transport.Listener) {
			defer wg.Done()
			if err := srv.Serve(ctx, ln); err != nil && !errors.Is(err, relay.ErrServerClosed) && !errors.Is(err, context.Canceled) {
				errc <- err
			}
		}(ln)
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case runErr = <-errc:
		logger.Error("listener failed", logging.KeyError, runErr)
	}

	return shutdownRelay(srv, &wg, logger, runErr)
}

func shutdownRelay(srv *relay.Server, wg *sync.WaitGroup, logger *slog.Logger, runErr error) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("shutdown incomplete", logging.KeyError, err)
		if runErr == nil {
			runErr = err
		}
	}
	wg.Wait()
	logger.Info("relay stopped")
	return runErr
}

// openListener starts one control listener. Plain-text listeners are only
// valid for ws behind a TLS-terminating proxy.
func openListener(lc config.ListenerConfig, maxSessions int) (transport.Transport, transport.Listener, error) {
	tt, ok := transport.ParseTransportType(lc.Transport)
	if !ok {
		return nil, nil, fmt.Errorf("unknown transport %q", lc.Transport)
	}
	tr, _ := transport.New(tt)

	opts := transport.ListenOptions{
		Path:      lc.Path,
		PlainText: lc.PlainText,
	}
	// Sockets still handshaking count too, so over-limit agents can be
	// told TOO_MANY_CLIENTS instead of waiting in the accept queue.
	if maxSessions > 0 {
		opts.MaxConns = 2 * maxSessions
	}
	if !lc.PlainText {
		tlsCfg, err := transport.LoadServerTLSConfig(lc.TLS.Cert, lc.TLS.Key, lc.TLS.ClientCA)
		if err != nil {
			return nil, nil, fmt.Errorf("listener %s: %w", lc.Address, err)
		}
		opts.TLSConfig = tlsCfg
	}

	ln, err := tr.Listen(lc.Address, opts)
	if err != nil {
		tr.Close()
		return nil, nil, fmt.Errorf("listen %s %s: %w", lc.Transport, lc.Address, err)
	}
	return tr, ln, nil
}

// buildTokenStore combines the tokens from the file with the sqlite store.
// File tokens are consulted first.
func buildTokenStore(rc config.RelayConfig) (auth.TokenStore, func(), error) {
	var chain auth.ChainStore
	closer := func() {}

	if len(rc.Tokens) > 0 {
		records := make([]auth.TokenRecord, 0, len(rc.Tokens))
		for _, t := range rc.Tokens {
			records = append(records, tokenRecord(t))
		}
		static, err := auth.NewStaticStore(records)
		if err != nil {
			return nil, closer, err
		}
		chain = append(chain, static)
	}

	if rc.TokenDB != "" {
		db, err := auth.OpenSQLStore(rc.TokenDB)
		if err != nil {
			return nil, closer, err
		}
		chain = append(chain, db)
		closer = func() { db.Close() }
	}

	return chain, closer, nil
}

func tokenRecord(t config.TokenConfig) auth.TokenRecord {
	return auth.TokenRecord{
		Name:                    t.Name,
		Token:                   t.Token,
		TokenHash:               t.TokenHash,
		MaxClients:              t.MaxClients,
		MaxTunnelsPerClient:     t.MaxTunnelsPerClient,
		MaxConnectionsPerTunnel: t.MaxConnectionsPerTunnel,
		MaxBandwidth:            int64(t.MaxBandwidth),
	}
}
