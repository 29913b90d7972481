package agent

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/muti-relay/internal/auth"
	"github.com/postalsys/muti-relay/internal/liveness"
	"github.com/postalsys/muti-relay/internal/metrics"
	"github.com/postalsys/muti-relay/internal/protocol"
	"github.com/postalsys/muti-relay/internal/registry"
	"github.com/postalsys/muti-relay/internal/relay"
	"github.com/postalsys/muti-relay/internal/transport"
)

const testToken = "agent-test-token"

// pipeConn adapts one end of net.Pipe to transport.Conn.
type pipeConn struct {
	net.Conn
}

func (c pipeConn) Handshake(context.Context) error { return nil }

func (c pipeConn) Peer() transport.PeerInfo {
	return transport.PeerInfo{Addr: c.RemoteAddr().String()}
}

func (c pipeConn) TransportType() transport.TransportType { return transport.TransportTCP }

// relayTransport dials an in-process relay over net.Pipe.
type relayTransport struct {
	srv *relay.Server

	mu       sync.Mutex
	failNext int
	dials    int
	current  net.Conn
}

func (tr *relayTransport) Dial(ctx context.Context, addr string, opts transport.DialOptions) (transport.Conn, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()

	tr.dials++
	if tr.failNext > 0 {
		tr.failNext--
		return nil, errors.New("connection refused")
	}

	server, client := net.Pipe()
	go tr.srv.ServeConn(context.Background(), pipeConn{server})
	tr.current = client
	return pipeConn{client}, nil
}

func (tr *relayTransport) Listen(addr string, opts transport.ListenOptions) (transport.Listener, error) {
	return nil, errors.New("not supported")
}

func (tr *relayTransport) Type() transport.TransportType { return transport.TransportTCP }

func (tr *relayTransport) Close() error { return nil }

func (tr *relayTransport) dialCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.dials
}

// kill drops the current connection as a network failure would.
func (tr *relayTransport) kill() {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.current != nil {
		tr.current.Close()
	}
}

// freePortRange finds n consecutive bindable ports on 127.0.0.1.
func freePortRange(t *testing.T, n int) registry.PortRange {
	t.Helper()
	for i := 0; i < 50; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			t.Fatalf("listen: %v", err)
		}
		base := ln.Addr().(*net.TCPAddr).Port
		ln.Close()
		if base+n > 65535 {
			continue
		}

		ok := true
		for p := base; p < base+n; p++ {
			ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(p)))
			if err != nil {
				ok = false
				break
			}
			ln.Close()
		}
		if ok {
			return registry.PortRange{Min: uint16(base), Max: uint16(base + n - 1)}
		}
	}
	t.Skip("no free port range available")
	return registry.PortRange{}
}

type testRelay struct {
	srv   *relay.Server
	reg   *registry.Registry
	ports registry.PortRange
	tr    *relayTransport
}

func newTestRelay(t *testing.T, ports int) *testRelay {
	t.Helper()

	store, err := auth.NewStaticStore([]auth.TokenRecord{{Name: "default", Token: testToken}})
	if err != nil {
		t.Fatalf("NewStaticStore() error = %v", err)
	}

	r := &testRelay{ports: freePortRange(t, ports)}
	r.reg = registry.New(registry.Config{Ports: r.ports, AllowFixedPorts: true})
	r.srv, err = relay.NewServer(relay.Config{
		Authenticator:    auth.NewAuthenticator(store),
		Registry:         r.reg,
		BindHost:         "127.0.0.1",
		HandshakeTimeout: 2 * time.Second,
		OpenTimeout:      2 * time.Second,
		Heartbeat:        liveness.Config{Interval: 100 * time.Millisecond, Timeout: 40 * time.Millisecond},
		Metrics:          metrics.NewMetricsWithRegistry(prometheus.NewRegistry()),
	})
	if err != nil {
		t.Fatalf("NewServer() error = %v", err)
	}
	r.tr = &relayTransport{srv: r.srv}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.srv.Shutdown(ctx)
	})
	return r
}

func (r *testRelay) config(tunnels ...TunnelConfig) Config {
	return Config{
		ServerAddr:  "relay.test:8443",
		Transport:   r.tr,
		Token:       testToken,
		ClientID:    "agent-1",
		Tunnels:     tunnels,
		DialTimeout: time.Second,
		Reconnect: ReconnectConfig{
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     time.Second,
			Multiplier:   2,
			Jitter:       0.5,
		},
	}
}

// startEcho runs a local echo service and returns its address.
func startEcho(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return ln.Addr().String()
}

// deadAddr returns an address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) of(typ EventType) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// runSession starts s and returns a stop function yielding Run's error.
func runSession(t *testing.T, s *Session) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()

	var once sync.Once
	var err error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case err = <-errc:
			case <-time.After(5 * time.Second):
				t.Error("session did not stop")
			}
		})
		return err
	}
	t.Cleanup(func() { stop() })
	return stop
}

func tunnelByName(s *Session, name string) TunnelStatus {
	for _, ts := range s.Tunnels() {
		if ts.Name == name {
			return ts
		}
	}
	return TunnelStatus{}
}

func echoThrough(t *testing.T, port uint16, msg string) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), 2*time.Second)
	if err != nil {
		t.Fatalf("dial public port %d: %v", port, err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(buf) != msg {
		t.Errorf("echo = %q, want %q", buf, msg)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	tr := &relayTransport{}
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "no transport", cfg: Config{ServerAddr: "r:1", Token: "t"}, wantErr: true},
		{name: "no server", cfg: Config{Transport: tr, Token: "t"}, wantErr: true},
		{name: "no token", cfg: Config{Transport: tr, ServerAddr: "r:1"}, wantErr: true},
		{
			name:    "tunnel without local address",
			cfg:     Config{Transport: tr, ServerAddr: "r:1", Token: "t", Tunnels: []TunnelConfig{{Name: "web"}}},
			wantErr: true,
		},
		{
			name: "duplicate tunnel names",
			cfg: Config{Transport: tr, ServerAddr: "r:1", Token: "t", Tunnels: []TunnelConfig{
				{Name: "web", LocalAddr: "127.0.0.1:80"},
				{Name: "web", LocalAddr: "127.0.0.1:81"},
			}},
			wantErr: true,
		},
		{
			name: "minimal",
			cfg: Config{Transport: tr, ServerAddr: "r:1", Token: "t", Tunnels: []TunnelConfig{
				{LocalAddr: "127.0.0.1:80"},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cfg.withDefaults()
			if (err != nil) != tt.wantErr {
				t.Fatalf("withDefaults() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if got.ClientID == "" {
				t.Error("ClientID should default to a generated ID")
			}
			if got.Tunnels[0].Name != "tunnel-1" || got.Tunnels[0].Protocol != protocol.ProtocolTCP {
				t.Errorf("tunnel defaults = %+v", got.Tunnels[0])
			}
			if got.Reconnect != DefaultReconnectConfig() {
				t.Errorf("Reconnect = %+v, want defaults", got.Reconnect)
			}
			if got.WindowSize != protocol.DefaultWindowSize {
				t.Errorf("WindowSize = %d", got.WindowSize)
			}
		})
	}
}

func TestConfig_WithDefaultsReconnect(t *testing.T) {
	def := DefaultReconnectConfig()
	tests := []struct {
		name string
		in   ReconnectConfig
		want ReconnectConfig
	}{
		{name: "unset", in: ReconnectConfig{}, want: def},
		{
			name: "partial keeps explicit zero jitter",
			in:   ReconnectConfig{InitialDelay: 2 * time.Second},
			want: ReconnectConfig{InitialDelay: 2 * time.Second, MaxDelay: def.MaxDelay, Multiplier: def.Multiplier},
		},
		{
			name: "retries only",
			in:   ReconnectConfig{MaxRetries: 3},
			want: ReconnectConfig{InitialDelay: def.InitialDelay, MaxDelay: def.MaxDelay, Multiplier: def.Multiplier, MaxRetries: 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Transport: &relayTransport{}, ServerAddr: "r:1", Token: "t", Reconnect: tt.in}
			got, err := cfg.withDefaults()
			if err != nil {
				t.Fatalf("withDefaults() error = %v", err)
			}
			if got.Reconnect != tt.want {
				t.Errorf("Reconnect = %+v, want %+v", got.Reconnect, tt.want)
			}
		})
	}
}

func TestAuthError_Permanent(t *testing.T) {
	tests := []struct {
		code uint16
		want bool
	}{
		{protocol.CodeInvalidToken, true},
		{protocol.CodeInvalidClientID, true},
		{protocol.CodeProtocolVersionMismatch, true},
		{protocol.CodeTooManyClients, false},
		{protocol.CodeInternal, false},
	}
	for _, tt := range tests {
		t.Run(protocol.CodeName(tt.code), func(t *testing.T) {
			err := &AuthError{Code: tt.code}
			if got := err.Permanent(); got != tt.want {
				t.Errorf("Permanent() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateAuthenticating, "authenticating"},
		{StateRegistering, "registering"},
		{StateConnected, "connected"},
		{State(42), "State(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int32(tt.state), got, tt.want)
		}
	}
	var st State
	if err := st.UnmarshalText([]byte("registering")); err != nil || st != StateRegistering {
		t.Errorf("UnmarshalText(registering) = %v, %v", st, err)
	}
	if err := st.UnmarshalText([]byte("bogus")); err == nil {
		t.Error("UnmarshalText(bogus) should fail")
	}
	if got := EventTunnelFailed.String(); got != "tunnel_failed" {
		t.Errorf("EventTunnelFailed.String() = %q", got)
	}
}

func TestSession_RegistersTunnels(t *testing.T) {
	r := newTestRelay(t, 3)
	var log eventLog

	cfg := r.config(
		TunnelConfig{Name: "web", LocalAddr: startEcho(t)},
		TunnelConfig{Name: "outside", LocalAddr: "127.0.0.1:9", RemotePort: r.ports.Max + 1},
	)
	cfg.OnEvent = log.record
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	runSession(t, s)

	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	web := tunnelByName(s, "web")
	if web.State != TunnelActive || web.RemotePort < r.ports.Min || web.RemotePort > r.ports.Max {
		t.Errorf("web = %+v", web)
	}
	outside := tunnelByName(s, "outside")
	if outside.State != TunnelFailed || outside.Code != protocol.CodePortNotAllowed {
		t.Errorf("outside = %+v", outside)
	}
	if !s.Established() {
		t.Error("Established() = false after all tunnels answered")
	}

	if got := log.of(EventTunnelRegistered); len(got) != 1 || got[0].Tunnel.Name != "web" {
		t.Errorf("registered events = %+v", got)
	}
	if got := log.of(EventTunnelFailed); len(got) != 1 || got[0].Tunnel.CodeName() != "PORT_NOT_ALLOWED" {
		t.Errorf("failed events = %+v", got)
	}
	if got := log.of(EventConnected); len(got) != 1 {
		t.Errorf("connected events = %d, want 1", len(got))
	}
	if n := r.srv.Snapshot().TunnelCount; n != 1 {
		t.Errorf("relay tunnels = %d, want 1", n)
	}
}

func TestSession_ForwardsToLocalService(t *testing.T) {
	r := newTestRelay(t, 2)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	cfg := r.config(TunnelConfig{Name: "web", LocalAddr: startEcho(t)})
	cfg.Metrics = m
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}
	runSession(t, s)
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	port := tunnelByName(s, "web").RemotePort
	echoThrough(t, port, "first connection")
	echoThrough(t, port, "second connection")

	waitFor(t, "streams drained", func() bool { return s.NumStreams() == 0 })
	if got := testutil.ToFloat64(m.StreamsOpened); got != 2 {
		t.Errorf("streams opened = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AgentConnected); got != 1 {
		t.Errorf("agent connected gauge = %v, want 1", got)
	}
}

func TestSession_LocalDialFailureClosesExternalConnection(t *testing.T) {
	r := newTestRelay(t, 1)
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	cfg := r.config(TunnelConfig{Name: "down", LocalAddr: deadAddr(t)})
	cfg.Metrics = m
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}
	runSession(t, s)
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	port := tunnelByName(s, "down").RemotePort
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))), 2*time.Second)
	if err != nil {
		t.Fatalf("dial public port: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(make([]byte, 1))
	if n != 0 || err == nil {
		t.Fatalf("Read() = %d, %v; want closed connection", n, err)
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		t.Fatal("external connection left open")
	}

	if got := testutil.ToFloat64(m.StreamErrors.WithLabelValues("DIAL_FAILED")); got != 1 {
		t.Errorf("DIAL_FAILED errors = %v, want 1", got)
	}
	if s.State() != StateConnected {
		t.Errorf("State() = %v, session should survive a failed stream", s.State())
	}
}

func TestSession_Unregister(t *testing.T) {
	r := newTestRelay(t, 2)
	s, err := NewSession(r.config(TunnelConfig{Name: "web", LocalAddr: startEcho(t)}))
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Unregister("web"); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Unregister() before Run error = %v, want ErrNotConnected", err)
	}

	runSession(t, s)
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	if err := s.Unregister("web"); err != nil {
		t.Fatalf("Unregister() error = %v", err)
	}
	if got := tunnelByName(s, "web").State; got != TunnelClosed {
		t.Errorf("tunnel state = %v, want closed", got)
	}
	waitFor(t, "relay tunnel removed", func() bool { return r.srv.Snapshot().TunnelCount == 0 })

	if err := s.Unregister("web"); !errors.Is(err, ErrUnknownTunnel) {
		t.Errorf("second Unregister() error = %v, want ErrUnknownTunnel", err)
	}
}

func TestSession_EndsWhenRelayShutsDown(t *testing.T) {
	r := newTestRelay(t, 1)
	var log eventLog
	cfg := r.config(TunnelConfig{Name: "web", LocalAddr: startEcho(t)})
	cfg.OnEvent = log.record

	s, err := NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	waitFor(t, "connected", func() bool { return s.State() == StateConnected })

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := r.srv.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	select {
	case err := <-errc:
		if err == nil {
			t.Error("Run() returned nil after the relay went away")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("session did not notice the relay shutting down")
	}

	if s.State() != StateDisconnected {
		t.Errorf("State() = %v, want disconnected", s.State())
	}
	if got := tunnelByName(s, "web").State; got != TunnelClosed {
		t.Errorf("tunnel state = %v, want closed", got)
	}
	if got := log.of(EventDisconnected); len(got) != 1 || got[0].Err == nil {
		t.Errorf("disconnected events = %+v", got)
	}
	if err := s.Run(context.Background()); err == nil {
		t.Error("second Run() should fail")
	}
}

func TestSession_AuthRejected(t *testing.T) {
	r := newTestRelay(t, 1)
	cfg := r.config()
	cfg.Token = "wrong"
	s, err := NewSession(cfg)
	if err != nil {
		t.Fatal(err)
	}

	err = s.Run(context.Background())
	var aerr *AuthError
	if !errors.As(err, &aerr) {
		t.Fatalf("Run() error = %v, want AuthError", err)
	}
	if aerr.Code != protocol.CodeInvalidToken {
		t.Errorf("code = %s, want INVALID_TOKEN", protocol.CodeName(aerr.Code))
	}
	if s.Established() {
		t.Error("rejected session should not be established")
	}
}

// runController starts c and returns a channel with Run's result.
func runController(ctx context.Context, c *Controller) <-chan error {
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()
	return errc
}

func TestController_BacksOffThenConnects(t *testing.T) {
	r := newTestRelay(t, 2)
	r.tr.failNext = 3
	var log eventLog

	cfg := r.config(TunnelConfig{Name: "web", LocalAddr: startEcho(t)})
	cfg.OnEvent = log.record
	c, err := NewController(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := runController(ctx, c)

	waitFor(t, "connected", func() bool { return c.IsRunning() })
	if got := r.tr.dialCount(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}

	reconnects := log.of(EventReconnecting)
	if len(reconnects) != 3 {
		t.Fatalf("reconnecting events = %d, want 3", len(reconnects))
	}
	for i := 1; i < len(reconnects); i++ {
		if reconnects[i].Delay <= reconnects[i-1].Delay {
			t.Errorf("delay %d = %v, not above %v", i, reconnects[i].Delay, reconnects[i-1].Delay)
		}
		if reconnects[i].Attempt != i+1 {
			t.Errorf("attempt = %d, want %d", reconnects[i].Attempt, i+1)
		}
	}

	st := c.Status().(Status)
	if st.State != StateConnected || st.Attempts != 4 || len(st.Tunnels) != 1 || st.LastError == "" {
		t.Errorf("Status() = %+v", st)
	}
	if stats := c.Stats(); stats.Role != "agent" || stats.Sessions != 1 || stats.Tunnels != 1 {
		t.Errorf("Stats() = %+v", stats)
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("controller did not stop")
	}
	for range c.Events() {
	}
	if c.IsRunning() {
		t.Error("IsRunning() after Run returned")
	}
}

func TestController_ReconnectsAfterSessionLoss(t *testing.T) {
	r := newTestRelay(t, 4)
	var log eventLog

	cfg := r.config(TunnelConfig{Name: "web", LocalAddr: startEcho(t)})
	cfg.OnEvent = log.record
	c, err := NewController(cfg)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runController(ctx, c)
	waitFor(t, "connected", func() bool { return c.IsRunning() })
	first := c.Session()

	r.tr.kill()

	waitFor(t, "reconnected", func() bool {
		s := c.Session()
		return s != first && c.IsRunning()
	})

	reconnects := log.of(EventReconnecting)
	if len(reconnects) == 0 {
		t.Fatal("no reconnecting event")
	}
	if reconnects[0].Attempt != 1 {
		t.Errorf("attempt after an established session = %d, want 1", reconnects[0].Attempt)
	}
	if limit := cfg.Reconnect.InitialDelay * 3 / 2; reconnects[0].Delay > limit {
		t.Errorf("delay = %v, want at most %v", reconnects[0].Delay, limit)
	}

	web := tunnelByName(c.Session(), "web")
	if web.State != TunnelActive {
		t.Fatalf("tunnel after reconnect = %+v", web)
	}
	echoThrough(t, web.RemotePort, "after reconnect")

	if got := tunnelByName(first, "web").State; got != TunnelClosed {
		t.Errorf("old session tunnel = %v, want closed", got)
	}
	waitFor(t, "old relay session gone", func() bool { return len(r.srv.Snapshot().Sessions) == 1 })
}

func TestController_PermanentAuthFailureStops(t *testing.T) {
	r := newTestRelay(t, 1)
	cfg := r.config()
	cfg.Token = "wrong"
	c, err := NewController(cfg)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-runController(context.Background(), c):
		var aerr *AuthError
		if !errors.As(err, &aerr) || !aerr.Permanent() {
			t.Fatalf("Run() error = %v, want permanent AuthError", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("controller kept retrying a rejected token")
	}
	if got := r.tr.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestController_MaxRetries(t *testing.T) {
	r := newTestRelay(t, 1)
	r.tr.failNext = 100

	cfg := r.config()
	cfg.Reconnect.MaxRetries = 2
	c, err := NewController(cfg)
	if err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-runController(context.Background(), c):
		if !errors.Is(err, ErrRetriesExhausted) {
			t.Fatalf("Run() error = %v, want ErrRetriesExhausted", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("controller ignored MaxRetries")
	}
	if got := r.tr.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
	if err := c.Run(context.Background()); err == nil {
		t.Error("second Run() should fail")
	}
}

func TestReconnectBackoff_Next(t *testing.T) {
	cfg := ReconnectConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
		Jitter:       0.5,
	}

	tests := []struct {
		name string
		rnd  float64
		want []time.Duration
	}{
		{
			name: "no jitter",
			rnd:  0,
			want: []time.Duration{100, 200, 400, 800, 1000, 1000},
		},
		{
			name: "full jitter",
			rnd:  1,
			want: []time.Duration{150, 300, 600, 1000, 1000},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bo := newReconnectBackoff(cfg)
			bo.rnd = func() float64 { return tt.rnd }
			for i, w := range tt.want {
				if got := bo.Next(); got != w*time.Millisecond {
					t.Errorf("Next() #%d = %v, want %v", i, got, w*time.Millisecond)
				}
			}

			bo.Reset()
			if got, first := bo.Next(), tt.want[0]*time.Millisecond; got != first {
				t.Errorf("Next() after Reset = %v, want %v", got, first)
			}
		})
	}
}

func TestReconnectBackoff_JitterClamped(t *testing.T) {
	bo := newReconnectBackoff(ReconnectConfig{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Hour,
		Multiplier:   1.5,
		Jitter:       3,
	})
	if bo.jitter != 0.5 {
		t.Fatalf("jitter = %v, want 0.5", bo.jitter)
	}

	prev := time.Duration(0)
	for i := 0; i < 20; i++ {
		d := bo.Next()
		if d <= prev {
			t.Fatalf("Next() #%d = %v, not above %v", i, d, prev)
		}
		prev = d
	}
}
