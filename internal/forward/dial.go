package forward

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// DefaultDialTimeout bounds a local dial when none is configured.
const DefaultDialTimeout = 10 * time.Second

// DialError is a failed local dial.
type DialError struct {
	Addr   string
	Reason string
	Err    error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("dial %s: %s", e.Addr, e.Reason)
}

func (e *DialError) Unwrap() error {
	return e.Err
}

// LocalDialer opens connections to the service behind a tunnel.
type LocalDialer struct {
	// Timeout bounds each dial. Zero selects DefaultDialTimeout.
	Timeout time.Duration

	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// Dial connects to addr over TCP. It never retries; failures come back
// as *DialError with a short reason suitable for a Close frame.
func (d *LocalDialer) Dial(ctx context.Context, addr string) (net.Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dial := d.dial
	if dial == nil {
		var nd net.Dialer
		dial = nd.DialContext
	}

	conn, err := dial(ctx, "tcp", addr)
	if err != nil {
		return nil, &DialError{Addr: addr, Reason: dialReason(err), Err: err}
	}
	return conn, nil
}

// dialReason maps a dial error to a short description.
func dialReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "connection timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "connection timed out"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection refused"
	case errors.Is(err, syscall.EHOSTUNREACH), errors.Is(err, syscall.ENETUNREACH):
		return "host unreachable"
	}

	errLower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errLower, "refused"):
		return "connection refused"
	case strings.Contains(errLower, "unreachable"):
		return "host unreachable"
	case strings.Contains(errLower, "no such host"):
		return "unknown host"
	}
	return "dial failed"
}
