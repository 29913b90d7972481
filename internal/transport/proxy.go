package transport

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"golang.org/x/net/proxy"
)

// contextDialer returns the dialer used for outbound TCP connections,
// routed through a SOCKS5 proxy when proxyURL is set.
func contextDialer(proxyURL string, timeout time.Duration) (proxy.ContextDialer, error) {
	base := &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
	}
	if proxyURL == "" {
		return base, nil
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("invalid proxy URL: %w", err)
	}
	switch u.Scheme {
	case "socks5", "socks5h":
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
	}

	d, err := proxy.FromURL(u, base)
	if err != nil {
		return nil, fmt.Errorf("proxy %s: %w", u.Redacted(), err)
	}
	cd, ok := d.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("proxy %s does not support contexts", u.Redacted())
	}
	return cd, nil
}

// isSOCKSProxy reports whether proxyURL names a SOCKS5 proxy.
func isSOCKSProxy(proxyURL string) bool {
	u, err := url.Parse(proxyURL)
	if err != nil {
		return false
	}
	return u.Scheme == "socks5" || u.Scheme == "socks5h"
}
