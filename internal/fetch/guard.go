package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// ErrBlockedHost is returned when a request would reach a private or
// link-local address. Never retried.
var ErrBlockedHost = errors.New("blocked host")

// blockedIP reports whether ip falls in a range outbound requests must
// never reach: loopback, RFC 1918 private, link-local, or unspecified.
func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified()
}

// guardedDialContext resolves the host itself, rejects any blocked
// address, and dials only the vetted IPs. The dialer's Control hook
// re-checks the final connection target so a racing re-resolution cannot
// slip a private address through.
func guardedDialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("resolve %s: no addresses", host)
	}
	for _, ip := range ips {
		if blockedIP(ip.IP) {
			return nil, fmt.Errorf("%w: %s resolves to %s", ErrBlockedHost, host, ip.IP)
		}
	}

	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, c syscall.RawConn) error {
			connHost, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(connHost); ip != nil && blockedIP(ip) {
				return fmt.Errorf("%w: connection target %s", ErrBlockedHost, ip)
			}
			return nil
		},
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.IP.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// NewGuardedTransport returns an HTTP transport whose every connection
// passes the private-address guard.
func NewGuardedTransport() *http.Transport {
	return &http.Transport{
		DialContext:           guardedDialContext,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}
