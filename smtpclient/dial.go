package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/mjl-/smtpsubmit/dns"
	"github.com/mjl-/smtpsubmit/mlog"
)

// DialHook can be used during tests to override the regular dialer from being used.
var DialHook func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error)

func dial(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
	if DialHook != nil {
		return DialHook(ctx, dialer, timeout, addr)
	}

	// If this is a net.Dialer, use its settings and add the timeout.
	// This is the typical case, but a SOCKS5 proxy can use a different dialer.
	if d, ok := dialer.(*net.Dialer); ok {
		nd := *d
		nd.Timeout = timeout
		return nd.DialContext(ctx, "tcp", addr)
	}
	return dialer.DialContext(ctx, "tcp", addr)
}

// Dialer is used to dial mail servers, an interface to facilitate testing.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (c net.Conn, err error)
}

// DialStream resolves host with resolver and connects to port, trying each IP
// address in turn until one succeeds. All of this, including an optional
// TLS handshake, must finish within timeout, which is also used for later reads
// and writes on the stream.
//
// If implicitTLS is non-nil, the TLS handshake is done immediately after
// connecting, as for submission on port 465.
func DialStream(ctx context.Context, elog *slog.Logger, resolver dns.Resolver, dialer Dialer, host dns.IPDomain, port int, timeout time.Duration, implicitTLS *tls.Config) (*Stream, error) {
	log := mlog.New("smtpclient", elog)
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var ips []net.IP
	if host.IsIP() {
		ips = []net.IP{host.IP}
	} else {
		var err error
		ips, _, err = resolver.LookupIP(ctx, "ip", host.Domain.ASCII+".")
		if err != nil {
			return nil, Error{Kind: KindIO, Err: fmt.Errorf("resolving %s: %w", host, err)}
		}
		if len(ips) == 0 {
			return nil, Error{Kind: KindIO, Err: fmt.Errorf("resolving %s: no ip addresses", host)}
		}
	}

	// Each attempt gets an equal share of the time.
	attemptTimeout := timeout / time.Duration(len(ips))

	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		log.Debug("dialing host", slog.String("addr", addr))
		conn, err := dial(ctx, dialer, attemptTimeout, addr)
		if err != nil {
			log.Debugx("connection attempt", err, slog.Any("host", host), slog.String("addr", addr))
			lastErr = err
			continue
		}
		log.Debug("connected to host", slog.Any("host", host), slog.String("addr", addr))

		s := newStream(elog, conn, timeout)
		s.host = host
		if implicitTLS != nil {
			if err := s.UpgradeTLS(ctx, implicitTLS); err != nil {
				return nil, err
			}
		}
		return s, nil
	}
	return nil, Error{Kind: KindIO, Err: fmt.Errorf("dialing %s: %w", host, lastErr)}
}
