package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/mjl-/adns"

	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/stub"
)

var (
	MetricLookup stub.HistogramVec = stub.HistogramVecIgnore{}
)

// Resolver is the interface StrictResolver implements. Only the lookups
// needed to connect to a relay are part of it.
type Resolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
}

// StrictResolver is a resolver that enforces that DNS names end with a dot,
// preventing "search"-relative lookups.
type StrictResolver struct {
	Pkg      string         // Name of subsystem that is making DNS requests, for metrics.
	Resolver *adns.Resolver // Where the actual lookups are done. If nil, adns.DefaultResolver is used for lookups.
	Log      *slog.Logger
}

var _ Resolver = StrictResolver{}

var ErrRelativeDNSName = errors.New("dns: host to lookup must be absolute, ending with a dot")

func (r StrictResolver) log() mlog.Log {
	pkg := r.Pkg
	if pkg == "" {
		pkg = "dns"
	}
	return mlog.New(pkg, r.Log)
}

func (r StrictResolver) resolver() *adns.Resolver {
	if r.Resolver == nil {
		return adns.DefaultResolver
	}
	return r.Resolver
}

func metricLookupObserve(pkg, typ string, err error, start time.Time) {
	var result string
	var dnsErr *adns.DNSError
	switch {
	case err == nil:
		result = "ok"
	case errors.As(err, &dnsErr) && dnsErr.IsNotFound:
		result = "nxdomain"
	case errors.As(err, &dnsErr) && dnsErr.IsTemporary:
		result = "temporary"
	case errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) || errors.As(err, &dnsErr) && dnsErr.IsTimeout:
		result = "timeout"
	case errors.Is(err, context.Canceled):
		result = "canceled"
	default:
		result = "error"
	}
	MetricLookup.ObserveLabels(float64(time.Since(start))/float64(time.Second), pkg, typ, result)
}

// If the local dns server is not running, hint at where to look.
func resolveErrorHint(err *error) {
	dnserr, ok := (*err).(*adns.DNSError)
	if !ok {
		return
	}
	if dnserr.IsTemporary && runtime.GOOS == "linux" && (dnserr.Server == "127.0.0.1:53" || dnserr.Server == "[::1]:53") && strings.HasSuffix(dnserr.Err, "connection refused") {
		*err = fmt.Errorf("%w (hint: does /etc/resolv.conf point to a running nameserver?)", *err)
	}
}

// LookupIP looks up the IPs for host, which must be an absolute name.
// Network is "ip", "ip4" or "ip6".
func (r StrictResolver) LookupIP(ctx context.Context, network, host string) (resp []net.IP, result adns.Result, err error) {
	start := time.Now()
	defer func() {
		metricLookupObserve(r.Pkg, "ip", err, start)
		r.log().WithContext(ctx).Debugx("dns lookup result", err,
			slog.String("type", "ip"),
			slog.String("network", network),
			slog.String("host", host),
			slog.Any("resp", resp),
			slog.Bool("authentic", result.Authentic),
			slog.Duration("duration", time.Since(start)),
		)
	}()
	defer resolveErrorHint(&err)

	if !strings.HasSuffix(host, ".") {
		return nil, result, ErrRelativeDNSName
	}
	resp, result, err = r.resolver().LookupIP(ctx, network, host)
	return
}

// MockResolver is a Resolver used for testing. Keys are FQDNs, with trailing
// dot.
type MockResolver struct {
	A    map[string][]string
	AAAA map[string][]string
	Fail []string // Names that return a servfail.
}

var _ Resolver = MockResolver{}

func (r MockResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, adns.Result{}, err
	}
	for _, f := range r.Fail {
		if f == host {
			return nil, adns.Result{}, &adns.DNSError{Err: "servfail", Name: host, Server: "mock", IsTemporary: true}
		}
	}
	var l []string
	if network == "ip" || network == "ip4" {
		l = append(l, r.A[host]...)
	}
	if network == "ip" || network == "ip6" {
		l = append(l, r.AAAA[host]...)
	}
	if len(l) == 0 {
		return nil, adns.Result{}, &adns.DNSError{Err: "no record", Name: host, Server: "mock", IsNotFound: true}
	}
	var ips []net.IP
	for _, s := range l {
		ip := net.ParseIP(s)
		if ip == nil {
			return nil, adns.Result{}, fmt.Errorf("bad ip %q in mock resolver", s)
		}
		ips = append(ips, ip)
	}
	return ips, adns.Result{}, nil
}
