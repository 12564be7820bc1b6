// Package transport submits messages to a single relay, taking care of dialing,
// TLS, authentication and optionally connection reuse through a pool.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/mjl-/smtpsubmit/dns"
	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/sasl"
	"github.com/mjl-/smtpsubmit/smtp"
	"github.com/mjl-/smtpsubmit/smtpclient"
	"github.com/mjl-/smtpsubmit/smtppool"
	"github.com/mjl-/smtpsubmit/stub"
)

var (
	MetricSubmit stub.CounterVec = stub.CounterVecIgnore{} // Label "result": ok, transient, permanent, error.
)

// TLSMode indicates if and how TLS is used for the connection.
type TLSMode string

const (
	TLSNone          TLSMode = "none"          // Plain text, even if STARTTLS is advertised.
	TLSWrapper       TLSMode = "wrapper"       // Implicit TLS, directly after connecting, typically port 465.
	TLSOpportunistic TLSMode = "opportunistic" // STARTTLS if the server advertises it, plain text otherwise.
	TLSRequired      TLSMode = "required"      // STARTTLS, failing if the server does not advertise it.
)

// ParseTLSMode parses a TLS mode as used in configuration files. The empty
// string is TLSRequired.
func ParseTLSMode(s string) (TLSMode, error) {
	switch m := TLSMode(s); m {
	case "":
		return TLSRequired, nil
	case TLSNone, TLSWrapper, TLSOpportunistic, TLSRequired:
		return m, nil
	}
	return "", fmt.Errorf("unknown tls mode %q", s)
}

// Config for a transport.
type Config struct {
	Host dns.IPDomain
	Port int // Default 465 for TLSWrapper, 587 otherwise.

	HelloName dns.IPDomain
	TLSMode   TLSMode
	TLSConfig *tls.Config // If nil, a config verifying the host name against the system roots is used.

	// If nil, no authentication is done.
	Credentials *sasl.Credentials
	Mechanisms  []sasl.Mechanism // Client preference. If empty, sasl.DefaultPreference.

	Disable8BitMIME bool          // Don't request BODY=8BITMIME.
	Timeout         time.Duration // Connect and command timeout. Default smtpclient.DefaultTimeout.

	// If set, connections are kept for reuse.
	Pool *smtppool.Config

	Resolver dns.Resolver      // Default dns.StrictResolver.
	Dialer   smtpclient.Dialer // Default net.Dialer.
}

// Transport submits messages to the configured relay.
type Transport struct {
	elog *slog.Logger
	log  mlog.Log
	cfg  Config
	pool *smtppool.Pool
}

// New returns a new transport for cfg. Nothing is dialed yet.
func New(elog *slog.Logger, cfg Config) (*Transport, error) {
	if cfg.Host.IsZero() {
		return nil, errors.New("missing host")
	}
	switch cfg.TLSMode {
	case "":
		cfg.TLSMode = TLSRequired
	case TLSNone, TLSWrapper, TLSOpportunistic, TLSRequired:
	default:
		return nil, fmt.Errorf("unknown tls mode %q", cfg.TLSMode)
	}
	if cfg.Port == 0 {
		if cfg.TLSMode == TLSWrapper {
			cfg.Port = 465
		} else {
			cfg.Port = 587
		}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = smtpclient.DefaultTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = dns.StrictResolver{Pkg: "transport", Log: elog}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &net.Dialer{}
	}
	if cfg.TLSConfig == nil {
		cfg.TLSConfig = &tls.Config{}
	}

	t := &Transport{
		elog: elog,
		log:  mlog.New("transport", elog).With(slog.Any("relay", cfg.Host), slog.Int("port", cfg.Port)),
		cfg:  cfg,
	}
	if cfg.Pool != nil {
		t.pool = smtppool.New(elog, *cfg.Pool, t.Dial)
	}
	return t, nil
}

// Dial makes a new connection to the relay, ready for sending messages: TLS is
// set up according to the TLS mode, and authentication is done if credentials
// are configured. The caller must Quit the connection.
func (t *Transport) Dial(ctx context.Context) (rc *smtpclient.Conn, rerr error) {
	start := time.Now()
	var implicitTLS *tls.Config
	if t.cfg.TLSMode == TLSWrapper {
		implicitTLS = t.cfg.TLSConfig
	}
	stream, err := smtpclient.DialStream(ctx, t.elog, t.cfg.Resolver, t.cfg.Dialer, t.cfg.Host, t.cfg.Port, t.cfg.Timeout, implicitTLS)
	if err != nil {
		return nil, err
	}
	opts := smtpclient.Opts{
		HelloName:       t.cfg.HelloName,
		Disable8BitMIME: t.cfg.Disable8BitMIME,
		CommandTimeout:  t.cfg.Timeout,
	}
	c, err := smtpclient.Connect(ctx, t.elog, stream, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if rerr != nil && !c.Broken() {
			err := c.Quit(context.Background())
			t.log.Check(err, "quit after failed connection setup")
		}
	}()

	switch t.cfg.TLSMode {
	case TLSOpportunistic:
		if !c.ServerInfo().SupportsFeature(smtpclient.ExtStartTLS) {
			t.log.Info("server does not support starttls, continuing without tls")
			break
		}
		fallthrough
	case TLSRequired:
		if err := c.StartTLS(ctx, t.cfg.TLSConfig); err != nil {
			return nil, err
		}
	}

	if t.cfg.Credentials != nil {
		if _, err := c.Auth(ctx, t.cfg.Mechanisms, *t.cfg.Credentials); err != nil {
			return nil, err
		}
	}
	t.log.Debug("connection ready",
		slog.Any("remote", stream.PeerAddr()),
		slog.Any("tlsmode", t.cfg.TLSMode),
		slog.Bool("tls", c.IsEncrypted()),
		slog.Duration("duration", time.Since(start)))
	return c, nil
}

// Send submits a message. With a pool, a connection is taken from it and
// returned after sending. Otherwise a new connection is dialed and closed
// afterwards.
func (t *Transport) Send(ctx context.Context, env smtp.Envelope, msg io.Reader) (rresp smtpclient.Response, rerr error) {
	start := time.Now()
	defer func() {
		result := submitResult(rerr)
		MetricSubmit.IncLabels(result)
		t.log.Debugx("submit result", rerr,
			slog.String("result", result),
			slog.Any("from", env.From()),
			slog.Int("recipients", len(env.To())),
			slog.Duration("duration", time.Since(start)))
	}()

	if t.pool != nil {
		c, err := t.pool.Get(ctx)
		if err != nil {
			return smtpclient.Response{}, err
		}
		defer t.pool.Put(c)
		return c.Send(ctx, env, msg)
	}

	c, err := t.Dial(ctx)
	if err != nil {
		return smtpclient.Response{}, err
	}
	resp, err := c.Send(ctx, env, msg)
	if qerr := c.Quit(ctx); qerr != nil && err == nil {
		// The message was accepted, a failing QUIT does not change that.
		t.log.Infox("quit after submission", qerr)
	}
	return resp, err
}

func submitResult(err error) string {
	var cerr smtpclient.Error
	switch {
	case err == nil:
		return "ok"
	case !errors.As(err, &cerr):
		return "error"
	case cerr.Permanent:
		return "permanent"
	}
	return "transient"
}

// Close closes idle connections in the pool, if any.
func (t *Transport) Close() {
	if t.pool != nil {
		t.pool.Close()
	}
}

// PoolStats returns the number of idle and in-use connections of the pool, or
// zeroes without pool.
func (t *Transport) PoolStats() (idle, inUse int) {
	if t.pool == nil {
		return 0, 0
	}
	return t.pool.Stats()
}
