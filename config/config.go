package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/smtpsubmit/dns"
	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/sasl"
	"github.com/mjl-/smtpsubmit/smtppool"
	"github.com/mjl-/smtpsubmit/transport"
)

// Submit is the parsed form of the configuration file.
type Submit struct {
	Host                  string            `sconf-doc:"NOTE: This config file is in 'sconf' format. Indent with tabs. Comments must be on their own line, they don't end a line. Do not escape or quote strings. Details: https://pkg.go.dev/github.com/mjl-/sconf.\n\n\nHost name or IP address of the submission server to connect to. A host name is also used for verifying the TLS certificate of the server."`
	Port                  int               `sconf:"optional" sconf-doc:"If unset or 0, 465 is used for TLS mode wrapper, and 587 for other TLS modes."`
	TLSMode               string            `sconf:"optional" sconf-doc:"How TLS is used: none (never, credentials and messages are sent in plain text), wrapper (TLS immediately after connecting, usually port 465), opportunistic (STARTTLS if the server announces it), required (STARTTLS, failing if the server does not announce it). Default: required."`
	TLSInsecureSkipVerify bool              `sconf:"optional" sconf-doc:"If set, an unverifiable TLS certificate of the server is accepted."`
	TLSCAFiles            []string          `sconf:"optional" sconf-doc:"PEM files with certificate authorities to verify the server certificate with, instead of the system certificate authorities. Relative paths are relative to the directory of the config file."`
	HelloName             string            `sconf:"optional" sconf-doc:"Name to send in EHLO. Hosts don't always have an FQDN, set it explicitly. Default: localhost."`
	Auth                  *Auth             `sconf:"optional" sconf-doc:"If set, authenticate with these credentials."`
	Disable8BitMIME       bool              `sconf:"optional" sconf-doc:"If set, BODY=8BITMIME is not requested, also when the server announces 8BITMIME support."`
	Timeout               string            `sconf:"optional" sconf-doc:"Timeout for connecting and for each command, e.g. 30s or 1m. Default: 30s."`
	Pool                  *Pool             `sconf:"optional" sconf-doc:"If set, connections are kept open and reused for multiple messages, as with the bulk command."`
	Outbox                string            `sconf:"optional" sconf-doc:"Path to the database file in which messages that failed submission are stored for later retries. Relative paths are relative to the directory of the config file. If empty, failed messages are not stored."`
	LogLevel              string            `sconf:"optional" sconf-doc:"Default log level, one of: error, info, debug, trace, traceauth, tracedata. Trace logs SMTP protocol transcripts, with traceauth also authentication exchanges with credentials, and tracedata on top of that also the full messages. Default: error."`
	PackageLogLevels      map[string]string `sconf:"optional" sconf-doc:"Overrides of log level per package, e.g. smtpclient, smtppool, transport, outbox, dns."`

	// Parsed forms.
	HostIPDomain    dns.IPDomain          `sconf:"-"`
	HelloIPDomain   dns.IPDomain          `sconf:"-"`
	TLS             transport.TLSMode     `sconf:"-"`
	CertPool        *x509.CertPool        `sconf:"-"`
	TimeoutDuration time.Duration         `sconf:"-"`
	LogLevels       map[string]slog.Level `sconf:"-"`
}

// Auth holds credentials for SMTP authentication.
type Auth struct {
	Username   string
	Password   string   `sconf:"optional" sconf-doc:"For password-based mechanisms: SCRAM-SHA-256, SCRAM-SHA-1, CRAM-MD5, PLAIN, LOGIN."`
	Token      string   `sconf:"optional" sconf-doc:"For token-based mechanisms: XOAUTH2, OAUTHBEARER."`
	Mechanisms []string `sconf:"optional" sconf-doc:"Allowed authentication mechanisms, in order of preference. Defaults to SCRAM-SHA-256, SCRAM-SHA-1, CRAM-MD5, PLAIN, LOGIN. Specify the strongest mechanism known to be implemented by the server to prevent mechanism downgrade attacks."`

	ParsedMechanisms []sasl.Mechanism `sconf:"-"`
}

// Pool configures connection reuse.
type Pool struct {
	MaxSize     int    `sconf-doc:"Maximum number of connections in use at the same time."`
	Wait        bool   `sconf:"optional" sconf-doc:"Wait for a connection to become available when all are in use, instead of failing."`
	IdleTimeout string `sconf:"optional" sconf-doc:"Idle connections older than this are closed instead of reused, e.g. 1m. Default: no timeout, idle connections are checked with NOOP before reuse."`

	IdleTimeoutDuration time.Duration `sconf:"-"`
}

// Load parses and checks the configuration file at path.
func Load(path string) (Submit, error) {
	var c Submit
	if err := sconf.ParseFile(path, &c); err != nil {
		return Submit{}, fmt.Errorf("parsing config file: %w", err)
	}
	if err := c.prepare(filepath.Dir(path)); err != nil {
		return Submit{}, fmt.Errorf("checking config file: %w", err)
	}
	return c, nil
}

// prepare fills the parsed fields, with relative paths resolved against dir.
func (c *Submit) prepare(dir string) error {
	var errs []error
	addErrorf := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	var err error
	if c.HostIPDomain, err = dns.ParseIPDomain(c.Host); err != nil {
		addErrorf("parsing host %q: %w", c.Host, err)
	}
	if c.HelloName != "" {
		if c.HelloIPDomain, err = dns.ParseIPDomain(c.HelloName); err != nil {
			addErrorf("parsing hello name %q: %w", c.HelloName, err)
		}
	}
	if c.TLS, err = transport.ParseTLSMode(c.TLSMode); err != nil {
		addErrorf("%w", err)
	}

	if len(c.TLSCAFiles) > 0 {
		c.CertPool = x509.NewCertPool()
		for _, p := range c.TLSCAFiles {
			if !filepath.IsAbs(p) {
				p = filepath.Join(dir, p)
			}
			buf, err := os.ReadFile(p)
			if err != nil {
				addErrorf("reading ca file: %w", err)
			} else if !c.CertPool.AppendCertsFromPEM(buf) {
				addErrorf("no certificates found in ca file %q", p)
			}
		}
	}

	c.TimeoutDuration = 0
	if c.Timeout != "" {
		if c.TimeoutDuration, err = time.ParseDuration(c.Timeout); err != nil || c.TimeoutDuration <= 0 {
			addErrorf("invalid timeout %q", c.Timeout)
		}
	}

	if c.Auth != nil {
		if c.Auth.Password == "" && c.Auth.Token == "" {
			addErrorf("auth needs a password or token")
		}
		if c.Auth.ParsedMechanisms, err = sasl.ParseMechanisms(c.Auth.Mechanisms); err != nil {
			addErrorf("auth mechanisms: %w", err)
		}
	}

	if c.Pool != nil {
		if c.Pool.MaxSize <= 0 {
			addErrorf("pool max size must be at least 1")
		}
		if c.Pool.IdleTimeout != "" {
			if c.Pool.IdleTimeoutDuration, err = time.ParseDuration(c.Pool.IdleTimeout); err != nil {
				addErrorf("invalid pool idle timeout %q", c.Pool.IdleTimeout)
			}
		}
	}

	if c.Outbox != "" && !filepath.IsAbs(c.Outbox) {
		c.Outbox = filepath.Join(dir, c.Outbox)
	}

	if c.LogLevels, err = mlog.ParseLevels(c.LogLevel, c.PackageLogLevels); err != nil {
		addErrorf("%w", err)
	}

	return errors.Join(errs...)
}

// TransportConfig returns the configuration for a transport.
func (c Submit) TransportConfig() transport.Config {
	tc := transport.Config{
		Host:            c.HostIPDomain,
		Port:            c.Port,
		HelloName:       c.HelloIPDomain,
		TLSMode:         c.TLS,
		Disable8BitMIME: c.Disable8BitMIME,
		Timeout:         c.TimeoutDuration,
	}
	if c.CertPool != nil || c.TLSInsecureSkipVerify {
		tc.TLSConfig = &tls.Config{
			RootCAs:            c.CertPool,
			InsecureSkipVerify: c.TLSInsecureSkipVerify,
		}
	}
	if c.Auth != nil {
		tc.Credentials = &sasl.Credentials{
			Username: c.Auth.Username,
			Password: c.Auth.Password,
			Token:    c.Auth.Token,
		}
		tc.Mechanisms = c.Auth.ParsedMechanisms
	}
	if c.Pool != nil {
		tc.Pool = &smtppool.Config{
			MaxSize:     c.Pool.MaxSize,
			Wait:        c.Pool.Wait,
			IdleTimeout: c.Pool.IdleTimeoutDuration,
		}
	}
	return tc
}
