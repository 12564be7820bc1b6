package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mjl-/sconf"

	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/sasl"
	"github.com/mjl-/smtpsubmit/transport"
)

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func writeConfig(t *testing.T, s string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "smtpsubmit.conf")
	err := os.WriteFile(p, []byte(s), 0600)
	tcheck(t, err, "write config")
	return p
}

func TestLoad(t *testing.T) {
	p := writeConfig(t, `Host: mail.example
TLSMode: wrapper
HelloName: client.example
Auth:
	Username: mjl
	Password: secret
	Mechanisms:
		- scram-sha-256
		- PLAIN
Timeout: 1m
Pool:
	MaxSize: 4
	Wait: true
	IdleTimeout: 30s
Outbox: outbox.db
LogLevel: info
PackageLogLevels:
	smtpclient: trace
`)
	c, err := Load(p)
	tcheck(t, err, "load")

	if c.HostIPDomain.Domain.ASCII != "mail.example" || c.HelloIPDomain.Domain.ASCII != "client.example" {
		t.Fatalf("unexpected host/hello name %v %v", c.HostIPDomain, c.HelloIPDomain)
	}
	if c.Outbox != filepath.Join(filepath.Dir(p), "outbox.db") {
		t.Fatalf("outbox path not resolved: %q", c.Outbox)
	}
	if c.LogLevels[""] != mlog.LevelInfo || c.LogLevels["smtpclient"] != mlog.LevelTrace {
		t.Fatalf("unexpected log levels %v", c.LogLevels)
	}

	tc := c.TransportConfig()
	if tc.TLSMode != transport.TLSWrapper || tc.Timeout != time.Minute || tc.TLSConfig != nil {
		t.Fatalf("unexpected transport config %#v", tc)
	}
	if tc.Credentials == nil || tc.Credentials.Username != "mjl" || tc.Credentials.Password != "secret" {
		t.Fatalf("unexpected credentials %#v", tc.Credentials)
	}
	if len(tc.Mechanisms) != 2 || tc.Mechanisms[0] != sasl.MechSCRAMSHA256 || tc.Mechanisms[1] != sasl.MechPlain {
		t.Fatalf("unexpected mechanisms %v", tc.Mechanisms)
	}
	if tc.Pool == nil || tc.Pool.MaxSize != 4 || !tc.Pool.Wait || tc.Pool.IdleTimeout != 30*time.Second {
		t.Fatalf("unexpected pool config %#v", tc.Pool)
	}
}

func TestLoadMinimal(t *testing.T) {
	p := writeConfig(t, "Host: [127.0.0.1]\nTLSInsecureSkipVerify: true\n")
	c, err := Load(p)
	tcheck(t, err, "load")
	tc := c.TransportConfig()
	if !tc.Host.IsIP() || tc.TLSMode != transport.TLSRequired || tc.Credentials != nil || tc.Pool != nil {
		t.Fatalf("unexpected transport config %#v", tc)
	}
	if tc.TLSConfig == nil || !tc.TLSConfig.InsecureSkipVerify {
		t.Fatalf("insecure skip verify not set")
	}
}

func TestLoadErrors(t *testing.T) {
	test := func(conf string, expErr string) {
		t.Helper()
		_, err := Load(writeConfig(t, conf))
		if err == nil || !strings.Contains(err.Error(), expErr) {
			t.Fatalf("got err %v, expected %q", err, expErr)
		}
	}

	test("Port: 25\n", "parsing config file")
	test("Host: mail.example\nBogus: 1\n", "parsing config file")
	test("Host: mail.example\nTLSMode: starttls\n", "unknown tls mode")
	test("Host: mail.example\nTimeout: soon\n", "invalid timeout")
	test("Host: mail.example\nAuth:\n\tUsername: mjl\n", "password or token")
	test("Host: mail.example\nAuth:\n\tUsername: mjl\n\tPassword: x\n\tMechanisms:\n\t\t- DIGEST-MD5\n", "unknown sasl mechanism")
	test("Host: mail.example\nPool:\n\tMaxSize: 0\n", "pool max size")
	test("Host: mail.example\nTLSCAFiles:\n\t- missing.pem\n", "reading ca file")
	test("Host: mail.example\nLogLevel: loud\n", "unknown log level")

	// All problems are reported.
	_, err := Load(writeConfig(t, "Host: mail.example\nTLSMode: x\nTimeout: y\n"))
	if err == nil || !strings.Contains(err.Error(), "unknown tls mode") || !strings.Contains(err.Error(), "invalid timeout") {
		t.Fatalf("got err %v, expected both errors", err)
	}
	if errors.Is(err, os.ErrNotExist) {
		t.Fatalf("unexpected not exist error")
	}
}

func TestDescribe(t *testing.T) {
	var sb strings.Builder
	err := sconf.Describe(&sb, Submit{})
	tcheck(t, err, "describe")
	for _, s := range []string{"Host:", "TLSMode:", "Pool:", "Outbox:"} {
		if !strings.Contains(sb.String(), s) {
			t.Fatalf("describe output misses %q", s)
		}
	}
	if strings.Contains(sb.String(), "HostIPDomain") {
		t.Fatalf("describe output includes parsed field")
	}
}
