package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/mjl-/smtpsubmit/dns"
)

func TestDialStream(t *testing.T) {
	cert := fakeCert(t, "mail.example")
	roots := x509.NewCertPool()
	roots.AddCert(cert.Leaf)

	resolver := dns.MockResolver{
		A:    map[string][]string{"mail.example.": {"10.0.0.1", "10.0.0.2"}},
		Fail: []string{"servfail.example."},
	}

	serverResult := make(chan error, 1)
	var dialed []string
	DialHook = func(ctx context.Context, dialer Dialer, timeout time.Duration, addr string) (net.Conn, error) {
		dialed = append(dialed, addr)
		if addr == "10.0.0.1:465" {
			return nil, errors.New("connection refused")
		}
		clientConn, serverConn := net.Pipe()
		go func() {
			defer func() {
				serverConn.Close()
				x := recover()
				if x != nil {
					serverResult <- fmt.Errorf("server: %v", x)
				} else {
					serverResult <- nil
				}
			}()
			tlsConn := tls.Server(serverConn, &tls.Config{Certificates: []tls.Certificate{cert}})
			if err := tlsConn.HandshakeContext(ctxbg); err != nil {
				panic(fmt.Errorf("handshake: %v", err))
			}
			s := xserver{tlsConn, bufio.NewReader(tlsConn)}
			s.ehlo("AUTH PLAIN")
			s.quit()
		}()
		return clientConn, nil
	}
	defer func() {
		DialHook = nil
	}()

	// Implicit TLS, server name from host.
	host := dns.IPDomain{Domain: dns.Domain{ASCII: "mail.example"}}
	stream, err := DialStream(ctxbg, nil, resolver, &net.Dialer{}, host, 465, 5*time.Second, &tls.Config{RootCAs: roots})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if !reflect.DeepEqual(dialed, []string{"10.0.0.1:465", "10.0.0.2:465"}) {
		t.Fatalf("dialed %v", dialed)
	}
	if !stream.IsEncrypted() {
		t.Fatalf("stream not encrypted")
	}
	c, err := Connect(ctxbg, nil, stream, Opts{})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.State() != StateExtended || !c.IsEncrypted() {
		t.Fatalf("unexpected state %s, encrypted %v", c.State(), c.IsEncrypted())
	}
	// STARTTLS is not possible on an encrypted connection.
	err = c.StartTLS(ctxbg, &tls.Config{})
	var cerr Error
	if !errors.As(err, &cerr) || cerr.Kind != KindClient || c.State() != StateExtended {
		t.Fatalf("starttls on tls connection: got %v, state %s", err, c.State())
	}
	if err := c.Quit(ctxbg); err != nil {
		t.Fatalf("quit: %v", err)
	}
	if err := <-serverResult; err != nil {
		t.Fatalf("%v", err)
	}

	// Resolver failure.
	_, err = DialStream(ctxbg, nil, resolver, &net.Dialer{}, dns.IPDomain{Domain: dns.Domain{ASCII: "servfail.example"}}, 587, time.Second, nil)
	if !errors.As(err, &cerr) || cerr.Kind != KindIO {
		t.Fatalf("dial with resolver failure: got %v", err)
	}

	// All dials fail.
	dialed = nil
	_, err = DialStream(ctxbg, nil, resolver, &net.Dialer{}, dns.IPDomain{IP: net.ParseIP("10.0.0.1")}, 465, time.Second, nil)
	if !errors.As(err, &cerr) || cerr.Kind != KindIO || !reflect.DeepEqual(dialed, []string{"10.0.0.1:465"}) {
		t.Fatalf("dial with failing ip: got %v, dialed %v", err, dialed)
	}
}

func TestUpgradeTLSEncrypted(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	defer serverConn.Close()
	tlsConn := tls.Client(clientConn, &tls.Config{})
	s := NewStream(nil, tlsConn, time.Second)
	if !s.IsEncrypted() {
		t.Fatalf("tls stream not encrypted")
	}
	err := s.UpgradeTLS(ctxbg, &tls.Config{})
	var cerr Error
	if !errors.As(err, &cerr) || cerr.Kind != KindClient || !errors.Is(err, ErrTLS) {
		t.Fatalf("upgrade of encrypted stream: got %v", err)
	}
	s.Shutdown()
}
