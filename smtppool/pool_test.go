package smtppool

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mjl-/smtpsubmit/smtp"
	"github.com/mjl-/smtpsubmit/smtpclient"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// serve is a minimal SMTP server, accepting all transactions except for
// recipients starting with "reject".
func serve(conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	writeline := func(s string) bool {
		_, err := fmt.Fprintf(conn, "%s\r\n", s)
		return err == nil
	}
	if !writeline("220 mail.example") {
		return
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.ToUpper(strings.TrimSpace(line))
		var ok bool
		switch {
		case strings.HasPrefix(cmd, "EHLO "):
			ok = writeline("250-mail.example") && writeline("250 8BITMIME")
		case strings.HasPrefix(cmd, "RCPT TO:<REJECT"):
			ok = writeline("550 no such user")
		case cmd == "DATA":
			ok = writeline("354 continue")
			for ok {
				line, err := br.ReadString('\n')
				if err != nil {
					return
				}
				if line == ".\r\n" {
					break
				}
			}
			ok = ok && writeline("250 queued")
		case cmd == "QUIT":
			writeline("221 bye")
			return
		default:
			ok = writeline("250 ok")
		}
		if !ok {
			return
		}
	}
}

// factory makes connections to fresh servers. The server ends of the connections
// are kept for closing in tests.
type factory struct {
	sync.Mutex
	servers []net.Conn
	fail    error
}

func (f *factory) dial(ctx context.Context) (*smtpclient.Conn, error) {
	f.Lock()
	defer f.Unlock()
	if f.fail != nil {
		return nil, f.fail
	}
	clientConn, serverConn := net.Pipe()
	f.servers = append(f.servers, serverConn)
	go serve(serverConn)
	return smtpclient.Connect(ctx, nil, smtpclient.NewStream(nil, clientConn, 5*time.Second), smtpclient.Opts{})
}

func (f *factory) count() int {
	f.Lock()
	defer f.Unlock()
	return len(f.servers)
}

func envelope(t *testing.T, to string) smtp.Envelope {
	t.Helper()
	from, err := smtp.ParseAddress("mjl@mox.example")
	tcheck(t, err, "parse address")
	rcpt, err := smtp.ParseAddress(to)
	tcheck(t, err, "parse address")
	env, err := smtp.NewEnvelope(&from, []smtp.Address{rcpt})
	tcheck(t, err, "envelope")
	return env
}

func TestReuse(t *testing.T) {
	f := &factory{}
	p := New(nil, Config{MaxSize: 2}, f.dial)
	defer p.Close()

	c, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	_, err = c.Send(ctxbg, envelope(t, "rcpt@other.example"), strings.NewReader("test\r\n"))
	tcheck(t, err, "send")
	p.Put(c)
	if idle, inUse := p.Stats(); idle != 1 || inUse != 0 {
		t.Fatalf("stats: idle %d, in use %d", idle, inUse)
	}

	c2, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	if c2 != c {
		t.Fatalf("got new connection, expected idle connection")
	}
	if f.count() != 1 {
		t.Fatalf("dialed %d connections, expected 1", f.count())
	}

	// Second connection while first is in use.
	c3, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	if c3 == c2 || f.count() != 2 {
		t.Fatalf("connection handed out twice")
	}
	p.Put(c2)
	p.Put(c3)

	// Double Put is ignored.
	p.Put(c3)
	if idle, inUse := p.Stats(); idle != 2 || inUse != 0 {
		t.Fatalf("stats: idle %d, in use %d", idle, inUse)
	}
}

func TestExhausted(t *testing.T) {
	f := &factory{}
	p := New(nil, Config{MaxSize: 1}, f.dial)
	defer p.Close()

	c, err := p.Get(ctxbg)
	tcheck(t, err, "get")

	_, err = p.Get(ctxbg)
	var cerr smtpclient.Error
	if !errors.Is(err, ErrPoolExhausted) || !errors.As(err, &cerr) || cerr.Kind != smtpclient.KindClient {
		t.Fatalf("got err %v, expected ErrPoolExhausted", err)
	}

	p.Put(c)
	c, err = p.Get(ctxbg)
	tcheck(t, err, "get after put")
	p.Put(c)
}

func TestWait(t *testing.T) {
	f := &factory{}
	p := New(nil, Config{MaxSize: 1, Wait: true}, f.dial)
	defer p.Close()

	c, err := p.Get(ctxbg)
	tcheck(t, err, "get")

	// Times out while connection is in use.
	ctx, cancel := context.WithTimeout(ctxbg, 20*time.Millisecond)
	_, err = p.Get(ctx)
	cancel()
	if !errors.Is(err, ErrPoolExhausted) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got err %v, expected ErrPoolExhausted with deadline exceeded", err)
	}

	result := make(chan *smtpclient.Conn)
	go func() {
		c, err := p.Get(ctxbg)
		if err != nil {
			t.Errorf("get: %v", err)
		}
		result <- c
	}()
	time.Sleep(10 * time.Millisecond)
	p.Put(c)
	c2 := <-result
	if c2 != c {
		t.Fatalf("waiting get did not get returned connection")
	}
	p.Put(c2)
}

func TestBroken(t *testing.T) {
	f := &factory{}
	p := New(nil, Config{MaxSize: 1}, f.dial)
	defer p.Close()

	c, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	_, err = c.Send(ctxbg, envelope(t, "reject@other.example"), strings.NewReader("test\r\n"))
	if err == nil || !c.Broken() {
		t.Fatalf("expected broken connection after rejected recipient, err %v", err)
	}
	p.Put(c)
	if idle, inUse := p.Stats(); idle != 0 || inUse != 0 {
		t.Fatalf("broken connection kept, idle %d, in use %d", idle, inUse)
	}

	c2, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	if c2 == c || f.count() != 2 {
		t.Fatalf("broken connection reused")
	}
	p.Put(c2)
}

func TestDeadIdle(t *testing.T) {
	f := &factory{}
	p := New(nil, Config{MaxSize: 1}, f.dial)
	defer p.Close()

	c, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	p.Put(c)

	// Server closes the idle connection.
	f.Lock()
	f.servers[0].Close()
	f.Unlock()

	c2, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	if c2 == c || !c.Broken() || f.count() != 2 {
		t.Fatalf("dead idle connection reused")
	}
	p.Put(c2)
}

func TestIdleTimeout(t *testing.T) {
	f := &factory{}
	p := New(nil, Config{MaxSize: 1, IdleTimeout: time.Millisecond}, f.dial)
	defer p.Close()

	c, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	p.Put(c)
	time.Sleep(5 * time.Millisecond)

	c2, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	if c2 == c || c.State() != smtpclient.StateClosed {
		t.Fatalf("stale connection reused, state %s", c.State())
	}
	p.Put(c2)
}

func TestFactoryError(t *testing.T) {
	f := &factory{fail: errors.New("connection refused")}
	p := New(nil, Config{MaxSize: 1}, f.dial)
	defer p.Close()

	if _, err := p.Get(ctxbg); err == nil || errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("got err %v, expected factory error", err)
	}
	// The slot was released.
	f.Lock()
	f.fail = nil
	f.Unlock()
	c, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	p.Put(c)
}

func TestClose(t *testing.T) {
	f := &factory{}
	p := New(nil, Config{MaxSize: 2}, f.dial)

	c1, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	c2, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	p.Put(c1)

	p.Close()
	if c1.State() != smtpclient.StateClosed {
		t.Fatalf("idle connection not closed, state %s", c1.State())
	}
	_, err = p.Get(ctxbg)
	if !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("get after close: got %v", err)
	}

	// In use connection is quit when returned.
	p.Put(c2)
	if c2.State() != smtpclient.StateClosed {
		t.Fatalf("returned connection not closed, state %s", c2.State())
	}
}
