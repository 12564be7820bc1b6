package main

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mjl-/smtpsubmit/config"
	"github.com/mjl-/smtpsubmit/metrics"
	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/outbox"
	"github.com/mjl-/smtpsubmit/smtp"
	"github.com/mjl-/smtpsubmit/smtppool"
	"github.com/mjl-/smtpsubmit/transport"
	"github.com/mjl-/smtpsubmit/xio"
)

// readMessage reads a message, turning bare newlines into CRLF. A final line
// without line ending gets a CRLF.
func readMessage(r io.Reader) ([]byte, error) {
	var b bytes.Buffer
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			line = strings.TrimSuffix(line, "\n")
			line = strings.TrimSuffix(line, "\r")
			b.WriteString(line)
			b.WriteString("\r\n")
		}
		if err == io.EOF {
			return b.Bytes(), nil
		} else if err != nil {
			return nil, err
		}
	}
}

// parseEnvelope parses the addresses for an envelope. An empty from is the null
// reverse path.
func parseEnvelope(from string, to []string) (smtp.Envelope, error) {
	var fromAddr *smtp.Address
	if from != "" {
		a, err := smtp.ParseAddress(from)
		if err != nil {
			return smtp.Envelope{}, fmt.Errorf("parsing from address %q: %w", from, err)
		}
		fromAddr = &a
	}
	var toAddrs []smtp.Address
	for _, s := range to {
		a, err := smtp.ParseAddress(s)
		if err != nil {
			return smtp.Envelope{}, fmt.Errorf("parsing recipient address %q: %w", s, err)
		}
		toAddrs = append(toAddrs, a)
	}
	return smtp.NewEnvelope(fromAddr, toAddrs)
}

// saveFailed stores a message that failed submission in the outbox, if one is
// configured.
func saveFailed(ctx context.Context, log mlog.Log, ob *outbox.Outbox, env smtp.Envelope, msg []byte, serr error) {
	if ob == nil {
		return
	}
	m, err := ob.Add(ctx, env, bytes.NewReader(msg), serr)
	if err != nil {
		log.Errorx("saving failed message to outbox", err)
		return
	}
	if m.Failed {
		fmt.Fprintf(os.Stderr, "message saved to outbox as %d, marked failed\n", m.ID)
	} else {
		fmt.Fprintf(os.Stderr, "message saved to outbox as %d, next attempt at %s\n", m.ID, m.NextAttempt.Format(time.RFC3339))
	}
}

// xopenOutbox opens the configured outbox, or returns nil if none is configured.
func xopenOutbox(ctx context.Context, conf config.Submit) *outbox.Outbox {
	if conf.Outbox == "" {
		return nil
	}
	ob, err := outbox.Open(ctx, nil, conf.Outbox)
	xcheckf(err, "opening outbox")
	return ob
}

func cmdSend(c *cmd) {
	c.params = "[-f from] recipient ... <message"
	c.help = `Submit a message read from stdin to the configured relay.

Bare newlines in the message are replaced with CRLF, the message is not modified
otherwise. Its headers, such as From and To, are not checked against the envelope.

If submission fails and an outbox is configured, the message is stored for later
retries with "smtpsubmit outbox retry". Messages rejected with a permanent error
are stored as failed.
`
	var from string
	c.flag.StringVar(&from, "f", "", "address for MAIL FROM, empty for the null reverse path")
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	env, err := parseEnvelope(from, args)
	xcheckf(err, "envelope")
	msg, err := readMessage(os.Stdin)
	xcheckf(err, "reading message")

	t, err := transport.New(nil, conf.TransportConfig())
	xcheckf(err, "transport")
	defer t.Close()

	ctx := context.Background()
	resp, err := t.Send(ctx, env, bytes.NewReader(msg))
	if err != nil {
		ob := xopenOutbox(ctx, conf)
		if ob != nil {
			saveFailed(ctx, c.log, ob, env, msg, err)
			err := ob.Close()
			c.log.Check(err, "closing outbox")
		}
		log.Fatalf("submit: %s", err)
	}
	fmt.Println(resp.String())
}

func cmdBulk(c *cmd) {
	c.params = "[-f from] [-concurrency n] [-metrics address] -to recipient[,recipient...] file ..."
	c.help = `Submit messages from files concurrently, reusing connections.

Each file holds one message, each message is sent to the same recipients.
Connections are kept in a pool. The pool from the config file is used, and if
there is none, a pool with as many connections as the concurrency.

With -metrics, prometheus metrics are served at /metrics on the address while
sending, e.g. localhost:8010.

Messages that fail submission are stored in the outbox, if configured. The exit
status is 1 if any message failed.
`
	var from, to, metricsAddr string
	concurrency := 4
	c.flag.StringVar(&from, "f", "", "address for MAIL FROM, empty for the null reverse path")
	c.flag.StringVar(&to, "to", "", "comma-separated recipient addresses")
	c.flag.IntVar(&concurrency, "concurrency", concurrency, "number of messages to send at the same time")
	c.flag.StringVar(&metricsAddr, "metrics", "", "if non-empty, address to serve prometheus metrics on")
	args := c.Parse()
	if len(args) == 0 || to == "" || concurrency <= 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	env, err := parseEnvelope(from, strings.Split(to, ","))
	xcheckf(err, "envelope")

	tc := conf.TransportConfig()
	if tc.Pool == nil {
		tc.Pool = &smtppool.Config{MaxSize: concurrency, Wait: true}
	}
	t, err := transport.New(nil, tc)
	xcheckf(err, "transport")
	defer t.Close()

	if metricsAddr != "" {
		addr, stop, err := metrics.Serve(nil, metricsAddr)
		xcheckf(err, "serving metrics")
		defer stop()
		c.log.Print("serving metrics", slog.String("url", fmt.Sprintf("http://%s/metrics", addr)))
	}

	ctx := context.Background()
	ob := xopenOutbox(ctx, conf)
	if ob != nil {
		defer func() {
			err := ob.Close()
			c.log.Check(err, "closing outbox")
		}()
	}

	var ok, failed atomic.Int64
	start := time.Now()
	var g errgroup.Group
	g.SetLimit(concurrency)
	for _, p := range args {
		p := p
		g.Go(func() error {
			log := c.log.With(slog.String("file", p))
			defer func() {
				x := recover()
				if x != nil {
					log.Error("unhandled panic", slog.Any("err", x))
					debug.PrintStack()
					metrics.PanicInc(metrics.Bulk)
					failed.Add(1)
				}
			}()

			msg, err := os.ReadFile(p)
			if err == nil {
				msg, err = readMessage(bytes.NewReader(msg))
			}
			if err != nil {
				log.Errorx("reading message", err)
				failed.Add(1)
				return nil
			}
			if _, err := t.Send(ctx, env, bytes.NewReader(msg)); err != nil {
				log.Errorx("submitting message", err)
				failed.Add(1)
				saveFailed(ctx, log, ob, env, msg, err)
				return nil
			}
			log.Debug("message submitted")
			ok.Add(1)
			return nil
		})
	}
	g.Wait()

	idle, inUse := t.PoolStats()
	fmt.Printf("%d submitted, %d failed, in %s, %d idle and %d in-use connections\n", ok.Load(), failed.Load(), time.Since(start).Round(time.Millisecond), idle, inUse)
	if failed.Load() > 0 {
		t.Close()
		if ob != nil {
			err := ob.Close()
			c.log.Check(err, "closing outbox")
		}
		os.Exit(1)
	}
}

func cmdEhlo(c *cmd) {
	c.help = `Connect to the configured relay and print its capabilities.

TLS is set up according to the config file, and authentication is done if
credentials are configured, so the printed extensions are those for submitting
messages. The connection is closed with QUIT.
`
	args := c.Parse()
	if len(args) != 0 {
		c.Usage()
	}

	conf := mustLoadConfig()
	t, err := transport.New(nil, conf.TransportConfig())
	xcheckf(err, "transport")
	defer t.Close()

	ctx := context.Background()
	conn, err := t.Dial(ctx)
	xcheckf(err, "connecting")

	info := conn.ServerInfo()
	fmt.Printf("server: %s\n", info.Name)
	if cs := conn.TLSConnectionState(); cs != nil {
		version, ciphersuite := xio.TLSInfo(*cs)
		fmt.Printf("tls: %s, %s\n", version, ciphersuite)
	} else {
		fmt.Printf("tls: no\n")
	}
	fmt.Printf("extensions: %s\n", strings.Join(info.ExtensionNames(), " "))
	var mechs []string
	for _, m := range info.Mechanisms {
		mechs = append(mechs, string(m))
	}
	fmt.Printf("auth mechanisms: %s\n", strings.Join(mechs, " "))
	if info.Size > 0 {
		fmt.Printf("max message size: %d\n", info.Size)
	}
	fmt.Printf("state: %s\n", conn.State())

	err = conn.Quit(ctx)
	xcheckf(err, "quit")
}
