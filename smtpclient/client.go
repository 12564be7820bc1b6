// Package smtpclient is an SMTP client for submitting messages to an SMTP
// server.
//
// A submission typically involves:
//  1. Connecting with DialStream, optionally with implicit TLS.
//  2. Reading the greeting and sending EHLO with Connect.
//  3. Upgrading to TLS with StartTLS, unless TLS is already active.
//  4. Authenticating with Auth, with the first mechanism from the client
//     preferences that the server supports.
//  5. Sending one or more messages with Send.
//  6. Closing the connection with Quit.
//
// Any failure on the connection, other than local precondition errors, aborts
// the connection: a best-effort QUIT is sent, the connection is closed and
// marked broken. Broken connections are never used again.
package smtpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/mjl-/smtpsubmit/dns"
	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/smtp"
	"github.com/mjl-/smtpsubmit/stub"
	"github.com/mjl-/smtpsubmit/xio"
)

var (
	MetricCommands    stub.HistogramVec = stub.HistogramVecIgnore{}
	MetricConnections stub.CounterVec   = stub.CounterVecIgnore{}
	MetricPanicInc                      = func() {}
)

// State of a connection.
type State int

const (
	StateConnected State = iota // Stream established, greeting not yet read.
	StateGreeted
	StateExtended // EHLO done.
	StateEncrypted
	StateAuthenticated
	StateReady  // At least one message sent, ready for another.
	StateClosed // After Quit.
	StateBroken // After a failure. The stream is closed.
)

var stateStrings = []string{"connected", "greeted", "extended", "encrypted", "authenticated", "ready", "closed", "broken"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateStrings) {
		return stateStrings[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Opts influence behaviour of Conn.
type Opts struct {
	// Name to send in EHLO/HELO, typically the host name of the machine. If zero,
	// "localhost" is used.
	HelloName dns.IPDomain

	// Don't send BODY=8BITMIME with MAIL FROM, also when the server announces
	// 8BITMIME.
	Disable8BitMIME bool

	// Timeout for each read and write. If zero, the timeout of the stream is
	// kept.
	CommandTimeout time.Duration
}

// Conn is an SMTP client connection, for one or more message submissions.
// A Conn is not safe for concurrent use.
type Conn struct {
	stream *Stream
	log    mlog.Log
	opts   Opts

	state     State
	info      ServerInfo
	extEcodes bool // Whether server announced ENHANCEDSTATUSCODES.

	lastlog  time.Time // For adding delta timestamps between log lines.
	cmd      string    // Command in progress, for errors and metrics.
	cmdStart time.Time
}

// Connect reads the greeting from the server on stream and sends EHLO,
// falling back to HELO when the server rejects EHLO with a 5xx code. On
// success the connection is in state StateExtended.
//
// On failure, the stream is closed.
func Connect(ctx context.Context, elog *slog.Logger, stream *Stream, opts Opts) (*Conn, error) {
	if opts.HelloName.IsZero() {
		opts.HelloName = dns.IPDomain{Domain: dns.Domain{ASCII: "localhost"}}
	}
	stream.SetTimeout(opts.CommandTimeout)

	c := &Conn{
		stream:  stream,
		opts:    opts,
		state:   StateConnected,
		lastlog: time.Now(),
	}
	c.log = mlog.New("smtpclient", elog).WithFunc(func() []slog.Attr {
		now := time.Now()
		l := []slog.Attr{
			slog.Duration("delta", now.Sub(c.lastlog)),
		}
		c.lastlog = now
		return l
	})

	if err := c.hello(ctx); err != nil {
		MetricConnections.IncLabels("error")
		return nil, err
	}
	MetricConnections.IncLabels("ok")
	return c, nil
}

// xerrorf panics with an Error of the given kind for the command in progress.
// It is recovered by the exported operations. Errors of all kinds other than
// KindClient abort the connection.
func (c *Conn) xerrorf(kind Kind, format string, args ...any) {
	panic(Error{Kind: kind, Command: c.cmd, Err: fmt.Errorf(format, args...)})
}

// xresponsef panics with a KindResponse error for resp.
func (c *Conn) xresponsef(resp Response, format string, args ...any) {
	panic(Error{
		Kind:      KindResponse,
		Permanent: resp.IsPermanent(),
		Code:      resp.Code,
		Secode:    resp.Secode,
		Command:   c.cmd,
		Line:      resp.Lines[0],
		MoreLines: resp.Lines[1:],
		Err:       fmt.Errorf(format, args...),
	})
}

// xclientf panics with a KindClient error. Nothing was sent and the connection
// state is unchanged.
func (c *Conn) xclientf(permanent bool, format string, args ...any) {
	panic(Error{Kind: KindClient, Permanent: permanent, Command: c.cmd, Err: fmt.Errorf(format, args...)})
}

// xio panics with err, which comes from the stream, as KindIO error unless it
// is already an Error.
func (c *Conn) xio(err error, msg string) {
	var cerr Error
	if errors.As(err, &cerr) {
		if cerr.Command == "" {
			cerr.Command = c.cmd
		}
		panic(cerr)
	}
	if xio.IsTimeout(err) && c.stream.ctxErr() == nil {
		msg += " (command timeout)"
	}
	panic(Error{Kind: KindIO, Command: c.cmd, Err: fmt.Errorf("%s: %w", msg, err)})
}

func (c *Conn) recover(rerr *error) {
	x := recover()
	if x == nil {
		return
	}
	cerr, ok := x.(Error)
	if !ok {
		MetricPanicInc()
		panic(x)
	}
	*rerr = cerr
	if cerr.Kind != KindClient {
		c.log.Debugx("aborting connection after error", cerr, slog.String("kind", cerr.Kind.String()))
		c.abort()
	}
}

// xcheckState panics with a KindClient error if the connection is not in one of
// the allowed states.
func (c *Conn) xcheckState(cmd string, allowed ...State) {
	c.cmd = cmd
	switch c.state {
	case StateBroken, StateClosed:
		c.xclientf(false, "%w (state %s)", ErrBroken, c.state)
	}
	for _, s := range allowed {
		if c.state == s {
			return
		}
	}
	c.xclientf(false, "%w: %s in state %s", ErrState, cmd, c.state)
}

// xcmd starts a new command, for errors, logging and metrics.
func (c *Conn) xcmd(cmd string) {
	c.cmd = cmd
	c.cmdStart = time.Now()
}

// xtrace sets the trace level for both directions, flushing pending writes
// first. The returned function restores the level.
func (c *Conn) xtrace(level slog.Level) func() {
	c.xflush()
	restore := c.stream.tracer.SetLevel(level)
	return func() {
		// After an abort, there is nothing to flush.
		if c.state != StateBroken {
			c.xflush()
		}
		restore()
	}
}

func (c *Conn) xwritelinef(format string, args ...any) {
	c.xwriteline(fmt.Sprintf(format, args...))
}

func (c *Conn) xwriteline(line string) {
	if _, err := fmt.Fprintf(c.stream, "%s\r\n", line); err != nil {
		c.xio(err, "write")
	}
	c.xflush()
}

func (c *Conn) xflush() {
	if err := c.stream.Flush(); err != nil {
		c.xio(err, "writes")
	}
}

// xread reads a response, parsing enhanced status codes if the server announced
// them.
func (c *Conn) xread() Response {
	resp, err := c.stream.readResponse()
	if err != nil {
		c.xio(err, "read")
	}
	if resp.Code != smtp.C334ContinueAuth {
		if c.extEcodes {
			resp.Secode, _ = parseEcode(resp.Code/100, resp.Lines[0])
		}
		MetricCommands.ObserveLabels(float64(time.Since(c.cmdStart))/float64(time.Second), c.cmd, fmt.Sprintf("%d", resp.Code), resp.Secode)
		c.log.Debug("smtpclient command result",
			slog.String("cmd", c.cmd),
			slog.Int("code", resp.Code),
			slog.String("secode", resp.Secode),
			slog.Duration("duration", time.Since(c.cmdStart)))
	}
	return resp
}

func (c *Conn) hello(ctx context.Context) (rerr error) {
	defer c.recover(&rerr)
	defer c.stream.watch(ctx)()

	// ../rfc/5321:1196
	c.xcmd("(greeting)")
	resp := c.xread()
	if !resp.IsPositive() {
		c.xresponsef(resp, "%w: expected greeting, got %d", ErrStatus, resp.Code)
	}
	c.state = StateGreeted
	c.xehlo(true)
	return nil
}

// xehlo sends EHLO and parses the extensions. If heloOK, a 5xx response causes
// a fallback to HELO, with no extensions.
func (c *Conn) xehlo(heloOK bool) {
	// ../rfc/5321:987
	c.xcmd("ehlo")
	c.xwritelinef("EHLO %s", c.opts.HelloName.Literal())
	resp := c.xread()
	if resp.IsPermanent() && heloOK {
		// ../rfc/5321:996
		c.xcmd("helo")
		c.xwritelinef("HELO %s", c.opts.HelloName.Literal())
		hresp := c.xread()
		if hresp.Code != smtp.C250Completed {
			c.xresponsef(hresp, "%w: expected 250 to HELO, got %d", ErrStatus, hresp.Code)
		}
		c.info = ParseServerInfo(Response{Code: hresp.Code, Lines: hresp.Lines[:1]})
		c.extEcodes = false
		c.state = StateExtended
		return
	}
	if resp.Code != smtp.C250Completed {
		c.xresponsef(resp, "%w: expected 250 to EHLO, got %d", ErrStatus, resp.Code)
	}
	c.info = ParseServerInfo(resp)
	c.extEcodes = c.info.SupportsFeature(ExtEnhancedStatusCodes)
	c.state = StateExtended
	c.log.Debug("server extensions",
		slog.String("name", c.info.Name),
		slog.Any("extensions", c.info.ExtensionNames()),
		slog.Any("mechanisms", c.info.Mechanisms),
		slog.Int64("size", c.info.Size))
}

// StartTLS upgrades the connection to TLS with STARTTLS and sends a new EHLO.
// If the connection is already encrypted, or the server did not announce
// STARTTLS, an error of kind KindClient is returned and the connection is left
// as is. Any other failure aborts the connection.
func (c *Conn) StartTLS(ctx context.Context, config *tls.Config) (rerr error) {
	defer c.recover(&rerr)

	c.xcheckState("starttls", StateExtended)
	if c.stream.IsEncrypted() {
		c.xclientf(false, "%w: connection already encrypted", ErrTLS)
	}
	if !c.info.SupportsFeature(ExtStartTLS) {
		c.xclientf(false, "%w", ErrStartTLSUnsupported)
	}

	defer c.stream.watch(ctx)()

	// ../rfc/3207:107
	c.xcmd("starttls")
	c.xwriteline("STARTTLS")
	resp := c.xread()
	if !resp.IsPositive() {
		c.xresponsef(resp, "%w: STARTTLS: got %d, expected 220", ErrTLS, resp.Code)
	}
	if err := c.stream.UpgradeTLS(ctx, config); err != nil {
		c.xio(err, "tls handshake")
	}

	// Server forgets everything it learned, we send EHLO again. ../rfc/3207:157
	c.xehlo(false)
	c.state = StateEncrypted
	return nil
}

// Send submits a message in a single transaction: MAIL FROM, RCPT TO for each
// recipient, and DATA with the dot-stuffed message. A CRLF is added to the
// message if it does not end with one.
//
// If msg has a Size or Len method, as bytes.Reader and strings.Reader do, the
// size is announced with MAIL FROM and a message larger than the SIZE
// announced by the server is rejected locally with ErrSize.
//
// Any non-positive response from the server aborts the connection, and an
// error of kind KindResponse is returned. On success, the final response is
// returned and the connection is ready for another message.
func (c *Conn) Send(ctx context.Context, env smtp.Envelope, msg io.Reader) (rresp Response, rerr error) {
	defer c.recover(&rerr)

	c.xcheckState("send", StateExtended, StateEncrypted, StateAuthenticated, StateReady)

	// A zero Envelope doesn't come from NewEnvelope.
	if len(env.To()) == 0 {
		c.xclientf(true, "%w", smtp.ErrMissingTo)
	}

	size := int64(-1)
	switch r := msg.(type) {
	case interface{ Size() int64 }:
		size = r.Size()
	case interface{ Len() int }:
		size = int64(r.Len())
	}
	if c.info.Size > 0 && size > c.info.Size {
		c.xclientf(true, "%w: message of %d bytes exceeds server limit of %d", ErrSize, size, c.info.Size)
	}
	international := env.IsInternational()
	if international && !c.info.SupportsFeature(ExtSMTPUTF8) {
		c.xclientf(true, "%w", ErrSMTPUTF8Unsupported)
	}

	defer c.stream.watch(ctx)()

	var params string
	if !c.opts.Disable8BitMIME && c.info.SupportsFeature(Ext8BitMIME) {
		// ../rfc/6152:90
		params += " BODY=8BITMIME"
	}
	if size >= 0 && c.info.SupportsFeature(ExtSize) {
		// ../rfc/1870:70
		params += fmt.Sprintf(" SIZE=%d", size)
	}
	if international {
		// ../rfc/6531:213
		params += " SMTPUTF8"
	}

	var from string
	if rp := env.From(); rp != nil {
		from = rp.Pack(international)
	}
	// ../rfc/5321:1053
	c.xcmd("mailfrom")
	c.xwritelinef("MAIL FROM:<%s>%s", from, params)
	if resp := c.xread(); !resp.IsPositive() {
		c.xresponsef(resp, "%w: MAIL FROM: got %d", ErrStatus, resp.Code)
	}

	// ../rfc/5321:1087
	for _, rcpt := range env.To() {
		c.xcmd("rcptto")
		c.xwritelinef("RCPT TO:<%s>", rcpt.Pack(international))
		if resp := c.xread(); !resp.IsPositive() {
			c.xresponsef(resp, "%w: RCPT TO %s: got %d", ErrStatus, rcpt.LogString(), resp.Code)
		}
	}

	// ../rfc/5321:1119
	c.xcmd("data")
	c.xwriteline("DATA")
	if resp := c.xread(); resp.Code != smtp.C354Continue {
		c.xresponsef(resp, "%w: DATA: got %d, expected 354", ErrStatus, resp.Code)
	}

	var dataErr error
	func() {
		defer c.xtrace(mlog.LevelTracedata)()
		dataErr = smtp.DataWrite(c.stream, msg)
	}()
	if errors.Is(dataErr, smtp.ErrCRLF) {
		// Server has a partial message, the transaction cannot be completed.
		c.abort()
		c.xclientf(true, "%w", dataErr)
	} else if dataErr != nil {
		c.xio(dataErr, "writing message")
	}

	resp := c.xread()
	if !resp.IsPositive() {
		c.xresponsef(resp, "%w: message data: got %d", ErrStatus, resp.Code)
	}
	c.state = StateReady
	return resp, nil
}

// Quit sends QUIT, reads the response without checking it, and closes the
// connection. Quit on a closed or broken connection does nothing.
func (c *Conn) Quit(ctx context.Context) (rerr error) {
	if c.state == StateClosed || c.state == StateBroken {
		return nil
	}
	defer func() {
		c.state = StateClosed
		err := c.stream.Shutdown()
		c.log.Check(err, "closing connection after quit")
	}()
	defer c.stream.watch(ctx)()

	// ../rfc/5321:1205
	c.cmd = "quit"
	c.cmdStart = time.Now()
	if _, err := fmt.Fprintf(c.stream, "QUIT\r\n"); err != nil {
		return Error{Kind: KindIO, Command: c.cmd, Err: err}
	}
	if err := c.stream.Flush(); err != nil {
		return Error{Kind: KindIO, Command: c.cmd, Err: err}
	}
	resp, err := c.stream.readResponse()
	c.log.Debugx("quit response", err, slog.Int("code", resp.Code))
	return nil
}

// abortTimeout is the timeout for writing QUIT when aborting.
const abortTimeout = time.Second

// abort marks the connection as broken, tries to write a QUIT without waiting
// for the response, and closes the connection. Abort is idempotent.
func (c *Conn) abort() {
	if c.state == StateBroken {
		return
	}
	c.state = StateBroken
	c.stream.timeout = abortTimeout
	if _, err := fmt.Fprintf(c.stream, "QUIT\r\n"); err == nil {
		err = c.stream.Flush()
		c.log.Debugx("writing quit for abort", err)
	}
	if err := c.stream.Shutdown(); err != nil && !xio.IsClosed(err) {
		c.log.Errorx("closing connection after abort", err)
	}
}

// TestConnected sends NOOP and returns whether the server responded. The
// response code is not checked. A false return value means the connection is
// broken. No i/o is done on closed or broken connections.
func (c *Conn) TestConnected(ctx context.Context) bool {
	if c.state == StateClosed || c.state == StateBroken {
		return false
	}
	err := func() (rerr error) {
		defer c.recover(&rerr)
		defer c.stream.watch(ctx)()
		// ../rfc/5321:1259
		c.xcmd("noop")
		c.xwriteline("NOOP")
		c.xread()
		return nil
	}()
	c.log.Debugx("testing connection", err)
	return err == nil
}

// Broken returns whether the connection is broken after an error, it cannot
// be used anymore.
func (c *Conn) Broken() bool {
	return c.state == StateBroken
}

// State returns the current state of the connection.
func (c *Conn) State() State {
	return c.state
}

// ServerInfo returns what the server announced in its most recent EHLO
// response.
func (c *Conn) ServerInfo() ServerInfo {
	return c.info
}

// IsEncrypted returns whether the connection uses TLS.
func (c *Conn) IsEncrypted() bool {
	return c.stream.IsEncrypted()
}

// TLSConnectionState returns the TLS state, or nil if the connection is not
// encrypted.
func (c *Conn) TLSConnectionState() *tls.ConnectionState {
	return c.stream.TLSConnectionState()
}
