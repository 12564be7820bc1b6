package smtpclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/mjl-/smtpsubmit/dns"
	"github.com/mjl-/smtpsubmit/mlog"
	"github.com/mjl-/smtpsubmit/xio"
)

// DefaultTimeout is used for reads and writes when no timeout is configured.
// ../rfc/5321:3610 suggests higher minimum timeouts per command, we use a
// single timeout for all.
const DefaultTimeout = 30 * time.Second

// Stream is a connection to an SMTP server, in plain text or with TLS. A
// plain text stream can be upgraded to TLS in place with UpgradeTLS, a TLS
// stream is never downgraded.
//
// Reads and writes are buffered. Each read from and write to the network has
// the stream timeout applied as deadline.
type Stream struct {
	log    mlog.Log
	host   dns.IPDomain // Zero if unknown. Used as TLS server name.
	raw    net.Conn     // Underlying connection, never changes.
	conn   net.Conn     // Either raw, or a *tls.Conn on top of it.
	tls    bool
	tracer *xio.Tracer
	r      *bufio.Reader
	w      *bufio.Writer

	timeout time.Duration
	ctx     context.Context // During an operation, cancelation aborts i/o.
	closed  bool
}

// NewStream returns a stream for an established connection. If conn is a
// *tls.Conn, the stream is considered encrypted. A zero timeout uses
// DefaultTimeout.
func NewStream(elog *slog.Logger, conn net.Conn, timeout time.Duration) *Stream {
	s := newStream(elog, conn, timeout)
	_, s.tls = conn.(*tls.Conn)
	return s
}

func newStream(elog *slog.Logger, raw net.Conn, timeout time.Duration) *Stream {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s := &Stream{
		log:     mlog.New("smtpclient", elog),
		raw:     raw,
		conn:    raw,
		timeout: timeout,
	}
	s.tracer = xio.NewTracer(s.log)
	s.r = bufio.NewReader(s.tracer.Reader("RS: ", connReader{s}))
	s.w = bufio.NewWriter(s.tracer.Writer("LC: ", connWriter{s}))
	return s
}

// connReader reads from the current connection, applying the stream timeout
// for each read.
type connReader struct {
	s *Stream
}

func (r connReader) Read(buf []byte) (int, error) {
	if err := r.s.conn.SetReadDeadline(time.Now().Add(r.s.timeout)); err != nil {
		r.s.log.Errorx("setting read deadline", err)
	}
	if err := r.s.ctxErr(); err != nil {
		return 0, err
	}
	n, err := r.s.conn.Read(buf)
	return n, r.s.wrapErr(err)
}

type connWriter struct {
	s *Stream
}

func (w connWriter) Write(buf []byte) (int, error) {
	if err := w.s.conn.SetWriteDeadline(time.Now().Add(w.s.timeout)); err != nil {
		w.s.log.Errorx("setting write deadline", err)
	}
	if err := w.s.ctxErr(); err != nil {
		return 0, err
	}
	n, err := w.s.conn.Write(buf)
	return n, w.s.wrapErr(err)
}

func (s *Stream) ctxErr() error {
	if s.ctx == nil {
		return nil
	}
	return s.ctx.Err()
}

// wrapErr adds the context error to an i/o error caused by the immediate
// deadline set on cancelation.
func (s *Stream) wrapErr(err error) error {
	if err == nil || s.ctx == nil || s.ctx.Err() == nil {
		return err
	}
	return fmt.Errorf("%w (%w)", s.ctx.Err(), err)
}

// watch makes ctx cancelation interrupt pending i/o by setting an immediate
// deadline on the connection. The returned function must be called when the
// operation is done.
func (s *Stream) watch(ctx context.Context) func() {
	s.ctx = ctx
	raw := s.raw
	stop := context.AfterFunc(ctx, func() {
		raw.SetDeadline(time.Now())
	})
	return func() {
		stop()
		s.ctx = nil
	}
}

// Read reads buffered data from the connection.
func (s *Stream) Read(buf []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	return s.r.Read(buf)
}

// Write writes buffered data. Call Flush to send it.
func (s *Stream) Write(buf []byte) (int, error) {
	if s.closed {
		return 0, net.ErrClosed
	}
	return s.w.Write(buf)
}

// Flush writes buffered data to the connection.
func (s *Stream) Flush() error {
	if s.closed {
		return net.ErrClosed
	}
	return s.w.Flush()
}

// readResponse reads an SMTP response from the buffered reader.
func (s *Stream) readResponse() (Response, error) {
	if s.closed {
		return Response{}, Error{Kind: KindIO, Err: fmt.Errorf("%w: %w", ErrClosed, net.ErrClosed)}
	}
	return ReadResponse(s.r)
}

// UpgradeTLS performs a TLS handshake on the plain text connection, replacing
// it in place. Data already buffered from the connection is used for the
// handshake. If config has no ServerName and the stream was dialed to a domain
// name, the domain is used for SNI and verification.
//
// On a stream that is already encrypted, an error of kind KindClient is
// returned and the stream is left untouched. If the handshake fails, the stream
// is closed and an error of kind KindTLS is returned.
func (s *Stream) UpgradeTLS(ctx context.Context, config *tls.Config) error {
	if s.tls {
		return Error{Kind: KindClient, Err: fmt.Errorf("%w: stream already encrypted", ErrTLS)}
	}
	if s.closed {
		return Error{Kind: KindClient, Err: ErrBroken}
	}
	if err := s.w.Flush(); err != nil {
		return Error{Kind: KindIO, Err: fmt.Errorf("flush before tls handshake: %w", err)}
	}

	if config == nil {
		config = &tls.Config{}
	}
	if config.ServerName == "" && s.host.IsDomain() {
		config = config.Clone()
		config.ServerName = s.host.Domain.ASCII
	}

	// We don't want to do TLS on top of s.r because it also prints protocol traces: We
	// don't want to log the TLS stream. So we'll do TLS on the underlying connection,
	// but make sure any bytes already read and in the buffer are used for the TLS
	// handshake.
	conn := s.raw
	if n := s.r.Buffered(); n > 0 {
		conn = &xio.PrefixConn{
			PrefixReader: io.LimitReader(s.r, int64(n)),
			Conn:         conn,
		}
	}
	tlsconn := tls.Client(conn, config)

	hctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.raw.SetDeadline(time.Time{}); err != nil {
		s.log.Errorx("clearing deadline for tls handshake", err)
	}
	if err := tlsconn.HandshakeContext(hctx); err != nil {
		s.Shutdown()
		return Error{Kind: KindTLS, Err: fmt.Errorf("%w: tls handshake: %w", ErrTLS, err)}
	}
	s.conn = tlsconn
	s.tls = true

	version, ciphersuite := xio.TLSInfo(tlsconn.ConnectionState())
	s.log.Debug("tls client handshake done",
		slog.String("version", version),
		slog.String("ciphersuite", ciphersuite),
		slog.String("servername", config.ServerName))
	return nil
}

// Shutdown closes the connection. Further reads and writes fail.
func (s *Stream) Shutdown() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tls {
		// Sends close_notify, with a write deadline set by crypto/tls.
		return s.conn.Close()
	}
	return s.raw.Close()
}

// IsEncrypted returns whether TLS is active.
func (s *Stream) IsEncrypted() bool {
	return s.tls
}

// PeerAddr returns the remote address of the connection.
func (s *Stream) PeerAddr() net.Addr {
	return s.raw.RemoteAddr()
}

// TLSConnectionState returns the TLS connection state, or nil for plain text
// streams.
func (s *Stream) TLSConnectionState() *tls.ConnectionState {
	tc, ok := s.conn.(*tls.Conn)
	if !ok {
		return nil
	}
	cs := tc.ConnectionState()
	return &cs
}

// SetTimeout changes the timeout for each read and write.
func (s *Stream) SetTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}
