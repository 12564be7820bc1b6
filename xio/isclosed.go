package xio

import (
	"errors"
	"net"
	"os"
	"syscall"
)

// IsClosed returns whether i/o failed because the connection is closed or
// otherwise cannot be used for further i/o.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) || isRemoteTLSError(err)
}

// IsTimeout returns whether err is a deadline error from a net.Conn.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, os.ErrDeadlineExceeded) || errors.As(err, &netErr) && netErr.Timeout()
}

// A remote TLS peer can send an alert indicating failure, it comes back to us
// as a read or write error.
func isRemoteTLSError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "remote error"
}
