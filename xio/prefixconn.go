package xio

import (
	"io"
	"net"
)

// PrefixConn is a net.Conn that first returns data from a prefix reader. Used
// for STARTTLS, where a buffered reader may already hold the start of the TLS
// handshake from the remote.
type PrefixConn struct {
	PrefixReader io.Reader // Cleared once it returns io.EOF.
	net.Conn
}

func (c *PrefixConn) Read(buf []byte) (int, error) {
	if c.PrefixReader == nil {
		return c.Conn.Read(buf)
	}
	n, err := c.PrefixReader.Read(buf)
	if err == io.EOF {
		c.PrefixReader = nil
		if n == 0 {
			return c.Conn.Read(buf)
		}
		err = nil
	}
	return n, err
}
