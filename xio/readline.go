package xio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

var ErrLineTooLong = errors.New("line from remote too long") // Returned by Readline.

// Readline reads a \n- or \r\n-terminated line, returned without the line
// ending. At most max bytes are read while looking for the newline, we don't
// want to keep consuming data from a remote that may never send one.
// If an EOF is encountered before a newline, io.ErrUnexpectedEOF is returned.
func Readline(r *bufio.Reader, max int) (string, error) {
	var line []byte
	for {
		buf, err := r.ReadSlice('\n')
		if len(line)+len(buf) > max {
			return "", fmt.Errorf("%w: no newline after %d bytes", ErrLineTooLong, max)
		}
		line = append(line, buf...)
		if err == nil {
			break
		} else if err == io.EOF {
			return "", io.ErrUnexpectedEOF
		} else if !errors.Is(err, bufio.ErrBufferFull) {
			return "", fmt.Errorf("reading line from remote: %w", err)
		}
	}
	line = line[:len(line)-1]
	if len(line) > 0 && line[len(line)-1] == '\r' {
		line = line[:len(line)-1]
	}
	return string(line), nil
}
