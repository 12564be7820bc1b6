package smtp

import (
	"bufio"
	"errors"
	"io"
)

var ErrCRLF = errors.New("invalid bare carriage return or newline")

var dotcrlf = []byte(".\r\n")

// DataWrite reads a message from r and writes it to w with dot stuffing, as
// required by the SMTP DATA command, followed by the ".\r\n" end of data
// marker. If the message does not end with CRLF, one is added first.
//
// Messages with bare carriage returns or bare newlines result in ErrCRLF,
// the caller should convert line endings before. Nothing has been written
// for the current line at that point, but the transaction cannot be
// completed and the connection must be aborted.
func DataWrite(w io.Writer, r io.Reader) error {
	// ../rfc/5321:2003
	br := bufio.NewReaderSize(r, 8*1024)

	var prev byte = '\n' // Last byte written. Start on a new line, so we insert a dot if the first byte is a dot.
	var pendingCR bool   // Previous chunk ended with \r, next byte must be \n.
	for {
		buf, err := br.ReadSlice('\n')
		if len(buf) > 0 {
			if pendingCR && buf[0] != '\n' {
				return ErrCRLF
			}
			pendingCR = false
			for i, c := range buf {
				switch c {
				case '\n':
					if i == 0 && prev != '\r' || i > 0 && buf[i-1] != '\r' {
						return ErrCRLF
					}
				case '\r':
					if i == len(buf)-1 {
						pendingCR = true
					} else if buf[i+1] != '\n' {
						return ErrCRLF
					}
				}
			}
			if prev == '\n' && buf[0] == '.' {
				if _, err := w.Write([]byte{'.'}); err != nil {
					return err
				}
			}
			if _, err := w.Write(buf); err != nil {
				return err
			}
			prev = buf[len(buf)-1]
		}
		if err == io.EOF {
			break
		} else if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
	if pendingCR {
		return ErrCRLF
	}
	if prev != '\n' {
		if _, err := w.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
	_, err := w.Write(dotcrlf)
	return err
}
