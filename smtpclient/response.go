package smtpclient

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mjl-/smtpsubmit/xio"
)

// Maximum length of a response line, including code. ../rfc/5321:3499 allows
// 512, we are more lenient but won't read forever.
const maxLineLength = 8 * 1024

// Response is a (possibly multi-line) SMTP reply.
type Response struct {
	Code int

	// Short enhanced status code, minus first digit and dot. Only set when the server
	// announced ENHANCEDSTATUSCODES.
	Secode string

	// Text of each line, without code and separator. Always at least one line.
	Lines []string
}

// IsPositive returns whether the code is 2xx or 3xx.
func (r Response) IsPositive() bool {
	return r.Code >= 200 && r.Code <= 399
}

// IsTransient returns whether the code is 4xx.
func (r Response) IsTransient() bool {
	return r.Code/100 == 4
}

// IsPermanent returns whether the code is 5xx.
func (r Response) IsPermanent() bool {
	return r.Code/100 == 5
}

// Message returns the text of all lines, joined by a space.
func (r Response) Message() string {
	return strings.Join(r.Lines, " ")
}

func (r Response) String() string {
	return fmt.Sprintf("%d %s", r.Code, r.Message())
}

// ParseLine parses a single response line, without CRLF. It returns the
// three-digit code, whether more lines follow (a "-" after the code) and the
// remaining text. A line with just a code is a final line with empty text.
// ../rfc/5321:2570
func ParseLine(line string) (code int, more bool, text string, err error) {
	i := 0
	for ; i < len(line) && line[i] >= '0' && line[i] <= '9'; i++ {
	}
	if i != 3 {
		return 0, false, "", Error{Kind: KindParsing, Line: line, Err: fmt.Errorf("%w: expected response code: %q", ErrProtocol, line)}
	}
	v, err := strconv.ParseInt(line[:i], 10, 32)
	if err != nil {
		return 0, false, "", Error{Kind: KindParsing, Line: line, Err: fmt.Errorf("%w: bad response code (%s): %q", ErrProtocol, err, line)}
	}
	code = int(v)
	s := line[3:]
	switch {
	case strings.HasPrefix(s, "-"):
		return code, true, s[1:], nil
	case strings.HasPrefix(s, " "):
		return code, false, s[1:], nil
	case s == "":
		// Allow missing space. ../rfc/5321:2612
		return code, false, "", nil
	}
	return 0, false, "", Error{Kind: KindParsing, Line: line, Err: fmt.Errorf("%w: expected space or dash after response code: %q", ErrProtocol, line)}
}

// ReadResponse reads lines until a final response line. All lines must have
// the same code. ../rfc/5321:2771
func ReadResponse(r *bufio.Reader) (Response, error) {
	var resp Response
	for {
		line, err := xio.Readline(r, maxLineLength)
		if err != nil {
			return Response{}, readError(resp, err)
		}
		code, more, text, err := ParseLine(line)
		if err != nil {
			return Response{}, err
		}
		if resp.Code != 0 && code != resp.Code {
			return Response{}, Error{
				Kind:      KindParsing,
				Line:      resp.Lines[0],
				MoreLines: resp.Lines[1:],
				Err:       fmt.Errorf("%w: multiline response with different codes, previous %d, last %d", ErrProtocol, resp.Code, code),
			}
		}
		resp.Code = code
		resp.Lines = append(resp.Lines, text)
		if !more {
			return resp, nil
		}
	}
}

func readError(resp Response, err error) error {
	e := Error{Kind: KindIO}
	if len(resp.Lines) > 0 {
		e.Line = resp.Lines[0]
		e.MoreLines = resp.Lines[1:]
	}
	switch {
	case errors.Is(err, io.ErrUnexpectedEOF):
		e.Err = ErrClosed
	case errors.Is(err, xio.ErrLineTooLong):
		e.Kind = KindParsing
		e.Err = fmt.Errorf("%w: %w", ErrProtocol, err)
	default:
		e.Err = err
	}
	return e
}

// parseEcode parses the enhanced status code at the start of s, e.g. "5.1.1
// no such user". The class must match the major digit of the reply code.
// ../rfc/3463:90
func parseEcode(major int, s string) (secode string, remain string) {
	o := 0
	bad := false
	take := func(need bool, a, b byte) bool {
		if !bad && o < len(s) && s[o] >= a && s[o] <= b {
			o++
			return true
		}
		bad = bad || need
		return false
	}
	digit := func(need bool) bool {
		return take(need, '0', '9')
	}
	dot := func() bool {
		return take(true, '.', '.')
	}

	digit(true)
	dot()
	xo := o
	digit(true)
	for digit(false) {
	}
	dot()
	digit(true)
	for digit(false) {
	}
	secode = s[xo:o]
	take(false, ' ', ' ')
	if bad || int(s[0])-int('0') != major {
		return "", s
	}
	return secode, s[o:]
}
