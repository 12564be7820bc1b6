package smtpclient

import (
	"errors"
	"fmt"
)

// Kind classifies an Error by where it originated.
type Kind int

const (
	KindIO       Kind = iota // Reading from or writing to the connection failed.
	KindTLS                  // TLS handshake failed.
	KindParsing              // Malformed response from the server.
	KindResponse             // Server responded with an unexpected reply code.
	KindClient               // Local failure, e.g. a precondition wasn't met. Nothing was sent.
)

var kindStrings = map[Kind]string{
	KindIO:       "io",
	KindTLS:      "tls",
	KindParsing:  "parsing",
	KindResponse: "response",
	KindClient:   "client",
}

func (k Kind) String() string {
	if s, ok := kindStrings[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrClosed              = errors.New("connection closed unexpectedly")
	ErrProtocol            = errors.New("smtp protocol error")                                     // After a malformed SMTP response or inconsistent multi-line response.
	ErrTLS                 = errors.New("tls error")                                               // E.g. handshake failure.
	ErrStatus              = errors.New("remote smtp server sent unexpected response status code") // E.g. when a 250 OK was expected and server sent 451 temporary error.
	ErrNoMechanism         = errors.New("no compatible authentication mechanism")
	ErrTooManyChallenges   = errors.New("too many authentication challenges from server")
	ErrStartTLSUnsupported = errors.New("remote smtp server does not implement starttls")
	ErrAuth                = errors.New("authentication failed")
	ErrBroken              = errors.New("smtp connection is broken or closed") // Returned for operations after an earlier failure or quit.
	ErrState               = errors.New("operation not allowed in current connection state")
	ErrSize                = errors.New("message too large for remote smtp server") // SMTP server announced a maximum message size and the message to be delivered exceeds it.
	ErrSMTPUTF8Unsupported = errors.New("remote smtp server does not implement smtputf8 extension, required by envelope")
)

// Error represents a failure during an SMTP operation. The Err field holds
// one of the sentinel errors above, possibly wrapped, and can be matched with
// errors.Is.
type Error struct {
	Kind Kind

	// Whether failure is permanent, typically because of 5xx response.
	Permanent bool
	// SMTP response status, e.g. 2xx for success, 4xx for transient error and 5xx
	// for permanent failure. Zero for errors that did not come from a response.
	Code int
	// Short enhanced status, minus first digit and dot. Can be empty, e.g. for io
	// errors or if remote does not send enhanced status codes.
	Secode string
	// SMTP command causing failure.
	Command string
	// For errors due to SMTP responses, the full SMTP line excluding CRLF that caused
	// the error. First line of a multi-line response.
	Line string
	// Optional additional lines in case of multi-line SMTP response.
	MoreLines []string
	// Underlying error, e.g. one of the Err variables in this package, or io errors.
	Err error
}

// Unwrap returns the underlying Err.
func (e Error) Unwrap() error {
	return e.Err
}

// Error returns a readable error string.
func (e Error) Error() string {
	s := e.Kind.String()
	if e.Command != "" {
		s += " error during " + e.Command
	} else {
		s += " error"
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	if e.Code != 0 {
		if e.Permanent {
			s += ", permanent"
		} else {
			s += ", transient"
		}
		s += fmt.Sprintf(": %d", e.Code)
		if e.Line != "" {
			s += " " + e.Line
		}
	}
	return s
}

// IsTransient returns whether the server responded with a 4xx code.
func (e Error) IsTransient() bool {
	return e.Code/100 == 4
}

// IsPermanent returns whether the server responded with a 5xx code.
func (e Error) IsPermanent() bool {
	return e.Code/100 == 5
}
