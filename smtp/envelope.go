package smtp

import (
	"errors"
)

// ErrMissingTo is returned when building an envelope without recipients.
var ErrMissingTo = errors.New("envelope has no recipients")

// Envelope holds the SMTP reverse path (MAIL FROM) and forward paths (RCPT
// TO) for a single transaction. The forward path is never empty. A nil
// reverse path results in the null sender "<>", e.g. for bounces.
type Envelope struct {
	reversePath *Address
	forwardPath []Address
}

// NewEnvelope returns an envelope, or ErrMissingTo if to is empty.
func NewEnvelope(from *Address, to []Address) (Envelope, error) {
	if len(to) == 0 {
		return Envelope{}, ErrMissingTo
	}
	env := Envelope{forwardPath: append([]Address{}, to...)}
	if from != nil {
		rp := *from
		env.reversePath = &rp
	}
	return env, nil
}

// From returns the reverse path, or nil for the null sender.
func (e Envelope) From() *Address {
	if e.reversePath == nil {
		return nil
	}
	rp := *e.reversePath
	return &rp
}

// To returns a copy of the forward paths.
func (e Envelope) To() []Address {
	return append([]Address{}, e.forwardPath...)
}

// IsInternational returns whether any address in the envelope needs
// SMTPUTF8.
func (e Envelope) IsInternational() bool {
	if e.reversePath != nil && e.reversePath.IsInternational() {
		return true
	}
	for _, a := range e.forwardPath {
		if a.IsInternational() {
			return true
		}
	}
	return false
}
