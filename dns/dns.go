// Package dns helps parse internationalized domain names (IDNA) and provides
// a strict, logging and metrics-keeping resolver for the SMTP relay host.
package dns

import (
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/idna"
)

var (
	errTrailingDot = errors.New("dns name has trailing dot")
	errNameLength  = errors.New("dns name or label has invalid length")
	errIDNA        = errors.New("idna")
)

// Domain is a host name as used for the submission server and in EHLO. ASCII
// is always set and is what goes on the wire and into DNS lookups.
type Domain struct {
	// Lower case, with A-labels (xn--...) for internationalized labels.
	ASCII string

	// Only set if the name has non-ASCII labels, in U-label form.
	Unicode string
}

// XName returns the unicode form for display or SMTPUTF8 transactions if utf8
// is set and the name has one, and the ASCII form otherwise.
func (d Domain) XName(utf8 bool) string {
	if !utf8 || d.Unicode == "" {
		return d.ASCII
	}
	return d.Unicode
}

// String returns the ASCII name, preceded by the unicode name and a slash for
// internationalized names.
func (d Domain) String() string {
	if d.Unicode != "" {
		return fmt.Sprintf("%s/%s", d.Unicode, d.ASCII)
	}
	return d.ASCII
}

func (d Domain) IsZero() bool {
	return d.ASCII == "" && d.Unicode == ""
}

// ParseDomain parses a host name with ASCII or unicode labels. The result is
// lower-cased and IDNA-canonicalized, so parsed domains can be compared with ==.
// An absolute name with trailing dot is refused, as are names that would not
// fit in DNS.
func ParseDomain(s string) (Domain, error) {
	if strings.HasSuffix(s, ".") {
		return Domain{}, errTrailingDot
	}
	if s == "" || strings.Contains(s, "..") || strings.HasPrefix(s, ".") {
		return Domain{}, fmt.Errorf("%w: empty label in %q", errNameLength, s)
	}
	ascii, err := idna.Lookup.ToASCII(s)
	if err != nil {
		return Domain{}, fmt.Errorf("%w: %q: %v", errIDNA, s, err)
	}
	// ../rfc/1035:436
	if len(ascii) > 253 {
		return Domain{}, fmt.Errorf("%w: %q", errNameLength, s)
	}
	for _, label := range strings.Split(ascii, ".") {
		if len(label) > 63 {
			return Domain{}, fmt.Errorf("%w: label %q", errNameLength, label)
		}
	}

	d := Domain{ASCII: ascii}
	if strings.Contains(ascii, "xn--") {
		d.Unicode, err = idna.Lookup.ToUnicode(ascii)
		if err != nil {
			return Domain{}, fmt.Errorf("%w: %q to unicode: %v", errIDNA, ascii, err)
		}
	}
	return d, nil
}
