package smtp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mjl-/smtpsubmit/dns"
)

var ErrBadAddress = errors.New("invalid email address")

// Localpart is a decoded local part of an email address, before the "@".
// For quoted strings, values do not hold the double quote or escaping backslashes.
type Localpart string

// String returns a packed representation of a localpart, with quoting and
// escaping as needed, for use in SMTP.
func (lp Localpart) String() string {
	// See ../rfc/5321:2322 ../rfc/6531:414
	if lp.isDotString() {
		return string(lp)
	}
	var b strings.Builder
	b.WriteByte('"')
	for _, c := range lp {
		if c == '"' || c == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(c)
	}
	b.WriteByte('"')
	return b.String()
}

func (lp Localpart) isDotString() bool {
	for _, e := range strings.Split(string(lp), ".") {
		if e == "" {
			return false
		}
		for _, c := range e {
			if !isAtext(c) {
				return false
			}
		}
	}
	return true
}

func isAtext(c rune) bool {
	if c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c > 0x7f {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", c)
}

// IsInternational returns if this is an internationalized local part, i.e. has
// non-ASCII characters.
func (lp Localpart) IsInternational() bool {
	for _, c := range lp {
		if c > 0x7f {
			return true
		}
	}
	return false
}

// Address is an email address, as used in an SMTP envelope.
type Address struct {
	Localpart Localpart
	Domain    dns.Domain
}

func (a Address) IsZero() bool {
	return a == Address{}
}

// Pack returns the address in string form. If smtputf8 is true, the domain is
// formatted with non-ASCII characters. If localpart has non-ASCII characters,
// they are returned regardless of smtputf8.
func (a Address) Pack(smtputf8 bool) string {
	if a.IsZero() {
		return ""
	}
	return a.Localpart.String() + "@" + a.Domain.XName(smtputf8)
}

// String returns the address in string form with non-ASCII characters.
func (a Address) String() string {
	return a.Pack(true)
}

// LogString returns the address, with an additional ASCII-only form if the
// domain is an IDNA name or the localpart needs escaping.
func (a Address) LogString() string {
	if a.IsZero() {
		return ""
	}
	s := a.Pack(true)
	lp := a.Localpart.String()
	qlp := strconv.QuoteToASCII(lp)
	escaped := qlp != `"`+lp+`"`
	if a.Domain.Unicode != "" || escaped {
		if escaped {
			lp = qlp
		}
		s += "/" + lp + "@" + a.Domain.ASCII
	}
	return s
}

// IsInternational returns whether the address needs the SMTPUTF8 extension.
func (a Address) IsInternational() bool {
	return a.Localpart.IsInternational() || a.Domain.Unicode != ""
}

// ParseAddress parses an email address of the form localpart@domain, with an
// optional quoted localpart. Only basic checks are done: the domain must be a
// valid (IDNA) domain name, and the address cannot contain characters that
// would break an SMTP command line.
func ParseAddress(s string) (Address, error) {
	i := strings.LastIndexByte(s, '@')
	if i < 0 {
		return Address{}, fmt.Errorf("%w: missing @", ErrBadAddress)
	}
	lps, ds := s[:i], s[i+1:]
	for _, c := range s {
		if c < ' ' || c == 0x7f || c == '<' || c == '>' {
			return Address{}, fmt.Errorf("%w: invalid character %q", ErrBadAddress, c)
		}
	}
	lp, err := parseLocalpart(lps)
	if err != nil {
		return Address{}, err
	}
	d, err := dns.ParseDomain(ds)
	if err != nil {
		return Address{}, fmt.Errorf("%w: %v", ErrBadAddress, err)
	}
	return Address{lp, d}, nil
}

func parseLocalpart(s string) (Localpart, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty localpart", ErrBadAddress)
	}
	if !strings.HasPrefix(s, `"`) {
		if strings.ContainsAny(s, " \"\\@") {
			return "", fmt.Errorf("%w: localpart %q needs quoting", ErrBadAddress, s)
		}
		return Localpart(s), nil
	}
	if len(s) < 2 || !strings.HasSuffix(s, `"`) {
		return "", fmt.Errorf("%w: unterminated quoted localpart", ErrBadAddress)
	}
	var b strings.Builder
	var esc bool
	for _, c := range s[1 : len(s)-1] {
		switch {
		case esc:
			esc = false
		case c == '\\':
			esc = true
			continue
		case c == '"':
			return "", fmt.Errorf("%w: unescaped dquote in quoted localpart", ErrBadAddress)
		}
		b.WriteRune(c)
	}
	if esc {
		return "", fmt.Errorf("%w: quoted localpart ends with backslash", ErrBadAddress)
	}
	return Localpart(b.String()), nil
}
