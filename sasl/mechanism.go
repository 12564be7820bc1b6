package sasl

import (
	"fmt"
	"log/slog"
	"strings"
)

// Mechanism is a SASL mechanism as used in SMTP AUTH.
type Mechanism string

const (
	MechPlain       Mechanism = "PLAIN"
	MechLogin       Mechanism = "LOGIN"
	MechCRAMMD5     Mechanism = "CRAM-MD5"
	MechXOAUTH2     Mechanism = "XOAUTH2"
	MechOAUTHBEARER Mechanism = "OAUTHBEARER"
	MechSCRAMSHA1   Mechanism = "SCRAM-SHA-1"
	MechSCRAMSHA256 Mechanism = "SCRAM-SHA-256"
)

// Mechanisms is the list of known mechanisms.
var Mechanisms = []Mechanism{MechSCRAMSHA256, MechSCRAMSHA1, MechCRAMMD5, MechPlain, MechLogin, MechXOAUTH2, MechOAUTHBEARER}

// DefaultPreference is the client preference order used when none is
// configured: mechanisms that don't reveal the password come first.
// Token-based mechanisms are not included, they need a token in the
// credentials.
var DefaultPreference = []Mechanism{MechSCRAMSHA256, MechSCRAMSHA1, MechCRAMMD5, MechPlain, MechLogin}

// ParseMechanism returns the known mechanism for s, compared
// case-insensitively.
func ParseMechanism(s string) (Mechanism, bool) {
	for _, m := range Mechanisms {
		if strings.EqualFold(string(m), s) {
			return m, true
		}
	}
	return "", false
}

// ParseMechanisms parses a list of mechanism names, e.g. from a
// configuration file. Unknown names result in an error.
func ParseMechanisms(l []string) ([]Mechanism, error) {
	var r []Mechanism
	for _, s := range l {
		m, ok := ParseMechanism(s)
		if !ok {
			return nil, fmt.Errorf("unknown sasl mechanism %q", s)
		}
		r = append(r, m)
	}
	return r, nil
}

// Credentials for authentication. Token is used by the token-based mechanisms
// (XOAUTH2, OAUTHBEARER), others use Password.
type Credentials struct {
	Username string
	Password string
	Token    string
}

// LogValue makes sure only the username is logged.
func (c Credentials) LogValue() slog.Value {
	return slog.StringValue(c.Username)
}

func (c Credentials) String() string {
	return c.Username
}
