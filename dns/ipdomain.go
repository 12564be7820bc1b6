package dns

import (
	"fmt"
	"net"
	"strings"
)

// IPDomain is an ip address, a domain, or empty.
type IPDomain struct {
	IP     net.IP
	Domain Domain
}

// ParseIPDomain parses s as an IP address, optionally in brackets as in SMTP
// address literals ("[192.0.2.1]", "[IPv6:2001:db8::1]"), or otherwise as a
// domain name.
func ParseIPDomain(s string) (IPDomain, error) {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		ips := strings.TrimPrefix(s[1:len(s)-1], "IPv6:")
		ip := net.ParseIP(ips)
		if ip == nil {
			return IPDomain{}, fmt.Errorf("invalid ip address literal %q", s)
		}
		return IPDomain{IP: ip}, nil
	}
	if ip := net.ParseIP(s); ip != nil {
		return IPDomain{IP: ip}, nil
	}
	d, err := ParseDomain(s)
	if err != nil {
		return IPDomain{}, err
	}
	return IPDomain{Domain: d}, nil
}

// IsZero returns if both IP and Domain are zero.
func (d IPDomain) IsZero() bool {
	return d.IP == nil && d.Domain == Domain{}
}

// String returns a string representation of either the IP or domain (with
// UTF-8).
func (d IPDomain) String() string {
	if d.IsIP() {
		return d.IP.String()
	}
	return d.Domain.XName(true)
}

// Literal returns the IP in SMTP address literal syntax, or the ASCII domain
// name, e.g. for use in EHLO.
func (d IPDomain) Literal() string {
	if !d.IsIP() {
		return d.Domain.ASCII
	}
	if d.IP.To4() != nil {
		return "[" + d.IP.String() + "]"
	}
	return "[IPv6:" + d.IP.String() + "]"
}

func (d IPDomain) IsIP() bool {
	return len(d.IP) > 0
}

func (d IPDomain) IsDomain() bool {
	return !d.Domain.IsZero()
}
