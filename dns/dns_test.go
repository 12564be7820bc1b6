package dns

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/mjl-/adns"
)

func TestParseDomain(t *testing.T) {
	test := func(s string, exp Domain, expErr error) {
		t.Helper()
		dom, err := ParseDomain(s)
		if (err == nil) != (expErr == nil) || expErr != nil && !errors.Is(err, expErr) {
			t.Fatalf("parse domain %q: err %v, expected %v", s, err, expErr)
		}
		if expErr == nil && dom != exp {
			t.Fatalf("parse domain %q: got %#v, expected %#v", s, dom, exp)
		}
	}

	test("mail.example", Domain{"mail.example", ""}, nil)
	test("MAIL.EXAMPLE", Domain{"mail.example", ""}, nil)
	test("TEST☺.EXAMPLE.COM", Domain{"xn--test-3o3b.example.com", "test☺.example.com"}, nil)
	test("xn--test-3o3b.example.com", Domain{"xn--test-3o3b.example.com", "test☺.example.com"}, nil)
	test("mail.example.", Domain{}, errTrailingDot)
	test("_underscore.example", Domain{}, errIDNA)
	test("", Domain{}, errNameLength)
	test("mail..example", Domain{}, errNameLength)
	test(strings.Repeat("a", 64)+".example", Domain{}, errNameLength)
	test(strings.Repeat("a", 63)+".example", Domain{strings.Repeat("a", 63) + ".example", ""}, nil)

	d := Domain{"xn--test-3o3b.example.com", "test☺.example.com"}
	if d.XName(false) != d.ASCII || d.XName(true) != d.Unicode || d.String() != "test☺.example.com/xn--test-3o3b.example.com" {
		t.Fatalf("unexpected names for %#v", d)
	}
	if ascii := (Domain{ASCII: "mail.example"}); ascii.XName(true) != "mail.example" || ascii.String() != "mail.example" {
		t.Fatalf("unexpected names for %#v", ascii)
	}
}

func TestParseIPDomain(t *testing.T) {
	test := func(s string, expIP string, expDomain string, expLiteral string) {
		t.Helper()
		d, err := ParseIPDomain(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		if expIP != "" && !d.IP.Equal(net.ParseIP(expIP)) || expIP == "" && d.IsIP() {
			t.Fatalf("parse %q: got ip %v, expected %q", s, d.IP, expIP)
		}
		if d.Domain.ASCII != expDomain {
			t.Fatalf("parse %q: got domain %q, expected %q", s, d.Domain.ASCII, expDomain)
		}
		if lit := d.Literal(); lit != expLiteral {
			t.Fatalf("literal for %q: got %q, expected %q", s, lit, expLiteral)
		}
	}
	test("192.0.2.1", "192.0.2.1", "", "[192.0.2.1]")
	test("[192.0.2.1]", "192.0.2.1", "", "[192.0.2.1]")
	test("[IPv6:2001:db8::1]", "2001:db8::1", "", "[IPv6:2001:db8::1]")
	test("Mail.Example", "", "mail.example", "mail.example")

	if _, err := ParseIPDomain("[bogus]"); err == nil {
		t.Fatalf("expected error for bad literal")
	}
}

func TestMockResolver(t *testing.T) {
	r := MockResolver{
		A:    map[string][]string{"mail.example.": {"192.0.2.1"}},
		AAAA: map[string][]string{"mail.example.": {"2001:db8::1"}},
		Fail: []string{"fail.example."},
	}
	ctx := context.Background()
	ips, _, err := r.LookupIP(ctx, "ip", "mail.example.")
	if err != nil || len(ips) != 2 {
		t.Fatalf("lookup: got %v, %v", ips, err)
	}
	ips, _, err = r.LookupIP(ctx, "ip6", "mail.example.")
	if err != nil || len(ips) != 1 || !ips[0].Equal(net.ParseIP("2001:db8::1")) {
		t.Fatalf("lookup ip6: got %v, %v", ips, err)
	}
	var dnsErr *adns.DNSError
	if _, _, err := r.LookupIP(ctx, "ip", "fail.example."); !errors.As(err, &dnsErr) || !dnsErr.IsTemporary {
		t.Fatalf("expected temporary error, got %v", err)
	}
	if _, _, err := r.LookupIP(ctx, "ip", "absent.example."); !errors.As(err, &dnsErr) || !dnsErr.IsNotFound {
		t.Fatalf("expected not found error, got %v", err)
	}
}

func TestStrictResolverRelative(t *testing.T) {
	_, _, err := StrictResolver{}.LookupIP(context.Background(), "ip", "mail.example")
	if !errors.Is(err, ErrRelativeDNSName) {
		t.Fatalf("expected ErrRelativeDNSName, got %v", err)
	}
}
