package smtp

import (
	"errors"
	"testing"
)

func TestParseAddress(t *testing.T) {
	good := func(s, expLocalpart, expDomain string) {
		t.Helper()
		a, err := ParseAddress(s)
		if err != nil {
			t.Fatalf("unexpected error for address %q: %v", s, err)
		}
		if string(a.Localpart) != expLocalpart || a.Domain.ASCII != expDomain {
			t.Fatalf("parse %q: got %q @ %q, expected %q @ %q", s, a.Localpart, a.Domain.ASCII, expLocalpart, expDomain)
		}
	}

	bad := func(s string) {
		t.Helper()
		_, err := ParseAddress(s)
		if err == nil {
			t.Fatalf("did not see expected error for address %q", s)
		}
		if !errors.Is(err, ErrBadAddress) {
			t.Fatalf("expected ErrBadAddress, got %v", err)
		}
	}

	good("user@example.com", "user", "example.com")
	good("User@EXAMPLE.com", "User", "example.com")
	good(`"a b"@example.com`, "a b", "example.com")
	good(`"a\"b"@example.com`, `a"b`, "example.com")
	good(`"a@b"@example.com`, "a@b", "example.com")
	bad("user@@example.com")
	bad("user")
	bad("@example.com")
	bad(`"@example.com`)
	bad("\x00@example.com")
	bad("a b@example.com")
	bad("<user@example.com>")
	bad("user@example.com.")
	bad(`"ab\"@example.com`)
}

func TestPackLocalpart(t *testing.T) {
	var l = []struct {
		input, expect string
	}{
		{``, `""`},
		{`a.`, `"a."`},
		{`a.b`, `a.b`},
		{"azAZ09!#$%&'*+-/=?^_`{|}~", "azAZ09!#$%&'*+-/=?^_`{|}~"},
		{` `, `" "`},
		{`a"b`, `"a\"b"`},
		{"<>", `"<>"`},
	}

	for _, e := range l {
		r := Localpart(e.input).String()
		if r != e.expect {
			t.Fatalf("pack localpart %q, expect %q, got %q", e.input, e.expect, r)
		}
	}
}

func TestEnvelope(t *testing.T) {
	if _, err := NewEnvelope(nil, nil); !errors.Is(err, ErrMissingTo) {
		t.Fatalf("expected ErrMissingTo, got %v", err)
	}
	if _, err := NewEnvelope(nil, []Address{}); !errors.Is(err, ErrMissingTo) {
		t.Fatalf("expected ErrMissingTo for empty list, got %v", err)
	}

	from, _ := ParseAddress("a@example.com")
	to, _ := ParseAddress("b@example.com")
	rcpts := []Address{to}
	env, err := NewEnvelope(&from, rcpts)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	rcpts[0] = Address{}
	if got := env.To(); len(got) != 1 || got[0].String() != "b@example.com" {
		t.Fatalf("envelope forward path changed: %v", got)
	}
	if env.From().String() != "a@example.com" {
		t.Fatalf("unexpected reverse path %v", env.From())
	}
	if env.IsInternational() {
		t.Fatalf("envelope is not international")
	}

	null, err := NewEnvelope(nil, []Address{to})
	if err != nil || null.From() != nil {
		t.Fatalf("null sender envelope: %v, %v", null.From(), err)
	}

	intl, _ := ParseAddress("ü@example.com")
	env, _ = NewEnvelope(nil, []Address{to, intl})
	if !env.IsInternational() {
		t.Fatalf("envelope should be international")
	}
}
