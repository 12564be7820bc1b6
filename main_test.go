package main

import (
	"errors"
	"strings"
	"testing"

	"github.com/mjl-/smtpsubmit/smtp"
)

func TestReadMessage(t *testing.T) {
	test := func(in, exp string) {
		t.Helper()
		buf, err := readMessage(strings.NewReader(in))
		if err != nil {
			t.Fatalf("read message: %v", err)
		}
		if string(buf) != exp {
			t.Fatalf("got %q, expected %q", buf, exp)
		}
	}

	test("", "")
	test("a\nb\n", "a\r\nb\r\n")
	test("a\r\nb\r\n", "a\r\nb\r\n")
	test("a\nb", "a\r\nb\r\n")
	test("Subject: x\n\nbody\r\n", "Subject: x\r\n\r\nbody\r\n")
}

func TestParseEnvelope(t *testing.T) {
	env, err := parseEnvelope("mjl@mox.example", []string{"a@other.example", "b@other.example"})
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	if env.From() == nil || env.From().String() != "mjl@mox.example" || len(env.To()) != 2 {
		t.Fatalf("unexpected envelope %v %v", env.From(), env.To())
	}

	env, err = parseEnvelope("", []string{"a@other.example"})
	if err != nil {
		t.Fatalf("parse envelope with null reverse path: %v", err)
	}
	if env.From() != nil {
		t.Fatalf("got from %v, expected nil", env.From())
	}

	if _, err := parseEnvelope("mjl@mox.example", nil); !errors.Is(err, smtp.ErrMissingTo) {
		t.Fatalf("got err %v, expected ErrMissingTo", err)
	}
	if _, err := parseEnvelope("bogus", []string{"a@other.example"}); err == nil {
		t.Fatalf("expected error for invalid from")
	}
}

func TestCommands(t *testing.T) {
	// All commands must register their usage without running.
	for _, c := range cmds {
		c.describe()
		if c.params == "" && c.help == "" {
			t.Fatalf("command %q has no usage", strings.Join(c.words, " "))
		}
	}
}

func TestWithPrefix(t *testing.T) {
	if l := withPrefix([]string{"outbox"}); len(l) != 3 {
		t.Fatalf("got %d outbox commands, expected 3", len(l))
	}
	if l := withPrefix([]string{"config", "test"}); len(l) != 1 || l[0].name() != "smtpsubmit config test" {
		t.Fatalf("unexpected match for config test: %v", l)
	}
	if l := withPrefix([]string{"bogus"}); len(l) != 0 {
		t.Fatalf("unexpected match for bogus: %v", l)
	}

	for _, c := range withPrefix([]string{"outbox", "drop"}) {
		c.describe()
		if c.synopsis() != "Remove messages from the outbox." {
			t.Fatalf("got synopsis %q", c.synopsis())
		}
		if s := c.usageText(); !strings.HasPrefix(s, "usage: smtpsubmit outbox drop [-failed] [-all] [id ...]\n") || !strings.Contains(s, "-failed") {
			t.Fatalf("unexpected usage %q", s)
		}
	}
}
