package smtpclient

import (
	"bufio"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func TestParseLine(t *testing.T) {
	test := func(line string, expCode int, expMore bool, expText string, expErr bool) {
		t.Helper()
		code, more, text, err := ParseLine(line)
		if expErr {
			var cerr Error
			if err == nil || !errors.As(err, &cerr) || cerr.Kind != KindParsing || !errors.Is(err, ErrProtocol) {
				t.Fatalf("parse %q: got err %v, expected parsing error", line, err)
			}
			return
		}
		if err != nil {
			t.Fatalf("parse %q: %v", line, err)
		}
		if code != expCode || more != expMore || text != expText {
			t.Fatalf("parse %q: got %d %v %q, expected %d %v %q", line, code, more, text, expCode, expMore, expText)
		}
	}

	test("250 ok", 250, false, "ok", false)
	test("250-mail.example", 250, true, "mail.example", false)
	test("250", 250, false, "", false)
	test("354 ", 354, false, "", false)
	test("220 mail.example ESMTP ready", 220, false, "mail.example ESMTP ready", false)
	test("25 ok", 0, false, "", true)
	test("2500 ok", 0, false, "", true)
	test("250x", 0, false, "", true)
	test("", 0, false, "", true)
	test("abc def", 0, false, "", true)
}

func TestReadResponse(t *testing.T) {
	test := func(s string, exp Response, expErr error, expKind Kind) {
		t.Helper()
		resp, err := ReadResponse(bufio.NewReader(strings.NewReader(s)))
		if expErr != nil {
			var cerr Error
			if err == nil || !errors.Is(err, expErr) || !errors.As(err, &cerr) || cerr.Kind != expKind {
				t.Fatalf("read %q: got err %v, expected %v of kind %s", s, err, expErr, expKind)
			}
			return
		}
		if err != nil {
			t.Fatalf("read %q: %v", s, err)
		}
		if !reflect.DeepEqual(resp, exp) {
			t.Fatalf("read %q: got %#v, expected %#v", s, resp, exp)
		}
	}

	test("250 ok\r\n", Response{Code: 250, Lines: []string{"ok"}}, nil, 0)
	test("250-mail.example\r\n250-PIPELINING\r\n250 SIZE 1000\r\n", Response{Code: 250, Lines: []string{"mail.example", "PIPELINING", "SIZE 1000"}}, nil, 0)
	test("250 ok\n", Response{Code: 250, Lines: []string{"ok"}}, nil, 0)
	test("250\r\n", Response{Code: 250, Lines: []string{""}}, nil, 0)

	// Only the first response is read.
	test("250 first\r\n251 second\r\n", Response{Code: 250, Lines: []string{"first"}}, nil, 0)

	test("250-one\r\n251 two\r\n", Response{}, ErrProtocol, KindParsing)
	test("250-one\r\n", Response{}, ErrClosed, KindIO)
	test("250 partial", Response{}, ErrClosed, KindIO)
	test("", Response{}, ErrClosed, KindIO)
	test("hello\r\n", Response{}, ErrProtocol, KindParsing)
	test(strings.Repeat("x", maxLineLength+10)+"\r\n", Response{}, ErrProtocol, KindParsing)
}

// Lines arriving in parts are not an error.
func TestReadResponsePartial(t *testing.T) {
	r := bufio.NewReaderSize(&chunkReader{data: "250-mail.example\r\n250 8BITMIME\r\n", n: 3}, 16)
	resp, err := ReadResponse(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if resp.Code != 250 || len(resp.Lines) != 2 || resp.Lines[1] != "8BITMIME" {
		t.Fatalf("unexpected response %#v", resp)
	}
}

type chunkReader struct {
	data string
	n    int
}

func (r *chunkReader) Read(buf []byte) (int, error) {
	if r.data == "" {
		return 0, errors.New("eof")
	}
	n := min(len(buf), r.n, len(r.data))
	copy(buf, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestResponse(t *testing.T) {
	test := func(code int, positive, transient, permanent bool) {
		t.Helper()
		r := Response{Code: code, Lines: []string{"text"}}
		if r.IsPositive() != positive || r.IsTransient() != transient || r.IsPermanent() != permanent {
			t.Fatalf("code %d: got positive %v transient %v permanent %v", code, r.IsPositive(), r.IsTransient(), r.IsPermanent())
		}
	}
	test(199, false, false, false)
	test(200, true, false, false)
	test(250, true, false, false)
	test(334, true, false, false)
	test(399, true, false, false)
	test(400, false, true, false)
	test(451, false, true, false)
	test(550, false, false, true)

	r := Response{Code: 250, Lines: []string{"first", "second"}}
	if s := r.String(); s != "250 first second" {
		t.Fatalf("string: got %q", s)
	}
}

func TestParseEcode(t *testing.T) {
	test := func(major int, s, expSecode, expRemain string) {
		t.Helper()
		secode, remain := parseEcode(major, s)
		if secode != expSecode || remain != expRemain {
			t.Fatalf("parseEcode %d %q: got %q %q, expected %q %q", major, s, secode, remain, expSecode, expRemain)
		}
	}
	test(2, "2.1.0 ok", "1.0", "ok")
	test(5, "5.7.8 bad credentials", "7.8", "bad credentials")
	test(5, "4.7.8 wrong class", "", "4.7.8 wrong class")
	test(2, "ok", "", "ok")
	test(2, "", "", "")
	test(2, "2.1", "", "2.1")
}
