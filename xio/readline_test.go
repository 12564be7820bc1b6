package xio

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
)

type errReader struct {
	err error
}

func (r errReader) Read(buf []byte) (int, error) {
	return 0, r.err
}

func TestReadline(t *testing.T) {
	if _, err := Readline(bufio.NewReader(strings.NewReader("this is too long\n")), 8); !errors.Is(err, ErrLineTooLong) {
		t.Fatalf("expected ErrLineTooLong, got error %v", err)
	}
	if _, err := Readline(bufio.NewReader(strings.NewReader("short")), 100); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected ErrUnexpectedEOF, got error %v", err)
	}

	er := errReader{fmt.Errorf("bad")}
	if _, err := Readline(bufio.NewReader(er), 100); err == nil || !errors.Is(err, er.err) {
		t.Fatalf("got unexpected error %v", err)
	}

	br := bufio.NewReader(strings.NewReader("ok\r\nbare\n\r\n"))
	for _, exp := range []string{"ok", "bare", ""} {
		line, err := Readline(br, 100)
		if err != nil || line != exp {
			t.Fatalf("got %q, err %v, expected %q", line, err, exp)
		}
	}

	// Longer than the bufio buffer, but within max.
	long := strings.Repeat("x", 5000)
	line, err := Readline(bufio.NewReaderSize(strings.NewReader(long+"\r\n"), 16), 6000)
	if err != nil || line != long {
		t.Fatalf("long line: got len %d, err %v", len(line), err)
	}
}
