package metrics

import (
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestServe(t *testing.T) {
	addr, stop, err := Serve(nil, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	defer stop()

	PanicInc(Bulk)
	AuthenticationInc("plain", "ok")

	resp, err := http.Get("http://" + addr.String() + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	buf, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("reading metrics: %v", err)
	}
	for _, s := range []string{
		`smtpsubmit_panic_total{pkg="bulk"} 1`,
		`smtpsubmit_panic_total{pkg="smtpclient"} 0`,
		`smtpsubmit_authentication_total{mechanism="plain",result="ok"} 1`,
	} {
		if !strings.Contains(string(buf), s) {
			t.Fatalf("metrics output misses %q", s)
		}
	}

	resp, err = http.Get("http://" + addr.String() + "/other")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("got status %d for unknown path", resp.StatusCode)
	}
}
