package submitvar

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func TestRegisterLogger(t *testing.T) {
	log := slog.Default()
	p := filepath.Join(t.TempDir(), "test.db")
	if l := RegisterLogger(p, log); l != nil {
		t.Fatalf("got logger for new database under test")
	}
	if err := os.WriteFile(p, nil, 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if l := RegisterLogger(p, log); l != log {
		t.Fatalf("no logger for existing database")
	}
}

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Fatalf("empty version")
	}
}
