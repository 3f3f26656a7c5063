package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewCreatesLayout(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, "example.com")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close(nil)

	for _, dir := range []string{s.RootDir, s.DomainDir, s.TmpDir} {
		info, err := os.Stat(dir)
		if err != nil || !info.IsDir() {
			t.Fatalf("expected directory at %s", dir)
		}
	}
}

func TestCloseRemovesTmpAndRunsDNSTeardown(t *testing.T) {
	root := t.TempDir()
	s, err := New(root, "example.com")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	marker := filepath.Join(s.TmpDir, "scratch")
	os.WriteFile(marker, []byte("x"), 0o600)

	torndown := false
	s.TeardownDNS = func() { torndown = true }
	s.Close(nil)

	if !torndown {
		t.Fatalf("expected DNS teardown to run")
	}
	if _, err := os.Stat(s.TmpDir); !os.IsNotExist(err) {
		t.Fatalf("expected tmp dir to be removed, stat err = %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	root := t.TempDir()
	s, _ := New(root, "example.com")
	s.Close(nil)
	s.Close(nil) // must not panic or double-restore umask incorrectly
}

func TestArchiveRenamesExistingFileWithDateSuffix(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "example.com.crt")
	os.WriteFile(path, []byte("old-cert"), 0o600)

	notBefore := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	if err := Archive(path, notBefore, notAfter); err != nil {
		t.Fatalf("Archive: %v", err)
	}

	want := path + "_2026-01-01_2026-04-01"
	if _, err := os.Stat(want); err != nil {
		t.Fatalf("expected archived file at %s: %v", want, err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected original path gone after archive")
	}
}

func TestArchiveIsNoOpWhenSourceMissing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "missing.crt")
	if err := Archive(path, time.Now(), time.Now()); err != nil {
		t.Fatalf("Archive on missing file should be a no-op, got %v", err)
	}
}

func TestDomainsListsOnlyDirsWithConfig(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"a.example.com", "b.example.com", "not-a-domain"} {
		os.MkdirAll(filepath.Join(root, d), 0o700)
	}
	os.WriteFile(filepath.Join(root, "a.example.com", "getssl.cfg"), []byte(""), 0o600)
	os.WriteFile(filepath.Join(root, "b.example.com", "getssl.cfg"), []byte(""), 0o600)

	domains, err := Domains(root)
	if err != nil {
		t.Fatalf("Domains: %v", err)
	}
	if len(domains) != 2 {
		t.Fatalf("Domains = %v, want 2 entries", domains)
	}
}

func TestAppendHistoryWritesRecords(t *testing.T) {
	root := t.TempDir()
	s, _ := New(root, "example.com")
	defer s.Close(nil)

	if err := s.AppendHistory(HistoryRecord{At: time.Now(), Action: ActionIssued, Fingerprint: "abc123"}); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}
	raw, err := os.ReadFile(filepath.Join(s.DomainDir, "history.yaml"))
	if err != nil {
		t.Fatalf("reading history.yaml: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected non-empty history.yaml")
	}
}
