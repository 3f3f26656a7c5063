// Package workspace owns the on-disk layout a single run operates under
// (§3 Workspace Layout, §4.7): the shared account key, one directory per
// domain with its key/CSR/certificate/chain, a scratch tmp/ directory
// purged unconditionally on exit, and a strict 077 umask for the
// lifetime of the run so every generated key lands private. Modeled on
// the teacher's scoped-resource cleanup idiom (defer-based teardown run
// on every exit path), generalized from a single RPC connection's
// lifetime to an entire filesystem session's.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	acmeerrors "github.com/harborcrypt/acmeclient/errors"
)

// Session is one run's exclusive view of a domain's slice of the
// workspace. Callers MUST call Close (it is idempotent), normally via defer
// immediately after New returns successfully, so tmp/ is purged and the
// umask restored on every exit path (§4.7, §9 "scoped-acquisition
// pattern").
type Session struct {
	RootDir   string // workDir
	DomainDir string // workDir/<D>
	TmpDir    string // workDir/<D>/tmp

	previousUmask int
	umaskSet      bool

	// TeardownDNS is set by the caller once DNS-01 provisioning begins,
	// so Close can invoke it even if the run fails before reaching its
	// own deferred teardown (§4.7: "invokes DNS teardown if DNS-01 is in
	// progress").
	TeardownDNS func()
}

// New creates workDir, workDir/<D>, and workDir/<D>/tmp if absent, and
// applies the strict 077 umask for the duration of the session.
func New(rootDir, domain string) (*Session, error) {
	domainDir := filepath.Join(rootDir, domain)
	tmpDir := filepath.Join(domainDir, "tmp")

	for _, dir := range []string{rootDir, domainDir, tmpDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, acmeerrors.ConfigurationError("creating %s: %v", dir, err)
		}
	}

	s := &Session{RootDir: rootDir, DomainDir: domainDir, TmpDir: tmpDir}
	s.previousUmask = setUmask(0o077)
	s.umaskSet = true
	return s, nil
}

// Close purges tmp/, runs any pending DNS teardown, and restores the
// original umask. It is idempotent and never returns an error: a cleanup
// failure is logged by the caller, never escalated (§5 cancellation:
// "Cleanup is idempotent and MUST NOT itself fail the process more
// loudly than a log line").
func (s *Session) Close(warnf func(format string, args ...interface{})) {
	if warnf == nil {
		warnf = func(string, ...interface{}) {}
	}
	if s.TeardownDNS != nil {
		s.TeardownDNS()
		s.TeardownDNS = nil
	}
	if err := os.RemoveAll(s.TmpDir); err != nil {
		warnf("removing %s: %v", s.TmpDir, err)
	}
	if s.umaskSet {
		restoreUmask(s.previousUmask)
		s.umaskSet = false
	}
}

// AccountKeyPath is the workspace-wide account key shared across every
// domain (§3: "shared across all domains under one workspace").
func (s *Session) AccountKeyPath() string {
	return filepath.Join(s.RootDir, "account.key")
}

func (s *Session) path(suffix string) string {
	return filepath.Join(s.DomainDir, suffix)
}

// DomainKeyPath, CSRPath, CertPath, ChainPath and PemPath are the
// persisted, non-temp artifacts of a domain's slice of the workspace
// (§3 Workspace Layout).
func (s *Session) DomainKeyPath(domain string) string { return s.path(domain + ".key") }
func (s *Session) CSRPath(domain string) string       { return s.path(domain + ".csr") }
func (s *Session) CertPath(domain string) string      { return s.path(domain + ".crt") }
func (s *Session) ChainPath() string                  { return s.path("chain.crt") }
func (s *Session) PemPath(domain string) string       { return s.path(domain + ".pem") }
func (s *Session) ConfigPath() string                 { return s.path("getssl.cfg") }

// Archive renames path to "<path>_<startDate>_<endDate>" (ISO YYYY-MM-DD)
// before it is overwritten by a renewal (§3 Archive Entry, §4.6 step 4).
// A missing source file is not an error: there is nothing to archive on
// a first issuance.
func Archive(path string, notBefore, notAfter time.Time) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	archived := fmt.Sprintf("%s_%s_%s", path, notBefore.Format("2006-01-02"), notAfter.Format("2006-01-02"))
	if err := os.Rename(path, archived); err != nil {
		return acmeerrors.ConfigurationError("archiving %s: %v", path, err)
	}
	return nil
}

// Domains lists the direct child directories of rootDir that look like
// per-domain workspaces (i.e. contain a getssl.cfg), for all-domains mode
// (§4.7 "iterate every direct child directory of workDir").
func Domains(rootDir string) ([]string, error) {
	entries, err := os.ReadDir(rootDir)
	if err != nil {
		return nil, acmeerrors.ConfigurationError("listing %s: %v", rootDir, err)
	}
	var domains []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(rootDir, e.Name(), "getssl.cfg")); err == nil {
			domains = append(domains, e.Name())
		}
	}
	return domains, nil
}
