package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCfg(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "getssl.cfg")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing test config: %v", err)
	}
	return path
}

func TestLoadParsesScalarsAndArrays(t *testing.T) {
	path := writeCfg(t, `
# comment line
CA='https://acme-v01.api.letsencrypt.org'
ACCOUNT_KEY="/etc/acme/account.key"
ACCOUNT_EMAIL=ops@example.com
SANS='www.example.com,api.example.com'
ACL=('/var/www/.well-known/acme-challenge')
ACL+=('ssh:host2:/var/www/.well-known/acme-challenge')
RENEW_ALLOW=20
CHECK_REMOTE=true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CA != "https://acme-v01.api.letsencrypt.org" {
		t.Fatalf("CA = %q", cfg.CA)
	}
	if cfg.AccountKey != "/etc/acme/account.key" {
		t.Fatalf("AccountKey = %q", cfg.AccountKey)
	}
	wantSANS := []string{"www.example.com", "api.example.com"}
	if len(cfg.SANS) != 2 || cfg.SANS[0] != wantSANS[0] || cfg.SANS[1] != wantSANS[1] {
		t.Fatalf("SANS = %v, want %v", cfg.SANS, wantSANS)
	}
	if len(cfg.ACL) != 2 || cfg.ACL[1] != "ssh:host2:/var/www/.well-known/acme-challenge" {
		t.Fatalf("ACL = %v", cfg.ACL)
	}
	if cfg.RenewAllow != 20 {
		t.Fatalf("RenewAllow = %d, want 20", cfg.RenewAllow)
	}
	if !cfg.CheckRemote {
		t.Fatalf("expected CheckRemote=true")
	}
}

func TestLoadFailsWithoutRequiredFields(t *testing.T) {
	path := writeCfg(t, `ACCOUNT_EMAIL=ops@example.com`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for missing CA/ACCOUNT_KEY")
	}
}

func TestLoadRejectsDNSModeWithoutHookCommands(t *testing.T) {
	path := writeCfg(t, `
CA='https://acme-v01.api.letsencrypt.org'
ACCOUNT_KEY='/etc/acme/account.key'
VALIDATE_VIA_DNS=true
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for DNS mode without hook commands")
	}
}

func TestResolveServerType(t *testing.T) {
	cases := map[string]int{
		"webserver": 443,
		"":          443,
		"ldaps":     636,
		"8443":      8443,
	}
	for serverType, want := range cases {
		cfg := &Config{ServerType: serverType}
		got, err := cfg.ResolveServerType()
		if err != nil {
			t.Fatalf("ResolveServerType(%q): %v", serverType, err)
		}
		if got != want {
			t.Fatalf("ResolveServerType(%q) = %d, want %d", serverType, got, want)
		}
	}
}

func TestResolveServerTypeRejectsGarbage(t *testing.T) {
	cfg := &Config{ServerType: "not-a-port"}
	if _, err := cfg.ResolveServerType(); err == nil {
		t.Fatalf("expected error for invalid SERVER_TYPE")
	}
}

func TestParseShellValueHandlesQuotingStyles(t *testing.T) {
	values, err := parseShellValue(`('one' "two" three)`)
	if err != nil {
		t.Fatalf("parseShellValue: %v", err)
	}
	want := []string{"one", "two", "three"}
	for i, w := range want {
		if values[i] != w {
			t.Fatalf("parseShellValue = %v, want %v", values, want)
		}
	}
}
