// Package config models the getssl.cfg-style configuration file (§6): a
// flat set of shell `KEY='value'` assignments, one per recognized option.
// Only three fields have defaults (ACCOUNT_KEY_LENGTH and
// DOMAIN_KEY_LENGTH 4096, RENEW_ALLOW 30); every required field must come
// from the file or loading fails closed. Struct validation is delegated to github.com/letsencrypt/validator/v10
// rather than hand-written field checks.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/letsencrypt/validator/v10"

	acmeerrors "github.com/harborcrypt/acmeclient/errors"
)

// Config is the full set of recognized getssl.cfg options (§6 table).
type Config struct {
	CA        string `cfg:"CA" validate:"required,url"`
	Agreement string `cfg:"AGREEMENT" validate:"omitempty,url"`

	AccountEmail      string `cfg:"ACCOUNT_EMAIL" validate:"omitempty,email"`
	AccountKey        string `cfg:"ACCOUNT_KEY" validate:"required"`
	AccountKeyLength  int    `cfg:"ACCOUNT_KEY_LENGTH"`
	PrivateKeyAlg     string `cfg:"PRIVATE_KEY_ALG" validate:"omitempty,oneof=rsa prime256v1"`
	DomainKeyLength   int    `cfg:"DOMAIN_KEY_LENGTH"`

	SANS []string `cfg:"SANS"`
	ACL  []string `cfg:"ACL"`

	ValidateViaDNS bool   `cfg:"VALIDATE_VIA_DNS"`
	DNSAddCommand  string `cfg:"DNS_ADD_COMMAND" validate:"required_if=ValidateViaDNS true"`
	DNSDelCommand  string `cfg:"DNS_DEL_COMMAND" validate:"required_if=ValidateViaDNS true"`
	DNSExtraWait   int    `cfg:"DNS_EXTRA_WAIT"`

	ServerType  string `cfg:"SERVER_TYPE"`
	CheckRemote bool   `cfg:"CHECK_REMOTE"`
	RenewAllow  int    `cfg:"RENEW_ALLOW"`
	ReloadCmd   string `cfg:"RELOAD_CMD"`

	DomainCertLocation  string `cfg:"DOMAIN_CERT_LOCATION"`
	DomainKeyLocation   string `cfg:"DOMAIN_KEY_LOCATION"`
	CACertLocation      string `cfg:"CA_CERT_LOCATION"`
	DomainChainLocation string `cfg:"DOMAIN_CHAIN_LOCATION"`
	DomainPemLocation   string `cfg:"DOMAIN_PEM_LOCATION"`

	SSLConf string `cfg:"SSLCONF"`
}

var cfgValidator = validator.New()

// Load reads and parses a getssl.cfg-style file and validates the result.
// Unrecognized keys are ignored (operators commonly carry getssl options
// this client doesn't model, such as legacy SKIP_HTTP_TOKEN_CHECK); a
// malformed line is a fatal configuration error.
func Load(path string) (*Config, error) {
	raw, err := parseShellVars(path)
	if err != nil {
		return nil, acmeerrors.ConfigurationError("%s: %v", path, err)
	}

	cfg := &Config{
		AccountKeyLength: 4096,
		DomainKeyLength:  4096,
		RenewAllow:       30,
	}
	assign(cfg, raw)

	if err := cfgValidator.Struct(cfg); err != nil {
		return nil, acmeerrors.ConfigurationError("%s: %v", path, err)
	}
	return cfg, nil
}

// WriteDefault materializes a getssl.cfg with sane placeholders for a
// newly-onboarded domain (§6 `-c`/`--create`), seeding SANS with any
// names discovered on a live remote certificate. Every destination
// field is left blank: deployment is something the operator must opt
// into explicitly, never a guessed default.
func WriteDefault(path, domain string, sans []string) error {
	var sansLine string
	if len(sans) > 0 {
		sansLine = strings.Join(sans, ",")
	}

	contents := fmt.Sprintf(`# getssl.cfg for %[1]s, generated by acmeclient -c.
# Review every value below before running without -c.

CA='https://acme-staging.api.letsencrypt.org'
AGREEMENT=''
ACCOUNT_EMAIL=''
ACCOUNT_KEY='/etc/acmeclient/account.key'
ACCOUNT_KEY_LENGTH='4096'
PRIVATE_KEY_ALG='rsa'
DOMAIN_KEY_LENGTH='4096'

SANS='%[2]s'
ACL=('/var/www/html/.well-known/acme-challenge')

VALIDATE_VIA_DNS='false'
DNS_ADD_COMMAND=''
DNS_DEL_COMMAND=''
DNS_EXTRA_WAIT='0'

SERVER_TYPE='webserver'
CHECK_REMOTE='true'
RENEW_ALLOW='30'
RELOAD_CMD=''

DOMAIN_CERT_LOCATION=''
DOMAIN_KEY_LOCATION=''
CA_CERT_LOCATION=''
DOMAIN_CHAIN_LOCATION=''
DOMAIN_PEM_LOCATION=''

SSLCONF=''
`, domain, sansLine)

	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		return acmeerrors.ConfigurationError("writing %s: %v", path, err)
	}
	return nil
}

// ResolveServerType implements §4.6 step 1: webserver→443, ldaps→636, a
// bare integer string → that port, anything else is a fatal config error.
func (c *Config) ResolveServerType() (int, error) {
	switch c.ServerType {
	case "webserver", "":
		return 443, nil
	case "ldaps":
		return 636, nil
	default:
		port, err := strconv.Atoi(c.ServerType)
		if err != nil || port <= 0 || port > 65535 {
			return 0, acmeerrors.ConfigurationError("SERVER_TYPE %q is not webserver, ldaps, or a valid port", c.ServerType)
		}
		return port, nil
	}
}

// parseShellVars reads KEY='value' / KEY="value" / KEY=value lines,
// skipping blanks and '#' comments, and arrays written as
// KEY=('a' 'b' 'c') or repeated KEY+=('x'). There is no library in the
// retrieval pack for this shell-subset format (it predates this client,
// inherited from the original getssl.sh shell tool's own config files),
// so it is hand-rolled against the standard library; see DESIGN.md.
func parseShellVars(path string) (map[string][]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	out := make(map[string][]string)
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		append_ := false
		eq := strings.Index(line, "=")
		if eq < 0 {
			return nil, fmt.Errorf("line %d: no '=' found: %q", lineNo, line)
		}
		key := line[:eq]
		if strings.HasSuffix(key, "+") {
			key = strings.TrimSuffix(key, "+")
			append_ = true
		}
		key = strings.TrimSpace(key)
		val := strings.TrimSpace(line[eq+1:])

		values, err := parseShellValue(val)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if append_ {
			out[key] = append(out[key], values...)
		} else {
			out[key] = values
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseShellValue unquotes a single scalar or a parenthesized array of
// single/double-quoted tokens.
func parseShellValue(val string) ([]string, error) {
	if strings.HasPrefix(val, "(") {
		inner := strings.TrimSuffix(strings.TrimPrefix(val, "("), ")")
		fields := strings.Fields(inner)
		out := make([]string, 0, len(fields))
		for _, f := range fields {
			out = append(out, unquote(f))
		}
		return out, nil
	}
	return []string{unquote(val)}, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

func assign(cfg *Config, raw map[string][]string) {
	one := func(key string) (string, bool) {
		v, ok := raw[key]
		if !ok || len(v) == 0 {
			return "", false
		}
		return v[0], true
	}
	if v, ok := one("CA"); ok {
		cfg.CA = v
	}
	if v, ok := one("AGREEMENT"); ok {
		cfg.Agreement = v
	}
	if v, ok := one("ACCOUNT_EMAIL"); ok {
		cfg.AccountEmail = v
	}
	if v, ok := one("ACCOUNT_KEY"); ok {
		cfg.AccountKey = v
	}
	if v, ok := one("ACCOUNT_KEY_LENGTH"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AccountKeyLength = n
		}
	}
	if v, ok := one("PRIVATE_KEY_ALG"); ok {
		cfg.PrivateKeyAlg = v
	}
	if v, ok := one("DOMAIN_KEY_LENGTH"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DomainKeyLength = n
		}
	}
	if v, ok := raw["SANS"]; ok {
		cfg.SANS = splitCommaOrArray(v)
	}
	if v, ok := raw["ACL"]; ok {
		cfg.ACL = v
	}
	if v, ok := one("VALIDATE_VIA_DNS"); ok {
		cfg.ValidateViaDNS = isTruthy(v)
	}
	if v, ok := one("DNS_ADD_COMMAND"); ok {
		cfg.DNSAddCommand = v
	}
	if v, ok := one("DNS_DEL_COMMAND"); ok {
		cfg.DNSDelCommand = v
	}
	if v, ok := one("DNS_EXTRA_WAIT"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.DNSExtraWait = n
		}
	}
	if v, ok := one("SERVER_TYPE"); ok {
		cfg.ServerType = v
	}
	if v, ok := one("CHECK_REMOTE"); ok {
		cfg.CheckRemote = isTruthy(v)
	}
	if v, ok := one("RENEW_ALLOW"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RenewAllow = n
		}
	}
	if v, ok := one("RELOAD_CMD"); ok {
		cfg.ReloadCmd = v
	}
	if v, ok := one("DOMAIN_CERT_LOCATION"); ok {
		cfg.DomainCertLocation = v
	}
	if v, ok := one("DOMAIN_KEY_LOCATION"); ok {
		cfg.DomainKeyLocation = v
	}
	if v, ok := one("CA_CERT_LOCATION"); ok {
		cfg.CACertLocation = v
	}
	if v, ok := one("DOMAIN_CHAIN_LOCATION"); ok {
		cfg.DomainChainLocation = v
	}
	if v, ok := one("DOMAIN_PEM_LOCATION"); ok {
		cfg.DomainPemLocation = v
	}
	if v, ok := one("SSLCONF"); ok {
		cfg.SSLConf = v
	}
}

func splitCommaOrArray(v []string) []string {
	if len(v) == 1 && strings.Contains(v[0], ",") {
		parts := strings.Split(v[0], ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return v
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y":
		return true
	default:
		return false
	}
}
