package config

import (
	"fmt"

	"golang.org/x/net/idna"

	"github.com/weppos/publicsuffix-go/publicsuffix"

	acmeerrors "github.com/harborcrypt/acmeclient/errors"
)

// GuardName implements the `-c` config-create supplement (§SPEC_FULL
// supplement 3): every candidate primary/SAN name is normalized to ASCII
// via IDN/punycode and rejected outright if it is itself a bare public
// suffix (e.g. "co.uk"), since a CSR or authorization for one is never
// issuable and failing at config-create time is cheaper than failing
// after an ACME round-trip.
func GuardName(name string) (string, error) {
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil {
		return "", acmeerrors.ConfigurationError("%s: not a valid domain name: %v", name, err)
	}
	parsed, err := publicsuffix.Parse(ascii)
	if err != nil || parsed.SLD == "" {
		return "", acmeerrors.ConfigurationError("%s: is a public suffix, not a registrable domain", ascii)
	}
	return ascii, nil
}

// GuardNames applies GuardName to a primary name plus its SANs, returning
// the normalized set or the first failure encountered.
func GuardNames(primary string, sans []string) ([]string, error) {
	out := make([]string, 0, len(sans)+1)
	p, err := GuardName(primary)
	if err != nil {
		return nil, err
	}
	out = append(out, p)
	for _, s := range sans {
		n, err := GuardName(s)
		if err != nil {
			return nil, fmt.Errorf("SANS: %w", err)
		}
		out = append(out, n)
	}
	return out, nil
}
