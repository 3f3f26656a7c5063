// Package core holds the wire-level ACME v1 data model shared by every
// other package: identifiers, authorizations, challenges and the handful
// of string encodings ACME layers on top of plain JSON.
package core

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/exp/slices"
)

// AcmeStatus is the status of an authorization or challenge.
type AcmeStatus string

// AcmeResource identifies the "resource" field sent on every ACME v1 payload.
type AcmeResource string

const (
	StatusPending    = AcmeStatus("pending")
	StatusProcessing = AcmeStatus("processing")
	StatusValid      = AcmeStatus("valid")
	StatusInvalid    = AcmeStatus("invalid")
)

const (
	ResourceNewReg   = AcmeResource("new-reg")
	ResourceNewAuthz = AcmeResource("new-authz")
	ResourceNewCert  = AcmeResource("new-cert")
	ResourceChallenge = AcmeResource("challenge")
)

// Challenge types this client knows how to answer. ACME v1 servers may
// offer others (tls-sni-01, and legacy simpleHttp/dvsni); the client
// ignores any it does not recognize.
const (
	ChallengeTypeHTTP01 = "http-01"
	ChallengeTypeDNS01  = "dns-01"
)

// DNSPrefix is the label prepended to a domain name for dns-01 TXT lookups.
const DNSPrefix = "_acme-challenge"

// IdentifierDNS is the only identifier type ACME v1 and this client support.
const IdentifierDNS = "dns"

// AcmeIdentifier names the thing being authorized.
type AcmeIdentifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// ProblemDetails is the RFC 7807-shaped error body ACME servers return.
type ProblemDetails struct {
	Type   string `json:"type,omitempty"`
	Detail string `json:"detail,omitempty"`
}

func (pd *ProblemDetails) Error() string {
	return fmt.Sprintf("%s :: %s", pd.Type, pd.Detail)
}

// KeyAuthorization is token.thumbprint, the value an HTTP-01 response body
// or the preimage of a dns-01 TXT record must equal/hash to.
type KeyAuthorization struct {
	Token      string
	Thumbprint string
}

// NewKeyAuthorization assembles a key authorization from a challenge token
// and an account key thumbprint.
func NewKeyAuthorization(token, thumbprint string) (KeyAuthorization, error) {
	if token == "" || thumbprint == "" {
		return KeyAuthorization{}, fmt.Errorf("token and thumbprint must both be non-empty")
	}
	return KeyAuthorization{Token: token, Thumbprint: thumbprint}, nil
}

// String renders "token.thumbprint".
func (ka KeyAuthorization) String() string {
	return ka.Token + "." + ka.Thumbprint
}

// Match does a constant-time comparison against a token/thumbprint pair,
// mirroring the teacher's use of crypto/subtle for this check.
func (ka KeyAuthorization) Match(token, thumbprint string) bool {
	tokensEqual := subtle.ConstantTimeCompare([]byte(token), []byte(ka.Token))
	thumbsEqual := subtle.ConstantTimeCompare([]byte(thumbprint), []byte(ka.Thumbprint))
	return tokensEqual == 1 && thumbsEqual == 1
}

// Challenge is a single challenge offered inside an Authorization. Rather
// than modeling http-01/dns-01/other as distinct Go types we keep the
// teacher's single-struct-with-a-type-tag shape, since the wire format is
// a heterogeneous JSON array and that's the natural unmarshal target; the
// orchestrator switches on Type to pick behavior.
type Challenge struct {
	Type   string     `json:"type"`
	Status AcmeStatus `json:"status,omitempty"`
	URI    string     `json:"uri"`
	Token  string     `json:"token,omitempty"`

	Error *ProblemDetails `json:"error,omitempty"`

	KeyAuthorization string `json:"keyAuthorization,omitempty"`
}

// IsKnownType reports whether the orchestrator has a handler for this
// challenge's Type.
func (ch Challenge) IsKnownType() bool {
	return ch.Type == ChallengeTypeHTTP01 || ch.Type == ChallengeTypeDNS01
}

// Authorization is the CA's per-identifier authorization object.
type Authorization struct {
	Identifier AcmeIdentifier `json:"identifier"`
	Status     AcmeStatus     `json:"status,omitempty"`
	Challenges []Challenge    `json:"challenges,omitempty"`
}

// ChallengeOfType returns the first challenge of the given type, or false.
func (a Authorization) ChallengeOfType(typ string) (Challenge, bool) {
	for _, c := range a.Challenges {
		if c.Type == typ {
			return c, true
		}
	}
	return Challenge{}, false
}

// SANList renders the OpenSSL-style "DNS:a,DNS:b,..." subjectAltName value
// getssl-compatible configuration and CSR construction both expect, with
// names sorted and deduplicated so it is stable across runs.
func SANList(primary string, sans []string) string {
	names := UniqueSorted(append([]string{primary}, sans...))
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = "DNS:" + n
	}
	return strings.Join(parts, ",")
}

// UniqueSorted deduplicates and sorts a list of domain names. Used to
// compare {primary} ∪ SANS against a CSR's name set as an order-independent
// set equality check (§3 invariant, §4.6 step 8).
func UniqueSorted(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	slices.Sort(out)
	return out
}

// NamesEqual reports whether two name lists are the same set, ignoring
// order and case.
func NamesEqual(a, b []string) bool {
	return slices.Equal(UniqueSorted(a), UniqueSorted(b))
}

// Base64URLEncode is the URL-safe, padding-stripped base64 variant every
// ACME v1 field uses (JWS components, thumbprints, key authorizations).
func Base64URLEncode(data []byte) string {
	return strings.TrimRight(base64.URLEncoding.EncodeToString(data), "=")
}

// Base64URLDecode reverses Base64URLEncode, restoring the padding the
// encoder stripped.
func Base64URLDecode(data string) ([]byte, error) {
	if m := len(data) % 4; m != 0 {
		data += strings.Repeat("=", 4-m)
	}
	return base64.URLEncoding.DecodeString(data)
}

// JSONBuffer round-trips through JSON as the Base64URL encoding of its
// bytes, mirroring the teacher's JSONBuffer for ACME wire fields that
// carry raw binary (DER CSRs, signatures).
type JSONBuffer []byte

func (jb JSONBuffer) MarshalJSON() ([]byte, error) {
	return json.Marshal(Base64URLEncode(jb))
}

func (jb *JSONBuffer) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	decoded, err := Base64URLDecode(str)
	if err != nil {
		return err
	}
	*jb = decoded
	return nil
}

// Registration is the account object sent to / returned from new-reg.
type Registration struct {
	Contact   []string `json:"contact,omitempty"`
	Agreement string   `json:"agreement,omitempty"`
}

// CertificateArtifact bundles the issued leaf and its issuing chain, plus
// the derived concatenations the deployment fan-out writes (§3 Certificate
// Artifact).
type CertificateArtifact struct {
	LeafPEM   []byte
	ChainPEM  []byte
	NotBefore time.Time
	NotAfter  time.Time
}

// Chain is leaf || issuer.
func (c CertificateArtifact) Chain() []byte {
	return append(append([]byte{}, c.LeafPEM...), c.ChainPEM...)
}

// Bundle is key || leaf || issuer.
func (c CertificateArtifact) Bundle(keyPEM []byte) []byte {
	buf := append([]byte{}, keyPEM...)
	buf = append(buf, c.LeafPEM...)
	buf = append(buf, c.ChainPEM...)
	return buf
}
