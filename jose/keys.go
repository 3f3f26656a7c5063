// Package jose is the crypto provider (§4.1 and §6): key generation and
// loading, JWK/thumbprint derivation, JWS signing, CSR construction and
// X.509 parsing. JWK representation and thumbprinting are delegated to
// gopkg.in/go-jose/go-jose.v2, which implements RFC 7638 canonical-JSON
// thumbprinting directly; the ACME v1 flattened envelope itself (with its
// non-standard top-level "header" field) predates go-jose's own Signer
// API and is built by hand in signedrequest.go one level up, over the raw
// RSASSA-PKCS1-v1_5-SHA-256 primitive from crypto/rsa.
package jose

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"

	gojose "gopkg.in/go-jose/go-jose.v2"

	"github.com/harborcrypt/acmeclient/core"
	"github.com/titanous/rocacheck"
)

// DefaultRSABits is the account/domain RSA key size used when config
// does not override it (§3 Account, §6 ACCOUNT_KEY_LENGTH/DOMAIN_KEY_LENGTH).
const DefaultRSABits = 4096

// Account wraps a loaded or generated RSA account key with the JWK and
// thumbprint derived from it, computed once and reused for the life of
// the process (§3 Account: "derives a stable JWK thumbprint").
type Account struct {
	Key        *rsa.PrivateKey
	JWK        gojose.JSONWebKey
	Thumbprint string
}

// GenerateRSA creates a new RSA private key of the given bit length,
// PEM-encodes it, and screens it against the ROCA (Infineon TPM) weak-key
// fingerprint. A match is logged by the caller as a warning, not treated
// as fatal: the operator may already be relying on this exact key.
func GenerateRSA(bits int) (*rsa.PrivateKey, []byte, bool, error) {
	if bits <= 0 {
		bits = DefaultRSABits
	}
	key, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, false, fmt.Errorf("generating %d-bit RSA key: %w", bits, err)
	}
	pemBytes := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	return key, pemBytes, rocacheck.IsWeak(key.PublicKey), nil
}

// LoadRSA reads and parses a PEM-encoded RSA private key from path,
// returning the same ROCA screening result as GenerateRSA.
func LoadRSA(path string) (*rsa.PrivateKey, bool, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, false, fmt.Errorf("%s: not PEM encoded", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		if k2, err2 := x509.ParsePKCS8PrivateKey(block.Bytes); err2 == nil {
			if rk, ok := k2.(*rsa.PrivateKey); ok {
				return rk, rocacheck.IsWeak(rk.PublicKey), nil
			}
		}
		return nil, false, fmt.Errorf("%s: %w", path, err)
	}
	return key, rocacheck.IsWeak(key.PublicKey), nil
}

// NewAccount wraps an RSA private key into an Account, computing its JWK
// and RFC 7638 thumbprint (§3 Account, §4.1 jwk/thumbprint).
func NewAccount(key *rsa.PrivateKey) (*Account, error) {
	jwk := gojose.JSONWebKey{
		Key:       &key.PublicKey,
		Algorithm: string(gojose.RS256),
	}
	thumbBytes, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("computing JWK thumbprint: %w", err)
	}
	return &Account{
		Key:        key,
		JWK:        jwk,
		Thumbprint: core.Base64URLEncode(thumbBytes),
	}, nil
}

// JWKJSON renders the {"alg":"RS256","e":...,"kty":"RSA","n":...} object
// (alg comes from the Algorithm NewAccount sets) used inline in the JWS protected header and top-level "header" field.
func (a *Account) JWKJSON() ([]byte, error) {
	return a.JWK.MarshalJSON()
}

// SignRS256 signs protected64 "." payload64 with RSASSA-PKCS1-v1_5-SHA-256,
// per §4.1 signJWS and §4.4. This is the one piece of the envelope go-jose's
// high-level Signer cannot produce in ACME v1's flattened, non-standard
// shape, so it is done directly against the primitive.
func (a *Account) SignRS256(protected64, payload64 string) ([]byte, error) {
	digest := sha256.Sum256([]byte(protected64 + "." + payload64))
	return rsa.SignPKCS1v15(rand.Reader, a.Key, crypto.SHA256, digest[:])
}
