package jose

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"github.com/zmap/zlint/v3"
	"github.com/zmap/zlint/v3/lint"
	zlintx509 "github.com/zmap/zlint/v3/x509"

	"github.com/harborcrypt/acmeclient/core"
)

// GenerateEC creates a new P-256 ECDSA domain key, used when
// PRIVATE_KEY_ALG is "prime256v1" (§6).
func GenerateEC() (*ecdsa.PrivateKey, []byte, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("generating EC key: %w", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, err
	}
	return key, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// BuildCSR builds a DER-encoded CSR for the given subject signer ("/" as
// the subject per §4.1, i.e. an empty pkix.Name) and SAN list, then runs
// it through the CSR lint supplement: a throwaway self-signed certificate
// carrying the same SAN list is fed to the zlint registry so malformed
// SAN lists surface before an ACME round-trip is spent on them (§SPEC_FULL
// "CSR lint" supplement). Lint findings are returned for the caller to log
// and are never a reason to fail CSR construction.
func BuildCSR(signer crypto.Signer, names []string) (der []byte, lintWarnings []string, err error) {
	names = core.UniqueSorted(names)
	if len(names) == 0 {
		return nil, nil, fmt.Errorf("BuildCSR: at least one name is required")
	}

	template := &x509.CertificateRequest{
		Subject:            pkix.Name{},
		DNSNames:           names,
		SignatureAlgorithm: signatureAlgorithmFor(signer),
	}

	der, err = x509.CreateCertificateRequest(rand.Reader, template, signer)
	if err != nil {
		return nil, nil, fmt.Errorf("creating CSR: %w", err)
	}

	lintWarnings, lintErr := lintCSRTemplate(signer, names)
	if lintErr != nil {
		// Lint tooling failing is itself informational only.
		lintWarnings = []string{fmt.Sprintf("csr lint unavailable: %v", lintErr)}
	}
	return der, lintWarnings, nil
}

// lintCSRTemplate self-signs a one-day throwaway certificate carrying the
// same SAN list the CSR will (with CN set to the first name, where the CSR
// subject is empty), since zlint operates on certificates rather than
// CSRs, and lints that.
func lintCSRTemplate(signer crypto.Signer, names []string) ([]string, error) {
	serial, err := rand.Int(rand.Reader, big.NewInt(1<<62))
	if err != nil {
		return nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: names[0]},
		DNSNames:              names,
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return nil, fmt.Errorf("building throwaway lint certificate: %w", err)
	}
	return LintCertificate(der)
}

func signatureAlgorithmFor(signer crypto.Signer) x509.SignatureAlgorithm {
	switch signer.Public().(type) {
	case *ecdsa.PublicKey:
		return x509.ECDSAWithSHA256
	default:
		return x509.SHA256WithRSA
	}
}

// LintCertificate runs the full zlint global registry over a DER
// certificate (in this client, the throwaway certificate built by
// lintCSRTemplate), returning one string per lint that came back Error or
// Fatal. This is informational only (§SPEC_FULL "CSR lint" supplement):
// findings are returned for logging, never treated as a failure.
func LintCertificate(der []byte) ([]string, error) {
	cert, err := zlintx509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate for lint: %w", err)
	}
	result := zlint.LintCertificate(cert, lint.GlobalRegistry())

	var findings []string
	for name, lr := range result.Results {
		if lr.Status == lint.Error || lr.Status == lint.Fatal {
			findings = append(findings, fmt.Sprintf("%s: %s", name, lr.Status))
		}
	}
	return findings, nil
}

// InspectCSR parses a CSR (PEM or DER) and returns its DNS SAN list.
func InspectCSR(data []byte) ([]string, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	csr, err := x509.ParseCertificateRequest(der)
	if err != nil {
		return nil, fmt.Errorf("parsing CSR: %w", err)
	}
	return core.UniqueSorted(csr.DNSNames), nil
}

// ParsedCertificate is the subset of an X.509 leaf the lifecycle
// controller needs to make renewal and reconciliation decisions.
type ParsedCertificate struct {
	SubjectCN         string
	SANs              []string
	NotBefore         time.Time
	NotAfter          time.Time
	SHA256Fingerprint string
}

// ParseCert parses a PEM or DER certificate and extracts the fields §4.1
// parseCert names.
func ParseCert(data []byte) (*ParsedCertificate, error) {
	der := data
	if block, _ := pem.Decode(data); block != nil {
		der = block.Bytes
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("parsing certificate: %w", err)
	}
	sum := sha256.Sum256(cert.Raw)
	return &ParsedCertificate{
		SubjectCN:         cert.Subject.CommonName,
		SANs:              core.UniqueSorted(cert.DNSNames),
		NotBefore:         cert.NotBefore,
		NotAfter:          cert.NotAfter,
		SHA256Fingerprint: fmt.Sprintf("%x", sum),
	}, nil
}

// PEMCertificate wraps a single DER certificate in PEM armor, used to
// write both the fetched leaf and the fetched issuer chain cert to disk
// (§4.6 step 11).
func PEMCertificate(der []byte) []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
