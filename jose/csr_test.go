package jose

import (
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"
)

func TestBuildAndInspectCSRRoundTrip(t *testing.T) {
	key, _, _, err := GenerateRSA(2048)
	if err != nil {
		t.Fatalf("GenerateRSA: %v", err)
	}
	names := []string{"www.example.com", "example.com", "example.com"}
	der, _, err := BuildCSR(key, names)
	if err != nil {
		t.Fatalf("BuildCSR: %v", err)
	}
	got, err := InspectCSR(der)
	if err != nil {
		t.Fatalf("InspectCSR: %v", err)
	}
	want := []string{"example.com", "www.example.com"}
	if len(got) != len(want) {
		t.Fatalf("InspectCSR = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("InspectCSR = %v, want %v", got, want)
		}
	}
}

func TestBuildCSRRejectsEmptyNameList(t *testing.T) {
	key, _, _, err := GenerateRSA(2048)
	if err != nil {
		t.Fatalf("GenerateRSA: %v", err)
	}
	if _, _, err := BuildCSR(key, nil); err == nil {
		t.Fatalf("expected error for empty name list")
	}
}

func TestParseCertExtractsFields(t *testing.T) {
	key, _, _, err := GenerateRSA(2048)
	if err != nil {
		t.Fatalf("GenerateRSA: %v", err)
	}
	notBefore := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := notBefore.Add(90 * 24 * time.Hour)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "example.com"},
		DNSNames:     []string{"example.com", "www.example.com"},
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	parsed, err := ParseCert(der)
	if err != nil {
		t.Fatalf("ParseCert: %v", err)
	}
	if parsed.SubjectCN != "example.com" {
		t.Fatalf("SubjectCN = %q, want example.com", parsed.SubjectCN)
	}
	if !parsed.NotAfter.Equal(notAfter) {
		t.Fatalf("NotAfter = %v, want %v", parsed.NotAfter, notAfter)
	}
	if len(parsed.SHA256Fingerprint) != 64 {
		t.Fatalf("expected 64-char hex fingerprint, got %q", parsed.SHA256Fingerprint)
	}
}

func TestParseCertAcceptsPEM(t *testing.T) {
	key, _, _, err := GenerateRSA(2048)
	if err != nil {
		t.Fatalf("GenerateRSA: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "example.net"},
		NotBefore:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}

	parsed, err := ParseCert(PEMCertificate(der))
	if err != nil {
		t.Fatalf("ParseCert(PEM): %v", err)
	}
	if parsed.SubjectCN != "example.net" {
		t.Fatalf("SubjectCN = %q, want example.net", parsed.SubjectCN)
	}
}
