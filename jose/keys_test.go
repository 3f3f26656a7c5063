package jose

import (
	"strings"
	"testing"
)

func TestGenerateRSAProducesUsableKey(t *testing.T) {
	key, pemBytes, _, err := GenerateRSA(2048)
	if err != nil {
		t.Fatalf("GenerateRSA: %v", err)
	}
	if key.N.BitLen() < 2040 {
		t.Fatalf("expected ~2048-bit modulus, got %d bits", key.N.BitLen())
	}
	if !strings.Contains(string(pemBytes), "RSA PRIVATE KEY") {
		t.Fatalf("expected PKCS1 PEM block, got %q", pemBytes)
	}
}

func TestGenerateRSADefaultsBits(t *testing.T) {
	key, _, _, err := GenerateRSA(0)
	if err != nil {
		t.Fatalf("GenerateRSA: %v", err)
	}
	if key.N.BitLen() < DefaultRSABits-8 {
		t.Fatalf("expected default bit length around %d, got %d", DefaultRSABits, key.N.BitLen())
	}
}

func TestNewAccountThumbprintIsStable(t *testing.T) {
	key, _, _, err := GenerateRSA(2048)
	if err != nil {
		t.Fatalf("GenerateRSA: %v", err)
	}
	a1, err := NewAccount(key)
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	a2, err := NewAccount(key)
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	if a1.Thumbprint != a2.Thumbprint {
		t.Fatalf("thumbprint not stable across calls: %q != %q", a1.Thumbprint, a2.Thumbprint)
	}
	if a1.Thumbprint == "" {
		t.Fatalf("expected non-empty thumbprint")
	}
}

func TestSignRS256ProducesVerifiableSignature(t *testing.T) {
	key, _, _, err := GenerateRSA(2048)
	if err != nil {
		t.Fatalf("GenerateRSA: %v", err)
	}
	account, err := NewAccount(key)
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}

	protected64 := "eyJhbGciOiJSUzI1NiJ9"
	payload64 := "eyJyZXNvdXJjZSI6Im5ldy1yZWcifQ"

	sig, err := account.SignRS256(protected64, payload64)
	if err != nil {
		t.Fatalf("SignRS256: %v", err)
	}
	if len(sig) != key.Size() {
		t.Fatalf("expected signature length %d, got %d", key.Size(), len(sig))
	}
}

func TestJWKJSONRoundTrips(t *testing.T) {
	key, _, _, err := GenerateRSA(2048)
	if err != nil {
		t.Fatalf("GenerateRSA: %v", err)
	}
	account, err := NewAccount(key)
	if err != nil {
		t.Fatalf("NewAccount: %v", err)
	}
	raw, err := account.JWKJSON()
	if err != nil {
		t.Fatalf("JWKJSON: %v", err)
	}
	if !strings.Contains(string(raw), `"kty":"RSA"`) {
		t.Fatalf("expected RSA JWK JSON, got %q", raw)
	}
}
