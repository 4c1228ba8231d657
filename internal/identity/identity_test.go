package identity

import (
	"path/filepath"
	"testing"
)

func TestGenerateAndSignVerify(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	msg := []byte("merkle root bytes")
	sig := id.Sign(msg)
	if !id.Verify(msg, sig) {
		t.Error("Verify should accept a signature produced by Sign")
	}
	if id.Verify([]byte("tampered"), sig) {
		t.Error("Verify should reject a signature over different data")
	}
}

func TestDIDKeyRoundtrip(t *testing.T) {
	id, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if id.DID[:9] != "did:key:z" {
		t.Errorf("DID should start with \"did:key:z\", got %q", id.DID)
	}

	decoded, err := DecodeDIDKey(id.DID)
	if err != nil {
		t.Fatalf("DecodeDIDKey failed: %v", err)
	}
	if !id.Public.Equal(decoded) {
		t.Error("roundtrip produced a different public key")
	}
}

func TestDecodeDIDKeyInvalid(t *testing.T) {
	cases := []string{"", "did:web:example.com", "did:key:abc", "did:key:z1"}
	for _, c := range cases {
		if _, err := DecodeDIDKey(c); err == nil {
			t.Errorf("expected error decoding %q", c)
		}
	}
}

func TestLoadOrGeneratePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.pem")

	first, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("LoadOrGenerate failed: %v", err)
	}

	second, err := LoadOrGenerate(path)
	if err != nil {
		t.Fatalf("second LoadOrGenerate failed: %v", err)
	}

	if first.DID != second.DID {
		t.Error("LoadOrGenerate should return the same identity on a second call")
	}
	if !first.Public.Equal(second.Public) {
		t.Error("loaded public key should match the generated one")
	}
}
