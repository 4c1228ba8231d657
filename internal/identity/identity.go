// Package identity gives a totpguard node a stable Ed25519 keypair and a
// DID:key identifier derived from it, used to sign Merkle batch roots so
// the audit trail in internal/merkle can be attributed to the node that
// produced it (SPEC_FULL.md §14). End-user credentials never pass through
// here; this key belongs to the node, not to any verified user.
// Grounded on internal/did/keygen.go and didkey.go.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/mr-tron/base58"
)

var ed25519MulticodecPrefix = []byte{0xed, 0x01}

// NodeIdentity is a node's signing keypair plus its DID:key string.
type NodeIdentity struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
	DID     string
}

// Generate creates a fresh node identity.
func Generate() (*NodeIdentity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating node keypair: %w", err)
	}
	return &NodeIdentity{Public: pub, Private: priv, DID: EncodeDIDKey(pub)}, nil
}

// LoadOrGenerate loads a node identity from a PEM private key file at
// path, generating and persisting a new one if the file does not exist.
func LoadOrGenerate(path string) (*NodeIdentity, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		id, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := id.Save(path); err != nil {
			return nil, err
		}
		return id, nil
	}
	return Load(path)
}

// Load reads a node identity from a PEM private key file.
func Load(path string) (*NodeIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading node key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("decoding node key PEM block")
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing node key: %w", err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("node key is not Ed25519")
	}
	pub := priv.Public().(ed25519.PublicKey)

	return &NodeIdentity{Public: pub, Private: priv, DID: EncodeDIDKey(pub)}, nil
}

// Save writes the identity's private key to path with 0600 permissions.
func (id *NodeIdentity) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(id.Private)
	if err != nil {
		return fmt.Errorf("marshaling node key: %w", err)
	}
	block := &pem.Block{Type: "PRIVATE KEY", Bytes: der}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}

// Sign signs data with the node's private key.
func (id *NodeIdentity) Sign(data []byte) []byte {
	return ed25519.Sign(id.Private, data)
}

// Verify checks a signature produced by Sign against the node's own
// public key.
func (id *NodeIdentity) Verify(data, sig []byte) bool {
	return ed25519.Verify(id.Public, data, sig)
}

// DIDString returns the node's did:key identifier, satisfying
// internal/merkle.Signer.
func (id *NodeIdentity) DIDString() string {
	return id.DID
}

// EncodeDIDKey converts an Ed25519 public key to a did:key string.
// Format: did:key:z<base58btc(multicodec_prefix || public_key_bytes)>
func EncodeDIDKey(pub ed25519.PublicKey) string {
	prefixed := make([]byte, len(ed25519MulticodecPrefix)+len(pub))
	copy(prefixed, ed25519MulticodecPrefix)
	copy(prefixed[len(ed25519MulticodecPrefix):], pub)
	return "did:key:z" + base58.Encode(prefixed)
}

// DecodeDIDKey parses a did:key string back into an Ed25519 public key.
func DecodeDIDKey(did string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(did, "did:key:z") {
		return nil, fmt.Errorf("invalid did:key format: must start with \"did:key:z\"")
	}
	decoded, err := base58.Decode(did[len("did:key:z"):])
	if err != nil {
		return nil, fmt.Errorf("decoding base58: %w", err)
	}
	if len(decoded) < len(ed25519MulticodecPrefix) {
		return nil, fmt.Errorf("decoded key too short")
	}
	for i, b := range ed25519MulticodecPrefix {
		if decoded[i] != b {
			return nil, fmt.Errorf("invalid multicodec prefix: expected Ed25519 (0xed01)")
		}
	}
	pubBytes := decoded[len(ed25519MulticodecPrefix):]
	if len(pubBytes) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid public key length: got %d, expected %d", len(pubBytes), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(pubBytes), nil
}
