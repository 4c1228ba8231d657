// Package secretcrypto decrypts TOTP shared secrets that a SecretBackend
// stores encrypted at rest (spec.md §4.5 / SPEC_FULL.md §4). The submitted
// pincode is the key material, but a pincode is a low-entropy, user-chosen
// value (spec.md §4.1 allows 1-2 digit pincodes), so it must go through a
// deliberately expensive, memory-hard password-based KDF before it reaches
// secretbox — spec.md §4.5 requires exactly this. scrypt is used rather
// than a plain HKDF stretch: HKDF is an extractor/expander for
// already-high-entropy input (that is the threat model for
// github.com/sec51/cryptoengine's deriveNonce, which derives nonces from a
// random, disk-persisted master key, not a guessable pincode) and applies
// no work factor, so it does nothing to slow down an offline brute force
// of a 2-digit pincode against a stolen encrypted blob.
package secretcrypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

const (
	keySize   = 32
	nonceSize = 24
	saltSize  = 32

	// scrypt cost parameters (N, r, p). N=2^15 with r=8 costs roughly 32 MiB
	// of memory per derivation, which is cheap for a single login attempt
	// but expensive to parallelize at the scale needed to brute-force a
	// 1-2 digit pincode against a stolen blob.
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

// ErrMalformed is returned when a sealed string cannot be parsed.
var ErrMalformed = errors.New("secretcrypto: malformed sealed secret")

// ErrDecryptionFailed is returned when the ciphertext fails authentication
// against the derived key — either the pincode was wrong or the data has
// been tampered with. Spec.md §4.5 surfaces this as "Could not decrypt".
var ErrDecryptionFailed = errors.New("secretcrypto: could not decrypt")

func deriveKeyAndNonce(pincode string, salt []byte) (key [keySize]byte, nonce [nonceSize]byte, err error) {
	buf, err := scrypt.Key([]byte(pincode), salt, scryptN, scryptR, scryptP, keySize+nonceSize)
	if err != nil {
		return key, nonce, fmt.Errorf("secretcrypto: deriving key material: %w", err)
	}
	copy(key[:], buf[:keySize])
	copy(nonce[:], buf[keySize:])
	return key, nonce, nil
}

// NewSalt generates a fresh per-user salt, for provisioning a new
// encrypted-at-rest secret.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("secretcrypto: generating salt: %w", err)
	}
	return salt, nil
}

// Seal encrypts plaintext (a TOTP shared secret's raw base-32 bytes) under
// a key derived from pincode and salt, returning the base-64 blob a
// SecretBackend persists as the encrypted_blob field.
func Seal(pincode string, salt []byte, plaintext []byte) (string, error) {
	if len(salt) != saltSize {
		return "", fmt.Errorf("secretcrypto: salt must be %d bytes", saltSize)
	}

	key, nonce, err := deriveKeyAndNonce(pincode, salt)
	if err != nil {
		return "", err
	}

	sealed := secretbox.Seal(nil, plaintext, &nonce, &key)

	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal, returning the original base-32 TOTP secret bytes.
// pincode is the candidate pincode a caller submitted with the verify
// request; a wrong pincode yields ErrDecryptionFailed, matching spec.md
// §4.5's "Could not decrypt" outcome.
func Open(pincode string, encoded string) ([]byte, error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return nil, ErrMalformed
	}

	salt, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(salt) != saltSize {
		return nil, ErrMalformed
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrMalformed
	}

	key, nonce, err := deriveKeyAndNonce(pincode, salt)
	if err != nil {
		return nil, err
	}

	plaintext, ok := secretbox.Open(nil, sealed, &nonce, &key)
	if !ok {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}
