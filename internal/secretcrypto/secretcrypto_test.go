package secretcrypto

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	salt, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt: %v", err)
	}

	secret := []byte("VN7J5UVLZEP7ZAGM")
	sealed, err := Seal("wakkawakka", salt, secret)
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	opened, err := Open("wakkawakka", sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(opened) != string(secret) {
		t.Fatalf("round trip mismatch: got %q, want %q", opened, secret)
	}
}

func TestOpenWrongPincodeFails(t *testing.T) {
	salt, _ := NewSalt()

	sealed, err := Seal("wakkawakka", salt, []byte("some secret"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if _, err := Open("blarg", sealed); err != ErrDecryptionFailed {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestOpenMalformedInput(t *testing.T) {
	cases := []string{
		"",
		"no-dollar-separator",
		"not-base64$also-not-base64",
	}
	for _, c := range cases {
		if _, err := Open("wakkawakka", c); err == nil {
			t.Fatalf("expected error for malformed input %q", c)
		}
	}
}

func TestSealRejectsWrongSaltSize(t *testing.T) {
	if _, err := Seal("wakkawakka", []byte("too-short"), []byte("secret")); err == nil {
		t.Fatal("expected error for undersized salt")
	}
}
