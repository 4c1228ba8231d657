package file

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/totpguard/totpguard/internal/secretcrypto"
)

func TestSecretBackendParsesPlaintextSecret(t *testing.T) {
	dir := t.TempDir()
	body := "VN7J5UVLZEP7ZAGM\n\nRATE_LIMIT=4,40\nWINDOW_SIZE=18\nSCRATCH_TOKENS=88709766,11488461,27893432,60474774,10449492\n"
	if err := os.WriteFile(filepath.Join(dir, "valid.totp"), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	b := NewSecretBackend(dir)
	secret, err := b.GetUserSecret(context.Background(), "valid", "")
	if err != nil {
		t.Fatalf("GetUserSecret: %v", err)
	}

	if secret.RateLimit.MaxAttempts != 4 || secret.RateLimit.WindowSeconds != 40 {
		t.Fatalf("rate limit parsed wrong: %+v", secret.RateLimit)
	}
	if secret.WindowSize != 18 {
		t.Fatalf("window size parsed wrong: %d", secret.WindowSize)
	}
	if len(secret.ScratchTokens) != 5 {
		t.Fatalf("expected 5 scratch tokens, got %d", len(secret.ScratchTokens))
	}
	if secret.Encrypted {
		t.Fatal("plaintext secret must not be marked encrypted")
	}
}

func TestSecretBackendMissingUserIsNotFound(t *testing.T) {
	b := NewSecretBackend(t.TempDir())
	_, err := b.GetUserSecret(context.Background(), "ghost", "")
	if err == nil {
		t.Fatal("expected error for missing secret file")
	}
}

func TestSecretBackendDecryptsAtRestSecret(t *testing.T) {
	dir := t.TempDir()

	salt, err := secretcrypto.NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	blob, err := secretcrypto.Seal("wakkawakka", salt, []byte("VN7J5UVLZEP7ZAGM"))
	if err != nil {
		t.Fatal(err)
	}

	body := blob + "\n\nENCRYPTED=1\n"
	if err := os.WriteFile(filepath.Join(dir, "encrypted.totp"), []byte(body), 0600); err != nil {
		t.Fatal(err)
	}

	b := NewSecretBackend(dir)

	secret, err := b.GetUserSecret(context.Background(), "encrypted", "wakkawakka")
	if err != nil {
		t.Fatalf("GetUserSecret with correct pincode: %v", err)
	}
	if !secret.Encrypted {
		t.Fatal("expected Encrypted to be true")
	}
	if len(secret.ScratchTokens) != 0 {
		t.Fatal("encrypted secrets must not carry scratch tokens")
	}
	if string(secret.TOTPSecret) != "VN7J5UVLZEP7ZAGM" {
		t.Fatalf("decrypted secret mismatch: %q", secret.TOTPSecret)
	}

	if _, err := b.GetUserSecret(context.Background(), "encrypted", "wrong-pincode"); err == nil {
		t.Fatal("expected error for wrong pincode against encrypted secret")
	}
}

func TestPincodeBackendTextFileWithJunkField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pincodes")
	content := "# comment\nvalid:$6$rounds=1500$saltstring$somehash:junk\n"
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	b := NewPincodeBackend(path)
	hash, err := b.GetUserHashcode(context.Background(), "valid")
	if err != nil {
		t.Fatalf("GetUserHashcode: %v", err)
	}
	if hash != "$6$rounds=1500$saltstring$somehash" {
		t.Fatalf("unexpected hash: %q", hash)
	}
}

func TestPincodeBackendMissingFile(t *testing.T) {
	b := NewPincodeBackend(filepath.Join(t.TempDir(), "pincodes"))
	if _, err := b.GetUserHashcode(context.Background(), "valid"); err == nil {
		t.Fatal("expected error for missing pincodes file")
	}
}

func TestPincodeBackendMissingUser(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pincodes")
	if err := os.WriteFile(path, []byte("someoneelse:hash\n"), 0600); err != nil {
		t.Fatal(err)
	}

	b := NewPincodeBackend(path)
	if _, err := b.GetUserHashcode(context.Background(), "valid"); err == nil {
		t.Fatal("expected error for user absent from pincodes file")
	}
}

func TestStateBackendRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := NewStateBackend(dir)
	ctx := context.Background()

	h, err := b.GetUserState(ctx, "valid")
	if err != nil {
		t.Fatalf("GetUserState: %v", err)
	}
	st := h.State()
	if len(st.FailTimestamps) != 0 || len(st.UsedTimestamps) != 0 {
		t.Fatal("expected fresh empty state")
	}

	st.FailTimestamps = append(st.FailTimestamps, 100, 200)
	st.UsedTimestamps[555] = 300
	st.MarkScratchTokenUsed("88709766")

	if err := h.Commit(ctx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	h2, err := b.GetUserState(ctx, "valid")
	if err != nil {
		t.Fatalf("GetUserState (reopen): %v", err)
	}
	defer h2.Abort(ctx)

	st2 := h2.State()
	if len(st2.FailTimestamps) != 2 {
		t.Fatalf("expected 2 fail timestamps, got %d", len(st2.FailTimestamps))
	}
	if st2.UsedTimestamps[555] != 300 {
		t.Fatalf("expected counter 555 -> 300, got %v", st2.UsedTimestamps)
	}
	if !st2.HasUsedScratchToken("88709766") {
		t.Fatal("expected scratch token to round trip")
	}
}

func TestStateBackendAbortDiscardsChanges(t *testing.T) {
	dir := t.TempDir()
	b := NewStateBackend(dir)
	ctx := context.Background()

	h, err := b.GetUserState(ctx, "valid")
	if err != nil {
		t.Fatal(err)
	}
	h.State().FailTimestamps = append(h.State().FailTimestamps, 999)
	if err := h.Abort(ctx); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	h2, err := b.GetUserState(ctx, "valid")
	if err != nil {
		t.Fatal(err)
	}
	defer h2.Abort(ctx)

	if len(h2.State().FailTimestamps) != 0 {
		t.Fatal("Abort must not persist mutations")
	}
}

func TestStateBackendDeleteUserState(t *testing.T) {
	dir := t.TempDir()
	b := NewStateBackend(dir)
	ctx := context.Background()

	h, err := b.GetUserState(ctx, "valid")
	if err != nil {
		t.Fatal(err)
	}
	h.State().FailTimestamps = append(h.State().FailTimestamps, 1)
	if err := h.Commit(ctx); err != nil {
		t.Fatal(err)
	}

	if err := b.DeleteUserState(ctx, "valid"); err != nil {
		t.Fatalf("DeleteUserState: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "valid.json")); !os.IsNotExist(err) {
		t.Fatal("expected state file to be removed")
	}
}
