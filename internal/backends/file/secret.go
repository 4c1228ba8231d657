// Package file implements spec.md §6's file-backed SecretBackend,
// PincodeBackend, and StateBackend: a secret per <secrets_dir>/<user>.totp
// file, a flat `pincodes` text file optionally shadowed by a
// `pincodes.db` SQLite side file, and per-user JSON state files locked
// with an advisory flock.
package file

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/totpguard/totpguard/internal/model"
	"github.com/totpguard/totpguard/internal/secretcrypto"
	"github.com/totpguard/totpguard/internal/totp"
)

const secretFileExt = ".totp"

// SecretBackend reads secrets from <Dir>/<username>.totp.
type SecretBackend struct {
	Dir string
}

// NewSecretBackend constructs a SecretBackend rooted at dir.
func NewSecretBackend(dir string) *SecretBackend {
	return &SecretBackend{Dir: dir}
}

// GetUserSecret implements backends.SecretBackend.
func (b *SecretBackend) GetUserSecret(ctx context.Context, username string, pincode string) (model.Secret, error) {
	path := filepath.Join(b.Dir, username+secretFileExt)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return model.Secret{}, &model.UserNotFoundError{Username: username}
		}
		return model.Secret{}, &model.UserSecretError{Username: username, Detail: err.Error()}
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	if !sc.Scan() {
		return model.Secret{}, &model.UserSecretError{Username: username, Detail: "empty secret file"}
	}
	firstLine := strings.TrimSpace(sc.Text())

	header := map[string]string{}
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(line[:idx]))
		header[key] = strings.TrimSpace(line[idx+1:])
	}
	if err := sc.Err(); err != nil {
		return model.Secret{}, &model.UserSecretError{Username: username, Detail: err.Error()}
	}

	secret := model.Secret{
		Username:  username,
		RateLimit: model.RateLimit{MaxAttempts: 3, WindowSeconds: 30},
	}

	if _, encrypted := header["ENCRYPTED"]; encrypted {
		if pincode == "" {
			return model.Secret{}, &model.UserSecretError{Username: username, Detail: "encrypted secret requires a pincode"}
		}
		plain, err := secretcrypto.Open(pincode, firstLine)
		if err != nil {
			return model.Secret{}, &model.UserSecretError{Username: username, Detail: "Could not decrypt"}
		}
		decoded, err := totp.DecodeSecret(string(plain))
		if err != nil {
			return model.Secret{}, &model.UserSecretError{Username: username, Detail: "malformed decrypted secret"}
		}
		secret.TOTPSecret = decoded
		secret.Encrypted = true
		// scratch_tokens stays empty: spec.md §4.5 forbids them on encrypted secrets
	} else {
		decoded, err := totp.DecodeSecret(firstLine)
		if err != nil {
			return model.Secret{}, &model.UserSecretError{Username: username, Detail: "malformed totp secret"}
		}
		secret.TOTPSecret = decoded
	}

	if v, ok := header["RATE_LIMIT"]; ok {
		parts := strings.SplitN(v, ",", 2)
		if len(parts) == 2 {
			attempts, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
			seconds, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
			if err1 == nil && err2 == nil {
				secret.RateLimit = model.RateLimit{MaxAttempts: attempts, WindowSeconds: seconds}
			}
		}
	}

	if v, ok := header["WINDOW_SIZE"]; ok {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			secret.WindowSize = n
		}
	}

	if !secret.Encrypted {
		if v, ok := header["SCRATCH_TOKENS"]; ok && v != "" {
			for _, tok := range strings.Split(v, ",") {
				tok = strings.TrimSpace(tok)
				if tok != "" {
					secret.ScratchTokens = append(secret.ScratchTokens, tok)
				}
			}
		}
	}

	return secret, nil
}
