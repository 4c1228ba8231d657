package sqlbackend

import (
	"context"
	"database/sql"

	"github.com/totpguard/totpguard/internal/model"
	"github.com/totpguard/totpguard/internal/secretcrypto"
	"github.com/totpguard/totpguard/internal/totp"
)

// SecretBackend implements backends.SecretBackend against the secrets
// and scratch_tokens tables.
type SecretBackend struct {
	db *DB
}

// NewSecretBackend constructs a SecretBackend over an open DB.
func NewSecretBackend(db *DB) *SecretBackend {
	return &SecretBackend{db: db}
}

// GetUserSecret implements backends.SecretBackend.
func (b *SecretBackend) GetUserSecret(ctx context.Context, username string, pincode string) (model.Secret, error) {
	userID, ok, err := b.db.userID(ctx, username)
	if err != nil {
		return model.Secret{}, &model.UserSecretError{Username: username, Detail: err.Error()}
	}
	if !ok {
		return model.Secret{}, &model.UserNotFoundError{Username: username}
	}

	var (
		rawSecret        string
		encrypted        int
		attempts, window int
		windowSize       int
	)
	err = b.db.conn.QueryRowContext(ctx,
		`SELECT secret, encrypted, rate_limit_times, rate_limit_seconds, window_size
		   FROM secrets WHERE userid = ?`, userID,
	).Scan(&rawSecret, &encrypted, &attempts, &window, &windowSize)
	if err == sql.ErrNoRows {
		return model.Secret{}, &model.UserNotFoundError{Username: username}
	}
	if err != nil {
		return model.Secret{}, &model.UserSecretError{Username: username, Detail: err.Error()}
	}

	secret := model.Secret{
		Username:   username,
		WindowSize: windowSize,
		RateLimit:  model.RateLimit{MaxAttempts: attempts, WindowSeconds: window},
	}

	if encrypted != 0 {
		if pincode == "" {
			return model.Secret{}, &model.UserSecretError{Username: username, Detail: "encrypted secret requires a pincode"}
		}
		plain, err := secretcrypto.Open(pincode, rawSecret)
		if err != nil {
			return model.Secret{}, &model.UserSecretError{Username: username, Detail: "Could not decrypt"}
		}
		decoded, err := totp.DecodeSecret(string(plain))
		if err != nil {
			return model.Secret{}, &model.UserSecretError{Username: username, Detail: "malformed decrypted secret"}
		}
		secret.TOTPSecret = decoded
		secret.Encrypted = true
		return secret, nil
	}

	decoded, err := totp.DecodeSecret(rawSecret)
	if err != nil {
		return model.Secret{}, &model.UserSecretError{Username: username, Detail: "malformed totp secret"}
	}
	secret.TOTPSecret = decoded

	rows, err := b.db.conn.QueryContext(ctx, `SELECT token FROM scratch_tokens WHERE userid = ?`, userID)
	if err != nil {
		return model.Secret{}, &model.UserSecretError{Username: username, Detail: err.Error()}
	}
	defer rows.Close()
	for rows.Next() {
		var token string
		if err := rows.Scan(&token); err != nil {
			return model.Secret{}, &model.UserSecretError{Username: username, Detail: err.Error()}
		}
		secret.ScratchTokens = append(secret.ScratchTokens, token)
	}
	if err := rows.Err(); err != nil {
		return model.Secret{}, &model.UserSecretError{Username: username, Detail: err.Error()}
	}

	return secret, nil
}
