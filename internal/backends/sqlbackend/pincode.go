package sqlbackend

import (
	"context"
	"database/sql"

	"github.com/totpguard/totpguard/internal/model"
)

// PincodeBackend implements backends.PincodeBackend against the
// pincodes table, one row per user.
type PincodeBackend struct {
	db *DB
}

// NewPincodeBackend constructs a PincodeBackend over an open DB.
func NewPincodeBackend(db *DB) *PincodeBackend {
	return &PincodeBackend{db: db}
}

// GetUserHashcode implements backends.PincodeBackend.
func (b *PincodeBackend) GetUserHashcode(ctx context.Context, username string) (string, error) {
	userID, ok, err := b.db.userID(ctx, username)
	if err != nil {
		return "", &model.UserPincodeError{Username: username, Detail: err.Error()}
	}
	if !ok {
		return "", &model.UserPincodeError{Username: username, Detail: "no pincodes record found for user"}
	}

	var hash string
	err = b.db.conn.QueryRowContext(ctx, `SELECT pincode FROM pincodes WHERE userid = ?`, userID).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", &model.UserPincodeError{Username: username, Detail: "no pincodes record found for user"}
	}
	if err != nil {
		return "", &model.UserPincodeError{Username: username, Detail: err.Error()}
	}
	return hash, nil
}
