package file

import (
	"bufio"
	"context"
	"database/sql"
	"os"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/totpguard/totpguard/internal/model"
)

// PincodeBackend reads from a flat `username:hash[:anything]` text file
// (spec.md §6), optionally shadowed by a `<Path>.db` SQLite side file
// (SPEC_FULL.md §6's supplemented key-value-database variant): when the
// side file's mtime is at least as recent as the text file's, it is
// consulted first, falling back to a linear scan of the text file.
type PincodeBackend struct {
	Path string
}

// NewPincodeBackend constructs a PincodeBackend backed by the text file
// at path (and path+".db" if present).
func NewPincodeBackend(path string) *PincodeBackend {
	return &PincodeBackend{Path: path}
}

// GetUserHashcode implements backends.PincodeBackend.
func (b *PincodeBackend) GetUserHashcode(ctx context.Context, username string) (string, error) {
	dbPath := b.Path + ".db"
	textInfo, textErr := os.Stat(b.Path)
	dbInfo, dbErr := os.Stat(dbPath)

	dbIsFresh := dbErr == nil && (textErr != nil || !dbInfo.ModTime().Before(textInfo.ModTime()))

	if dbIsFresh {
		hash, ok, err := b.lookupDB(ctx, dbPath, username)
		if err != nil {
			return "", &model.UserPincodeError{Username: username, Detail: err.Error()}
		}
		if ok {
			return hash, nil
		}
	}

	if textErr != nil {
		if os.IsNotExist(textErr) {
			return "", &model.UserPincodeError{Username: username, Detail: "pincodes file not found"}
		}
		return "", &model.UserPincodeError{Username: username, Detail: textErr.Error()}
	}

	hash, ok, err := b.lookupText(username)
	if err != nil {
		return "", &model.UserPincodeError{Username: username, Detail: err.Error()}
	}
	if !ok {
		return "", &model.UserPincodeError{Username: username, Detail: "no pincodes record found for user"}
	}
	return hash, nil
}

func (b *PincodeBackend) lookupText(username string) (string, bool, error) {
	f, err := os.Open(b.Path)
	if err != nil {
		return "", false, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// username:hash[:anything] — the trailing field is tolerated and
		// ignored (SPEC_FULL.md §13).
		parts := strings.SplitN(line, ":", 3)
		if len(parts) < 2 {
			continue
		}
		if parts[0] == username {
			return parts[1], true, nil
		}
	}
	return "", false, sc.Err()
}

func (b *PincodeBackend) lookupDB(ctx context.Context, dbPath, username string) (string, bool, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return "", false, err
	}
	defer db.Close()

	var hash string
	err = db.QueryRowContext(ctx, `SELECT hash FROM pincodes WHERE username = ?`, username).Scan(&hash)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return hash, true, nil
}
