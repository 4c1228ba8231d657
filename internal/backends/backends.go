// Package backends declares the three pluggable storage capabilities
// spec.md §4.3/§4.4/§4.5 names — SecretBackend, PincodeBackend, and
// StateBackend — plus the Backends bundle an Authenticator is wired
// against at startup. Concrete implementations live in the file,
// sqlbackend, and ldapbind subpackages.
package backends

import (
	"context"

	"github.com/totpguard/totpguard/internal/model"
)

// RemoteHashcode is the sentinel PincodeBackend.GetUserHashcode returns
// for a directory-bind backend (spec.md §4.3): the Authenticator must
// perform the bind itself rather than compare against a stored hash.
const RemoteHashcode = "remote"

// SecretBackend loads a user's TOTP secret and policy. pincode is the
// caller-submitted candidate pincode, passed through so an
// encryption-at-rest implementation can decrypt (spec.md §4.5); backends
// that store secrets in plaintext ignore it.
type SecretBackend interface {
	GetUserSecret(ctx context.Context, username string, pincode string) (model.Secret, error)
}

// PincodeBackend loads a user's stored pincode hash, or signals that
// verification must happen remotely via RemoteHashcode.
type PincodeBackend interface {
	GetUserHashcode(ctx context.Context, username string) (hash string, err error)
}

// RemoteBinder is implemented by PincodeBackend variants that can
// themselves perform the bind once GetUserHashcode has returned
// RemoteHashcode (spec.md §4.3's directory-bind variant).
type RemoteBinder interface {
	Bind(ctx context.Context, username string, pincode string) error
}

// StateHandle represents an acquired exclusive lock on one user's
// UserState (spec.md §4.4/§5). Exactly one of Commit or Abort must be
// called to release the lock; Abort is also the correct call on any
// early return or panic-recovery path.
type StateHandle interface {
	// State returns the loaded (or freshly empty) UserState. Mutate the
	// returned value in place; it is only persisted on Commit.
	State() *model.UserState

	// Commit persists the (possibly mutated) state and releases the lock.
	Commit(ctx context.Context) error

	// Abort releases the lock without persisting any changes.
	Abort(ctx context.Context) error
}

// StateBackend loads per-user authentication state under a mutual
// exclusion discipline: GetUserState blocks until any other holder of
// the same user's lock has called Commit or Abort.
type StateBackend interface {
	GetUserState(ctx context.Context, username string) (StateHandle, error)

	// DeleteUserState removes any persisted record for username and
	// releases the lock without going through a StateHandle, for
	// administrative cleanup (spec.md §4.4).
	DeleteUserState(ctx context.Context, username string) error
}

// Backends bundles one instance of each capability, wired at startup from
// configuration (spec.md §9's "polymorphic backends" note). Pincode is
// optional: a nil Pincode means require_pincode must be false and the
// entire credential is treated as the token (spec.md §4.1 step 4).
type Backends struct {
	Secret  SecretBackend
	Pincode PincodeBackend
	State   StateBackend
}
