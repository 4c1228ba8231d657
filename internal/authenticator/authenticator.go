// Package authenticator implements Authenticator.verify_user_token
// (spec.md §4.1), the top-level orchestrator that parses a submitted
// credential, coordinates the pluggable backends, enforces pincode
// policy, and drives internal/verifier's central algorithm under the
// state backend's per-user lock.
package authenticator

import (
	"context"
	"fmt"
	"time"

	"github.com/totpguard/totpguard/internal/backends"
	"github.com/totpguard/totpguard/internal/hashverify"
	"github.com/totpguard/totpguard/internal/model"
	"github.com/totpguard/totpguard/internal/totp"
	"github.com/totpguard/totpguard/internal/verifier"
)

// Result is the success outcome of VerifyUserToken. On failure,
// VerifyUserToken returns a nil *Result and one of the typed errors from
// internal/model (spec.md §7).
type Result struct {
	Username string
	Message  string // one of the stable strings from spec.md §4.1/§4.6
}

// Authenticator wires one instance of each backend capability together
// with the pincode policy (spec.md §9's "polymorphic backends" note).
type Authenticator struct {
	Backends backends.Backends

	// RequirePincode refuses a bare 6-or-8-digit credential outright
	// (spec.md §4.1 step 2).
	RequirePincode bool

	// Algorithm selects the HMAC hash backing TOTP generation; zero
	// value is totp.SHA1.
	Algorithm totp.Algorithm
}

// New constructs an Authenticator from a fully wired Backends bundle.
func New(b backends.Backends, requirePincode bool) *Authenticator {
	return &Authenticator{Backends: b, RequirePincode: requirePincode}
}

// VerifyUserToken is the public operation: verify_user_token(username,
// credential) -> success-message | failure, per spec.md §4.1.
func (a *Authenticator) VerifyUserToken(ctx context.Context, username, credential string) (*Result, error) {
	// Step 1: validate username before any backend I/O.
	uname := model.Username(username)
	if err := uname.Validate(); err != nil {
		return nil, err
	}
	if credential == "" {
		return nil, &model.VerifyFailedError{Username: username, Detail: "not a valid token"}
	}

	// Step 2: require_pincode refuses a bare token outright.
	if a.RequirePincode && (len(credential) == 6 || len(credential) == 8) {
		return nil, &model.UserPincodeError{Username: username, Detail: "Pincode is required"}
	}

	// Step 3/4: no pincode backend configured means the whole submission
	// is the token; require_pincode being false is the only way to reach
	// this branch per deployment configuration.
	if a.Backends.Pincode == nil {
		return a.attempt(ctx, username, "", credential)
	}

	hash, err := a.Backends.Pincode.GetUserHashcode(ctx, username)
	if err != nil {
		return nil, &model.UserPincodeError{Username: username, Detail: err.Error()}
	}

	// Step 4: split the credential. A 14-or-longer submission is
	// ambiguous between the scratch split (8-digit token) and the TOTP
	// split (6-digit token); per spec.md §4.1's policy note and §9's
	// design note, scratch is tried first and only a scratch miss falls
	// through to the TOTP interpretation.
	scratchSplit, totpSplit, hasScratch, hasTOTP := model.CandidateSplits(credential)

	if hasScratch {
		result, err := a.tryCandidate(ctx, username, hash, scratchSplit)
		if err == nil || !isScratchMiss(err) {
			return result, err
		}
	}
	if hasTOTP {
		return a.tryCandidate(ctx, username, hash, totpSplit)
	}
	return nil, &model.VerifyFailedError{Username: username, Detail: "not a valid token"}
}

func isScratchMiss(err error) bool {
	vf, ok := err.(*model.VerifyFailedError)
	return ok && vf.Detail == "Not a valid scratch-token"
}

// tryCandidate verifies the pincode half of a split, then runs the
// secret/state/verify_token pipeline against the token half (step 5
// through step 8).
func (a *Authenticator) tryCandidate(ctx context.Context, username, hash string, cred model.Credential) (*Result, error) {
	if err := a.verifyPincode(ctx, username, hash, cred.Pincode); err != nil {
		return nil, err
	}
	return a.attempt(ctx, username, cred.Pincode, cred.Token)
}

// verifyPincode implements step 5: compare against a stored hash, or
// perform a remote bind when GetUserHashcode returned the RemoteHashcode
// sentinel (spec.md §4.3).
func (a *Authenticator) verifyPincode(ctx context.Context, username, hash, candidate string) error {
	if hash == backends.RemoteHashcode {
		binder, ok := a.Backends.Pincode.(backends.RemoteBinder)
		if !ok {
			return &model.UserPincodeError{Username: username, Detail: "remote hashcode but backend cannot bind"}
		}
		if err := binder.Bind(ctx, username, candidate); err != nil {
			return &model.UserPincodeError{Username: username, Detail: "LDAP bind failed"}
		}
		return nil
	}

	ok, err := hashverify.Verify(candidate, hash)
	if err != nil {
		return &model.UserPincodeError{Username: username, Detail: err.Error()}
	}
	if !ok {
		return &model.UserPincodeError{Username: username, Detail: "Pincode did not match"}
	}
	return nil
}

// attempt implements steps 6-8: load the secret (decrypting at rest if
// needed), acquire the user's state under its exclusive lock, prune it,
// run User.verify_token, and commit or propagate the outcome. The lock
// is released by Commit on the normal path; a deferred Abort releases it
// if anything between acquiring the state and Commit panics.
func (a *Authenticator) attempt(ctx context.Context, username, pincodeCandidate, token string) (*Result, error) {
	secret, err := a.Backends.Secret.GetUserSecret(ctx, username, pincodeCandidate)
	if err != nil {
		return nil, &model.UserSecretError{Username: username, Detail: err.Error()}
	}

	handle, err := a.Backends.State.GetUserState(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("authenticator: acquiring state for %q: %w", username, err)
	}
	committed := false
	defer func() {
		if !committed {
			handle.Abort(ctx)
		}
	}()

	now := time.Now()
	state := handle.State()
	state.PruneUsed(now, secret.WindowSize)
	state.PruneFail(now, secret.RateLimit.WindowSeconds)

	u := verifier.User{Algorithm: a.Algorithm}
	outcome := u.VerifyToken(token, &secret, state, now)

	committed = true
	if err := handle.Commit(ctx); err != nil {
		return nil, fmt.Errorf("authenticator: committing state for %q: %w", username, err)
	}

	if !outcome.Allowed {
		return nil, &model.VerifyFailedError{Username: username, Detail: outcome.Reason}
	}
	return &Result{Username: username, Message: outcome.Reason}, nil
}
