// Package verifier implements User.verify_token (spec.md §4.6, the
// central algorithm): given a raw token, a loaded Secret, and a
// UserState snapshot, it decides allow/deny and mutates the state
// snapshot in place. Callers (internal/authenticator) own loading and
// committing state; this package never touches a backend.
package verifier

import (
	"time"

	"github.com/totpguard/totpguard/internal/model"
	"github.com/totpguard/totpguard/internal/totp"
)

const (
	totpTokenLen    = 6 // 6-digit TOTP codes
	scratchTokenLen = 8 // 8-digit emergency codes
)

// VerifyResult contains the outcome of a single verify_token call.
type VerifyResult struct {
	Allowed bool
	Reason  string // stable, user-facing message (spec.md §4.6/§7)
}

// User validates a raw TOTP/scratch token against a loaded secret and a
// state snapshot.
type User struct {
	Algorithm totp.Algorithm // HMAC hash backing TOTP; SHA1 unless configured otherwise
}

// VerifyToken runs the pre-checks, rate-limit gate, and scratch-or-TOTP
// branches of spec.md §4.6 against token, mutating state in place for
// every outcome the spec calls a mutation. now is the wall-clock instant
// the call is evaluated at.
//
// 1. Coerce token to digits; reject non-digits.
// 2. Reject any length other than 6 or 8: 7 or 9+ digits is "too long",
//    fewer than 6 is "not a valid token".
// 3. Rate-limit gate: before any cryptographic work.
// 4-5. 8-digit branch: scratch-token lookup, single-use.
// 6-9. 6-digit branch: TOTP window search, replay check, recording.
func (u User) VerifyToken(token string, secret *model.Secret, state *model.UserState, now time.Time) *VerifyResult {
	if !isAllDigits(token) {
		return deny("token is not an integer")
	}
	switch len(token) {
	case totpTokenLen, scratchTokenLen:
		// falls through to the rate-limit gate
	case 7:
		return deny("token is too long")
	default:
		if len(token) > scratchTokenLen {
			return deny("token is too long")
		}
		return deny("not a valid token")
	}

	if rateLimited(state, secret.RateLimit, now) {
		return deny("Rate-limit reached, please try again later")
	}

	if len(token) == scratchTokenLen {
		return u.verifyScratch(token, secret, state)
	}
	return u.verifyTOTP(token, secret, state, now)
}

func rateLimited(state *model.UserState, limit model.RateLimit, now time.Time) bool {
	if limit.MaxAttempts <= 0 {
		return false
	}
	cutoff := now.Unix() - int64(limit.WindowSeconds)
	recent := 0
	for _, t := range state.FailTimestamps {
		if t >= cutoff {
			recent++
		}
	}
	return recent >= limit.MaxAttempts
}

// verifyScratch implements steps 4-5: an 8-digit token either matches a
// configured scratch token or it doesn't; a match is single-use.
func (u User) verifyScratch(token string, secret *model.Secret, state *model.UserState) *VerifyResult {
	if !containsToken(secret.ScratchTokens, token) {
		return deny("Not a valid scratch-token")
	}
	if state.HasUsedScratchToken(token) {
		return deny("Scratch-token already used once")
	}
	state.MarkScratchTokenUsed(token)
	return &VerifyResult{Allowed: true, Reason: "Scratch-token used"}
}

// verifyTOTP implements steps 6-9. The window is searched nearest-step
// first (0, then ±30s, ±60s, ...) so the tie-break rule ("prefer the
// step nearest to now; the current step always wins ties") falls out of
// search order rather than needing a separate comparison.
func (u User) verifyTOTP(token string, secret *model.Secret, state *model.UserState, now time.Time) *VerifyResult {
	maxDelta := secret.WindowSize / totp.StepSeconds // values <30 integer-divide to 0

	if counter, ok := totp.ValidateAtOffset(secret.TOTPSecret, now.Unix(), 0, token, u.Algorithm); ok {
		return u.recordOrRejectReuse(counter, state, now, true)
	}
	for delta := 1; delta <= maxDelta; delta++ {
		if counter, ok := totp.ValidateAtOffset(secret.TOTPSecret, now.Unix(), delta, token, u.Algorithm); ok {
			return u.recordOrRejectReuse(counter, state, now, false)
		}
		if counter, ok := totp.ValidateAtOffset(secret.TOTPSecret, now.Unix(), -delta, token, u.Algorithm); ok {
			return u.recordOrRejectReuse(counter, state, now, false)
		}
	}

	// No match anywhere in the window: the only verify_token failure
	// path that appends to fail_timestamps (step 7).
	state.FailTimestamps = append(state.FailTimestamps, now.Unix())
	return deny("Not a valid token")
}

func (u User) recordOrRejectReuse(counter uint64, state *model.UserState, now time.Time, current bool) *VerifyResult {
	if _, used := state.UsedTimestamps[counter]; used {
		return deny("Token has already been used once")
	}
	state.UsedTimestamps[counter] = now.Unix()
	if current {
		return &VerifyResult{Allowed: true, Reason: "Valid token used"}
	}
	return &VerifyResult{Allowed: true, Reason: "Valid token within window size used"}
}

func deny(reason string) *VerifyResult {
	return &VerifyResult{Allowed: false, Reason: reason}
}

func isAllDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func containsToken(tokens []string, token string) bool {
	for _, t := range tokens {
		if t == token {
			return true
		}
	}
	return false
}
