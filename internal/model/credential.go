package model

import "strings"

// SplitCredential splits a raw submitted credential string into a
// (pincode, token) pair for a token of the given length, per spec.md
// §4.1: the token is always the trailing digits, pincode is everything
// before it.
func SplitCredential(raw string, tokenLen int) (Credential, bool) {
	if len(raw) < tokenLen {
		return Credential{}, false
	}
	cut := len(raw) - tokenLen
	token := raw[cut:]
	if !isDigits(token) {
		return Credential{}, false
	}
	return Credential{Raw: raw, Pincode: raw[:cut], Token: token}, true
}

// CandidateSplits returns, in dispatch order, the credential
// interpretations worth trying for a raw submission: an 8-digit scratch
// split first (when the string is long enough), then a 6-digit TOTP
// split. A 14-character submission is the ambiguous case where both
// splits are geometrically possible; callers must try the scratch split
// first and only fall back to the TOTP split once scratch lookup misses
// (never the reverse), per spec.md §4.1.
func CandidateSplits(raw string) (scratch, totp Credential, hasScratch, hasTOTP bool) {
	if c, ok := SplitCredential(raw, 8); ok {
		scratch, hasScratch = c, true
	}
	if c, ok := SplitCredential(raw, 6); ok {
		totp, hasTOTP = c, true
	}
	return
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	return strings.IndexFunc(s, func(r rune) bool { return r < '0' || r > '9' }) == -1
}
