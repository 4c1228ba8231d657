package radiusadapter

import (
	"context"
	"log"
	"time"

	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"github.com/totpguard/totpguard/internal/accounting"
	"github.com/totpguard/totpguard/internal/authenticator"
	"github.com/totpguard/totpguard/internal/metrics"
	"github.com/totpguard/totpguard/internal/model"
	"github.com/totpguard/totpguard/internal/policy"
)

// Handler processes RADIUS authentication and accounting requests.
type Handler struct {
	auth          *authenticator.Authenticator
	policyEng     *policy.Engine
	accounting    *accounting.Collector
	metrics       *metrics.Metrics
	packetLimiter *perAddrLimiter
}

// HandleAuth processes RADIUS Access-Request packets, treating the
// User-Password attribute as the credential string verify_user_token
// expects (spec.md §4.1): optionally pincode-prefixed, then a 6-digit
// TOTP code or an 8-digit scratch token.
func (h *Handler) HandleAuth(w radius.ResponseWriter, r *radius.Request) {
	start := time.Now()
	clientAddr := r.RemoteAddr.String()

	if !h.packetLimiter.Allow(clientAddr) {
		log.Printf("[radiusadapter] auth: throttled packet from %s", clientAddr)
		return // drop silently; a flooding source gets no reply to retry against
	}

	username := rfc2865.UserName_GetString(r.Packet)
	credential := rfc2865.UserPassword_GetString(r.Packet)
	nasIP := rfc2865.NASIPAddress_Get(r.Packet)
	nasID := rfc2865.NASIdentifier_GetString(r.Packet)

	if username == "" {
		h.sendReject(w, r, "missing username")
		h.recordEvent("", username, "", nasIP.String(), nasID, clientAddr, "DENY", "missing_username", start)
		return
	}
	if credential == "" {
		h.sendReject(w, r, "missing credential")
		h.recordEvent("", username, "", nasIP.String(), nasID, clientAddr, "DENY", "missing_credential", start)
		return
	}

	ctx := context.Background()
	result, err := h.auth.VerifyUserToken(ctx, username, credential)
	if err != nil {
		reason, method := classifyError(err)
		log.Printf("[radiusadapter] auth: denied user %q from %s: %s", username, clientAddr, reason)
		h.sendReject(w, r, reason)
		h.recordEvent("", username, method, nasIP.String(), nasID, clientAddr, "DENY", reason, start)
		if h.metrics != nil {
			h.metrics.RecordVerify(false)
		}
		return
	}

	if h.metrics != nil {
		h.metrics.RecordVerify(true)
	}

	method := "totp"
	if len(credential) >= 8 {
		method = "totp_or_scratch"
	}

	if h.policyEng != nil {
		policyResult, err := h.policyEng.Evaluate(ctx, &policy.AuthzInput{
			Username:      result.Username,
			Authenticated: true,
			Outcome:       result.Message,
			NASAddress:    nasIP.String(),
			Resource:      "network_access",
			Timestamp:     time.Now(),
		})
		if err != nil {
			log.Printf("[radiusadapter] auth: policy error for user %q: %v", username, err)
			h.sendReject(w, r, "policy evaluation error")
			h.recordEvent("policy_error", username, method, nasIP.String(), nasID, clientAddr, "DENY", "policy_error", start)
			return
		}
		if !policyResult.Allow {
			reason := "policy_denied"
			if len(policyResult.DenyReasons) > 0 {
				reason = policyResult.DenyReasons[0]
			}
			log.Printf("[radiusadapter] auth: policy denied user %q: %v", username, policyResult.DenyReasons)
			h.sendReject(w, r, reason)
			h.recordEvent("policy_deny", username, method, nasIP.String(), nasID, clientAddr, "DENY", reason, start)
			if h.metrics != nil {
				h.metrics.RecordPolicyDeny("network_access")
			}
			return
		}
	}

	log.Printf("[radiusadapter] auth: accepted user %q from %s in %v", username, clientAddr, time.Since(start))

	resp := r.Response(radius.CodeAccessAccept)
	rfc2865.ReplyMessage_SetString(resp, result.Message)
	w.Write(resp)

	h.recordEvent("", username, method, nasIP.String(), nasID, clientAddr, "ALLOW", result.Message, start)
}

// HandleAccounting processes RADIUS Accounting-Request packets.
func (h *Handler) HandleAccounting(w radius.ResponseWriter, r *radius.Request) {
	username := rfc2865.UserName_GetString(r.Packet)
	acctStatusType := rfc2866.AcctStatusType_Get(r.Packet)
	sessionID := rfc2866.AcctSessionID_GetString(r.Packet)
	clientAddr := r.RemoteAddr.String()

	var eventType string
	switch acctStatusType {
	case rfc2866.AcctStatusType_Value_Start:
		eventType = "acct_start"
	case rfc2866.AcctStatusType_Value_Stop:
		eventType = "acct_stop"
	case rfc2866.AcctStatusType_Value_InterimUpdate:
		eventType = "acct_interim"
	default:
		eventType = "acct_unknown"
	}

	log.Printf("[radiusadapter] accounting: %s for user %q session=%s from %s", eventType, username, sessionID, clientAddr)

	event := &accounting.AccountingEvent{
		EventType: eventType,
		Username:  username,
		ClientIP:  clientAddr,
		Attributes: map[string]string{
			"session_id": sessionID,
		},
	}
	if err := h.accounting.Record(event); err != nil {
		log.Printf("[radiusadapter] accounting: failed to record event: %v", err)
	}

	resp := r.Response(radius.CodeAccountingResponse)
	w.Write(resp)
}

// sendReject sends an Access-Reject response with a Reply-Message.
func (h *Handler) sendReject(w radius.ResponseWriter, r *radius.Request, reason string) {
	resp := r.Response(radius.CodeAccessReject)
	rfc2865.ReplyMessage_SetString(resp, reason)
	w.Write(resp)
}

// recordEvent writes one accounting event for an authentication attempt.
func (h *Handler) recordEvent(policyResult, username, method, nasAddr, nasID, clientIP, decision, reason string, start time.Time) {
	event := &accounting.AccountingEvent{
		EventType:     "verify_attempt",
		Username:      username,
		Method:        method,
		NASAddress:    nasAddr,
		NASIdentifier: nasID,
		Resource:      "network_access",
		PolicyResult:  policyResult,
		Decision:      decision,
		Reason:        reason,
		ClientIP:      clientIP,
		LatencyUS:     time.Since(start).Microseconds(),
	}
	if err := h.accounting.Record(event); err != nil {
		log.Printf("[radiusadapter] failed to record event: %v", err)
	}
}

// classifyError maps a VerifyUserToken error to a RADIUS-safe reject
// reason and a best-effort credential method label for accounting.
func classifyError(err error) (reason, method string) {
	switch e := err.(type) {
	case *model.InvalidUsernameError:
		return "invalid username", ""
	case *model.UserPincodeError:
		return e.Detail, "pincode"
	case *model.UserSecretError:
		return e.Detail, ""
	case *model.VerifyFailedError:
		return e.Detail, "totp_or_scratch"
	default:
		return "internal error", ""
	}
}
