package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func setupTestEngine(t *testing.T, policyContent string) *Engine {
	t.Helper()

	dir := t.TempDir()
	policyFile := filepath.Join(dir, "test.rego")
	if err := os.WriteFile(policyFile, []byte(policyContent), 0644); err != nil {
		t.Fatalf("failed to write policy: %v", err)
	}

	engine, err := NewEngine(dir)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	return engine
}

// OPA v1 requires `if` keyword before rule bodies and `contains` for partial set rules
const defaultPolicy = `
package totpguard.authz

default allow = false

allow if {
    input.username != ""
    input.authenticated == true
}

deny_reasons contains reason if {
    input.username == ""
    reason := "no_username"
}

deny_reasons contains reason if {
    input.authenticated != true
    reason := "not_authenticated"
}
`

func TestEvaluateAllowAuthenticated(t *testing.T) {
	engine := setupTestEngine(t, defaultPolicy)

	input := &AuthzInput{
		Username:      "valid",
		Authenticated: true,
		Outcome:       "Valid token used",
		Timestamp:     time.Now(),
	}

	result, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Allow {
		t.Errorf("expected ALLOW for authenticated user, got DENY: %v", result.DenyReasons)
	}
}

func TestEvaluateDenyUnauthenticated(t *testing.T) {
	engine := setupTestEngine(t, defaultPolicy)

	input := &AuthzInput{
		Username:      "valid",
		Authenticated: false,
		Timestamp:     time.Now(),
	}

	result, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allow {
		t.Error("expected DENY for unauthenticated user")
	}
}

func TestEvaluateDenyNoUsername(t *testing.T) {
	engine := setupTestEngine(t, defaultPolicy)

	input := &AuthzInput{
		Username:      "",
		Authenticated: true,
		Timestamp:     time.Now(),
	}

	result, err := engine.Evaluate(context.Background(), input)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.Allow {
		t.Error("expected DENY for missing username")
	}
}

const resourcePolicy = `
package totpguard.authz

default allow = false

allow if {
    input.authenticated == true
    input.resource == "vpn_gateway"
}

deny_reasons contains reason if {
    input.resource == "admin_console"
    not input.attributes.admin
    reason := "admin_console_requires_admin_attribute"
}
`

func TestEvaluateResourceBasedPolicy(t *testing.T) {
	engine := setupTestEngine(t, resourcePolicy)

	result, _ := engine.Evaluate(context.Background(), &AuthzInput{
		Username:      "valid",
		Authenticated: true,
		Resource:      "vpn_gateway",
		Timestamp:     time.Now(),
	})
	if !result.Allow {
		t.Error("authenticated user should reach vpn_gateway")
	}

	result, _ = engine.Evaluate(context.Background(), &AuthzInput{
		Username:      "valid",
		Authenticated: true,
		Resource:      "admin_console",
		Attributes:    map[string]string{},
		Timestamp:     time.Now(),
	})
	if result.Allow {
		t.Error("non-admin should not reach admin_console")
	}
}

func TestEngineReload(t *testing.T) {
	dir := t.TempDir()
	policyFile := filepath.Join(dir, "test.rego")

	// Initial policy: deny all
	os.WriteFile(policyFile, []byte(`
package totpguard.authz
default allow = false
`), 0644)

	engine, err := NewEngine(dir)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	input := &AuthzInput{
		Username:      "valid",
		Authenticated: true,
		Timestamp:     time.Now(),
	}

	result, _ := engine.Evaluate(context.Background(), input)
	if result.Allow {
		t.Error("should deny with deny-all policy")
	}

	// Update policy: allow all authenticated
	os.WriteFile(policyFile, []byte(`
package totpguard.authz
default allow = false
allow if { input.authenticated == true }
`), 0644)

	if err := engine.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	result, _ = engine.Evaluate(context.Background(), input)
	if !result.Allow {
		t.Error("should allow after policy reload")
	}
}

func TestEngineNoPolicies(t *testing.T) {
	dir := t.TempDir()
	_, err := NewEngine(dir)
	if err == nil {
		t.Error("should fail with no policy files")
	}
}

func TestPolicyFiles(t *testing.T) {
	engine := setupTestEngine(t, defaultPolicy)
	files, err := engine.PolicyFiles()
	if err != nil {
		t.Fatalf("PolicyFiles failed: %v", err)
	}
	if len(files) != 1 {
		t.Errorf("expected 1 policy file, got %d", len(files))
	}
}
