package integration

import (
	"context"
	"encoding/base32"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"

	"github.com/totpguard/totpguard/internal/accounting"
	"github.com/totpguard/totpguard/internal/authenticator"
	"github.com/totpguard/totpguard/internal/backends"
	"github.com/totpguard/totpguard/internal/backends/file"
	"github.com/totpguard/totpguard/internal/metrics"
	"github.com/totpguard/totpguard/internal/policy"
	"github.com/totpguard/totpguard/internal/radiusadapter"
	"github.com/totpguard/totpguard/internal/totp"
)

const sharedSecret = "testing123"

// testEnv holds all test infrastructure for one RADIUS exchange test,
// backed by internal/backends/file over a scratch directory.
type testEnv struct {
	SecretsDir string
	Accounting *accounting.Collector
	Server     *radiusadapter.Server
	AuthAddr   string
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpDir := t.TempDir()
	secretsDir := filepath.Join(tmpDir, "users")
	acctDir := filepath.Join(tmpDir, "accounting")
	policyDir := filepath.Join(tmpDir, "policies")

	os.MkdirAll(secretsDir, 0750)
	os.MkdirAll(acctDir, 0750)
	os.MkdirAll(policyDir, 0750)

	policyContent := `
package totpguard.authz

default allow := false

allow if {
	input.username != ""
	input.authenticated == true
}
`
	os.WriteFile(filepath.Join(policyDir, "test.rego"), []byte(policyContent), 0644)

	b := backends.Backends{
		Secret: file.NewSecretBackend(secretsDir),
		State:  file.NewStateBackend(secretsDir),
	}
	auth := authenticator.New(b, false)

	pe, err := policy.NewEngine(policyDir)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	ac, err := accounting.NewCollector(acctDir)
	if err != nil {
		t.Fatalf("NewCollector failed: %v", err)
	}

	m := metrics.New(prometheus.NewRegistry())

	authAddr := findFreeUDPPort(t)
	server := radiusadapter.NewServer(radiusadapter.Config{
		AuthAddr:     authAddr,
		AcctAddr:     findFreeUDPPort(t),
		SharedSecret: sharedSecret,
	}, auth, pe, ac, m)
	if err := server.Start(); err != nil {
		t.Fatalf("Server.Start failed: %v", err)
	}

	// Give server time to bind.
	time.Sleep(100 * time.Millisecond)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
		ac.Close()
	})

	return &testEnv{
		SecretsDir: secretsDir,
		Accounting: ac,
		Server:     server,
		AuthAddr:   authAddr,
	}
}

// provisionUser writes a plaintext <username>.totp file with no pincode
// requirement, returning the raw secret bytes for code generation.
func (env *testEnv) provisionUser(t *testing.T, username string) []byte {
	t.Helper()
	raw := []byte("01234567890123456789")[:20]
	encoded := base32.StdEncoding.EncodeToString(raw)
	content := fmt.Sprintf("%s\nRATE_LIMIT=3,30\nWINDOW_SIZE=1\n", encoded)
	path := filepath.Join(env.SecretsDir, username+".totp")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing secret file: %v", err)
	}
	return raw
}

func findFreeUDPPort(t *testing.T) string {
	t.Helper()
	addr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("resolve UDP addr: %v", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		t.Fatalf("listen UDP: %v", err)
	}
	port := conn.LocalAddr().(*net.UDPAddr).Port
	conn.Close()
	return fmt.Sprintf("127.0.0.1:%d", port)
}

func currentCode(secret []byte) string {
	return totp.Generate(secret, totp.Counter(time.Now().Unix()), 6, totp.SHA1)
}

func TestEndToEndAuthentication(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	secret := env.provisionUser(t, "alice")

	packet := radius.New(radius.CodeAccessRequest, []byte(sharedSecret))
	rfc2865.UserName_SetString(packet, "alice")
	rfc2865.UserPassword_SetString(packet, currentCode(secret))

	response, err := radius.Exchange(context.Background(), packet, env.AuthAddr)
	if err != nil {
		t.Fatalf("RADIUS exchange failed: %v", err)
	}

	if response.Code != radius.CodeAccessAccept {
		replyMsg := rfc2865.ReplyMessage_GetString(response)
		t.Errorf("expected Access-Accept, got %v: %s", response.Code, replyMsg)
	}
}

func TestAuthenticationInvalidUser(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)

	packet := radius.New(radius.CodeAccessRequest, []byte(sharedSecret))
	rfc2865.UserName_SetString(packet, "nonexistent")
	rfc2865.UserPassword_SetString(packet, "123456")

	response, err := radius.Exchange(context.Background(), packet, env.AuthAddr)
	if err != nil {
		t.Fatalf("RADIUS exchange failed: %v", err)
	}

	if response.Code != radius.CodeAccessReject {
		t.Errorf("expected Access-Reject, got %v", response.Code)
	}
}

func TestAuthenticationWrongCode(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	env.provisionUser(t, "bob")

	packet := radius.New(radius.CodeAccessRequest, []byte(sharedSecret))
	rfc2865.UserName_SetString(packet, "bob")
	rfc2865.UserPassword_SetString(packet, "000000")

	response, err := radius.Exchange(context.Background(), packet, env.AuthAddr)
	if err != nil {
		t.Fatalf("RADIUS exchange failed: %v", err)
	}

	if response.Code != radius.CodeAccessReject {
		t.Errorf("expected Access-Reject for wrong code, got %v", response.Code)
	}
}

func TestAuthenticationReplayProtection(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	secret := env.provisionUser(t, "carol")
	code := currentCode(secret)

	packet1 := radius.New(radius.CodeAccessRequest, []byte(sharedSecret))
	rfc2865.UserName_SetString(packet1, "carol")
	rfc2865.UserPassword_SetString(packet1, code)

	resp1, err := radius.Exchange(context.Background(), packet1, env.AuthAddr)
	if err != nil {
		t.Fatalf("RADIUS exchange failed: %v", err)
	}
	if resp1.Code != radius.CodeAccessAccept {
		t.Fatalf("first auth should accept, got %v", resp1.Code)
	}

	// Replay of the same code should be rejected as already used.
	packet2 := radius.New(radius.CodeAccessRequest, []byte(sharedSecret))
	rfc2865.UserName_SetString(packet2, "carol")
	rfc2865.UserPassword_SetString(packet2, code)

	resp2, err := radius.Exchange(context.Background(), packet2, env.AuthAddr)
	if err != nil {
		t.Fatalf("RADIUS exchange failed: %v", err)
	}
	if resp2.Code != radius.CodeAccessReject {
		t.Errorf("replay should be rejected, got %v", resp2.Code)
	}
}

func TestAccountingEventLogged(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	env := setupTestEnv(t)
	secret := env.provisionUser(t, "dave")

	packet := radius.New(radius.CodeAccessRequest, []byte(sharedSecret))
	rfc2865.UserName_SetString(packet, "dave")
	rfc2865.UserPassword_SetString(packet, currentCode(secret))

	radius.Exchange(context.Background(), packet, env.AuthAddr)

	// Give time for the event to be written.
	time.Sleep(100 * time.Millisecond)

	if env.Accounting.EventCount() == 0 {
		t.Error("expected accounting events to be logged")
	}
}
