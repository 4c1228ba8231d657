package cli

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/totpguard/totpguard/internal/config"
	"github.com/totpguard/totpguard/internal/identity"
)

// defaultPolicyRego is set from the main package, which has access to
// the embedded configs directory via go:embed.
var defaultPolicyRego []byte

// SetDefaultPolicy sets the embedded default Rego policy.
func SetDefaultPolicy(data []byte) {
	defaultPolicyRego = data
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Initialize a new totpguard node",
	Long: `Bootstrap a new totpguard node by creating directories,
generating the node's Ed25519 identity key, and writing default
configuration and policy files.`,
	RunE: runInstall,
}

func init() {
	rootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
	fmt.Println("=== totpguard Node Installation ===")
	fmt.Println()

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Creating directories...\n")
	if err := config.EnsureDirectories(cfg); err != nil {
		return fmt.Errorf("failed to create directories: %w", err)
	}
	if err := os.MkdirAll(cfg.FileBackendDir(), 0700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}
	fmt.Printf("  Data directory:       %s\n", cfg.Storage.BasePath)
	fmt.Printf("  Policy directory:     %s\n", cfg.Policy.Directory)
	fmt.Printf("  Accounting directory: %s\n", cfg.AccountingDir())
	fmt.Printf("  Merkle directory:     %s\n", cfg.MerkleDir())

	fmt.Printf("\nGenerating node identity...\n")
	keyPath := cfg.NodeKeyPath()
	id, err := identity.LoadOrGenerate(keyPath)
	if err != nil {
		return fmt.Errorf("failed to load or generate node identity: %w", err)
	}
	cfg.Node.DID = id.DID
	fmt.Printf("  Node key: %s\n", keyPath)
	fmt.Printf("  Node DID: %s\n", id.DID)

	configPath := filepath.Join(config.DefaultConfigDir(), "config.yaml")
	if dataDir != "" {
		configPath = filepath.Join(cfg.Storage.BasePath, "config.yaml")
	}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		fmt.Printf("\nWriting default configuration...\n")
		if err := os.MkdirAll(filepath.Dir(configPath), 0750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}

		configContent := fmt.Sprintf(`node:
  did: "%s"
  name: "%s"
  location: "%s"

radius:
  auth_address: "0.0.0.0:1812"
  acct_address: "0.0.0.0:1813"
  shared_secret: "changeme"
  packets_per_second: 50
  burst: 100

admin_http:
  addr: "127.0.0.1:9090"
  max_conns: 32

auth:
  require_pincode: true
  algorithm: "sha1"
  default_window_size: 0
  default_rate_limit_attempts: 3
  default_rate_limit_seconds: 30
  username_pattern: "^[A-Za-z0-9@._-]+$"

backends:
  secret: "file"
  pincode: "file"
  state: "file"

storage:
  base_path: "%s"

policy:
  directory: "%s"
  default_policy: "default.rego"

accounting:
  rotation_interval: "24h"
  compress_after_days: 7

merkle:
  batch_interval: "1h"

logging:
  level: "info"
  format: "json"
`, id.DID, cfg.Node.Name, cfg.Node.Location,
			filepath.ToSlash(cfg.Storage.BasePath),
			filepath.ToSlash(cfg.Policy.Directory))

		if err := os.WriteFile(configPath, []byte(configContent), 0640); err != nil {
			fmt.Printf("  Warning: could not write config: %v\n", err)
		} else {
			fmt.Printf("  Config: %s\n", configPath)
		}
	} else {
		fmt.Printf("\nConfiguration already exists at %s (skipping)\n", configPath)
	}

	policyPath := filepath.Join(cfg.Policy.Directory, "default.rego")
	if _, err := os.Stat(policyPath); os.IsNotExist(err) {
		fmt.Printf("\nWriting default policy...\n")
		content := defaultPolicyRego
		if len(content) == 0 {
			content = []byte(`package totpguard.authz

default allow = false

allow if {
	input.username != ""
	input.authenticated == true
}
`)
		}
		if err := os.WriteFile(policyPath, content, 0640); err != nil {
			return fmt.Errorf("failed to write default policy: %w", err)
		}
		fmt.Printf("  Policy: %s\n", policyPath)
	} else {
		fmt.Printf("\nDefault policy already exists (skipping)\n")
	}

	fmt.Println()
	fmt.Println("=== Installation Complete ===")
	fmt.Println()
	fmt.Printf("Node DID:  %s\n", id.DID)
	fmt.Printf("Data dir:  %s\n", cfg.Storage.BasePath)
	fmt.Printf("Config:    %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Edit the config file to set your RADIUS shared secret")
	fmt.Println("  2. Provision a user:  totpguardd secrets add <username>")
	fmt.Println("  3. Start the node:    totpguardd start")

	return nil
}
