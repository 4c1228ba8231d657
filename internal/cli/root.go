package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	dataDir string
	verbose bool
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "totpguardd",
	Short: "totpguard two-factor verification node",
	Long: `totpguard verifies RFC 6238 TOTP codes, pincode-prefixed
credentials, and single-use scratch codes against pluggable secret,
pincode, and state backends, fronted by a RADIUS PAP listener.

It provides OPA-based post-auth policy evaluation, tamper-evident
JSONL accounting logs, and Ed25519-signed Merkle batching of the
audit trail.`,
}

// Execute runs the root command.
func Execute(version, commit, buildTime string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildTime)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: platform-specific)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "data directory (default: platform-specific)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
