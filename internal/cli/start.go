package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/totpguard/totpguard/internal/app"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the totpguard node",
	Long: `Start the RADIUS auth/accounting listeners, the admin HTTP
surface, and the Merkle batcher and log compressor. The node runs in
the foreground until interrupted (Ctrl+C).`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	return application.Start()
}
