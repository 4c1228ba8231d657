package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/totpguard/totpguard/internal/backends"
	"github.com/totpguard/totpguard/internal/backends/file"
	"github.com/totpguard/totpguard/internal/backends/sqlbackend"
	"github.com/totpguard/totpguard/internal/config"
)

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect or reset a user's replay/rate-limit state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show <username>",
	Short: "Show a user's used-counter, scratch-token, and failure bookkeeping",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateShow,
}

var stateResetCmd = &cobra.Command{
	Use:   "reset <username>",
	Short: "Delete a user's persisted state (clears rate limit and replay history)",
	Args:  cobra.ExactArgs(1),
	RunE:  runStateReset,
}

func init() {
	rootCmd.AddCommand(stateCmd)
	stateCmd.AddCommand(stateShowCmd)
	stateCmd.AddCommand(stateResetCmd)
}

func openStateBackend(cfg *config.Config) (backends.StateBackend, func(), error) {
	if cfg.Backends.State == "sql" {
		db, err := sqlbackend.Open(cfg.DatabasePath())
		if err != nil {
			return nil, nil, fmt.Errorf("opening database: %w", err)
		}
		return sqlbackend.NewStateBackend(db), func() { db.Close() }, nil
	}
	return file.NewStateBackend(cfg.FileBackendDir()), func() {}, nil
}

func runStateShow(cmd *cobra.Command, args []string) error {
	username := args[0]

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	sb, closeFn, err := openStateBackend(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	ctx := context.Background()
	handle, err := sb.GetUserState(ctx, username)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer handle.Abort(ctx)

	st := handle.State()
	fmt.Printf("Username:           %s\n", username)
	fmt.Printf("Used scratch tokens: %d\n", len(st.UsedScratchTokens))
	fmt.Printf("Used TOTP counters:  %d\n", len(st.UsedTimestamps))
	fmt.Printf("Recent failures:     %d\n", len(st.FailTimestamps))
	for _, ts := range st.FailTimestamps {
		fmt.Printf("  - %s\n", time.Unix(ts, 0).UTC().Format(time.RFC3339))
	}
	return nil
}

func runStateReset(cmd *cobra.Command, args []string) error {
	username := args[0]

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	sb, closeFn, err := openStateBackend(cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	if err := sb.DeleteUserState(context.Background(), username); err != nil {
		return fmt.Errorf("resetting state: %w", err)
	}
	fmt.Printf("State cleared for %q\n", username)
	return nil
}
