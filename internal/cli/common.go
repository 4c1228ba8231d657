package cli

import (
	"fmt"

	"github.com/totpguard/totpguard/internal/config"
)

// loadCLIConfig loads configuration honoring the --config/--data-dir
// persistent flags shared by every subcommand.
func loadCLIConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.Storage.BasePath = dataDir
	}
	return cfg, nil
}
