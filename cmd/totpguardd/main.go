package main

import (
	totpguard "github.com/totpguard/totpguard"
	"github.com/totpguard/totpguard/internal/cli"
	"github.com/totpguard/totpguard/internal/config"
)

// Build-time variables set via -ldflags
var (
	version   = "0.1.0-dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	config.SetDefaultConfig(totpguard.DefaultConfigYAML)
	cli.SetDefaultPolicy(totpguard.DefaultPolicyRego)
	cli.Execute(version, commit, buildTime)
}
