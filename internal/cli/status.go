package cli

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/spf13/cobra"

	"github.com/totpguard/totpguard/internal/identity"
	"github.com/totpguard/totpguard/internal/merkle"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show node status and health",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	fmt.Println("=== totpguard Node Status ===")
	fmt.Println()

	keyPath := cfg.NodeKeyPath()
	if _, err := os.Stat(keyPath); err == nil {
		id, err := identity.Load(keyPath)
		if err != nil {
			fmt.Printf("Node DID:       ERROR (%v)\n", err)
		} else {
			fmt.Printf("Node DID:       %s\n", id.DID)
		}
	} else {
		fmt.Printf("Node DID:       NOT CONFIGURED (run 'totpguardd install')\n")
	}

	fmt.Printf("Node Name:      %s\n", cfg.Node.Name)
	fmt.Printf("Data Directory: %s\n", cfg.Storage.BasePath)
	fmt.Printf("Backends:       secret=%s pincode=%s state=%s\n",
		cfg.Backends.Secret, cfg.Backends.Pincode, cfg.Backends.State)

	fmt.Println()
	authUp := checkPort(cfg.Radius.AuthAddress)
	acctUp := checkPort(cfg.Radius.AcctAddress)
	adminUp := checkPort(cfg.AdminHTTP.Addr)

	printListenerStatus("RADIUS Auth", cfg.Radius.AuthAddress, authUp)
	printListenerStatus("RADIUS Acct", cfg.Radius.AcctAddress, acctUp)
	printListenerStatus("Admin HTTP", cfg.AdminHTTP.Addr, adminUp)

	fmt.Println()
	batcher := merkle.NewBatcher(cfg.AccountingDir(), cfg.MerkleDir(), 0, nil)
	batch, err := batcher.LatestBatch()
	if err != nil {
		fmt.Printf("Latest Merkle:  ERROR (%v)\n", err)
	} else if batch == nil {
		fmt.Printf("Latest Merkle:  NO BATCHES YET\n")
	} else {
		fmt.Printf("Latest Merkle:  %s\n", batch.RootHash[:32]+"...")
		fmt.Printf("  Timestamp:    %s\n", batch.Timestamp.Format(time.RFC3339))
		fmt.Printf("  Leaves:       %d\n", batch.LeafCount)
		fmt.Printf("  Source:       %s\n", batch.SourceFile)
		if batch.SignerDID != "" {
			fmt.Printf("  Signed by:    %s\n", batch.SignerDID)
		}
	}

	fmt.Println()
	fmt.Printf("Policy Dir:     %s\n", cfg.Policy.Directory)
	policyFiles, _ := os.ReadDir(cfg.Policy.Directory)
	regoCount := 0
	for _, f := range policyFiles {
		if !f.IsDir() && len(f.Name()) > 5 && f.Name()[len(f.Name())-5:] == ".rego" {
			regoCount++
		}
	}
	fmt.Printf("Policy Files:   %d\n", regoCount)

	fmt.Println()
	if info, err := host.Info(); err == nil {
		uptime := time.Duration(info.Uptime) * time.Second
		fmt.Printf("Host:           %s %s (up %s)\n", info.Platform, info.PlatformVersion, uptime)
	}

	return nil
}

func printListenerStatus(label, addr string, up bool) {
	if addr == "" {
		fmt.Printf("%-15s NOT CONFIGURED\n", label+":")
		return
	}
	if up {
		fmt.Printf("%-15s LISTENING on %s\n", label+":", addr)
	} else {
		fmt.Printf("%-15s NOT RUNNING (%s)\n", label+":", addr)
	}
}

// checkPort dials addr to see whether something accepts connections
// there. UDP dial always "succeeds" without sending a packet, so RADIUS
// listeners are reported conservatively as not running; TCP (admin
// HTTP) gets a real connect check.
func checkPort(addr string) bool {
	if addr == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", addr, 1*time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
