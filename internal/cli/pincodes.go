package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/totpguard/totpguard/internal/backends/sqlbackend"
	"github.com/totpguard/totpguard/internal/config"
)

var pincodesCmd = &cobra.Command{
	Use:   "pincodes",
	Short: "Manage user pincode hashes",
}

var pincodesSetCmd = &cobra.Command{
	Use:   "set <username> <pincode>",
	Short: "Set (or replace) a user's pincode hash",
	Long: `Hashes pincode with bcrypt and writes it to the configured
pincode backend. internal/hashverify can verify bcrypt ($2a$/$2b$/$2y$)
alongside the crypt(3) formats it supports for hashes provisioned by
other means, so this is a convenient default rather than the only
format the node accepts.`,
	Args: cobra.ExactArgs(2),
	RunE: runPincodesSet,
}

var pincodesRemoveCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Remove a user's pincode hash",
	Args:  cobra.ExactArgs(1),
	RunE:  runPincodesRemove,
}

func init() {
	rootCmd.AddCommand(pincodesCmd)
	pincodesCmd.AddCommand(pincodesSetCmd)
	pincodesCmd.AddCommand(pincodesRemoveCmd)
}

func runPincodesSet(cmd *cobra.Command, args []string) error {
	username, pincode := args[0], args[1]

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(pincode), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hashing pincode: %w", err)
	}

	switch cfg.Backends.Pincode {
	case "sql":
		return setSQLPincode(cfg, username, string(hashed))
	case "ldap":
		return fmt.Errorf("backends.pincode is \"ldap\": pincodes are verified against the directory, not stored locally")
	default:
		return setFilePincode(cfg, username, string(hashed))
	}
}

func setFilePincode(cfg *config.Config, username, hash string) error {
	path := filepath.Join(cfg.FileBackendDir(), "pincodes")
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating pincode directory: %w", err)
	}

	lines, err := readPincodeLines(path)
	if err != nil {
		return err
	}

	replaced := false
	for i, line := range lines {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) >= 2 && parts[0] == username {
			lines[i] = username + ":" + hash
			replaced = true
			break
		}
	}
	if !replaced {
		lines = append(lines, username+":"+hash)
	}

	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0600); err != nil {
		return fmt.Errorf("writing pincodes file: %w", err)
	}

	fmt.Printf("Pincode hash set for %q at %s\n", username, path)
	return nil
}

func readPincodeLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading pincodes file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func setSQLPincode(cfg *config.Config, username, hash string) error {
	db, err := sqlbackend.Open(cfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	userID, err := db.EnsureUser(ctx, username)
	if err != nil {
		return fmt.Errorf("provisioning user row: %w", err)
	}

	if _, err := db.Exec(ctx,
		`INSERT INTO pincodes (userid, pincode) VALUES (?, ?)
		 ON CONFLICT(userid) DO UPDATE SET pincode=excluded.pincode`,
		userID, hash,
	); err != nil {
		return fmt.Errorf("writing pincode row: %w", err)
	}

	fmt.Printf("Pincode hash set for %q in %s\n", username, cfg.DatabasePath())
	return nil
}

func runPincodesRemove(cmd *cobra.Command, args []string) error {
	username := args[0]

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	if cfg.Backends.Pincode == "sql" {
		db, err := sqlbackend.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		ctx := context.Background()
		userID, ok, err := db.LookupUserID(ctx, username)
		if err != nil {
			return fmt.Errorf("looking up user: %w", err)
		}
		if !ok {
			return fmt.Errorf("no pincode found for %q", username)
		}
		if _, err := db.Exec(ctx, `DELETE FROM pincodes WHERE userid = ?`, userID); err != nil {
			return fmt.Errorf("removing pincode: %w", err)
		}
		fmt.Printf("Pincode removed for %q\n", username)
		return nil
	}

	path := filepath.Join(cfg.FileBackendDir(), "pincodes")
	lines, err := readPincodeLines(path)
	if err != nil {
		return err
	}

	kept := lines[:0]
	found := false
	for _, line := range lines {
		parts := strings.SplitN(line, ":", 3)
		if len(parts) >= 2 && parts[0] == username {
			found = true
			continue
		}
		kept = append(kept, line)
	}
	if !found {
		return fmt.Errorf("no pincode found for %q", username)
	}

	if err := os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), 0600); err != nil {
		return fmt.Errorf("writing pincodes file: %w", err)
	}
	fmt.Printf("Pincode removed for %q\n", username)
	return nil
}
