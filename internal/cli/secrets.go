package cli

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/totpguard/totpguard/internal/backends/sqlbackend"
	"github.com/totpguard/totpguard/internal/config"
	"github.com/totpguard/totpguard/internal/secretcrypto"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets",
	Short: "Manage user TOTP secrets",
}

var secretsAddCmd = &cobra.Command{
	Use:   "add <username>",
	Short: "Provision a new TOTP secret for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsAdd,
}

var secretsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List users with a provisioned secret",
	RunE:  runSecretsList,
}

var secretsRemoveCmd = &cobra.Command{
	Use:   "remove <username>",
	Short: "Remove a user's secret",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecretsRemove,
}

var (
	secretEncryptPincode string
	secretScratchCount   int
	secretWindowSize     int
	secretRateAttempts   int
	secretRateSeconds    int
)

func init() {
	rootCmd.AddCommand(secretsCmd)
	secretsCmd.AddCommand(secretsAddCmd)
	secretsCmd.AddCommand(secretsListCmd)
	secretsCmd.AddCommand(secretsRemoveCmd)

	secretsAddCmd.Flags().StringVar(&secretEncryptPincode, "encrypt-with-pincode", "", "encrypt the secret at rest under this pincode (spec.md §4.5); omitting this writes a plaintext secret with scratch tokens")
	secretsAddCmd.Flags().IntVar(&secretScratchCount, "scratch-tokens", 5, "number of 8-digit scratch tokens to generate (ignored when encrypting)")
	secretsAddCmd.Flags().IntVar(&secretWindowSize, "window-size", 0, "seconds of counter-step drift tolerated on either side")
	secretsAddCmd.Flags().IntVar(&secretRateAttempts, "rate-limit-attempts", 3, "max verify failures before the rate limit trips")
	secretsAddCmd.Flags().IntVar(&secretRateSeconds, "rate-limit-seconds", 30, "sliding window, in seconds, the rate limit counts failures over")
}

func generateTOTPSecret() ([]byte, string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", fmt.Errorf("generating secret: %w", err)
	}
	return raw, base32.StdEncoding.EncodeToString(raw), nil
}

func generateScratchTokens(n int) ([]string, error) {
	tokens := make([]string, n)
	for i := range tokens {
		var b [4]byte
		if _, err := rand.Read(b[:]); err != nil {
			return nil, fmt.Errorf("generating scratch token: %w", err)
		}
		v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
		tokens[i] = fmt.Sprintf("%08d", v%100000000)
	}
	return tokens, nil
}

func runSecretsAdd(cmd *cobra.Command, args []string) error {
	username := args[0]

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	rawSecret, encodedSecret, err := generateTOTPSecret()
	if err != nil {
		return err
	}

	switch cfg.Backends.Secret {
	case "sql":
		return addSQLSecret(cfg, username, encodedSecret)
	default:
		return addFileSecret(cfg, username, rawSecret, encodedSecret)
	}
}

func addFileSecret(cfg *config.Config, username string, rawSecret []byte, encodedSecret string) error {
	dir := cfg.FileBackendDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating secrets directory: %w", err)
	}
	path := filepath.Join(dir, username+".totp")

	var b strings.Builder
	if secretEncryptPincode != "" {
		salt, err := secretcrypto.NewSalt()
		if err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}
		sealed, err := secretcrypto.Seal(secretEncryptPincode, salt, []byte(encodedSecret))
		if err != nil {
			return fmt.Errorf("encrypting secret: %w", err)
		}
		fmt.Fprintf(&b, "%s\n", sealed)
		fmt.Fprintf(&b, "ENCRYPTED=1\n")
	} else {
		fmt.Fprintf(&b, "%s\n", encodedSecret)
		if secretScratchCount > 0 {
			tokens, err := generateScratchTokens(secretScratchCount)
			if err != nil {
				return err
			}
			fmt.Fprintf(&b, "SCRATCH_TOKENS=%s\n", strings.Join(tokens, ","))
		}
	}
	fmt.Fprintf(&b, "RATE_LIMIT=%d,%d\n", secretRateAttempts, secretRateSeconds)
	fmt.Fprintf(&b, "WINDOW_SIZE=%d\n", secretWindowSize)

	if err := os.WriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("writing secret file: %w", err)
	}

	fmt.Printf("Secret provisioned for %q at %s\n", username, path)
	if secretEncryptPincode == "" {
		fmt.Printf("otpauth://totp/totpguard:%s?secret=%s&issuer=totpguard\n", username, encodedSecret)
	}
	return nil
}

func addSQLSecret(cfg *config.Config, username, encodedSecret string) error {
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

	rawValue := encodedSecret
	encrypted := 0
	if secretEncryptPincode != "" {
		salt, err := secretcrypto.NewSalt()
		if err != nil {
			return fmt.Errorf("generating salt: %w", err)
		}
		sealed, err := secretcrypto.Seal(secretEncryptPincode, salt, []byte(encodedSecret))
		if err != nil {
			return fmt.Errorf("encrypting secret: %w", err)
		}
		rawValue = sealed
		encrypted = 1
	}

	if _, err := db.Exec(ctx,
		`INSERT INTO secrets (userid, secret, encrypted, rate_limit_times, rate_limit_seconds, window_size)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(userid) DO UPDATE SET secret=excluded.secret, encrypted=excluded.encrypted,
		   rate_limit_times=excluded.rate_limit_times, rate_limit_seconds=excluded.rate_limit_seconds,
		   window_size=excluded.window_size`,
		userID, rawValue, encrypted, secretRateAttempts, secretRateSeconds, secretWindowSize,
	); err != nil {
		return fmt.Errorf("writing secret row: %w", err)
	}

	if encrypted == 0 && secretScratchCount > 0 {
		tokens, err := generateScratchTokens(secretScratchCount)
		if err != nil {
			return err
		}
		for _, tok := range tokens {
			if _, err := db.Exec(ctx,
				`INSERT OR IGNORE INTO scratch_tokens (userid, token) VALUES (?, ?)`, userID, tok,
			); err != nil {
				return fmt.Errorf("writing scratch token: %w", err)
			}
		}
	}

	fmt.Printf("Secret provisioned for %q in %s\n", username, cfg.DatabasePath())
	if secretEncryptPincode == "" {
		fmt.Printf("otpauth://totp/totpguard:%s?secret=%s&issuer=totpguard\n", username, encodedSecret)
	}
	return nil
}

func runSecretsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	if cfg.Backends.Secret == "sql" {
		db, err := sqlbackend.Open(cfg.DatabasePath())
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		defer db.Close()

		rows, err := db.QueryRows(context.Background(),
			`SELECT u.username, s.encrypted, s.window_size FROM users u JOIN secrets s ON s.userid = u.userid ORDER BY u.username`)
		if err != nil {
			return fmt.Errorf("listing secrets: %w", err)
		}
		defer rows.Close()

		table := tablewriter.NewWriter(os.Stdout)
		table.Header("Username", "Encrypted", "Window Size")
		count := 0
		for rows.Next() {
			var username string
			var encrypted, windowSize int
			if err := rows.Scan(&username, &encrypted, &windowSize); err != nil {
				return fmt.Errorf("reading secret row: %w", err)
			}
			table.Append(username, strconv.FormatBool(encrypted != 0), strconv.Itoa(windowSize))
			count++
		}
		table.Render()
		fmt.Printf("\nTotal: %d users\n", count)
		return nil
	}

	dir := cfg.FileBackendDir()
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No secrets provisioned yet.")
			return nil
		}
		return fmt.Errorf("reading secrets directory: %w", err)
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".totp") {
			names = append(names, strings.TrimSuffix(e.Name(), ".totp"))
		}
	}
	sort.Strings(names)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Username")
	for _, n := range names {
		table.Append(n)
	}
	table.Render()
	fmt.Printf("\nTotal: %d users\n", len(names))
	return nil
}

func runSecretsRemove(cmd *cobra.Command, args []string) error {
	username := args[0]

	cfg, err := loadCLIConfig()
	if err != nil {
		return err
	}

	if cfg.Backends.Secret == "sql" {
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
			return fmt.Errorf("no secret found for %q", username)
		}
		if _, err := db.Exec(ctx, `DELETE FROM scratch_tokens WHERE userid = ?`, userID); err != nil {
			return fmt.Errorf("removing scratch tokens: %w", err)
		}
		if _, err := db.Exec(ctx, `DELETE FROM secrets WHERE userid = ?`, userID); err != nil {
			return fmt.Errorf("removing secret: %w", err)
		}
		fmt.Printf("Secret removed for %q\n", username)
		return nil
	}

	path := filepath.Join(cfg.FileBackendDir(), username+".totp")
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no secret found for %q", username)
		}
		return fmt.Errorf("removing secret file: %w", err)
	}
	fmt.Printf("Secret removed for %q\n", username)
	return nil
}
