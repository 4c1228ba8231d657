// Package app wires every subsystem described in SPEC_FULL.md into one
// running node: backend selection, the authenticator, policy engine,
// accounting, Merkle batching, the RADIUS front end, and the admin HTTP
// surface. Grounded on internal/app/app.go's lifecycle shape (New,
// Start, Shutdown, background tickers), subsystem set repurposed.
package app

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/totpguard/totpguard/internal/accounting"
	"github.com/totpguard/totpguard/internal/adminhttp"
	"github.com/totpguard/totpguard/internal/authenticator"
	"github.com/totpguard/totpguard/internal/backends"
	"github.com/totpguard/totpguard/internal/backends/file"
	"github.com/totpguard/totpguard/internal/backends/ldapbind"
	"github.com/totpguard/totpguard/internal/backends/sqlbackend"
	"github.com/totpguard/totpguard/internal/config"
	"github.com/totpguard/totpguard/internal/identity"
	"github.com/totpguard/totpguard/internal/merkle"
	"github.com/totpguard/totpguard/internal/metrics"
	"github.com/totpguard/totpguard/internal/model"
	"github.com/totpguard/totpguard/internal/policy"
	"github.com/totpguard/totpguard/internal/radiusadapter"
)

// App is the main application lifecycle manager. It wires together all
// subsystems and manages startup/shutdown.
type App struct {
	Config *config.Config

	DB            *sqlbackend.DB // nil unless a backend is configured as "sql"
	Authenticator *authenticator.Authenticator
	Identity      *identity.NodeIdentity
	PolicyEng     *policy.Engine
	Accounting    *accounting.Collector
	Metrics       *metrics.Metrics
	Registry      *prometheus.Registry
	Batcher       *merkle.Batcher
	Radius        *radiusadapter.Server
	AdminHTTP     *adminhttp.Server

	cancelFunc context.CancelFunc
}

// New creates a new App instance, initializing all subsystems.
func New(cfg *config.Config) (*App, error) {
	app := &App{Config: cfg}

	if cfg.Auth.UsernamePattern != "" {
		re, err := regexp.Compile(cfg.Auth.UsernamePattern)
		if err != nil {
			return nil, fmt.Errorf("invalid auth.username_pattern: %w", err)
		}
		model.UsernamePattern = re
	}

	b, db, err := buildBackends(cfg)
	if err != nil {
		return nil, err
	}
	app.DB = db

	app.Authenticator = authenticator.New(b, cfg.Auth.RequirePincode)

	id, err := identity.LoadOrGenerate(cfg.NodeKeyPath())
	if err != nil {
		app.closeDB()
		return nil, fmt.Errorf("failed to load or generate node identity: %w", err)
	}
	app.Identity = id

	pe, err := policy.NewEngine(cfg.Policy.Directory)
	if err != nil {
		app.closeDB()
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}
	app.PolicyEng = pe

	ac, err := accounting.NewCollector(cfg.AccountingDir())
	if err != nil {
		app.closeDB()
		return nil, fmt.Errorf("failed to initialize accounting collector: %w", err)
	}
	app.Accounting = ac

	app.Registry = prometheus.NewRegistry()
	app.Metrics = metrics.New(app.Registry)

	batchInterval, err := time.ParseDuration(cfg.Merkle.BatchInterval)
	if err != nil {
		batchInterval = 1 * time.Hour
	}
	app.Batcher = merkle.NewBatcher(cfg.AccountingDir(), cfg.MerkleDir(), batchInterval, id)

	app.Radius = radiusadapter.NewServer(radiusadapter.Config{
		AuthAddr:         cfg.Radius.AuthAddress,
		AcctAddr:         cfg.Radius.AcctAddress,
		SharedSecret:     cfg.Radius.SharedSecret,
		PacketsPerSecond: cfg.Radius.PacketsPerSecond,
		Burst:            cfg.Radius.Burst,
	}, app.Authenticator, app.PolicyEng, app.Accounting, app.Metrics)

	app.AdminHTTP = adminhttp.New(adminhttp.Config{
		Addr:     cfg.AdminHTTP.Addr,
		MaxConns: cfg.AdminHTTP.MaxConns,
	}, app.Registry, cfg.AccountingDir())

	return app, nil
}

// buildBackends selects the concrete SecretBackend/PincodeBackend/StateBackend
// implementation per cfg.Backends, opening a shared sqlbackend.DB when any
// of the three names "sql" (spec.md §9's "polymorphic backends" note).
func buildBackends(cfg *config.Config) (backends.Backends, *sqlbackend.DB, error) {
	var b backends.Backends
	var db *sqlbackend.DB

	needsDB := cfg.Backends.Secret == "sql" || cfg.Backends.Pincode == "sql" || cfg.Backends.State == "sql"
	if needsDB {
		var err error
		db, err = sqlbackend.Open(cfg.DatabasePath())
		if err != nil {
			return b, nil, fmt.Errorf("failed to open sql backend: %w", err)
		}
	}

	switch cfg.Backends.Secret {
	case "sql":
		b.Secret = sqlbackend.NewSecretBackend(db)
	default:
		b.Secret = file.NewSecretBackend(cfg.FileBackendDir())
	}

	switch cfg.Backends.Pincode {
	case "sql":
		b.Pincode = sqlbackend.NewPincodeBackend(db)
	case "ldap":
		dialTimeout, err := time.ParseDuration(cfg.LDAP.DialTimeout)
		if err != nil {
			dialTimeout = 5 * time.Second
		}
		b.Pincode = ldapbind.New(cfg.LDAP.URL, cfg.LDAP.BindDNTemplate, cfg.LDAP.CACertPath, dialTimeout)
	case "":
		// No pincode backend at all: Backends.Pincode stays nil, and the
		// Authenticator treats the whole submitted credential as the
		// token (spec.md §4.1 step 3/4). This requires auth.require_pincode
		// to also be false, or every credential is refused outright.
	default:
		b.Pincode = file.NewPincodeBackend(filepath.Join(cfg.FileBackendDir(), "pincodes"))
	}

	switch cfg.Backends.State {
	case "sql":
		b.State = sqlbackend.NewStateBackend(db)
	default:
		b.State = file.NewStateBackend(cfg.FileBackendDir())
	}

	return b, db, nil
}

func (a *App) closeDB() {
	if a.DB != nil {
		a.DB.Close()
	}
}

// Start begins all services and blocks until a shutdown signal is received.
func (a *App) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelFunc = cancel

	if err := a.Radius.Start(); err != nil {
		cancel()
		return fmt.Errorf("failed to start RADIUS server: %w", err)
	}

	go func() {
		if err := a.AdminHTTP.Start(ctx); err != nil {
			log.Printf("[app] admin HTTP server error: %v", err)
		}
	}()

	go a.Batcher.Start(ctx)
	go a.startLogCompressor(ctx)

	log.Printf("[app] totpguard node started")
	log.Printf("[app]   Node DID:   %s", a.Identity.DID)
	log.Printf("[app]   Auth:       %s", a.Radius.AuthAddr())
	log.Printf("[app]   Accounting: %s", a.Radius.AcctAddr())
	log.Printf("[app]   Admin HTTP: %s", a.Config.AdminHTTP.Addr)
	log.Printf("[app]   Data dir:   %s", a.Config.Storage.BasePath)
	log.Printf("[app]   Policies:   %s", a.Config.Policy.Directory)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	log.Printf("[app] received signal: %v, shutting down...", sig)

	return a.Shutdown()
}

// Shutdown performs an orderly shutdown of all subsystems.
func (a *App) Shutdown() error {
	if a.cancelFunc != nil {
		a.cancelFunc()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.Radius.Shutdown(shutdownCtx); err != nil {
		log.Printf("[app] RADIUS shutdown error: %v", err)
	}

	if err := a.Accounting.Close(); err != nil {
		log.Printf("[app] accounting close error: %v", err)
	}

	if err := a.Batcher.BuildBatch(); err != nil {
		log.Printf("[app] final Merkle batch error: %v", err)
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			log.Printf("[app] database close error: %v", err)
		}
	}

	log.Printf("[app] shutdown complete")
	return nil
}

// startLogCompressor runs periodically to compress old accounting logs.
func (a *App) startLogCompressor(ctx context.Context) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			maxAge := time.Duration(a.Config.Accounting.CompressAfterDays) * 24 * time.Hour
			if maxAge == 0 {
				maxAge = 7 * 24 * time.Hour
			}
			compressed, err := accounting.CompressOldLogs(a.Config.AccountingDir(), maxAge)
			if err != nil {
				log.Printf("[app] log compressor error: %v", err)
			} else if compressed > 0 {
				log.Printf("[app] compressed %d old log files", compressed)
			}
		}
	}
}
