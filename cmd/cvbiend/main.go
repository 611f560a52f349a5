package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/cvbien/backend/internal/checkout"
	"github.com/cvbien/backend/internal/docs"
	"github.com/cvbien/backend/internal/httpapi"
	"github.com/cvbien/backend/internal/optimizer"
	"github.com/cvbien/backend/internal/render"
	"github.com/cvbien/backend/internal/store/gormstore"
	"github.com/cvbien/backend/internal/store/pgstore"
	"github.com/cvbien/backend/pkg/ledger"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	defaultDatabaseURL    = "sqlite:///tmp/cvbien.db"
	defaultListenAddr     = ":8080"
	defaultStoreBackend   = "gorm"
	defaultSignupGrant    = 2
	defaultCreditsPerEuro = 5
	defaultPaymentExpiry  = 24 * time.Hour
	expirySweepInterval   = 15 * time.Minute
)

type flagBinding struct {
	flag      string
	configKey string
	env       string
}

var flagBindings = []flagBinding{
	{"database-url", "database_url", "DATABASE_URL"},
	{"store", "store", "STORE_BACKEND"},
	{"listen-addr", "listen_addr", "LISTEN_ADDR"},
	{"signup-grant", "signup_grant", "SIGNUP_GRANT"},
	{"credits-per-euro", "credits_per_euro", "CREDITS_PER_EURO"},
	{"payment-expiry", "payment_expiry", "PAYMENT_EXPIRY"},
	{"jwt-signing-key", "jwt_signing_key", "JWT_SIGNING_KEY"},
	{"jwt-issuer", "jwt_issuer", "JWT_ISSUER"},
	{"allowed-origins", "allowed_origins", "ALLOWED_ORIGINS"},
	{"checkout-base-url", "checkout_base_url", "CHECKOUT_BASE_URL"},
	{"checkout-api-key", "checkout_api_key", "CHECKOUT_API_KEY"},
	{"checkout-webhook-secret", "checkout_webhook_secret", "CHECKOUT_WEBHOOK_SECRET"},
	{"checkout-success-url", "checkout_success_url", "CHECKOUT_SUCCESS_URL"},
	{"checkout-cancel-url", "checkout_cancel_url", "CHECKOUT_CANCEL_URL"},
	{"optimizer-base-url", "optimizer_base_url", "OPTIMIZER_BASE_URL"},
	{"optimizer-api-key", "optimizer_api_key", "OPTIMIZER_API_KEY"},
	{"optimizer-model", "optimizer_model", "OPTIMIZER_MODEL"},
	{"chrome-path", "chrome_path", "CHROME_PATH"},
}

type runtimeConfig struct {
	DatabaseURL    string
	StoreBackend   string
	ListenAddr     string
	SignupGrant    int64
	CreditsPerEuro int64
	PaymentExpiry  time.Duration
	JWTSigningKey  string
	JWTIssuer      string
	AllowedOrigins string
	Checkout       checkout.Config
	Optimizer      optimizer.Config
	ChromePath     string
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "cvbiend: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "cvbiend",
		Short:         "CV optimization backend with a credit ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String("database-url", defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String("store", defaultStoreBackend, "store backend: gorm or pgx")
	cmd.Flags().String("listen-addr", defaultListenAddr, "HTTP listen address")
	cmd.Flags().Int64("signup-grant", defaultSignupGrant, "credits granted to a fresh account")
	cmd.Flags().Int64("credits-per-euro", defaultCreditsPerEuro, "credits sold per euro")
	cmd.Flags().Duration("payment-expiry", defaultPaymentExpiry, "age at which unconfirmed payments expire")
	cmd.Flags().String("jwt-signing-key", "", "HMAC key for bearer tokens")
	cmd.Flags().String("jwt-issuer", "", "expected JWT issuer")
	cmd.Flags().String("allowed-origins", "", "comma-delimited CORS origins")
	cmd.Flags().String("checkout-base-url", "", "payment processor API base URL")
	cmd.Flags().String("checkout-api-key", "", "payment processor API key")
	cmd.Flags().String("checkout-webhook-secret", "", "payment processor webhook secret")
	cmd.Flags().String("checkout-success-url", "", "redirect after successful payment")
	cmd.Flags().String("checkout-cancel-url", "", "redirect after cancelled payment")
	cmd.Flags().String("optimizer-base-url", "", "model endpoint base URL")
	cmd.Flags().String("optimizer-api-key", "", "model endpoint API key")
	cmd.Flags().String("optimizer-model", "", "model name for CV rewriting")
	cmd.Flags().String("chrome-path", "", "headless Chrome binary for PDF rendering")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	for _, binding := range flagBindings {
		if err := viper.BindEnv(binding.configKey, binding.env); err != nil {
			return err
		}
		if err := viper.BindPFlag(binding.configKey, cmd.Flags().Lookup(binding.flag)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = viper.GetString("database_url")
	cfg.StoreBackend = viper.GetString("store")
	cfg.ListenAddr = viper.GetString("listen_addr")
	cfg.SignupGrant = viper.GetInt64("signup_grant")
	cfg.CreditsPerEuro = viper.GetInt64("credits_per_euro")
	cfg.PaymentExpiry = viper.GetDuration("payment_expiry")
	cfg.JWTSigningKey = viper.GetString("jwt_signing_key")
	cfg.JWTIssuer = viper.GetString("jwt_issuer")
	cfg.AllowedOrigins = viper.GetString("allowed_origins")
	cfg.Checkout = checkout.Config{
		BaseURL:       viper.GetString("checkout_base_url"),
		APIKey:        viper.GetString("checkout_api_key"),
		WebhookSecret: viper.GetString("checkout_webhook_secret"),
		SuccessURL:    viper.GetString("checkout_success_url"),
		CancelURL:     viper.GetString("checkout_cancel_url"),
	}
	cfg.Optimizer = optimizer.Config{
		BaseURL: viper.GetString("optimizer_base_url"),
		APIKey:  viper.GetString("optimizer_api_key"),
		Model:   viper.GetString("optimizer_model"),
	}
	cfg.ChromePath = viper.GetString("chrome_path")

	if cfg.DatabaseURL == "" {
		return fmt.Errorf("database url is required")
	}
	if cfg.StoreBackend != "gorm" && cfg.StoreBackend != "pgx" {
		return fmt.Errorf("store backend must be gorm or pgx, got %q", cfg.StoreBackend)
	}
	if cfg.SignupGrant < 0 {
		return fmt.Errorf("signup grant must not be negative")
	}
	if cfg.CreditsPerEuro <= 0 {
		return fmt.Errorf("credits per euro must be positive")
	}
	if cfg.JWTSigningKey == "" {
		return fmt.Errorf("jwt signing key is required")
	}
	return nil
}

// ledgerStore is what both backends provide: the ledger contract plus
// document persistence.
type ledgerStore interface {
	ledger.Store
	docs.Store
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, cleanup, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("store open: %w", err)
	}
	defer func() { _ = cleanup() }()

	clock := func() int64 { return time.Now().UTC().Unix() }
	operationLogger := httpapi.NewOperationLogger(logger)
	service, err := ledger.NewService(store, cfg.SignupGrant, clock,
		ledger.WithOperationLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("ledger service init: %w", err)
	}
	reconciler, err := ledger.NewReconciler(service, store, clock,
		ledger.WithReconcilerLogger(operationLogger))
	if err != nil {
		return fmt.Errorf("reconciler init: %w", err)
	}

	checkoutClient, err := checkout.NewClient(cfg.Checkout)
	if err != nil {
		return fmt.Errorf("checkout init: %w", err)
	}
	optimizerClient, err := optimizer.NewClient(cfg.Optimizer)
	if err != nil {
		return fmt.Errorf("optimizer init: %w", err)
	}
	renderer := render.NewChromeRenderer(cfg.ChromePath, 0)

	go expireSweep(ctx, logger, reconciler, clock, cfg.PaymentExpiry)

	return httpapi.Run(ctx, httpapi.Config{
		ListenAddr:     cfg.ListenAddr,
		AllowedOrigins: httpapi.ParseAllowedOrigins(cfg.AllowedOrigins),
		JWTSigningKey:  cfg.JWTSigningKey,
		JWTIssuer:      cfg.JWTIssuer,
		CreditsPerEuro: cfg.CreditsPerEuro,
	}, httpapi.Dependencies{
		Logger:     logger,
		Service:    service,
		Reconciler: reconciler,
		Documents:  store,
		Checkout:   checkoutClient,
		Optimizer:  optimizerClient,
		Renderer:   renderer,
	})
}

// expireSweep periodically flips stale pending payments to expired.
func expireSweep(ctx context.Context, logger *zap.Logger, reconciler *ledger.Reconciler, clock func() int64, expiry time.Duration) {
	if expiry <= 0 {
		expiry = defaultPaymentExpiry
	}
	ticker := time.NewTicker(expirySweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := clock() - int64(expiry/time.Second)
			expired, err := reconciler.ExpirePending(ctx, cutoff)
			if err != nil {
				logger.Warn("payment expiry sweep failed", zap.Error(err))
				continue
			}
			if expired > 0 {
				logger.Info("expired stale payments", zap.Int64("count", expired))
			}
		}
	}
}

func openStore(ctx context.Context, cfg *runtimeConfig) (ledgerStore, func() error, error) {
	if cfg.StoreBackend == "pgx" {
		if !strings.HasPrefix(cfg.DatabaseURL, "postgres://") && !strings.HasPrefix(cfg.DatabaseURL, "postgresql://") {
			return nil, nil, fmt.Errorf("pgx backend requires a postgres:// database url")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		store := pgstore.New(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, func() error { pool.Close(); return nil }, nil
	}

	gormDB, cleanup, err := openGormDatabase(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	store := gormstore.New(gormDB)
	if err := store.Migrate(); err != nil {
		_ = cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

func openGormDatabase(ctx context.Context, dsn string) (*gorm.DB, func() error, error) {
	driver, sqlitePath, err := resolveDriver(dsn)
	if err != nil {
		return nil, nil, err
	}

	var db *gorm.DB
	switch driver {
	case "postgres":
		db, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
	case "sqlite":
		db, err = gorm.Open(sqlite.Open(sqlitePath), &gorm.Config{})
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() error { return sqlDB.Close() }
	return db.WithContext(ctx), cleanup, nil
}

func resolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres", "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = "cvbien.db"
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return "sqlite", sqlitePath, err
	}
	// Treat everything else as a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return "sqlite", sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}
