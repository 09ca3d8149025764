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

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/warungbot/commerce/internal/httpserver"
	"github.com/warungbot/commerce/internal/store/gormstore"
	"github.com/warungbot/commerce/internal/tripay"
	"github.com/warungbot/commerce/pkg/commerce"
)

const (
	flagDatabaseURL      = "database-url"
	flagListenAddr       = "listen-addr"
	flagAllowedOrigins   = "allowed-origins"
	flagAdminSigningKey  = "admin-signing-key"
	flagAdminIssuer      = "admin-issuer"
	flagSweepInterval    = "sweep-interval"
	flagTripayAPIKey     = "tripay-api-key"
	flagTripayPrivateKey = "tripay-private-key"
	flagTripayMerchant   = "tripay-merchant-code"
	flagTripayMode       = "tripay-mode"
	flagReturnURL        = "return-url"
	flagMinimumTopup     = "minimum-topup"
	envPrefix            = "COMMERCED"
	defaultDatabaseURL   = "sqlite:///tmp/commerce.db"
)

type runtimeConfig struct {
	DatabaseURL  string
	HTTP         httpserver.Config
	Tripay       tripay.Config
	MinimumTopup int64
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "commerced: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "commerced",
		Short:         "Commerce ledger and payment webhook server",
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

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "PostgreSQL connection string or sqlite path")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagAdminSigningKey, "", "HS256 signing key for admin API tokens (required)")
	cmd.Flags().String(flagAdminIssuer, "", "expected issuer of admin API tokens")
	cmd.Flags().Duration(flagSweepInterval, 0, "interval between reference expiry sweeps (e.g. 5m)")
	cmd.Flags().String(flagTripayAPIKey, "", "Tripay API key (required)")
	cmd.Flags().String(flagTripayPrivateKey, "", "Tripay private key, also verifies callbacks (required)")
	cmd.Flags().String(flagTripayMerchant, "", "Tripay merchant code (required)")
	cmd.Flags().String(flagTripayMode, tripay.ModeSandbox, "tripay mode: sandbox or production")
	cmd.Flags().String(flagReturnURL, "", "URL customers return to after checkout")
	cmd.Flags().Int64(flagMinimumTopup, int64(commerce.DefaultMinimumTopup), "smallest accepted top-up amount")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	// A .env beside the binary is optional.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabaseURL, flagListenAddr, flagAllowedOrigins, flagAdminSigningKey,
		flagAdminIssuer, flagSweepInterval, flagTripayAPIKey, flagTripayPrivateKey,
		flagTripayMerchant, flagTripayMode, flagReturnURL, flagMinimumTopup,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.DatabaseURL = strings.TrimSpace(v.GetString(flagDatabaseURL))
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = defaultDatabaseURL
	}
	cfg.HTTP.ListenAddr = strings.TrimSpace(v.GetString(flagListenAddr))
	cfg.HTTP.AllowedOrigins = httpserver.ParseAllowedOrigins(v.GetString(flagAllowedOrigins))
	cfg.HTTP.AdminSigningKey = v.GetString(flagAdminSigningKey)
	cfg.HTTP.AdminIssuer = strings.TrimSpace(v.GetString(flagAdminIssuer))
	cfg.HTTP.SweepInterval = v.GetDuration(flagSweepInterval)
	cfg.Tripay.APIKey = strings.TrimSpace(v.GetString(flagTripayAPIKey))
	cfg.Tripay.PrivateKey = strings.TrimSpace(v.GetString(flagTripayPrivateKey))
	cfg.Tripay.MerchantCode = strings.TrimSpace(v.GetString(flagTripayMerchant))
	cfg.Tripay.Mode = strings.TrimSpace(v.GetString(flagTripayMode))
	cfg.Tripay.ReturnURL = strings.TrimSpace(v.GetString(flagReturnURL))
	cfg.MinimumTopup = v.GetInt64(flagMinimumTopup)

	if cfg.Tripay.APIKey == "" || cfg.Tripay.PrivateKey == "" || cfg.Tripay.MerchantCode == "" {
		return fmt.Errorf("tripay api key, private key, and merchant code are required")
	}
	if cfg.MinimumTopup <= 0 {
		return fmt.Errorf("minimum topup must be positive")
	}
	return cfg.HTTP.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := openStore(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	quoteClient, err := tripay.NewClient(cfg.Tripay, clock)
	if err != nil {
		return fmt.Errorf("tripay client init: %w", err)
	}

	service, err := commerce.NewService(store, []byte(cfg.Tripay.PrivateKey), clock,
		commerce.WithQuoteClient(quoteClient),
		commerce.WithOperationLogger(commerce.NewZapOperationLogger(logger)),
		commerce.WithMinimumTopup(commerce.Amount(cfg.MinimumTopup)),
	)
	if err != nil {
		return fmt.Errorf("commerce service init: %w", err)
	}

	return httpserver.Run(ctx, cfg.HTTP, service, logger)
}

func openStore(dsn string) (*gormstore.Store, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return gormstore.OpenPostgres(dsn)
	}
	path, err := resolveSQLitePath(dsn)
	if err != nil {
		return nil, err
	}
	return gormstore.OpenSQLite(path)
}

func resolveSQLitePath(dsn string) (string, error) {
	path := dsn
	if strings.HasPrefix(dsn, "sqlite://") {
		parsed, err := url.Parse(dsn)
		if err != nil {
			return "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path = parsed.Path
		if path == "" {
			path = parsed.Host
		}
		if path == "" || path == "/" {
			path = "commerce.db"
		}
	}
	if path == ":memory:" {
		return path, nil
	}
	if !strings.HasPrefix(path, "/") {
		path = filepath.Join(".", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, nil
}
