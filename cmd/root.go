package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/andresmejia3/facestage/internal/config"
	"github.com/andresmejia3/facestage/internal/logging"
	"github.com/andresmejia3/facestage/internal/store"
)

var (
	// Cfg is the configuration shared by subcommands.
	Cfg *config.Config
	// DB is the optional database connection; nil when no DATABASE_URL is configured.
	DB *store.Store
	// Logger is the structured logger shared by subcommands.
	Logger *slog.Logger

	dbURL   string
	envFile string
)

// Version is the application version.
const Version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:     "facestage",
	Short:   "Video to frame to face-identity pipeline",
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		Cfg = config.Load()
		if dbURL != "" {
			Cfg.Database.URL = dbURL
		}
		if err := Cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		Logger = logging.New(Cfg.Log.Format, Cfg.Log.Level)

		if Cfg.Database.URL == "" {
			return nil
		}
		var err error
		// Use the command's context (which will be cancellable) for the connection
		DB, err = store.New(cmd.Context(), Cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if DB != nil {
			DB.Close()
		}
	},
}

func Execute() {
	// Create a context that listens for Ctrl+C (SIGINT) or Kill (SIGTERM)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(loadEnv)
	rootCmd.PersistentFlags().StringVar(&dbURL, "db", "", "PostgreSQL connection string (default: DATABASE_URL or POSTGRES_* env)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Dotenv file loaded before reading configuration")
}

// loadEnv reads the dotenv file if present. Existing environment variables win.
func loadEnv() {
	if _, err := os.Stat(envFile); err != nil {
		return
	}
	if err := godotenv.Load(envFile); err != nil {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to load %s: %v\n", envFile, err)
	}
}
