package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ifuryst/crosspost/internal/config"
	"github.com/ifuryst/crosspost/internal/server"
	"github.com/ifuryst/crosspost/internal/service"
	"github.com/ifuryst/crosspost/internal/store"
	"github.com/ifuryst/crosspost/pkg/logger"
)

var (
	configPath string
	envFile    string
	version    = "0.1.0"
	gitCommit  = "unknown"
	buildTime  = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "crosspost",
	Short: "Crosspost - Scheduled publishing to social platforms",
	Long:  `Crosspost accepts publish tasks over HTTP and publishes them to Threads and Instagram at their scheduled time.`,
	PersistentPreRun: func(*cobra.Command, []string) {
		if err := godotenv.Load(envFile); err != nil && envFile != ".env" {
			fmt.Fprintf(os.Stderr, "Warning: failed to load %s: %v\n", envFile, err)
		}
	},
	RunE: runServer,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, scheduler and publish workers",
	RunE:  runServer,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(*cobra.Command, []string) error {
		cfg, appLogger, err := setup()
		if err != nil {
			return err
		}
		defer appLogger.Sync()

		db, err := store.NewDatabase(&cfg.Database)
		if err != nil {
			return err
		}
		if err := store.Migrate(db); err != nil {
			return err
		}
		appLogger.Info("Database migrated")
		return nil
	},
}

var otpCmd = &cobra.Command{
	Use:   "gen-otp",
	Short: "Generate a TOTP secret for the admin API",
	RunE: func(*cobra.Command, []string) error {
		secret, err := service.NewAuthService(zap.NewNop(), "").GenerateSecret()
		if err != nil {
			return err
		}
		fmt.Println(secret)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Crosspost %s\n", version)
		fmt.Printf("Git commit: %s\n", gitCommit)
		fmt.Printf("Build time: %s\n", buildTime)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "configs/server.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
	rootCmd.AddCommand(serveCmd, migrateCmd, otpCmd, versionCmd)
}

func setup() (*config.Config, *zap.Logger, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize logger
	appLogger, err := logger.NewLogger(cfg.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, appLogger, nil
}

func runServer(*cobra.Command, []string) error {
	cfg, appLogger, err := setup()
	if err != nil {
		return err
	}
	defer appLogger.Sync()

	appLogger.Info("Starting Crosspost server", zap.String("version", version))

	// Create server
	srv, err := server.NewServer(cfg, appLogger)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	// Start server
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := srv.Start(ctx); err != nil {
			appLogger.Error("Server failed to start", zap.Error(err))
		}
		cancel()
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		appLogger.Info("Shutting down server...")
	case <-ctx.Done():
		appLogger.Info("Server context cancelled")
	}

	// Graceful shutdown
	if err := srv.Shutdown(context.Background()); err != nil {
		appLogger.Error("Server forced to shutdown", zap.Error(err))
		return err
	}

	appLogger.Info("Server exited")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
