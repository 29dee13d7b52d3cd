package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/vietddude/stylelog"

	"github.com/vietddude/resilio/internal/control"
	"github.com/vietddude/resilio/internal/core/config"
	"github.com/vietddude/resilio/internal/core/domain"
)

var (
	cfgPath string
	isDebug bool
	ownerID string
)

var rootCmd = &cobra.Command{
	Use:   "resilio",
	Short: "Resilio data resilience daemon",
	Long:  `Resilio caches journal API responses in local storage, retries failed fetches with backoff, and preloads the data the user needs next.`,
	Run:   runDaemon,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "config.yaml", "config file (default is config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&isDebug, "debug", false, "enable debug logging")
	rootCmd.Flags().StringVar(&ownerID, "owner", "", "owner id to activate at startup")
}

// loadConfig loads .env, the config file, and initializes logging.
func loadConfig() *config.AppConfig {
	_ = godotenv.Load()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		stylelog.InitDefault()
		slog.Error("Failed to load config", "error", err)
		os.Exit(1)
	}

	slogLevel := slog.LevelInfo
	if isDebug || cfg.Logging.Level == "debug" {
		slogLevel = slog.LevelDebug
	}
	stylelog.InitDefault(&tint.Options{
		Level:      slogLevel,
		TimeFormat: time.RFC3339,
	})

	return cfg
}

func runDaemon(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	app, err := control.NewService(*cfg)
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}

	registerAPIFetchers(app, cfg.API)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if ownerID != "" {
		if err := app.SetCurrentOwner(ctx, domain.OwnerID(ownerID)); err != nil {
			slog.Error("Failed to set owner", "error", err)
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if err := app.Start(ctx); err != nil {
		slog.Error("Failed to start service", "error", err)
		os.Exit(1)
	}

	slog.Info("Resilio started", "config", cfgPath)

	sig := <-sigChan
	slog.Info("Received signal, shutting down...", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := app.Stop(shutdownCtx); err != nil {
		slog.Error("Error during shutdown", "error", err)
		os.Exit(1)
	}
}
