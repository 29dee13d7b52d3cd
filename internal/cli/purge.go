package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/resilio/internal/control"
	"github.com/vietddude/resilio/internal/core/domain"
)

var purgeOwner string

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove cached entries from the configured backend",
	Long:  `Removes every cache entry, or only one owner's entries with --owner.`,
	Run:   runPurge,
}

func init() {
	purgeCmd.Flags().StringVar(&purgeOwner, "owner", "", "purge only this owner's entries")
	rootCmd.AddCommand(purgeCmd)
}

func runPurge(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	app, err := control.NewService(*cfg)
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}
	ctx := context.Background()
	defer func() {
		_ = app.Stop(ctx)
	}()

	store := app.Store()
	if purgeOwner != "" {
		if err := store.ClearOwnerEntries(ctx, domain.OwnerID(purgeOwner)); err != nil {
			slog.Error("Purge failed", "error", err)
			os.Exit(1)
		}
		fmt.Printf("Purged entries for owner %s\n", purgeOwner)
		return
	}

	if err := store.ClearAll(ctx); err != nil {
		slog.Error("Purge failed", "error", err)
		os.Exit(1)
	}
	fmt.Println("Purged all cache entries")
}
