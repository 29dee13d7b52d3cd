package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/resilio/internal/control"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show cache and scheduler statistics from the configured backend",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
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

	snap := app.Stats(ctx)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "COMPONENT\tMETRIC\tVALUE")
	_, _ = fmt.Fprintf(w, "cache\tentries\t%d\n", snap.Cache.Entries)
	_, _ = fmt.Fprintf(w, "cache\thits\t%d\n", snap.Cache.Hits)
	_, _ = fmt.Fprintf(w, "cache\tmisses\t%d\n", snap.Cache.Misses)
	_, _ = fmt.Fprintf(w, "cache\tevictions\t%d\n", snap.Cache.Evictions)
	_, _ = fmt.Fprintf(w, "cache\thit_rate\t%.2f\n", snap.Cache.HitRate)
	_, _ = fmt.Fprintf(w, "retry\thistory\t%d\n", snap.Retry.HistoryLen)
	_, _ = fmt.Fprintf(w, "preload\tcompleted\t%d\n", snap.Preload.Completed)
	_, _ = fmt.Fprintf(w, "preload\trunning\t%d\n", snap.Preload.Running)
	_ = w.Flush()
}
