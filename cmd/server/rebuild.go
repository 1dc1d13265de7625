package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"marketsim/internal/application/service/candles"

	"github.com/spf13/cobra"
)

func newRebuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-candles",
		Short: "Regenerate every candle series from the stored tick history",
		Long: `Rebuild walks all instruments in chunks and replaces their 5m/30m/2h
series with bars folded from the raw ticks of the retention horizon. Bars older
than the horizon are kept.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := loadApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			opts := candles.DefaultOptions()
			opts.MaxBars = a.cfg.Candles.MaxBars
			opts.Workers = a.cfg.Engine.Workers
			opts.Retention = a.retention()
			opts.Rebuild.Size = a.cfg.Candles.RebuildChunkSize
			rebuilder := candles.NewBatched(a.store, opts, a.logger, a.metrics)
			if err := rebuilder.RebuildAll(ctx); err != nil {
				return fmt.Errorf("rebuild candles: %w", err)
			}
			cmd.Printf("rebuilt candles: %d instruments\n", a.metrics.Snapshot().Rebuilds)
			return nil
		},
	}
}
