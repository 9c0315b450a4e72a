package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/turbolytics/pricewatch/internal/cmd/bootstrap"
	"github.com/turbolytics/pricewatch/pkg/ingest"
	"go.uber.org/zap"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "ingest",
		Short: "Runs ingestion across the configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newPopularCommand())
	cmd.AddCommand(newServeCommand())
	return cmd
}

func newRunCommand() *cobra.Command {
	var query string
	var strict bool

	var cmd = &cobra.Command{
		Use:   "run",
		Short: "Runs one query and prints the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := bootstrap.App(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer bootstrap.Close(app, logger)

			report := app.Orchestrator.RunForQuery(cmd.Context(), query)
			if err := bootstrap.PrintJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if strict && report.Failed > 0 {
				return fmt.Errorf("run %s: %d of %d sources failed", report.ID, report.Failed, len(report.Sources))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "Search query sent to every source")
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit non-zero when any source failed")
	cmd.MarkFlagRequired("query")
	return cmd
}

func newPopularCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "popular",
		Short: "Runs every configured popular query once",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := bootstrap.App(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer bootstrap.Close(app, logger)

			reports := app.Orchestrator.RunPopularQueries(cmd.Context())
			return bootstrap.PrintJSON(cmd.OutOrStdout(), reports)
		},
	}
}

func newServeCommand() *cobra.Command {
	var addr string

	var cmd = &cobra.Command{
		Use:   "serve",
		Short: "Runs the popular queries on a schedule and serves the status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := bootstrap.App(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer bootstrap.Close(app, logger)

			if addr == "" {
				addr = app.Config.Server.Addr
			}
			ctx := cmd.Context()
			return serve(ctx, app.Server, app.Orchestrator, addr, app.Config.Ingest.ScheduleInterval, logger)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address, overrides server.addr")
	return cmd
}

// serve runs the status server and the scheduler until ctx is done or the
// server fails. It returns only once an in-flight scheduled run has finished,
// so callers may release the backends afterwards.
func serve(ctx context.Context, srv *ingest.Server, o *ingest.Orchestrator, addr string, every time.Duration, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		schedule(ctx, o, every, logger)
	}()

	err := srv.Start(ctx, addr)
	cancel()
	wg.Wait()
	return err
}

// schedule runs the popular queries immediately and then on every tick
// until ctx is done.
func schedule(ctx context.Context, o *ingest.Orchestrator, every time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		reports := o.RunPopularQueries(ctx)
		logger.Info("scheduled ingestion finished",
			zap.Int("queries", len(reports)),
			zap.Duration("next_in", every),
		)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
