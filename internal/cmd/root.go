package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/turbolytics/pricewatch/internal/cmd/bootstrap"
	"github.com/turbolytics/pricewatch/internal/cmd/fixtures"
	"github.com/turbolytics/pricewatch/internal/cmd/ingest"
	"github.com/turbolytics/pricewatch/internal/cmd/ledger"
	"github.com/turbolytics/pricewatch/internal/cmd/sources"
)

func NewRootCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:           "pricewatch",
		Short:         "Tracks product prices across marketplaces",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.PersistentFlags().StringP(bootstrap.ConfigFlag, "c", "", "Path to the pricewatch YAML config")
	cmd.PersistentFlags().String(bootstrap.LogLevelFlag, "", "Overrides global.logger.level (debug, info, warn, error)")

	cmd.AddCommand(ingest.NewCommand())
	cmd.AddCommand(ledger.NewCommand())
	cmd.AddCommand(sources.NewCommand())
	cmd.AddCommand(fixtures.NewCommand())

	return cmd
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := NewRootCommand()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
