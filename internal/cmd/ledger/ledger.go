package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/turbolytics/pricewatch/internal/cmd/bootstrap"
	"github.com/turbolytics/pricewatch/internal/parquet"
	"github.com/turbolytics/pricewatch/pkg/ingest"
	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/source"
	"go.uber.org/zap"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "ledger",
		Short: "Queries and maintains the price ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newHistoryCommand())
	cmd.AddCommand(newStatsCommand())
	cmd.AddCommand(newDropsCommand())
	cmd.AddCommand(newRecordCommand())
	cmd.AddCommand(newExportCommand())
	return cmd
}

func newHistoryCommand() *cobra.Command {
	var product, from, to string

	var cmd = &cobra.Command{
		Use:   "history",
		Short: "Prints a product's observations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			fromT, err := parseTime(from)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			toT, err := parseTime(to)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}

			app, logger, err := bootstrap.App(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer bootstrap.Close(app, logger)

			history, err := app.Ledger.History(cmd.Context(), source.Identity(product), fromT, toT)
			if err != nil {
				return err
			}
			if history == nil {
				history = []ledger.Observation{}
			}
			return bootstrap.PrintJSON(cmd.OutOrStdout(), history)
		},
	}

	cmd.Flags().StringVarP(&product, "product", "p", "", "Product identity")
	cmd.Flags().StringVar(&from, "from", "", "Inclusive lower bound (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "Inclusive upper bound (RFC3339)")
	cmd.MarkFlagRequired("product")
	return cmd
}

func newStatsCommand() *cobra.Command {
	var product string
	var threshold float64

	var cmd = &cobra.Command{
		Use:   "stats",
		Short: "Prints lowest, highest and average price for a product",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := bootstrap.App(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer bootstrap.Close(app, logger)

			if !cmd.Flags().Changed("threshold") {
				threshold = app.Config.Ingest.DropThreshold
			}
			stats, err := ingest.ProductStats(cmd.Context(), app.Ledger, source.Identity(product), threshold)
			if err != nil {
				return err
			}
			if stats.Observations == 0 {
				return fmt.Errorf("product %s has no price history", product)
			}
			return bootstrap.PrintJSON(cmd.OutOrStdout(), stats)
		},
	}

	cmd.Flags().StringVarP(&product, "product", "p", "", "Product identity")
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Drop threshold in percent, defaults to ingest.drop_threshold")
	cmd.MarkFlagRequired("product")
	return cmd
}

func newDropsCommand() *cobra.Command {
	var threshold float64
	var days int

	var cmd = &cobra.Command{
		Use:   "drops",
		Short: "Lists products whose latest price dropped past a threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return errors.New("--days must not be negative")
			}
			app, logger, err := bootstrap.App(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer bootstrap.Close(app, logger)

			if !cmd.Flags().Changed("threshold") {
				threshold = app.Config.Ingest.DropThreshold
			}
			if !cmd.Flags().Changed("days") {
				days = app.Config.Ingest.DropDaysBack
			}
			ids, err := app.Ledger.ProductsWithRecentDrops(cmd.Context(), threshold, days)
			if err != nil {
				return err
			}
			if ids == nil {
				ids = []source.Identity{}
			}
			return bootstrap.PrintJSON(cmd.OutOrStdout(), ids)
		},
	}

	cmd.Flags().Float64Var(&threshold, "threshold", 0, "Drop threshold in percent, defaults to ingest.drop_threshold")
	cmd.Flags().IntVar(&days, "days", 0, "Only products observed in the last N days, defaults to ingest.drop_days_back")
	return cmd
}

func newRecordCommand() *cobra.Command {
	var product, price string

	var cmd = &cobra.Command{
		Use:   "record",
		Short: "Records a manual price correction",
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := decimal.NewFromString(price)
			if err != nil {
				return fmt.Errorf("invalid --price: %w", err)
			}
			if p.IsNegative() {
				return errors.New("--price must not be negative")
			}

			app, logger, err := bootstrap.App(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer bootstrap.Close(app, logger)

			recorded, err := app.Ledger.RecordIfChanged(cmd.Context(), source.Identity(product), p, ledger.SourceManual)
			if err != nil {
				return err
			}
			logger.Info("manual price",
				zap.String("product_id", product),
				zap.String("price", p.String()),
				zap.Bool("recorded", recorded),
			)
			return bootstrap.PrintJSON(cmd.OutOrStdout(), map[string]interface{}{
				"product_id": product,
				"price":      p,
				"recorded":   recorded,
			})
		},
	}

	cmd.Flags().StringVarP(&product, "product", "p", "", "Product identity")
	cmd.Flags().StringVar(&price, "price", "", "Observed price, e.g. 49.99")
	cmd.MarkFlagRequired("product")
	cmd.MarkFlagRequired("price")
	return cmd
}

func newExportCommand() *cobra.Command {
	var products []string
	var out, key, from, to string

	var cmd = &cobra.Command{
		Use:   "export",
		Short: "Exports ledger observations to parquet",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (out == "") == (key == "") {
				return errors.New("exactly one of --out or --key is required")
			}
			fromT, err := parseTime(from)
			if err != nil {
				return fmt.Errorf("invalid --from: %w", err)
			}
			toT, err := parseTime(to)
			if err != nil {
				return fmt.Errorf("invalid --to: %w", err)
			}

			app, logger, err := bootstrap.App(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer bootstrap.Close(app, logger)

			e := parquet.NewExporter(app.Store, logger.Named("export"))
			e.From, e.To = fromT, toT
			for _, p := range products {
				e.Products = append(e.Products, source.Identity(p))
			}

			var n int
			if out != "" {
				n, err = e.WriteFile(cmd.Context(), out)
			} else {
				if app.Archive == nil {
					return errors.New("--key needs sinks.archive to be configured")
				}
				n, err = e.Export(cmd.Context(), app.Archive, key)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Exported %d observations\n", n)
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&products, "product", "p", nil, "Product identities, defaults to every product")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Local parquet file to write")
	cmd.Flags().StringVar(&key, "key", "", "Key to write under the configured archive repository")
	cmd.Flags().StringVar(&from, "from", "", "Inclusive lower bound (RFC3339)")
	cmd.Flags().StringVar(&to, "to", "", "Inclusive upper bound (RFC3339)")
	return cmd
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}
