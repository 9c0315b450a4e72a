package sources

import (
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/turbolytics/pricewatch/internal/cmd/bootstrap"
)

func NewCommand() *cobra.Command {
	var cmd = &cobra.Command{
		Use:   "sources",
		Short: "Inspects the configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newHealthCommand())
	return cmd
}

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probes every source and prints its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, logger, err := bootstrap.App(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer bootstrap.Close(app, logger)

			summary := app.Registry.Summary(cmd.Context())
			health := app.Registry.Health()

			names := make([]string, 0, len(health))
			for name := range health {
				names = append(names, name)
			}
			sort.Strings(names)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SOURCE\tSTATE\tLAST PROBED")
			for _, name := range names {
				h := health[name]
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, h.State, h.LastProbed.Format(time.RFC3339))
			}
			fmt.Fprintf(w, "\n%d/%d healthy\n", summary.Healthy, summary.Total)
			if err := w.Flush(); err != nil {
				return err
			}
			if summary.Total > 0 && summary.Healthy == 0 {
				return errors.New("no healthy sources")
			}
			return nil
		},
	}
}
