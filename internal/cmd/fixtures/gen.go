package fixtures

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"github.com/turbolytics/pricewatch/internal/cmd/bootstrap"
	"github.com/turbolytics/pricewatch/pkg/source"
	"go.uber.org/zap"
)

var brands = []string{"Acme", "Trailhead", "Northwind", "Solace", "Kestrel"}

// Listings builds n synthetic listings for src. Round 0 uses the base
// prices; later rounds move each price by up to 15% either way.
func Listings(src string, n, round int, rng *rand.Rand) []source.Listing {
	out := make([]source.Listing, 0, n)
	for i := 0; i < n; i++ {
		u := fmt.Sprintf("https://%s.example/p/%d", src, i+1)
		base := decimal.NewFromInt(int64(20 + (i*37)%180))
		drift := decimal.NewFromInt(1)
		if round > 0 {
			drift = decimal.NewFromFloat(0.85 + rng.Float64()*0.3)
		}
		out = append(out, source.Listing{
			ID:        source.NewIdentity(src, u),
			Source:    src,
			URL:       source.CanonicalURL(u),
			Name:      fmt.Sprintf("Fixture product %d", i+1),
			Brand:     brands[i%len(brands)],
			Price:     base.Mul(drift).Round(2),
			Available: rng.Intn(10) > 0,
			FetchedAt: time.Now().UTC(),
		})
	}
	return out
}

func newGenerateCommand() *cobra.Command {
	var records, rounds int
	var src string
	var seed int64

	var cmd = &cobra.Command{
		Use:   "generate",
		Short: "Seeds the configured store with synthetic products and price history",
		RunE: func(cmd *cobra.Command, args []string) error {
			if records <= 0 || rounds <= 0 {
				return errors.New("--records and --rounds must be positive")
			}

			app, logger, err := bootstrap.App(cmd)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer bootstrap.Close(app, logger)

			rng := rand.New(rand.NewSource(seed))
			for round := 0; round < rounds; round++ {
				res, err := app.Engine.Reconcile(cmd.Context(), Listings(src, records, round, rng))
				if err != nil {
					return err
				}
				logger.Info("fixture round",
					zap.Int("round", round),
					zap.Int("new", res.New),
					zap.Int("changed", res.Changed),
					zap.Int("unchanged", res.Unchanged),
				)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Seeded %d products from %s over %d rounds\n", records, src, rounds)
			return nil
		},
	}

	cmd.Flags().IntVarP(&records, "records", "r", 10, "Number of products to generate")
	cmd.Flags().IntVar(&rounds, "rounds", 3, "Number of price rounds; each round may move prices")
	cmd.Flags().StringVarP(&src, "source", "s", "fixtures", "Source name stamped on the generated listings")
	cmd.Flags().Int64Var(&seed, "seed", 1, "Random seed")
	return cmd
}
