package mongo

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/reconcile"
	"github.com/turbolytics/pricewatch/pkg/source"
	"go.uber.org/zap"
)

func TestDecimal128RoundTrip(t *testing.T) {
	for _, v := range []string{"0", "19.99", "1234567.891", "0.01"} {
		t.Run(v, func(t *testing.T) {
			d128, err := toDecimal128(decimal.RequireFromString(v))
			require.NoError(t, err)
			back, err := fromDecimal128(d128)
			require.NoError(t, err)
			assert.True(t, decimal.RequireFromString(v).Equal(back))
		})
	}
}

func TestIntegrationMongoStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	ctx := context.Background()

	mongoContainer, err := mongodb.Run(ctx,
		"mongo:6",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Waiting for connections").
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		if err := mongoContainer.Terminate(ctx); err != nil {
			t.Fatalf("failed to terminate mongoContainer: %s", err)
		}
	})

	connStr, err := mongoContainer.ConnectionString(ctx)
	require.NoError(t, err)
	uri, err := url.Parse(connStr)
	require.NoError(t, err)
	uri.Path = "/pricewatch"

	store, err := Connect(ctx, uri, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close(context.Background()) })
	require.NoError(t, store.EnsureIndexes(ctx))

	t.Run("products keep created_at across upserts", func(t *testing.T) {
		created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		id := source.NewIdentity("a", "https://a.test/1")
		p := reconcile.Product{
			ID:        id,
			Source:    "a",
			URL:       "https://a.test/1",
			Name:      "Sandal",
			Price:     decimal.RequireFromString("35"),
			Available: true,
			CreatedAt: created,
			UpdatedAt: created,
		}
		require.NoError(t, store.Upsert(ctx, []reconcile.Product{p}))

		p.Price = decimal.RequireFromString("30.25")
		p.CreatedAt = created.Add(time.Hour)
		require.NoError(t, store.Upsert(ctx, []reconcile.Product{p}))

		found, err := store.FindByIDs(ctx, []source.Identity{id})
		require.NoError(t, err)
		got := found[id]
		assert.True(t, decimal.RequireFromString("30.25").Equal(got.Price))
		assert.True(t, created.Equal(got.CreatedAt))
	})

	t.Run("ledger ordering survives sub millisecond spacing", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		l := ledger.New(store, ledger.WithClock(func() time.Time { return now }))
		id := source.Identity("fast")

		for _, price := range []string{"10", "11", "12"} {
			_, err := l.RecordIfChanged(ctx, id, decimal.RequireFromString(price), ledger.SourceScraper)
			require.NoError(t, err)
		}

		history, err := l.History(ctx, id, time.Time{}, time.Time{})
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.True(t, decimal.NewFromInt(12).Equal(history[2].Price))
		assert.True(t, history[2].RecordedAt.After(history[1].RecordedAt))

		recent, err := store.Recent(ctx, id, 1)
		require.NoError(t, err)
		require.Len(t, recent, 1)
		assert.True(t, decimal.NewFromInt(12).Equal(recent[0].Price))

		ids, err := store.ProductIDs(ctx)
		require.NoError(t, err)
		assert.Equal(t, []source.Identity{"fast"}, ids)
	})
}
