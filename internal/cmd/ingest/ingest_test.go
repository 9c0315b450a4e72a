package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbolytics/pricewatch/internal/memory"
	"github.com/turbolytics/pricewatch/pkg/ingest"
	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/reconcile"
	"github.com/turbolytics/pricewatch/pkg/registry"
	"github.com/turbolytics/pricewatch/pkg/source"
	"go.uber.org/zap"
)

// slowSource blocks each fetch until released.
type slowSource struct {
	started chan struct{}
	release chan struct{}
}

func (s *slowSource) Name() string { return "slow" }

func (s *slowSource) FetchListings(ctx context.Context, query string, limit int) ([]source.Listing, error) {
	s.started <- struct{}{}
	<-s.release
	return nil, nil
}

func (s *slowSource) ProbeHealth(ctx context.Context) bool { return true }

func TestServeWaitsForRunningIngestion(t *testing.T) {
	src := &slowSource{started: make(chan struct{}, 1), release: make(chan struct{})}
	reg := registry.New()
	require.NoError(t, reg.Register(src))

	store := memory.New()
	l := ledger.New(store)
	o, err := ingest.New(reg, reconcile.New(store, l),
		ingest.WithSourcePause(0),
		ingest.WithPopularQueries([]string{"boots"}),
	)
	require.NoError(t, err)
	srv := ingest.NewServer(zap.NewNop(), o, reg, l)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, srv, o, "127.0.0.1:0", time.Hour, zap.NewNop())
	}()

	select {
	case <-src.started:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduled run never started")
	}
	cancel()

	select {
	case <-done:
		t.Fatal("serve returned while a run was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(src.release)
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after the run finished")
	}
	assert.Len(t, o.Reports(), 1)
}
