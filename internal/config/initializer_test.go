package config

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbolytics/pricewatch/pkg/ingest"
	"go.uber.org/zap"
)

func TestInitialize(t *testing.T) {
	shop := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/health":
			w.WriteHeader(http.StatusOK)
		case "/api/search":
			w.Write([]byte(`{"listings":[{"url":"https://shop.test/p/1","name":"Trail Sandal","brand":"Acme","price":"49.99"}]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer shop.Close()

	archive := t.TempDir()

	cfg := Default()
	cfg.Ingest.SourcePause = 0
	cfg.Sinks.Archive = Repository{Type: "local", Local: Local{Path: archive}}
	cfg.Sources = []Source{{Name: "shop", Type: "http-json", BaseURL: shop.URL}}

	ctx := context.Background()
	app, err := Initialize(ctx, &cfg, zap.NewNop())
	require.NoError(t, err)
	defer app.Close(ctx)

	report := app.Orchestrator.RunForQuery(ctx, "sandals")
	assert.Equal(t, ingest.StateCompleted, report.State)
	assert.Equal(t, 1, report.TotalNew)

	_, err = os.Stat(filepath.Join(archive, ingest.ArchiveKey(report.ID)))
	assert.NoError(t, err, "report archived")

	ids, err := app.Store.ProductIDs(ctx)
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}

func TestInitializeRejectsInvalidConfig(t *testing.T) {
	cfg := Default()
	cfg.Storage.Type = "cassandra"

	_, err := Initialize(context.Background(), &cfg, zap.NewNop())
	var cerr *ConfigurationError
	assert.ErrorAs(t, err, &cerr)
}
