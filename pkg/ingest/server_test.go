package ingest_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbolytics/pricewatch/pkg/ingest"
	"github.com/turbolytics/pricewatch/pkg/ledger"
	"github.com/turbolytics/pricewatch/pkg/registry"
	"github.com/turbolytics/pricewatch/pkg/source"
	"go.uber.org/zap"
)

func TestServer(t *testing.T) {
	ctx := context.Background()
	a := &fakeSource{name: "a", healthy: true, listings: []source.Listing{item("a", "https://a.test/1", "100")}}
	f := newFixture(t, a)
	o := f.orchestrator(t, ingest.WithSinks(&recordingSink{}, ingest.NewLogSink(zap.NewNop())))
	report := o.RunForQuery(ctx, "boots")

	id := a.listings[0].ID
	_, err := f.ledger.RecordIfChanged(ctx, id, item("a", "", "80").Price, ledger.SourceManual)
	require.NoError(t, err)

	srv := httptest.NewServer(ingest.NewServer(zap.NewNop(), o, f.registry, f.ledger).Routes())
	defer srv.Close()

	get := func(t *testing.T, path string, v interface{}) int {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		if v != nil && resp.StatusCode == http.StatusOK {
			require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
		}
		return resp.StatusCode
	}

	t.Run("health", func(t *testing.T) {
		var info ingest.HealthInfo
		assert.Equal(t, http.StatusOK, get(t, "/health", &info))
		assert.Equal(t, 1, info.Total)
		assert.Equal(t, 1, info.Healthy)
		assert.Equal(t, registry.HealthHealthy, info.Sources["a"].State)

		a.setHealthy(false)
		defer a.setHealthy(true)
		assert.Equal(t, http.StatusServiceUnavailable, get(t, "/health", nil))
	})

	t.Run("reports", func(t *testing.T) {
		var body struct {
			Reports []ingest.Report `json:"reports"`
			Count   int             `json:"count"`
		}
		assert.Equal(t, http.StatusOK, get(t, "/api/v1/reports", &body))
		assert.Equal(t, 1, body.Count)

		var one ingest.Report
		assert.Equal(t, http.StatusOK, get(t, "/api/v1/reports/"+report.ID, &one))
		assert.Equal(t, "boots", one.Query)
		assert.Equal(t, http.StatusNotFound, get(t, "/api/v1/reports/missing", nil))
	})

	t.Run("sinks", func(t *testing.T) {
		var body struct {
			Sinks map[string]interface{} `json:"sinks"`
		}
		assert.Equal(t, http.StatusOK, get(t, "/api/v1/sinks", &body))
		require.Len(t, body.Sinks, 2)
		assert.Equal(t, map[string]interface{}{"published": float64(1)}, body.Sinks["recording"])
		assert.Nil(t, body.Sinks["log"])
	})

	t.Run("history", func(t *testing.T) {
		var body struct {
			Observations []ledger.Observation `json:"observations"`
		}
		assert.Equal(t, http.StatusOK, get(t, "/api/v1/products/"+id.String()+"/history", &body))
		require.Len(t, body.Observations, 2)
		assert.Equal(t, ledger.SourceManual, body.Observations[1].Source)

		assert.Equal(t, http.StatusBadRequest, get(t, "/api/v1/products/"+id.String()+"/history?from=yesterday", nil))
	})

	t.Run("stats", func(t *testing.T) {
		var stats ingest.Stats
		assert.Equal(t, http.StatusOK, get(t, "/api/v1/products/"+id.String()+"/stats", &stats))
		assert.Equal(t, 2, stats.Observations)
		require.NotNil(t, stats.Lowest)
		assert.Equal(t, "80", stats.Lowest.String())
		assert.Equal(t, "90", stats.Average.String())
		assert.True(t, stats.PriceDrop)

		assert.Equal(t, http.StatusNotFound, get(t, "/api/v1/products/unknown/stats", nil))
	})

	t.Run("drops", func(t *testing.T) {
		var body struct {
			Products []source.Identity `json:"products"`
		}
		assert.Equal(t, http.StatusOK, get(t, "/api/v1/drops?threshold=15", &body))
		assert.Equal(t, []source.Identity{id}, body.Products)

		assert.Equal(t, http.StatusOK, get(t, "/api/v1/drops?threshold=25", &body))
		assert.Empty(t, body.Products)

		assert.Equal(t, http.StatusBadRequest, get(t, "/api/v1/drops?days=-1", nil))
	})
}
