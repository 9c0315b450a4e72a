package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPricewatchFromFile(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		pw, err := NewPricewatchFromFile("../../dev/examples/pricewatch.yml")
		require.NoError(t, err)
		require.NoError(t, pw.Validate())

		assert.Equal(t, "postgres", pw.Storage.Type)
		assert.Equal(t, "pricewatch", pw.Storage.Postgres.Schema)
		assert.Equal(t, 20*time.Second, pw.Transport.Timeout)
		assert.Equal(t, time.Minute, pw.Transport.Breaker.Cooldown)
		assert.Equal(t, 2.0, pw.Transport.RateLimit)
		assert.Equal(t, []string{"sandals", "running shoes", "rain boots"}, pw.Ingest.PopularQueries)
		require.Len(t, pw.Sources, 2)
		assert.Equal(t, "shoe-outlet", pw.Sources[0].Name)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := NewPricewatchFromFile("does-not-exist.yml")
		assert.Error(t, err)
	})
}

func TestDefaults(t *testing.T) {
	pw, err := NewPricewatch([]byte(`
sources:
  - name: a
    type: http-json
    base_url: http://a.test
`))
	require.NoError(t, err)
	require.NoError(t, pw.Validate())

	assert.Equal(t, 20*time.Second, pw.Transport.Timeout)
	assert.Equal(t, 3, pw.Transport.MaxRetries)
	assert.Equal(t, 2.0, pw.Transport.BackoffBase)
	assert.Equal(t, 5, pw.Transport.Breaker.FailureThreshold)
	assert.Equal(t, 60*time.Second, pw.Transport.Breaker.Cooldown)
	assert.Equal(t, 5*time.Second, pw.Ingest.SourcePause)
	assert.Equal(t, 50, pw.Ingest.Limit)
	assert.Equal(t, "memory", pw.Storage.Type)
	assert.Equal(t, "memory", pw.Lock.Type)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(p *Pricewatch)
		field  string
	}{
		{"zero timeout", func(p *Pricewatch) { p.Transport.Timeout = 0 }, "transport.timeout"},
		{"negative retries", func(p *Pricewatch) { p.Transport.MaxRetries = -1 }, "transport.max_retries"},
		{"negative rate limit", func(p *Pricewatch) { p.Transport.RateLimit = -1 }, "transport.rate_limit"},
		{"non positive threshold", func(p *Pricewatch) { p.Transport.Breaker.FailureThreshold = 0 }, "transport.breaker.failure_threshold"},
		{"unknown policy", func(p *Pricewatch) { p.Ingest.Policy = "random" }, "ingest.policy"},
		{"zero limit", func(p *Pricewatch) { p.Ingest.Limit = 0 }, "ingest.limit"},
		{"unknown storage", func(p *Pricewatch) { p.Storage.Type = "sqlite" }, "storage.type"},
		{"postgres without dsn", func(p *Pricewatch) { p.Storage.Type = "postgres" }, "storage.postgres.connection_string"},
		{"postgres lock on memory storage", func(p *Pricewatch) { p.Lock.Type = "postgres" }, "lock.type"},
		{"redis without addr", func(p *Pricewatch) { p.Lock.Type = "redis" }, "lock.redis.addr"},
		{"unknown archive", func(p *Pricewatch) { p.Sinks.Archive.Type = "ftp" }, "sinks.archive.type"},
		{"duplicate source", func(p *Pricewatch) {
			p.Sources = append(p.Sources, Source{Name: "A", Type: "http-json", BaseURL: "http://b.test"})
		}, "sources[1].name"},
		{"empty source name", func(p *Pricewatch) { p.Sources[0].Name = " " }, "sources[0].name"},
		{"unknown source type", func(p *Pricewatch) { p.Sources[0].Type = "html" }, "sources[0].type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pw := Default()
			pw.Sources = []Source{{Name: "a", Type: "http-json", BaseURL: "http://a.test"}}
			tt.mutate(&pw)

			err := pw.Validate()
			var cerr *ConfigurationError
			require.ErrorAs(t, err, &cerr)
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("PRICEWATCH_STORAGE_POSTGRES_CONNECTION_STRING", "postgres://env")
	t.Setenv("PRICEWATCH_LOCK_REDIS_PASSWORD", "secret")

	pw := Default()
	pw.Storage.Postgres.ConnectionString = "postgres://file"
	pw.Server.Addr = ":9090"
	pw.ApplyEnv(viper.New())

	assert.Equal(t, "postgres://env", pw.Storage.Postgres.ConnectionString)
	assert.Equal(t, "secret", pw.Lock.Redis.Password)
	assert.Equal(t, ":9090", pw.Server.Addr, "unset variables keep file values")
}
