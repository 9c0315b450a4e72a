package kafka

import (
	"context"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/turbolytics/pricewatch/pkg/ingest"
	"go.uber.org/zap"
)

func TestNewSink(t *testing.T) {
	t.Run("topic and brokers from url", func(t *testing.T) {
		u, _ := url.Parse("kafka://localhost:9092/pricewatch.reports?linger.ms=50&acks=1")
		s, err := NewSink(u, zap.NewNop())
		require.NoError(t, err)
		assert.Equal(t, "pricewatch.reports", s.Topic())
		assert.Equal(t, "localhost:9092", s.config["bootstrap.servers"])
		assert.Equal(t, "50", s.config["linger.ms"])
		assert.Equal(t, "1", s.config["acks"])
	})

	t.Run("missing topic", func(t *testing.T) {
		u, _ := url.Parse("kafka://localhost:9092")
		_, err := NewSink(u, zap.NewNop())
		assert.Error(t, err)
	})

	t.Run("publish before connect", func(t *testing.T) {
		u, _ := url.Parse("kafka://localhost:9092/reports")
		s, err := NewSink(u, zap.NewNop())
		require.NoError(t, err)
		assert.Error(t, s.Publish(context.Background(), ingest.Report{ID: "r1"}))

		stats := s.Stats()
		assert.False(t, stats.ConnectionHealthy)
		assert.Equal(t, int64(1), stats.WriteErrorCount)
		assert.Equal(t, int64(0), stats.TotalReports)
		assert.Equal(t, "kafka sink not connected", stats.LastError)

		var reporter ingest.StatsReporter = s
		assert.Equal(t, stats, reporter.SinkStats())
	})
}
