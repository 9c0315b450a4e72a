package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"go.uber.org/zap"
)

// Sink receives every finished report.
type Sink interface {
	Name() string
	Publish(ctx context.Context, r Report) error
}

// StatsReporter is implemented by sinks that track delivery statistics.
type StatsReporter interface {
	SinkStats() interface{}
}

// Writer stores a blob under a key, e.g. a local directory or bucket.
type Writer interface {
	Write(ctx context.Context, key string, reader io.Reader) error
}

// LogSink emits a structured log line per source entry.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string {
	return "log"
}

func (s *LogSink) Publish(ctx context.Context, r Report) error {
	for _, e := range r.Sources {
		s.logger.Info("report entry",
			zap.String("run_id", r.ID),
			zap.String("query", r.Query),
			zap.String("source", e.Source),
			zap.Bool("attempted", e.Attempted),
			zap.Int("fetched", e.Fetched),
			zap.Int("new", e.New),
			zap.Int("changed", e.Changed),
			zap.Int("unchanged", e.Unchanged),
			zap.String("error", e.Error),
		)
	}
	return nil
}

// ArchiveSink writes each report as JSON to reports/<run-id>.json.
type ArchiveSink struct {
	writer Writer
}

func NewArchiveSink(w Writer) *ArchiveSink {
	return &ArchiveSink{writer: w}
}

func (s *ArchiveSink) Name() string {
	return "archive"
}

func (s *ArchiveSink) Publish(ctx context.Context, r Report) error {
	bs, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.writer.Write(ctx, ArchiveKey(r.ID), bytes.NewReader(bs))
}

func ArchiveKey(runID string) string {
	return fmt.Sprintf("reports/%s.json", runID)
}
