package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/turbolytics/pricewatch/pkg/ingest"
	"go.uber.org/zap"
)

// Stats tracks what the sink has published.
type Stats struct {
	ConnectionHealthy bool      `json:"connection_healthy"`
	TotalReports      int64     `json:"total_reports"`
	WriteErrorCount   int64     `json:"write_error_count"`
	DeliveryFailures  int64     `json:"delivery_failures"`
	LastWriteAt       time.Time `json:"last_write_at,omitempty"`
	LastError         string    `json:"last_error,omitempty"`
}

// Sink publishes run reports to a Kafka topic, keyed by run id. It is
// configured from a URL: kafka://broker:9092/topic?linger.ms=10
type Sink struct {
	config   kafka.ConfigMap
	producer *kafka.Producer
	topic    string
	brokers  string
	logger   *zap.Logger

	statsMu sync.RWMutex
	stats   Stats
}

func NewSink(uri *url.URL, logger *zap.Logger) (*Sink, error) {
	topic := strings.TrimPrefix(uri.Path, "/")
	if topic == "" {
		return nil, fmt.Errorf("topic must be specified in URL path")
	}

	brokers := uri.Host
	if brokers == "" {
		return nil, fmt.Errorf("broker must be specified in URL host")
	}

	config := kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"client.id":         "pricewatch",

		"acks":                                  "all",
		"retries":                               "3",
		"linger.ms":                             "5",
		"compression.type":                      "snappy",
		"max.in.flight.requests.per.connection": "5",

		"request.timeout.ms":  "5000",
		"delivery.timeout.ms": "10000",
	}

	// query parameters are passed through as librdkafka settings
	for key, values := range uri.Query() {
		if len(values) > 0 {
			config[key] = values[0]
		}
	}

	return &Sink{
		topic:   topic,
		brokers: brokers,
		config:  config,
		logger:  logger,
	}, nil
}

func (s *Sink) Name() string {
	return "kafka"
}

func (s *Sink) Topic() string {
	return s.topic
}

func (s *Sink) Connect(ctx context.Context) error {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()

	producer, err := kafka.NewProducer(&s.config)
	if err != nil {
		s.stats.ConnectionHealthy = false
		s.stats.LastError = err.Error()
		return err
	}

	s.producer = producer
	s.stats.ConnectionHealthy = true
	s.stats.LastError = ""

	go s.deliveries(producer)

	s.logger.Info("kafka sink connected",
		zap.String("topic", s.topic),
		zap.String("brokers", s.brokers))
	return nil
}

func (s *Sink) deliveries(producer *kafka.Producer) {
	defer s.logger.Info("producer event loop closed")

	for e := range producer.Events() {
		switch ev := e.(type) {
		case *kafka.Message:
			if ev.TopicPartition.Error != nil {
				s.logger.Error("report delivery failed",
					zap.String("run_id", string(ev.Key)),
					zap.Error(ev.TopicPartition.Error))
				s.statsMu.Lock()
				s.stats.DeliveryFailures++
				s.stats.LastError = ev.TopicPartition.Error.Error()
				s.statsMu.Unlock()
				continue
			}
			s.logger.Debug("report delivered",
				zap.String("topic", *ev.TopicPartition.Topic),
				zap.Int32("partition", ev.TopicPartition.Partition),
				zap.Int64("offset", int64(ev.TopicPartition.Offset)))
		case kafka.Error:
			s.logger.Error("producer error", zap.Error(ev))
		}
	}
}

// Publish enqueues r. Delivery is asynchronous; failures surface in Stats
// and the log.
func (s *Sink) Publish(ctx context.Context, r ingest.Report) error {
	if s.producer == nil {
		err := fmt.Errorf("kafka sink not connected")
		s.recordError(err)
		return err
	}

	value, err := json.Marshal(r)
	if err != nil {
		s.recordError(err)
		return err
	}

	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &s.topic,
			Partition: kafka.PartitionAny,
		},
		Key:   []byte(r.ID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "query", Value: []byte(r.Query)},
			{Key: "state", Value: []byte(r.State)},
		},
	}

	if err := s.producer.Produce(message, nil); err != nil {
		s.recordError(err)
		return err
	}

	s.statsMu.Lock()
	s.stats.TotalReports++
	s.stats.LastWriteAt = time.Now()
	s.stats.LastError = ""
	s.statsMu.Unlock()
	return nil
}

func (s *Sink) recordError(err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.WriteErrorCount++
	s.stats.LastError = err.Error()
}

func (s *Sink) Close(ctx context.Context) error {
	if s.producer != nil {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if remaining := s.producer.Flush(int(timeout.Milliseconds())); remaining > 0 {
			s.logger.Warn("unflushed reports on close", zap.Int("remaining", remaining))
		}
		s.producer.Close()
	}

	s.statsMu.Lock()
	s.stats.ConnectionHealthy = false
	s.statsMu.Unlock()
	return nil
}

func (s *Sink) Stats() Stats {
	s.statsMu.RLock()
	defer s.statsMu.RUnlock()
	return s.stats
}

// SinkStats exposes Stats on the status server.
func (s *Sink) SinkStats() interface{} {
	return s.Stats()
}
