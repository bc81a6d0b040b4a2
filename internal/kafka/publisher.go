// Package kafka publishes finished matches to a Kafka topic and consumes
// them back for archiving.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/caro-server/internal/config"
	"github.com/caro-server/internal/domain"
)

// Publisher writes one message per finished match, keyed by match id
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewPublisher connects a synchronous producer to the configured brokers
func NewPublisher(cfg *config.KafkaConfig, logger *slog.Logger) (*Publisher, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Producer.RequiredAcks = sarama.WaitForLocal
	saramaConfig.Producer.Compression = sarama.CompressionSnappy
	saramaConfig.Producer.Retry.Max = cfg.RetryAttempts
	saramaConfig.Producer.Retry.Backoff = cfg.RetryDelay
	saramaConfig.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaConfig)
	if err != nil {
		return nil, fmt.Errorf("creating producer: %w", err)
	}
	return NewPublisherWithProducer(producer, cfg.Topic, logger), nil
}

// NewPublisherWithProducer wraps an existing producer
func NewPublisherWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		logger:   logger,
	}
}

// Name identifies the store in logs
func (p *Publisher) Name() string {
	return "kafka"
}

// SaveMatch publishes the record. Consumers upsert by id, so republishing
// after a failure is harmless.
func (p *Publisher) SaveMatch(ctx context.Context, rec domain.MatchRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshaling match: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(rec.ID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("reason"), Value: []byte(rec.Reason)},
		},
	}
	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publishing match: %w", err)
	}

	p.logger.Debug("match published",
		"match_id", rec.ID,
		"topic", p.topic,
		"partition", partition,
		"offset", offset,
	)
	return nil
}

// Close flushes and closes the producer
func (p *Publisher) Close() error {
	return p.producer.Close()
}
