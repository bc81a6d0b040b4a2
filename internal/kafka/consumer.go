package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/caro-server/internal/config"
	"github.com/caro-server/internal/domain"
)

// MatchHandler persists batches of finished matches
type MatchHandler interface {
	SaveMatches(ctx context.Context, recs []domain.MatchRecord) error
}

// Consumer consumes finished-match events from Kafka
type Consumer struct {
	config        *config.KafkaConfig
	handler       MatchHandler
	logger        *slog.Logger
	consumerGroup sarama.ConsumerGroup
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	ready         chan bool
}

// NewConsumer creates a new Kafka consumer
func NewConsumer(cfg *config.KafkaConfig, handler MatchHandler, logger *slog.Logger) (*Consumer, error) {
	saramaConfig := sarama.NewConfig()
	saramaConfig.Version = sarama.V3_0_0_0
	saramaConfig.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	saramaConfig.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaConfig.Consumer.Return.Errors = true

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, saramaConfig)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		config:        cfg,
		handler:       handler,
		logger:        logger,
		consumerGroup: consumerGroup,
		ctx:           ctx,
		cancel:        cancel,
		ready:         make(chan bool),
	}, nil
}

// Start begins consuming messages from Kafka
func (c *Consumer) Start() error {
	c.logger.Info("starting Kafka consumer",
		"brokers", c.config.Brokers,
		"topic", c.config.Topic,
		"group_id", c.config.GroupID,
	)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			handler := &consumerGroupHandler{
				consumer: c,
				ready:    c.ready,
			}

			if err := c.consumerGroup.Consume(c.ctx, []string{c.config.Topic}, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				c.logger.Error("error from consumer", "error", err)
			}

			// Check if context was cancelled
			if c.ctx.Err() != nil {
				return
			}

			c.ready = make(chan bool)
		}
	}()

	// Wait until consumer is ready
	select {
	case <-c.ready:
	case <-c.ctx.Done():
		return c.ctx.Err()
	}
	c.logger.Info("Kafka consumer ready")

	// Handle errors in separate goroutine
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case <-c.ctx.Done():
				return
			case err, ok := <-c.consumerGroup.Errors():
				if !ok {
					return
				}
				c.logger.Error("consumer group error", "error", err)
			}
		}
	}()

	return nil
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.logger.Info("stopping Kafka consumer")
	c.cancel()
	c.wg.Wait()
	return c.consumerGroup.Close()
}

// consumerGroupHandler implements sarama.ConsumerGroupHandler
type consumerGroupHandler struct {
	consumer *Consumer
	ready    chan bool
}

// Setup is called at the beginning of a new session
func (h *consumerGroupHandler) Setup(sarama.ConsumerGroupSession) error {
	close(h.ready)
	return nil
}

// Cleanup is called at the end of a session
func (h *consumerGroupHandler) Cleanup(sarama.ConsumerGroupSession) error {
	return nil
}

// ConsumeClaim batches match records from a topic partition. Offsets are
// marked only after the batch they belong to has been handled.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	b := newBatcher(h.consumer.config, h.consumer.handler, h.consumer.logger)
	batchTimer := time.NewTimer(h.consumer.config.BatchTimeout)
	defer batchTimer.Stop()

	flush := func() {
		if last := b.flush(session.Context()); last != nil {
			session.MarkMessage(last, "")
		}
	}

	for {
		select {
		case <-session.Context().Done():
			flush()
			return nil

		case <-batchTimer.C:
			flush()
			batchTimer.Reset(h.consumer.config.BatchTimeout)

		case message, ok := <-claim.Messages():
			if !ok {
				flush()
				return nil
			}
			if b.add(message) {
				flush()
				batchTimer.Reset(h.consumer.config.BatchTimeout)
			}
		}
	}
}

// batcher accumulates decoded records for one partition claim
type batcher struct {
	cfg     *config.KafkaConfig
	handler MatchHandler
	logger  *slog.Logger

	recs []domain.MatchRecord
	last *sarama.ConsumerMessage
}

func newBatcher(cfg *config.KafkaConfig, handler MatchHandler, logger *slog.Logger) *batcher {
	return &batcher{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		recs:    make([]domain.MatchRecord, 0, cfg.BatchSize),
	}
}

// add decodes message into the batch and reports whether the batch is full.
// Unreadable messages are skipped but still advance the offset.
func (b *batcher) add(message *sarama.ConsumerMessage) bool {
	b.last = message

	var rec domain.MatchRecord
	if err := json.Unmarshal(message.Value, &rec); err != nil {
		b.logger.Warn("failed to unmarshal message",
			"error", err,
			"offset", message.Offset,
			"partition", message.Partition,
		)
		return false
	}
	if rec.ID == "" || rec.PlayerX == "" || rec.PlayerO == "" {
		b.logger.Warn("invalid match record",
			"match_id", rec.ID,
			"offset", message.Offset,
		)
		return false
	}

	b.recs = append(b.recs, rec)
	return len(b.recs) >= b.cfg.BatchSize
}

// flush hands the batch to the handler, retrying a bounded number of times,
// and returns the last message covered by it.
func (b *batcher) flush(ctx context.Context) *sarama.ConsumerMessage {
	last := b.last
	b.last = nil
	if len(b.recs) == 0 {
		return last
	}

	attempts := b.cfg.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for i := 0; i < attempts; i++ {
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		err = b.handler.SaveMatches(callCtx, b.recs)
		cancel()
		if err == nil {
			break
		}
		b.logger.Warn("failed to save batch", "attempt", i+1, "error", err, "batch_size", len(b.recs))
		if i+1 < attempts {
			time.Sleep(b.cfg.RetryDelay)
		}
	}

	if err != nil {
		b.logger.Error("dropping batch after retries", "error", err, "batch_size", len(b.recs))
	} else {
		b.logger.Debug("processed batch", "batch_size", len(b.recs))
	}

	b.recs = b.recs[:0]
	return last
}
