package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/require"

	"github.com/caro-server/internal/config"
	"github.com/caro-server/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sampleRecord(id string) domain.MatchRecord {
	return domain.MatchRecord{
		ID:         id,
		PlayerX:    "an",
		PlayerO:    "binh",
		Winner:     "binh",
		Reason:     domain.ReasonTimeout,
		BoardSize:  15,
		StartedAt:  time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		FinishedAt: time.Date(2024, 5, 1, 12, 0, 15, 0, time.UTC),
	}
}

func TestPublisherKeysByMatchID(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, err := msg.Key.Encode()
		if err != nil {
			return err
		}
		if string(key) != "m1" {
			return fmt.Errorf("unexpected key %q", key)
		}
		value, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		var rec domain.MatchRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return err
		}
		if rec.Winner != "binh" {
			return fmt.Errorf("unexpected winner %q", rec.Winner)
		}
		return nil
	})

	p := NewPublisherWithProducer(producer, "caro-matches", discardLogger())
	require.NoError(t, p.SaveMatch(context.Background(), sampleRecord("m1")))
	require.NoError(t, p.Close())
}

func TestPublisherSurfacesFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewPublisherWithProducer(producer, "caro-matches", discardLogger())
	err := p.SaveMatch(context.Background(), sampleRecord("m1"))
	require.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, p.Close())
}

type recordingHandler struct {
	failures int
	batches  [][]domain.MatchRecord
}

func (h *recordingHandler) SaveMatches(_ context.Context, recs []domain.MatchRecord) error {
	if h.failures > 0 {
		h.failures--
		return errors.New("database unavailable")
	}
	h.batches = append(h.batches, append([]domain.MatchRecord(nil), recs...))
	return nil
}

func message(offset int64, value []byte) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{Topic: "caro-matches", Offset: offset, Value: value}
}

func encoded(t *testing.T, rec domain.MatchRecord) []byte {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	return data
}

func TestBatcherFlushesWhenFull(t *testing.T) {
	h := &recordingHandler{}
	cfg := &config.KafkaConfig{BatchSize: 2, RetryAttempts: 1}
	b := newBatcher(cfg, h, discardLogger())

	require.False(t, b.add(message(1, encoded(t, sampleRecord("m1")))))
	require.False(t, b.add(message(2, []byte("not json"))))
	require.True(t, b.add(message(3, encoded(t, sampleRecord("m2")))))

	last := b.flush(context.Background())
	require.EqualValues(t, 3, last.Offset)
	require.Len(t, h.batches, 1)
	require.Equal(t, "m1", h.batches[0][0].ID)
	require.Equal(t, "m2", h.batches[0][1].ID)

	require.Nil(t, b.flush(context.Background()))
}

func TestBatcherSkipsInvalidRecords(t *testing.T) {
	h := &recordingHandler{}
	b := newBatcher(&config.KafkaConfig{BatchSize: 10, RetryAttempts: 1}, h, discardLogger())

	rec := sampleRecord("")
	require.False(t, b.add(message(7, encoded(t, rec))))

	last := b.flush(context.Background())
	require.EqualValues(t, 7, last.Offset)
	require.Empty(t, h.batches)
}

func TestBatcherRetries(t *testing.T) {
	h := &recordingHandler{failures: 2}
	b := newBatcher(&config.KafkaConfig{BatchSize: 10, RetryAttempts: 3, RetryDelay: time.Millisecond}, h, discardLogger())

	b.add(message(1, encoded(t, sampleRecord("m1"))))
	b.flush(context.Background())

	require.Len(t, h.batches, 1)
	require.Zero(t, h.failures)
}
