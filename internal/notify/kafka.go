package notify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/pageza/alchemorsel-v2/pipeline/internal/logging"
)

// KafkaReader is the subset of *kafka.Reader the consumer loop needs,
// so tests can substitute a fake.
type KafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events keyed by record id, so every event for one record
// lands on one partition. Offsets are committed manually after the handler
// returns.
type Kafka struct {
	writer    KafkaWriter
	newReader func(group string) KafkaReader
	logger    *zap.Logger
	// retryDelay throttles the loop after a read error.
	retryDelay time.Duration
}

func NewKafka(brokers []string, topic string, logger *zap.Logger) *Kafka {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &Kafka{
		writer: writer,
		newReader: func(group string) KafkaReader {
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers: brokers,
				Topic:   topic,
				GroupID: group,
				// Disable auto-commit to manually control offset committing.
				CommitInterval: 0,
				MinBytes:       1,
				MaxBytes:       10e6,
			})
		},
		logger:     logging.OrNop(logger).Named("notify.kafka"),
		retryDelay: time.Second,
	}
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	payload, err := Encode(ev)
	if err != nil {
		return err
	}
	msg := kafka.Message{Key: []byte(ev.RecordID), Value: payload, Time: ev.At}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

func (k *Kafka) Consume(ctx context.Context, group string, h Handler) error {
	if group == "" {
		// A private group receives every event, like the broadcast transports.
		group = "broadcast-" + uuid.NewString()
	}
	reader := k.newReader(group)
	defer func() {
		if err := reader.Close(); err != nil {
			k.logger.Warn("failed to close reader", zap.Error(err))
		}
	}()

	k.logger.Info("starting consumer loop", zap.String("group", group))
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			k.logger.Warn("error reading message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(k.retryDelay):
			}
			continue
		}

		if ev, err := Decode(msg.Value); err != nil {
			k.logger.Warn("dropping undecodable event",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		} else if err := h(ctx, ev); err != nil {
			k.logger.Warn("event handler failed", zap.String("record_id", ev.RecordID), zap.Error(err))
		}

		if err := reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			k.logger.Warn("failed to commit offset",
				zap.Int("partition", msg.Partition), zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}
