package reporting

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rl1809/negotiation/internal/core/domain"
)

// KafkaReporter publishes order-creation failures for manual follow-up.
type KafkaReporter struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaReporter(brokers []string, topic string, logger *zap.Logger) *KafkaReporter {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return &KafkaReporter{writer: writer, logger: logger}
}

func (r *KafkaReporter) ReportOrderFailure(ctx context.Context, failure domain.OrderFailure) error {
	payload, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal order failure: %w", err)
	}

	err = r.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(failure.RecordID),
		Value: payload,
		Time:  failure.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("write order failure: %w", err)
	}

	r.logger.Info("order failure reported",
		zap.String("record_id", failure.RecordID),
		zap.String("topic", r.writer.Topic),
	)
	return nil
}

func (r *KafkaReporter) Close() error {
	return r.writer.Close()
}

// LogReporter is used when no broker is configured.
type LogReporter struct {
	logger *zap.Logger
}

func NewLogReporter(logger *zap.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) ReportOrderFailure(ctx context.Context, failure domain.OrderFailure) error {
	r.logger.Error("order creation failed, manual follow-up required",
		zap.String("record_id", failure.RecordID),
		zap.String("bid_id", failure.BidID),
		zap.String("error", failure.Error),
		zap.Time("occurred_at", failure.OccurredAt),
	)
	return nil
}
