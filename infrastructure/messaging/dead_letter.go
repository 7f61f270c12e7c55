package messaging

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/fleetdata/heartbeat-ingest/pkg/logging"
)

// DeadLetterProducer publishes unprocessable or undeliverable messages to the
// dead-letter topic with headers describing why they landed there.
type DeadLetterProducer struct {
	writer *kafka.Writer
	logger *logging.Logger
}

// NewDeadLetterProducer creates a producer for the dead-letter topic.
func NewDeadLetterProducer(brokers []string, topic string, logger *logging.Logger) *DeadLetterProducer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		BatchTimeout: 100 * time.Millisecond,
	}

	return &DeadLetterProducer{
		writer: writer,
		logger: logger.WithComponent("dead-letter"),
	}
}

// Publish forwards the original payload with failure context. The original
// key is kept so dead letters for one vehicle stay on one partition.
func (p *DeadLetterProducer) Publish(ctx context.Context, original kafka.Message, reason string, cause error) error {
	headers := []kafka.Header{
		{Key: "dlq-id", Value: []byte(uuid.NewString())},
		{Key: "dlq-reason", Value: []byte(reason)},
		{Key: "dlq-source-topic", Value: []byte(original.Topic)},
		{Key: "dlq-source-partition", Value: []byte(itoa(original.Partition))},
		{Key: "dlq-source-offset", Value: []byte(itoa64(original.Offset))},
		{Key: "dlq-failed-at", Value: []byte(time.Now().UTC().Format(time.RFC3339))},
	}
	if cause != nil {
		headers = append(headers, kafka.Header{Key: "dlq-error", Value: []byte(cause.Error())})
	}

	err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:     original.Key,
		Value:   original.Value,
		Headers: headers,
	})
	if err != nil {
		p.logger.LogError(err, "failed to publish dead letter",
			logging.String("reason", reason),
			logging.Int("partition", original.Partition),
			logging.Int64("offset", original.Offset),
		)
		return err
	}

	p.logger.Warn("message dead-lettered",
		logging.String("reason", reason),
		logging.Int("partition", original.Partition),
		logging.Int64("offset", original.Offset),
	)
	return nil
}

// Close flushes and closes the writer.
func (p *DeadLetterProducer) Close() error {
	return p.writer.Close()
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func itoa64(n int64) string {
	return strconv.FormatInt(n, 10)
}
