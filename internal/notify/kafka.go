package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// KafkaNotifier publishes confirmations to a topic consumed by the mailer.
// Without brokers it runs in mock mode and only logs the payload.
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
	mockMode bool
	logger   zerolog.Logger
}

func NewKafkaNotifier(brokers []string, topic string, logger zerolog.Logger) (*KafkaNotifier, error) {
	logger = logger.With().Str("component", "notifier").Str("topic", topic).Logger()

	if len(brokers) == 0 {
		logger.Info().Msg("running in mock mode, confirmations are logged only")
		return &KafkaNotifier{topic: topic, mockMode: true, logger: logger}, nil
	}

	config := sarama.NewConfig()
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	logger.Info().Strs("brokers", brokers).Msg("connected to kafka")
	return NewKafkaNotifierWithProducer(producer, topic, logger), nil
}

func NewKafkaNotifierWithProducer(producer sarama.SyncProducer, topic string, logger zerolog.Logger) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic, logger: logger}
}

func (n *KafkaNotifier) SendConfirmation(ctx context.Context, c Confirmation) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal confirmation: %w", err)
	}

	if n.mockMode {
		n.logger.Info().
			Str("booking_id", c.BookingID.String()).
			Str("status", c.Status).
			RawJSON("payload", data).
			Msg("mock publish confirmation")
		return nil
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(c.BookingID.String()),
		Value: sarama.ByteEncoder(data),
	}

	partition, offset, err := n.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("publish confirmation: %w", err)
	}

	n.logger.Debug().
		Str("booking_id", c.BookingID.String()).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("confirmation published")
	return nil
}

func (n *KafkaNotifier) Close() error {
	if n.mockMode || n.producer == nil {
		return nil
	}
	return n.producer.Close()
}
