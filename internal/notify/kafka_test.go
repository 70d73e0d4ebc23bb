package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleConfirmation() Confirmation {
	start := time.Date(2026, 11, 2, 9, 0, 0, 0, time.UTC)
	return Confirmation{
		To:          "ana@example.com",
		UserName:    "Ana",
		ServiceName: "Kettlebell basics",
		StartTime:   start,
		EndTime:     start.Add(time.Hour),
		BookingID:   uuid.New(),
		Status:      "confirmed",
	}
}

func TestKafkaNotifierPublishes(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	c := sampleConfirmation()

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var got Confirmation
		if err := json.Unmarshal(val, &got); err != nil {
			return err
		}
		if got.BookingID != c.BookingID || got.To != c.To {
			return errors.New("unexpected payload")
		}
		return nil
	})

	n := NewKafkaNotifierWithProducer(producer, "booking-confirmations", zerolog.New(io.Discard))
	require.NoError(t, n.SendConfirmation(context.Background(), c))
	require.NoError(t, n.Close())
}

func TestKafkaNotifierSurfacesSendError(t *testing.T) {
	producer := mocks.NewSyncProducer(t, sarama.NewConfig())
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	n := NewKafkaNotifierWithProducer(producer, "booking-confirmations", zerolog.New(io.Discard))
	err := n.SendConfirmation(context.Background(), sampleConfirmation())
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)
	require.NoError(t, n.Close())
}

func TestKafkaNotifierMockMode(t *testing.T) {
	n, err := NewKafkaNotifier(nil, "booking-confirmations", zerolog.New(io.Discard))
	require.NoError(t, err)

	assert.NoError(t, n.SendConfirmation(context.Background(), sampleConfirmation()))
	assert.NoError(t, n.Close())
}

func TestKafkaNotifierCancelledContext(t *testing.T) {
	n, err := NewKafkaNotifier(nil, "booking-confirmations", zerolog.New(io.Discard))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, n.SendConfirmation(ctx, sampleConfirmation()), context.Canceled)
}
