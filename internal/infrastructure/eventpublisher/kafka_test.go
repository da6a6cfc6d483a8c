package eventpublisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/iho/minibank/internal/domain"
)

type mockKafkaWriter struct {
	mock.Mock
}

func (m *mockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockKafkaWriter) Close() error {
	args := m.Called()
	return args.Error(0)
}

func TestKafkaPublisher_Publish(t *testing.T) {
	ctx := context.Background()
	ev := &domain.LedgerEvent{
		ID:           "01HZX",
		Type:         domain.EventTypeTransfer,
		AccountID:    "ALICE",
		Counterparty: "BOB",
		Amount:       30,
		Balance:      70,
		OccurredAt:   time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("writes keyed message", func(t *testing.T) {
		writer := new(mockKafkaWriter)
		p := newKafkaPublisher(writer, "ledger", zerolog.Nop())

		writer.On("WriteMessages", ctx, mock.MatchedBy(func(msgs []kafka.Message) bool {
			if len(msgs) != 1 || string(msgs[0].Key) != "ALICE" {
				return false
			}
			var decoded domain.LedgerEvent
			if err := json.Unmarshal(msgs[0].Value, &decoded); err != nil {
				return false
			}
			return decoded.ID == ev.ID && decoded.Counterparty == "BOB" && decoded.Amount == 30
		})).Return(nil).Once()

		require.NoError(t, p.Publish(ctx, ev))
		writer.AssertExpectations(t)
	})

	t.Run("wraps writer error", func(t *testing.T) {
		writer := new(mockKafkaWriter)
		p := newKafkaPublisher(writer, "ledger", zerolog.Nop())
		writeErr := errors.New("broker unreachable")

		writer.On("WriteMessages", ctx, mock.AnythingOfType("[]kafka.Message")).Return(writeErr).Once()

		err := p.Publish(ctx, ev)
		require.Error(t, err)
		assert.ErrorIs(t, err, writeErr)
		writer.AssertExpectations(t)
	})
}

func TestKafkaPublisher_Close(t *testing.T) {
	writer := new(mockKafkaWriter)
	p := newKafkaPublisher(writer, "ledger", zerolog.Nop())

	writer.On("Close").Return(nil).Once()
	require.NoError(t, p.Close())

	writer.On("Close").Return(errors.New("boom")).Once()
	assert.Error(t, p.Close())

	writer.AssertExpectations(t)
}

func TestNewKafkaPublisherValidatesConfig(t *testing.T) {
	_, err := NewKafkaPublisher(nil, "ledger", zerolog.Nop())
	assert.Error(t, err)

	_, err = NewKafkaPublisher([]string{"localhost:9092"}, "", zerolog.Nop())
	assert.Error(t, err)

	p, err := NewKafkaPublisher([]string{"localhost:9092"}, "ledger", zerolog.Nop())
	require.NoError(t, err)
	assert.NoError(t, p.Close())
}
