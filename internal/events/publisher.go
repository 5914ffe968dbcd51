// Package events publishes ledger facts for downstream collaborators
// (notification dispatch). Delivery is fire-and-forget: the ledger
// never waits on it.
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const TopicPaymentFinalized = "ledger.payment.finalized"

type PaymentFinalized struct {
	TxRef          string          `json:"tx_ref,omitempty"`
	PaymentID      string          `json:"payment_id"`
	StudentID      string          `json:"student_id"`
	Intent         string          `json:"intent,omitempty"`
	Outcome        string          `json:"outcome"`
	Source         string          `json:"source"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	SubscriptionID string          `json:"subscription_id,omitempty"`
	OccurredAt     time.Time       `json:"occurred_at"`
}

type Publisher interface {
	PublishFinalized(ctx context.Context, ev PaymentFinalized)
}

// KafkaPublisher writes finalization events keyed by student so one
// student's notifications stay ordered.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafkaPublisher(writer *kafka.Writer, logger *zap.Logger) *KafkaPublisher {
	return &KafkaPublisher{writer: writer, logger: logger}
}

func (p *KafkaPublisher) PublishFinalized(ctx context.Context, ev PaymentFinalized) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("marshaling finalized event", zap.Error(err))
		return
	}
	// Detached from the request: a slow broker must not hold the
	// finalization response.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := p.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(ev.StudentID),
			Value: payload,
		}); err != nil {
			p.logger.Error("publishing finalized event",
				zap.String("payment_id", ev.PaymentID),
				zap.Error(err),
			)
		}
	}()
}

// NopPublisher drops events; tests and broker-less runs.
type NopPublisher struct{}

func (NopPublisher) PublishFinalized(context.Context, PaymentFinalized) {}
