// Package notify fans settlement outcomes out to Kafka. Publishing happens
// strictly after the state transition commits and is never part of the
// transactional path; a broker failure is logged and forgotten.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/punchamoorthee/settleops/internal/domain"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	EventSettled     = "settlement.settled"
	EventFailed      = "settlement.failed"
	EventCompensated = "settlement.compensated"
)

type message struct {
	EventType     string       `json:"event_type"`
	OperationID   string       `json:"operation_id"`
	UserID        int64        `json:"user_id"`
	Asset         string       `json:"asset"`
	Amount        int64        `json:"amount"`
	FeeAmount     int64        `json:"fee_amount"`
	State         domain.State `json:"state"`
	ExternalRef   string       `json:"external_ref,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	CorrelationID string       `json:"correlation_id"`
	Timestamp     time.Time    `json:"timestamp"`
}

type KafkaNotifier struct {
	writer *kafka.Writer
	logger *zap.Logger
}

func NewKafka(brokers []string, topic string, logger *zap.Logger) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
	}
}

// Publish emits the event asynchronously, keyed by operation ID so all
// events for one operation land on the same partition.
func (n *KafkaNotifier) Publish(op *domain.Operation, eventType string) {
	msg := message{
		EventType:     eventType,
		OperationID:   op.ID,
		UserID:        op.UserID,
		Asset:         op.Asset,
		Amount:        op.Amount,
		FeeAmount:     op.FeeAmount,
		State:         op.State,
		ExternalRef:   op.ExternalRef,
		FailureReason: op.FailureReason,
		CorrelationID: op.CorrelationID,
		Timestamp:     time.Now().UTC(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		n.logger.Warn("notification marshal failed", zap.String("operation_id", op.ID), zap.Error(err))
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := n.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(op.ID),
			Value: payload,
		})
		if err != nil {
			n.logger.Warn("notification publish failed",
				zap.String("operation_id", op.ID),
				zap.String("event_type", eventType),
				zap.Error(err))
		}
	}()
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
