package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/swiftcab/dispatch/internal/domain/order"
)

// Event is one order lifecycle transition
type Event struct {
	Type     string       `json:"type"`
	OrderID  string       `json:"order_id"`
	UserID   string       `json:"user_id"`
	DriverID string       `json:"driver_id,omitempty"`
	Status   order.Status `json:"status"`
	At       time.Time    `json:"at"`
}

// Publisher receives lifecycle events after each committed transition.
// Publishing is best-effort: a failed publish never rolls back the store
// write it describes.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Nop discards everything; the library default when no sink is wired
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close() error                         { return nil }

// Kafka publishes lifecycle events to a topic, keyed by order id so one
// order's transitions stay in partition order.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka creates a Kafka publisher
func NewKafka(brokers []string, topic string) *Kafka {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})
	return &Kafka{writer: w}
}

func (k *Kafka) Publish(ctx context.Context, ev Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.OrderID),
		Value: b,
	})
}

func (k *Kafka) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}
