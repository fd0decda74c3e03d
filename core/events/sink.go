package events

import (
	"context"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
)

// DefaultTopic is the Kafka topic dispatched events are written to
const DefaultTopic = "bastion.events"

// Sink receives every dispatched event. A failing sink keeps the event
// pending.
type Sink interface {
	Publish(ctx context.Context, ev *QueuedEvent) error
	Close() error
}

// KafkaSink writes events to a Kafka topic, keyed by hook id so the events
// of one hook stay ordered within a partition.
type KafkaSink struct {
	writer *kafka.Writer
}

// NewKafkaSink returns a sink writing to topic on brokers
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaSink{writer: &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 10 * time.Millisecond,
	}}
}

// Publish implements Sink
func (s *KafkaSink) Publish(ctx context.Context, ev *QueuedEvent) error {
	value, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.HookID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "table", Value: []byte(ev.TableName)},
			{Key: "event_type", Value: []byte(ev.EventType)},
			{Key: "event_id", Value: []byte(strconv.FormatInt(ev.ID, 10))},
		},
	})
}

// Close implements Sink
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}
