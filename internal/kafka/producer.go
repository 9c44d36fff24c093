package kafka

import (
	"context"
	"encoding/json"

	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// Producer publishes delivery events. Writes are asynchronous so a slow
// broker never holds up an acknowledgment; failures are only logged.
type Producer struct {
	writer *kafkago.Writer
	topic  string
}

func NewProducer(brokers []string, topic string, log *zap.SugaredLogger) *Producer {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		Async:        true,
		Completion: func(msgs []kafkago.Message, err error) {
			if err != nil {
				log.Warnw("kafka delivery event write failed", "topic", topic, "count", len(msgs), "err", err)
			}
		},
	}
	return &Producer{writer: w, topic: topic}
}

func (p *Producer) PublishDelivery(ctx context.Context, ev domain.DeliveryEvent) error {
	msg, err := encode(ev)
	if err != nil {
		return err
	}
	return p.writer.WriteMessages(ctx, msg)
}

// encode keys events by message id so every transition of one message lands
// on the same partition, in order.
func encode(ev domain.DeliveryEvent) (kafkago.Message, error) {
	b, err := json.Marshal(ev)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(ev.MessageID),
		Value: b,
		Time:  ev.At,
		Headers: []kafkago.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}, nil
}

func (p *Producer) Close() error {
	return p.writer.Close()
}
