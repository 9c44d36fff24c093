package domain

import "time"

// Delivery event types published for downstream consumers.
const (
	EventMessageSent = "message.sent"
	EventMessageSeen = "message.seen"
)

// DeliveryEvent records one accepted status transition.
type DeliveryEvent struct {
	Type      string    `json:"type"`
	MessageID string    `json:"message_id"`
	Kind      Kind      `json:"kind"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`
}

func NewDeliveryEvent(typ string, m *Message, at time.Time) DeliveryEvent {
	return DeliveryEvent{
		Type:      typ,
		MessageID: m.ID,
		Kind:      m.Kind(),
		Sender:    m.Sender,
		Recipient: m.Recipient,
		Status:    m.Status,
		At:        at.UTC(),
	}
}
