package repository

import (
	"context"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// MessageStore is the durable record of every message. Implementations
// return domain.ErrUnknownMessage for missing ids and wrap transport
// failures in domain.ErrStoreUnavailable.
type MessageStore interface {
	// Insert stores m unless a record with the same id exists. It reports
	// whether a new record was created.
	Insert(ctx context.Context, m *domain.Message) (bool, error)
	FindByID(ctx context.Context, id string) (*domain.Message, error)
	// AdvanceStatus moves the record forward to `to`. Records already at or
	// past `to` are returned unchanged with changed=false.
	AdvanceStatus(ctx context.Context, id string, to domain.Status) (*domain.Message, bool, error)
	// MarkAllSeen flips every PENDING or SENT message from sender to
	// recipient to SEEN and returns exactly the records it flipped.
	MarkAllSeen(ctx context.Context, recipient, sender string) ([]*domain.Message, error)
	Conversation(ctx context.Context, q ConversationQuery) ([]*domain.Message, error)
	HideFor(ctx context.Context, id, identity string) (*domain.Message, error)
}

// ConversationQuery selects the messages exchanged between Me and
// Counterpart in either direction, as seen by Me.
type ConversationQuery struct {
	Me          string
	Counterpart string
	Kinds       []domain.Kind
	Before      time.Time
	Limit       int64
}

const DefaultHistoryLimit = 50

func (q ConversationQuery) limit() int64 {
	if q.Limit <= 0 {
		return DefaultHistoryLimit
	}
	return q.Limit
}

func (q ConversationQuery) matches(m *domain.Message) bool {
	pair := (m.Sender == q.Me && m.Recipient == q.Counterpart) ||
		(m.Sender == q.Counterpart && m.Recipient == q.Me)
	if !pair || !m.VisibleTo(q.Me) {
		return false
	}
	if !q.Before.IsZero() && !m.CreatedAt.Before(q.Before) {
		return false
	}
	if len(q.Kinds) == 0 {
		return true
	}
	for _, k := range q.Kinds {
		if m.Kind() == k {
			return true
		}
	}
	return false
}
