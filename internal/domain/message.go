package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the delivery lifecycle stage of a message.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusSeen    Status = "SEEN"
)

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusSeen:
		return 3
	}
	return 0
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool { return s.rank() > 0 }

// Before reports whether s ranks strictly below other in the lifecycle.
func (s Status) Before(other Status) bool { return s.rank() < other.rank() }

// CanAdvance reports whether a record currently at s may move to next.
// Transitions only go forward; staying in place is not an advance.
func (s Status) CanAdvance(next Status) bool {
	return next.Valid() && s.Before(next)
}

// StatusesBefore lists every status ranking below s, in lifecycle order.
func StatusesBefore(s Status) []Status {
	out := []Status{}
	for _, st := range []Status{StatusPending, StatusSent, StatusSeen} {
		if st.Before(s) {
			out = append(out, st)
		}
	}
	return out
}

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown delivery status %q", ErrValidation, v)
	}
	return s, nil
}

// Message is a persisted direct message.
type Message struct {
	ID        string
	Content   Content
	Sender    string
	Recipient string
	CreatedAt time.Time
	Status    Status
	HiddenFor string
}

// Kind returns the content tag, or the empty kind when content is unset.
func (m *Message) Kind() Kind {
	if m.Content == nil {
		return ""
	}
	return m.Content.Kind()
}

// Involves reports whether identity is the sender or the recipient.
func (m *Message) Involves(identity string) bool {
	return identity != "" && (m.Sender == identity || m.Recipient == identity)
}

// HiddenForBoth marks a message hidden by both of its parties.
const HiddenForBoth = "*"

// VisibleTo reports whether the message should be listed for viewer.
func (m *Message) VisibleTo(viewer string) bool {
	return m.HiddenFor == "" || (m.HiddenFor != viewer && m.HiddenFor != HiddenForBoth)
}

// HiddenAfter returns the hidden-for marker once identity hides the message.
func (m *Message) HiddenAfter(identity string) string {
	switch m.HiddenFor {
	case "", identity:
		return identity
	}
	return HiddenForBoth
}

func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	cp := *m
	return &cp
}

type messageJSON struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	Content   string    `json:"content"`
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	CreatedAt time.Time `json:"created_at"`
	Status    Status    `json:"status"`
	HiddenFor string    `json:"hidden_for,omitempty"`
}

func (m *Message) MarshalJSON() ([]byte, error) {
	kind, raw := EncodeContent(m.Content)
	return json.Marshal(messageJSON{
		ID:        m.ID,
		Kind:      kind,
		Content:   raw,
		Sender:    m.Sender,
		Recipient: m.Recipient,
		CreatedAt: m.CreatedAt,
		Status:    m.Status,
		HiddenFor: m.HiddenFor,
	})
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var j messageJSON
	if err := json.Unmarshal(b, &j); err != nil {
		return err
	}
	c, err := DecodeContent(j.Kind, j.Content)
	if err != nil {
		return err
	}
	*m = Message{
		ID:        j.ID,
		Content:   c,
		Sender:    j.Sender,
		Recipient: j.Recipient,
		CreatedAt: j.CreatedAt,
		Status:    j.Status,
		HiddenFor: j.HiddenFor,
	}
	return nil
}
