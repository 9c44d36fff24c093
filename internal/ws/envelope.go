package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/fathima-sithara/realtime-service/internal/delivery"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// Client events.
const (
	EventIdentify    = "identify"
	EventSendPrefix  = "send:"
	EventMarkRead    = "mark_read"
	EventMarkAllRead = "mark_all_read"
)

// Server events.
const (
	EventAck   = "ack"
	EventError = "error"
)

var ErrRateLimited = errors.New("rate limited")

// Envelope is the standard wire format for ws messages
type Envelope struct {
	Type    string          `json:"type"`
	Ref     string          `json:"ref,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type outbound struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type identifyPayload struct {
	Identity string `json:"identity"`
}

type sendPayload struct {
	ID        string          `json:"id"`
	Sender    string          `json:"sender"`
	Recipient string          `json:"recipient"`
	Content   string          `json:"content"`
	Timestamp json.RawMessage `json:"timestamp"`
	Status    string          `json:"status"`
}

type markReadPayload struct {
	ID string `json:"id"`
}

type markAllReadPayload struct {
	Me          string `json:"me"`
	Counterpart string `json:"counterpart"`
}

type signalPayload struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
}

type errorPayload struct {
	Error string `json:"error"`
}

// AckPayload answers one client event, matched by Ref.
type AckPayload struct {
	Ref     string        `json:"ref,omitempty"`
	Success bool          `json:"success"`
	Status  domain.Status `json:"status,omitempty"`
	ID      string        `json:"id,omitempty"`
	Count   int           `json:"count,omitempty"`
	Error   string        `json:"error,omitempty"`
}

func ackOK() AckPayload { return AckPayload{Success: true} }

func ackFail(err error) AckPayload { return AckPayload{Success: false, Error: publicError(err)} }

func ackFrom(a delivery.Ack) AckPayload {
	if !a.Success {
		return ackFail(a.Err)
	}
	return AckPayload{Success: true, Status: a.Status, ID: a.MessageID, Count: a.Count}
}

// publicError hides store internals from clients.
func publicError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, domain.ErrStoreUnavailable):
		return domain.ErrStoreUnavailable.Error()
	}
	return err.Error()
}

// parseTimestamp accepts epoch milliseconds (number or numeric string) or
// an RFC 3339 string. Absent or null yields the zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return fromMillis(string(n))
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp", domain.ErrValidation)
	}
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	return fromMillis(s)
}

func fromMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q", domain.ErrValidation, v)
	}
	return time.UnixMilli(ms).UTC(), nil
}
