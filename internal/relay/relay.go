package relay

import (
	"encoding/json"
	"fmt"

	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/metric"
)

// Kind is an ephemeral indicator channel.
type Kind string

const (
	Typing         Kind = "typing"
	RecordingAudio Kind = "recording_audio"
	RecordingVideo Kind = "recording_video"
)

func ParseKind(v string) (Kind, bool) {
	switch k := Kind(v); k {
	case Typing, RecordingAudio, RecordingVideo:
		return k, true
	}
	return "", false
}

// Signal is a typing or recording indicator. Raw is forwarded untouched.
type Signal struct {
	Sender    string
	Recipient string
	Raw       json.RawMessage
}

type Pusher interface {
	Push(identity, event string, payload any) bool
}

// Relay forwards indicators to the recipient's live connection. Nothing is
// stored or queued; signals for offline recipients are dropped.
type Relay struct {
	pusher Pusher
}

func New(p Pusher) *Relay { return &Relay{pusher: p} }

// Forward reports whether the recipient's connection accepted the signal.
func (r *Relay) Forward(kind Kind, s Signal) (bool, error) {
	if _, ok := ParseKind(string(kind)); !ok {
		return false, fmt.Errorf("%w: unknown signal %q", domain.ErrValidation, kind)
	}
	if s.Recipient == "" {
		return false, fmt.Errorf("%w: recipient is required", domain.ErrValidation)
	}
	ok := r.pusher.Push(s.Recipient, string(kind), s.Raw)
	metric.Signals.WithLabelValues(string(kind), metric.Bool(ok)).Inc()
	return ok, nil
}
