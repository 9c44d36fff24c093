package delivery

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// Submission is an inbound message as received from a sending client.
type Submission struct {
	ID        string      `validate:"omitempty,max=128"`
	Kind      domain.Kind `validate:"required"`
	Sender    string      `validate:"required,max=256"`
	Recipient string      `validate:"required,max=256,nefield=Sender"`
	Content   string      `validate:"required"`
	CreatedAt time.Time
	// Status is the optional client-declared initial status.
	Status string
}

var validate = validator.New()

// build validates s and turns it into a PENDING message.
func (s Submission) build(now time.Time) (*domain.Message, error) {
	if err := validate.Struct(s); err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, describe(err))
	}
	kind, err := domain.ParseKind(string(s.Kind))
	if err != nil {
		return nil, err
	}
	if s.Status != "" {
		st, err := domain.ParseStatus(s.Status)
		if err != nil {
			return nil, err
		}
		if st != domain.StatusPending {
			return nil, fmt.Errorf("%w: initial status must be %s", domain.ErrValidation, domain.StatusPending)
		}
	}
	content, err := domain.DecodeContent(kind, s.Content)
	if err != nil {
		return nil, err
	}

	m := &domain.Message{
		ID:        strings.TrimSpace(s.ID),
		Content:   content,
		Sender:    s.Sender,
		Recipient: s.Recipient,
		CreatedAt: s.CreatedAt.UTC(),
		Status:    domain.StatusPending,
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if s.CreatedAt.IsZero() {
		m.CreatedAt = now.UTC()
	}
	return m, nil
}

func describe(err error) string {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err.Error()
	}
	parts := make([]string, 0, len(ve))
	for _, fe := range ve {
		switch fe.Tag() {
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", strings.ToLower(fe.Field())))
		case "max":
			parts = append(parts, fmt.Sprintf("%s must be at most %s characters long", strings.ToLower(fe.Field()), fe.Param()))
		case "nefield":
			parts = append(parts, fmt.Sprintf("%s must differ from %s", strings.ToLower(fe.Field()), strings.ToLower(fe.Param())))
		default:
			parts = append(parts, fmt.Sprintf("%s failed on %s", strings.ToLower(fe.Field()), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
