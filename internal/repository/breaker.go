package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

type BreakerConfig struct {
	MaxFailures uint32
	OpenTimeout time.Duration
}

// BreakerStore guards a MessageStore with a circuit breaker so a failing
// database turns into fast ErrStoreUnavailable answers instead of piling up
// stalled submissions.
type BreakerStore struct {
	inner MessageStore
	cb    *gobreaker.CircuitBreaker
}

func NewBreakerStore(inner MessageStore, cfg BreakerConfig, log *zap.SugaredLogger) *BreakerStore {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 10 * time.Second
	}
	st := gobreaker.Settings{
		Name:        "message-store",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.MaxFailures
		},
		// only transport failures count against the store
		IsSuccessful: func(err error) bool {
			return err == nil || !errors.Is(err, domain.ErrStoreUnavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warnw("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &BreakerStore{inner: inner, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerStore) State() gobreaker.State { return b.cb.State() }

func run[T any](b *BreakerStore, fn func() (T, error)) (T, error) {
	var zero T
	v, err := b.cb.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
		}
		if v == nil {
			return zero, err
		}
		return v.(T), err
	}
	return v.(T), nil
}

func (b *BreakerStore) Insert(ctx context.Context, m *domain.Message) (bool, error) {
	return run(b, func() (bool, error) { return b.inner.Insert(ctx, m) })
}

func (b *BreakerStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	return run(b, func() (*domain.Message, error) { return b.inner.FindByID(ctx, id) })
}

type advanced struct {
	msg     *domain.Message
	changed bool
}

func (b *BreakerStore) AdvanceStatus(ctx context.Context, id string, to domain.Status) (*domain.Message, bool, error) {
	res, err := run(b, func() (advanced, error) {
		m, changed, err := b.inner.AdvanceStatus(ctx, id, to)
		return advanced{msg: m, changed: changed}, err
	})
	return res.msg, res.changed, err
}

func (b *BreakerStore) MarkAllSeen(ctx context.Context, recipient, sender string) ([]*domain.Message, error) {
	return run(b, func() ([]*domain.Message, error) { return b.inner.MarkAllSeen(ctx, recipient, sender) })
}

func (b *BreakerStore) Conversation(ctx context.Context, q ConversationQuery) ([]*domain.Message, error) {
	return run(b, func() ([]*domain.Message, error) { return b.inner.Conversation(ctx, q) })
}

func (b *BreakerStore) HideFor(ctx context.Context, id, identity string) (*domain.Message, error) {
	return run(b, func() (*domain.Message, error) { return b.inner.HideFor(ctx, id, identity) })
}
