package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// flakyStore fails every call with ErrStoreUnavailable while down is set.
type flakyStore struct {
	*MemoryStore
	down  bool
	calls int
}

func (f *flakyStore) Insert(ctx context.Context, m *domain.Message) (bool, error) {
	f.calls++
	if f.down {
		return false, fmt.Errorf("%w: connection refused", domain.ErrStoreUnavailable)
	}
	return f.MemoryStore.Insert(ctx, m)
}

func (f *flakyStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	f.calls++
	return f.MemoryStore.FindByID(ctx, id)
}

func TestBreakerStoreOpensOnStoreFailures(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore(), down: true}
	b := NewBreakerStore(inner, BreakerConfig{MaxFailures: 2, OpenTimeout: time.Hour}, zap.NewNop().Sugar())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := b.Insert(ctx, newMsg("m1", "a", "b", 0, domain.StatusPending))
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	}
	assert.Equal(t, gobreaker.StateOpen, b.State())

	inner.down = false
	_, err := b.Insert(ctx, newMsg("m1", "a", "b", 0, domain.StatusPending))
	assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
	assert.Equal(t, 2, inner.calls, "open breaker must not reach the store")
}

func TestBreakerStoreIgnoresUnknownMessage(t *testing.T) {
	inner := &flakyStore{MemoryStore: NewMemoryStore()}
	b := NewBreakerStore(inner, BreakerConfig{MaxFailures: 1, OpenTimeout: time.Hour}, zap.NewNop().Sugar())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := b.FindByID(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrUnknownMessage)
	}
	assert.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreakerStorePassesResultsThrough(t *testing.T) {
	b := NewBreakerStore(NewMemoryStore(), BreakerConfig{}, zap.NewNop().Sugar())
	ctx := context.Background()

	ok, err := b.Insert(ctx, newMsg("m1", "a", "b", 0, domain.StatusPending))
	require.NoError(t, err)
	assert.True(t, ok)

	m, changed, err := b.AdvanceStatus(ctx, "m1", domain.StatusSent)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, domain.StatusSent, m.Status)

	_, changed, err = b.AdvanceStatus(ctx, "m1", domain.StatusSent)
	require.NoError(t, err)
	assert.False(t, changed)

	seen, err := b.MarkAllSeen(ctx, "b", "a")
	require.NoError(t, err)
	assert.Len(t, seen, 1)

	hidden, err := b.HideFor(ctx, "m1", "b")
	require.NoError(t, err)
	assert.Equal(t, "b", hidden.HiddenFor)

	conv, err := b.Conversation(ctx, ConversationQuery{Me: "a", Counterpart: "b"})
	require.NoError(t, err)
	assert.Len(t, conv, 1)
}
