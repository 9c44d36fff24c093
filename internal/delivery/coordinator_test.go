package delivery

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/repository"
)

type push struct {
	identity string
	event    string
	payload  any
}

// recorder stands in for the presence registry: only identities in online
// accept pushes.
type recorder struct {
	mu     sync.Mutex
	online map[string]bool
	pushes []push
}

func newRecorder(online ...string) *recorder {
	r := &recorder{online: map[string]bool{}}
	for _, id := range online {
		r.online[id] = true
	}
	return r
}

func (r *recorder) Push(identity, event string, payload any) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.online[identity] {
		return false
	}
	r.pushes = append(r.pushes, push{identity: identity, event: event, payload: payload})
	return true
}

func (r *recorder) to(identity string) []push {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []push
	for _, p := range r.pushes {
		if p.identity == identity {
			out = append(out, p)
		}
	}
	return out
}

type publisherStub struct {
	mu     sync.Mutex
	events []domain.DeliveryEvent
}

func (p *publisherStub) PublishDelivery(_ context.Context, ev domain.DeliveryEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

// downStore fails inserts or promotions on demand.
type downStore struct {
	*repository.MemoryStore
	failInsert  bool
	failAdvance bool
}

func (d *downStore) Insert(ctx context.Context, m *domain.Message) (bool, error) {
	if d.failInsert {
		return false, fmt.Errorf("%w: insert refused", domain.ErrStoreUnavailable)
	}
	return d.MemoryStore.Insert(ctx, m)
}

func (d *downStore) AdvanceStatus(ctx context.Context, id string, to domain.Status) (*domain.Message, bool, error) {
	if d.failAdvance {
		return nil, false, fmt.Errorf("%w: update refused", domain.ErrStoreUnavailable)
	}
	return d.MemoryStore.AdvanceStatus(ctx, id, to)
}

// slowStore blocks until the caller's context expires.
type slowStore struct {
	*repository.MemoryStore
}

func (s *slowStore) Insert(ctx context.Context, _ *domain.Message) (bool, error) {
	<-ctx.Done()
	return false, ctx.Err()
}

var fixedNow = time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

func newCoordinator(store repository.MessageStore, n Notifier, p Publisher) *Coordinator {
	return NewCoordinator(store, n, zap.NewNop().Sugar(), Options{
		OpTimeout: time.Second,
		Publisher: p,
		Now:       func() time.Time { return fixedNow },
	})
}

func textFrom(from, to, body string) Submission {
	return Submission{Kind: domain.KindText, Sender: from, Recipient: to, Content: body}
}

func TestSubmitToOnlineRecipient(t *testing.T) {
	store := repository.NewMemoryStore()
	rec := newRecorder("b@x.com")
	pub := &publisherStub{}
	c := newCoordinator(store, rec, pub)

	ack := c.Submit(context.Background(), textFrom("a@x.com", "b@x.com", "hi"))
	require.True(t, ack.Success, "ack error: %v", ack.Err)
	assert.Equal(t, domain.StatusSent, ack.Status)
	require.NotEmpty(t, ack.MessageID)

	stored, err := store.FindByID(context.Background(), ack.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusSent, stored.Status)
	assert.Equal(t, domain.Text{Body: "hi"}, stored.Content)
	assert.Equal(t, fixedNow, stored.CreatedAt)

	got := rec.to("b@x.com")
	require.Len(t, got, 1, "pushed exactly once")
	assert.Equal(t, "receive:text", got[0].event)
	pushed := got[0].payload.(*domain.Message)
	assert.Equal(t, domain.StatusSent, pushed.Status)
	assert.Equal(t, ack.MessageID, pushed.ID)

	require.Len(t, pub.events, 1)
	assert.Equal(t, domain.EventMessageSent, pub.events[0].Type)
}

func TestSubmitToOfflineRecipient(t *testing.T) {
	store := repository.NewMemoryStore()
	rec := newRecorder()
	c := newCoordinator(store, rec, nil)
	ctx := context.Background()

	ack := c.Submit(ctx, textFrom("a@x.com", "b@x.com", "are you there"))
	require.True(t, ack.Success)
	assert.Equal(t, domain.StatusSent, ack.Status)
	assert.Empty(t, rec.pushes)

	history, err := store.Conversation(ctx, repository.ConversationQuery{Me: "b@x.com", Counterpart: "a@x.com"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.StatusSent, history[0].Status)

	updated, err := c.MarkAllRead(ctx, "b@x.com", "a@x.com")
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, ack.MessageID, updated[0].ID)
}

func TestSubmitEveryContentKind(t *testing.T) {
	for _, kind := range domain.Kinds {
		kind := kind
		t.Run(string(kind), func(t *testing.T) {
			store := repository.NewMemoryStore()
			rec := newRecorder("bob")
			c := newCoordinator(store, rec, nil)

			ack := c.Submit(context.Background(), Submission{
				Kind: kind, Sender: "amy", Recipient: "bob", Content: "uploads/blob-1",
			})
			require.True(t, ack.Success, "ack error: %v", ack.Err)
			got := rec.to("bob")
			require.Len(t, got, 1)
			assert.Equal(t, "receive:"+string(kind), got[0].event)
			assert.Equal(t, kind, got[0].payload.(*domain.Message).Kind())
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	cases := []struct {
		name string
		sub  Submission
	}{
		{"missing sender", Submission{Kind: domain.KindText, Recipient: "b", Content: "x"}},
		{"missing recipient", Submission{Kind: domain.KindText, Sender: "a", Content: "x"}},
		{"missing content", Submission{Kind: domain.KindText, Sender: "a", Recipient: "b"}},
		{"blank content", Submission{Kind: domain.KindText, Sender: "a", Recipient: "b", Content: "   "}},
		{"missing kind", Submission{Sender: "a", Recipient: "b", Content: "x"}},
		{"unknown kind", Submission{Kind: "sticker", Sender: "a", Recipient: "b", Content: "x"}},
		{"self message", Submission{Kind: domain.KindText, Sender: "a", Recipient: "a", Content: "x"}},
		{"initial status seen", Submission{Kind: domain.KindText, Sender: "a", Recipient: "b", Content: "x", Status: "SEEN"}},
		{"bogus status", Submission{Kind: domain.KindText, Sender: "a", Recipient: "b", Content: "x", Status: "LOST"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := repository.NewMemoryStore()
			rec := newRecorder("a", "b")
			c := newCoordinator(store, rec, nil)

			ack := c.Submit(context.Background(), tc.sub)
			assert.False(t, ack.Success)
			assert.ErrorIs(t, ack.Err, domain.ErrValidation)
			assert.Empty(t, rec.pushes)

			all, _ := store.Conversation(context.Background(), repository.ConversationQuery{Me: "a", Counterpart: "b"})
			assert.Empty(t, all)
		})
	}
}

func TestSubmitAcceptsClientFields(t *testing.T) {
	store := repository.NewMemoryStore()
	c := newCoordinator(store, newRecorder(), nil)
	at := time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC)

	ack := c.Submit(context.Background(), Submission{
		ID: "client-1", Kind: domain.KindText, Sender: "a", Recipient: "b",
		Content: "x", CreatedAt: at, Status: "pending",
	})
	require.True(t, ack.Success, "ack error: %v", ack.Err)
	assert.Equal(t, "client-1", ack.MessageID)

	m, err := store.FindByID(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, at, m.CreatedAt)
}

func TestSubmitStoreFailure(t *testing.T) {
	t.Run("insert", func(t *testing.T) {
		store := &downStore{MemoryStore: repository.NewMemoryStore(), failInsert: true}
		rec := newRecorder("b")
		c := newCoordinator(store, rec, nil)

		ack := c.Submit(context.Background(), textFrom("a", "b", "hi"))
		assert.False(t, ack.Success)
		assert.ErrorIs(t, ack.Err, domain.ErrStoreUnavailable)
		assert.Empty(t, rec.pushes)
	})

	t.Run("promote", func(t *testing.T) {
		store := &downStore{MemoryStore: repository.NewMemoryStore(), failAdvance: true}
		rec := newRecorder("b")
		c := newCoordinator(store, rec, nil)
		sub := textFrom("a", "b", "hi")
		sub.ID = "m1"

		ack := c.Submit(context.Background(), sub)
		assert.False(t, ack.Success)
		assert.ErrorIs(t, ack.Err, domain.ErrStoreUnavailable)
		assert.Empty(t, rec.pushes)

		m, err := store.FindByID(context.Background(), "m1")
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, m.Status)

		// resubmitting after recovery resumes at promotion
		store.failAdvance = false
		ack = c.Submit(context.Background(), sub)
		require.True(t, ack.Success)
		assert.Equal(t, domain.StatusSent, ack.Status)
		assert.Len(t, rec.to("b"), 1)
	})

	t.Run("timeout", func(t *testing.T) {
		store := &slowStore{MemoryStore: repository.NewMemoryStore()}
		c := NewCoordinator(store, newRecorder(), zap.NewNop().Sugar(), Options{OpTimeout: 20 * time.Millisecond})

		ack := c.Submit(context.Background(), textFrom("a", "b", "hi"))
		assert.False(t, ack.Success)
		assert.ErrorIs(t, ack.Err, domain.ErrStoreUnavailable)
	})
}

func TestSubmitIsIdempotentPerID(t *testing.T) {
	store := repository.NewMemoryStore()
	rec := newRecorder("b")
	c := newCoordinator(store, rec, nil)
	sub := textFrom("a", "b", "hi")
	sub.ID = "dup"

	first := c.Submit(context.Background(), sub)
	second := c.Submit(context.Background(), sub)
	require.True(t, first.Success)
	require.True(t, second.Success)
	assert.Equal(t, domain.StatusSent, second.Status)
	assert.Len(t, rec.to("b"), 1)

	hijack := textFrom("mallory", "b", "hi")
	hijack.ID = "dup"
	ack := c.Submit(context.Background(), hijack)
	assert.False(t, ack.Success)
	assert.ErrorIs(t, ack.Err, domain.ErrValidation)
}

func TestMarkRead(t *testing.T) {
	store := repository.NewMemoryStore()
	rec := newRecorder("a", "b")
	c := newCoordinator(store, rec, nil)
	ctx := context.Background()

	ack := c.Submit(ctx, textFrom("a", "b", "hi"))
	require.True(t, ack.Success)

	require.NoError(t, c.MarkRead(ctx, "b", ack.MessageID))
	require.NoError(t, c.MarkRead(ctx, "b", ack.MessageID))

	m, _ := store.FindByID(ctx, ack.MessageID)
	assert.Equal(t, domain.StatusSeen, m.Status)

	notices := rec.to("a")
	require.Len(t, notices, 1, "second mark-read must not notify again")
	assert.Equal(t, EventReadNotice, notices[0].event)
	assert.Equal(t, ReadNotice{ID: ack.MessageID, Status: domain.StatusSeen}, notices[0].payload)
}

func TestMarkReadEdgeCases(t *testing.T) {
	store := repository.NewMemoryStore()
	rec := newRecorder("a", "b")
	c := newCoordinator(store, rec, nil)
	ctx := context.Background()

	assert.NoError(t, c.MarkRead(ctx, "b", "does-not-exist"))
	assert.ErrorIs(t, c.MarkRead(ctx, "b", ""), domain.ErrValidation)

	ack := c.Submit(ctx, textFrom("a", "b", "hi"))
	require.True(t, ack.Success)

	err := c.MarkRead(ctx, "a", ack.MessageID)
	assert.ErrorIs(t, err, domain.ErrForbidden)
	m, _ := store.FindByID(ctx, ack.MessageID)
	assert.Equal(t, domain.StatusSent, m.Status)

	// anonymous reader skips the recipient check
	require.NoError(t, c.MarkRead(ctx, "", ack.MessageID))
	m, _ = store.FindByID(ctx, ack.MessageID)
	assert.Equal(t, domain.StatusSeen, m.Status)
}

func TestMarkAllRead(t *testing.T) {
	store := repository.NewMemoryStore()
	rec := newRecorder("a@x.com")
	c := newCoordinator(store, rec, nil)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		ack := c.Submit(ctx, textFrom("a@x.com", "b@x.com", fmt.Sprintf("msg %d", i)))
		require.True(t, ack.Success)
		ids = append(ids, ack.MessageID)
	}
	// a message in the other direction stays untouched
	reply := c.Submit(ctx, textFrom("b@x.com", "a@x.com", "reply"))
	require.True(t, reply.Success)
	// one already seen is not re-counted
	require.NoError(t, c.MarkRead(ctx, "b@x.com", ids[0]))
	before := len(rec.to("a@x.com"))

	updated, err := c.MarkAllRead(ctx, "b@x.com", "a@x.com")
	require.NoError(t, err)
	require.Len(t, updated, 2)

	got := rec.to("a@x.com")
	require.Len(t, got, before+1)
	last := got[len(got)-1]
	assert.Equal(t, EventAllReadNotice, last.event)
	list := last.payload.([]*domain.Message)
	require.Len(t, list, 2)
	for _, m := range list {
		assert.Equal(t, domain.StatusSeen, m.Status)
	}

	r, _ := store.FindByID(ctx, reply.MessageID)
	assert.Equal(t, domain.StatusSent, r.Status)

	again, err := c.MarkAllRead(ctx, "b@x.com", "a@x.com")
	require.NoError(t, err)
	assert.Empty(t, again)
	assert.Len(t, rec.to("a@x.com"), before+1, "nothing to report, nothing pushed")

	_, err = c.MarkAllRead(ctx, "", "a@x.com")
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestStatusNeverRegresses(t *testing.T) {
	store := repository.NewMemoryStore()
	c := newCoordinator(store, newRecorder("a", "b"), nil)
	ctx := context.Background()

	sub := textFrom("a", "b", "hi")
	sub.ID = "m1"
	require.True(t, c.Submit(ctx, sub).Success)
	require.NoError(t, c.MarkRead(ctx, "b", "m1"))

	ack := c.Submit(ctx, sub)
	require.True(t, ack.Success)
	assert.Equal(t, domain.StatusSeen, ack.Status)

	m, _ := store.FindByID(ctx, "m1")
	assert.Equal(t, domain.StatusSeen, m.Status)
}
