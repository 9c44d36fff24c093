package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fathima-sithara/realtime-service/internal/domain"
	"github.com/fathima-sithara/realtime-service/internal/metric"
	"github.com/fathima-sithara/realtime-service/internal/repository"
)

// Server push event names.
const (
	EventReceivePrefix = "receive:"
	EventReadNotice    = "read_notice"
	EventAllReadNotice = "all_read_notice"
)

// ReceiveEvent names the push a recipient gets for a message of kind k.
func ReceiveEvent(k domain.Kind) string { return EventReceivePrefix + string(k) }

// Notifier pushes events to an identity's live connection, if any.
type Notifier interface {
	Push(identity, event string, payload any) bool
}

// Publisher streams delivery events to downstream consumers.
type Publisher interface {
	PublishDelivery(ctx context.Context, ev domain.DeliveryEvent) error
}

// ReadNotice tells a sender that one of its messages reached a new status.
type ReadNotice struct {
	ID     string        `json:"id"`
	Status domain.Status `json:"status"`
}

// Ack is the outcome of a client request, returned to the originator.
type Ack struct {
	Success   bool
	Status    domain.Status
	MessageID string
	Count     int
	Err       error
}

func failed(err error) Ack { return Ack{Success: false, Err: err} }

type Options struct {
	// OpTimeout bounds every individual store call. Zero disables it.
	OpTimeout time.Duration
	Publisher Publisher
	Now       func() time.Time
}

// Coordinator drives the PENDING -> SENT -> SEEN lifecycle.
type Coordinator struct {
	store     repository.MessageStore
	notifier  Notifier
	publisher Publisher
	timeout   time.Duration
	now       func() time.Time
	log       *zap.SugaredLogger
}

func NewCoordinator(store repository.MessageStore, notifier Notifier, log *zap.SugaredLogger, opts Options) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Coordinator{
		store:     store,
		notifier:  notifier,
		publisher: opts.Publisher,
		timeout:   opts.OpTimeout,
		now:       opts.Now,
		log:       log,
	}
}

// Submit persists a message, promotes it to SENT and pushes it to the
// recipient when registered. The returned Ack reflects persistence only;
// the push outcome never affects it.
func (c *Coordinator) Submit(ctx context.Context, sub Submission) Ack {
	msg, err := sub.build(c.now())
	if err != nil {
		metric.Submissions.WithLabelValues(string(sub.Kind), "invalid").Inc()
		return failed(err)
	}
	kind := string(msg.Kind())

	created, err := c.insert(ctx, msg)
	if err != nil {
		c.log.Warnw("submit: insert failed", "id", msg.ID, "err", err)
		metric.Submissions.WithLabelValues(kind, "store_error").Inc()
		return failed(err)
	}
	if !created {
		stored, err := c.find(ctx, msg.ID)
		if err != nil {
			metric.Submissions.WithLabelValues(kind, "store_error").Inc()
			return failed(err)
		}
		if stored.Sender != msg.Sender || stored.Recipient != msg.Recipient {
			metric.Submissions.WithLabelValues(kind, "invalid").Inc()
			return failed(fmt.Errorf("%w: message id %q already in use", domain.ErrValidation, msg.ID))
		}
		if stored.Status != domain.StatusPending {
			metric.Submissions.WithLabelValues(kind, "duplicate").Inc()
			return Ack{Success: true, Status: stored.Status, MessageID: stored.ID}
		}
		// a previous attempt stopped before promotion; resume there
	}

	sent, changed, err := c.advance(ctx, msg.ID, domain.StatusSent)
	if err != nil {
		c.log.Warnw("submit: promote failed", "id", msg.ID, "err", err)
		metric.Submissions.WithLabelValues(kind, "store_error").Inc()
		return failed(err)
	}
	metric.Submissions.WithLabelValues(kind, "accepted").Inc()
	if !changed {
		// someone else promoted it and owns the push
		return Ack{Success: true, Status: sent.Status, MessageID: sent.ID}
	}
	metric.Transitions.WithLabelValues(string(domain.StatusSent)).Inc()

	c.push(sent.Recipient, ReceiveEvent(sent.Kind()), sent)
	c.publish(ctx, domain.EventMessageSent, sent)
	return Ack{Success: true, Status: domain.StatusSent, MessageID: sent.ID}
}

// MarkRead moves a message to SEEN on behalf of reader and notifies its
// sender. An empty reader skips the recipient check. Unknown ids and
// messages already SEEN are no-ops.
func (c *Coordinator) MarkRead(ctx context.Context, reader, id string) error {
	if id == "" {
		return fmt.Errorf("%w: id is required", domain.ErrValidation)
	}
	m, err := c.find(ctx, id)
	if errors.Is(err, domain.ErrUnknownMessage) {
		c.log.Debugw("mark read: unknown message", "id", id)
		return nil
	}
	if err != nil {
		return err
	}
	if reader != "" && reader != m.Recipient {
		return fmt.Errorf("%w: %s is not the recipient of %s", domain.ErrForbidden, reader, id)
	}
	if !m.Status.CanAdvance(domain.StatusSeen) {
		return nil
	}

	seen, changed, err := c.advance(ctx, id, domain.StatusSeen)
	if errors.Is(err, domain.ErrUnknownMessage) {
		return nil
	}
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	metric.Transitions.WithLabelValues(string(domain.StatusSeen)).Inc()
	c.push(seen.Sender, EventReadNotice, ReadNotice{ID: seen.ID, Status: seen.Status})
	c.publish(ctx, domain.EventMessageSeen, seen)
	return nil
}

// MarkAllRead flips every unseen message from counterpart to me to SEEN and
// sends the flipped list to counterpart. It returns the flipped messages.
func (c *Coordinator) MarkAllRead(ctx context.Context, me, counterpart string) ([]*domain.Message, error) {
	if me == "" || counterpart == "" {
		return nil, fmt.Errorf("%w: me and counterpart are required", domain.ErrValidation)
	}
	var updated []*domain.Message
	err := c.withTimeout(ctx, "mark_all_seen", func(ctx context.Context) error {
		var err error
		updated, err = c.store.MarkAllSeen(ctx, me, counterpart)
		return err
	})
	if err != nil {
		c.log.Warnw("mark all read failed", "me", me, "counterpart", counterpart, "err", err)
		return nil, err
	}
	if len(updated) == 0 {
		return updated, nil
	}
	metric.Transitions.WithLabelValues(string(domain.StatusSeen)).Add(float64(len(updated)))
	c.push(counterpart, EventAllReadNotice, updated)
	for _, m := range updated {
		c.publish(ctx, domain.EventMessageSeen, m)
	}
	return updated, nil
}

func (c *Coordinator) push(identity, event string, payload any) {
	ok := c.notifier.Push(identity, event, payload)
	metric.Pushes.WithLabelValues(event, metric.Bool(ok)).Inc()
}

func (c *Coordinator) publish(ctx context.Context, typ string, m *domain.Message) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishDelivery(ctx, domain.NewDeliveryEvent(typ, m, c.now())); err != nil {
		c.log.Warnw("publish delivery event failed", "type", typ, "id", m.ID, "err", err)
	}
}

func (c *Coordinator) insert(ctx context.Context, m *domain.Message) (bool, error) {
	var created bool
	err := c.withTimeout(ctx, "insert", func(ctx context.Context) error {
		var err error
		created, err = c.store.Insert(ctx, m)
		return err
	})
	return created, err
}

func (c *Coordinator) find(ctx context.Context, id string) (*domain.Message, error) {
	var m *domain.Message
	err := c.withTimeout(ctx, "find", func(ctx context.Context) error {
		var err error
		m, err = c.store.FindByID(ctx, id)
		return err
	})
	return m, err
}

func (c *Coordinator) advance(ctx context.Context, id string, to domain.Status) (*domain.Message, bool, error) {
	var (
		m       *domain.Message
		changed bool
	)
	err := c.withTimeout(ctx, "advance_status", func(ctx context.Context) error {
		var err error
		m, changed, err = c.store.AdvanceStatus(ctx, id, to)
		return err
	})
	return m, changed, err
}

// withTimeout runs fn under the per-operation deadline. A deadline hit is
// reported as the store being unavailable.
func (c *Coordinator) withTimeout(ctx context.Context, op string, fn func(context.Context) error) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	metric.StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil && errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, domain.ErrStoreUnavailable) {
		return fmt.Errorf("%w: %s: %v", domain.ErrStoreUnavailable, op, err)
	}
	return err
}
