package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// MemoryStore keeps messages in process memory. It backs tests.
type MemoryStore struct {
	mu    sync.RWMutex
	byID  map[string]*domain.Message
	order []string // insertion order
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]*domain.Message)}
}

func (s *MemoryStore) Insert(ctx context.Context, m *domain.Message) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.ID]; ok {
		return false, nil
	}
	s.byID[m.ID] = m.Clone()
	s.order = append(s.order, m.ID)
	return true, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, id string) (*domain.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrUnknownMessage
	}
	return m.Clone(), nil
}

func (s *MemoryStore) AdvanceStatus(ctx context.Context, id string, to domain.Status) (*domain.Message, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, false, domain.ErrUnknownMessage
	}
	if !m.Status.CanAdvance(to) {
		return m.Clone(), false, nil
	}
	m.Status = to
	return m.Clone(), true, nil
}

func (s *MemoryStore) MarkAllSeen(ctx context.Context, recipient, sender string) ([]*domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*domain.Message{}
	for _, id := range s.order {
		m := s.byID[id]
		if m.Recipient != recipient || m.Sender != sender {
			continue
		}
		if !m.Status.CanAdvance(domain.StatusSeen) {
			continue
		}
		m.Status = domain.StatusSeen
		out = append(out, m.Clone())
	}
	sortByCreated(out)
	return out, nil
}

func (s *MemoryStore) Conversation(ctx context.Context, q ConversationQuery) ([]*domain.Message, error) {
	s.mu.RLock()
	msgs := []*domain.Message{}
	for _, id := range s.order {
		if m := s.byID[id]; q.matches(m) {
			msgs = append(msgs, m.Clone())
		}
	}
	s.mu.RUnlock()

	sortByCreated(msgs)
	// keep the latest `limit` entries, oldest first
	if limit := int(q.limit()); len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (s *MemoryStore) HideFor(ctx context.Context, id, identity string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, domain.ErrUnknownMessage
	}
	if !m.Involves(identity) {
		return nil, fmt.Errorf("%w: %s is not a party to message %s", domain.ErrForbidden, identity, id)
	}
	m.HiddenFor = m.HiddenAfter(identity)
	return m.Clone(), nil
}

func sortByCreated(msgs []*domain.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
	})
}
