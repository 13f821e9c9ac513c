package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/minicommerce/orders/internal/order"
)

// InMemoryStore mirrors the Postgres semantics without a database. It backs
// unit tests and local runs of the relay and consumer.
type InMemoryStore struct {
	mu      sync.Mutex
	orders  map[string]order.Order
	outbox  map[string]*OutboxEvent
	inbound map[string]*InboundEvent
	nextSeq int64
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		orders:  make(map[string]order.Order),
		outbox:  make(map[string]*OutboxEvent),
		inbound: make(map[string]*InboundEvent),
	}
}

func (s *InMemoryStore) insertOutboxLocked(orderID string, evt OutboxEvent) {
	s.nextSeq++
	evt.Seq = s.nextSeq
	evt.OrderID = orderID
	evt.Status = OutboxPending
	evt.NextRetryAt = time.Now()
	evt.CreatedAt = time.Now()
	s.outbox[evt.EventID] = &evt
}

func (s *InMemoryStore) CreateOrder(ctx context.Context, o order.Order, evt OutboxEvent) (order.Order, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	o.Version = 1
	o.CreatedAt = now
	o.UpdatedAt = now
	s.orders[o.ID] = o
	s.insertOutboxLocked(o.ID, evt)
	return o, nil
}

func (s *InMemoryStore) GetOrder(ctx context.Context, id string) (order.Order, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (s *InMemoryStore) ListOrders(ctx context.Context, status order.Status, limit, offset int) ([]order.Order, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	var all []order.Order
	for _, o := range s.orders {
		if status == "" || o.Status == status {
			all = append(all, o)
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}

func (s *InMemoryStore) ApplyTransition(ctx context.Context, t Transition) (int64, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[t.OrderID]
	if !ok {
		return 0, order.ErrNotFound
	}
	if o.Version != t.ExpectedVersion {
		return 0, order.ErrVersionConflict
	}

	o.Status = t.Next
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	s.orders[t.OrderID] = o

	for _, evt := range t.Events {
		s.insertOutboxLocked(t.OrderID, evt)
	}

	if t.InboundEventID != "" {
		if rec, ok := s.inbound[t.InboundEventID]; ok {
			now := time.Now().UTC()
			rec.Status = InboundApplied
			rec.AppliedAt = &now
			rec.LastError = ""
		}
	}
	return o.Version, nil
}

func (s *InMemoryStore) ClaimUnpublished(ctx context.Context, limit int) ([]OutboxEvent, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	now := time.Now()

	var due []*OutboxEvent
	for _, e := range s.outbox {
		if e.Status != OutboxPending || e.NextRetryAt.After(now) {
			continue
		}
		if s.earlierBlockedLocked(e, now) {
			continue
		}
		due = append(due, e)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Seq < due[j].Seq })
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]OutboxEvent, 0, len(due))
	for _, e := range due {
		e.Status = OutboxProcessing
		e.Attempts++
		out = append(out, *e)
	}
	return out, nil
}

// earlierBlockedLocked reports whether an earlier row for the same order is
// unsent and not claimable right now. Due pending predecessors do not block:
// they sort ahead of e in the same seq-ordered batch.
func (s *InMemoryStore) earlierBlockedLocked(e *OutboxEvent, now time.Time) bool {
	for _, p := range s.outbox {
		if p.OrderID != e.OrderID || p.Seq >= e.Seq || p.Status == OutboxSent {
			continue
		}
		if p.Status == OutboxPending && !p.NextRetryAt.After(now) {
			continue
		}
		return true
	}
	return false
}

func (s *InMemoryStore) MarkPublished(ctx context.Context, eventID string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbox[eventID]
	if !ok {
		return order.ErrNotFound
	}
	if e.Status == OutboxSent {
		return nil
	}
	now := time.Now().UTC()
	e.Status = OutboxSent
	e.SentAt = &now
	e.LastError = ""
	return nil
}

func (s *InMemoryStore) ReschedulePublish(ctx context.Context, eventID string, nextRetryAt time.Time, lastErr string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.outbox[eventID]; ok {
		e.Status = OutboxPending
		e.NextRetryAt = nextRetryAt
		e.LastError = lastErr
	}
	return nil
}

func (s *InMemoryStore) ReleaseEvent(ctx context.Context, eventID string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.outbox[eventID]; ok && e.Status == OutboxProcessing {
		e.Status = OutboxPending
		if e.Attempts > 0 {
			e.Attempts--
		}
		e.NextRetryAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) Quarantine(ctx context.Context, eventID, reason string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.outbox[eventID]; ok {
		e.Status = OutboxFailed
		e.LastError = reason
	}
	return nil
}

func (s *InMemoryStore) RequeueStuck(ctx context.Context, timeout time.Duration) (int64, error) {
	_ = ctx
	_ = timeout
	// Claims and marks are synchronous in memory; nothing can get stuck.
	return 0, nil
}

func (s *InMemoryStore) RequeueFailed(ctx context.Context) (int64, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, e := range s.outbox {
		if e.Status == OutboxFailed {
			e.Status = OutboxPending
			e.NextRetryAt = time.Now()
			e.Attempts = 0
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) RequeueEvent(ctx context.Context, eventID string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.outbox[eventID]
	if !ok || e.Status != OutboxFailed {
		return order.ErrNotFound
	}
	e.Status = OutboxPending
	e.NextRetryAt = time.Now()
	e.Attempts = 0
	return nil
}

func (s *InMemoryStore) Stats(ctx context.Context) (OutboxStats, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	var st OutboxStats
	var oldest time.Time
	for _, e := range s.outbox {
		switch e.Status {
		case OutboxPending, OutboxProcessing:
			st.Pending++
			if e.Status == OutboxPending && (oldest.IsZero() || e.CreatedAt.Before(oldest)) {
				oldest = e.CreatedAt
			}
		case OutboxFailed:
			st.Failed++
		}
	}
	if !oldest.IsZero() {
		st.OldestPendingAge = time.Since(oldest)
	}
	return st, nil
}

func (s *InMemoryStore) BeginInbound(ctx context.Context, rec InboundEvent) (bool, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.inbound[rec.EventID]; ok {
		existing.Attempts++
		return existing.Status != InboundApplied, nil
	}

	rec.Status = InboundProcessing
	rec.Attempts = 1
	rec.FirstSeenAt = time.Now().UTC()
	s.inbound[rec.EventID] = &rec
	return true, nil
}

func (s *InMemoryStore) MarkInboundFailed(ctx context.Context, eventID, reason string) error {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.inbound[eventID]; ok {
		rec.Status = InboundFailed
		rec.LastError = reason
	}
	return nil
}

func (s *InMemoryStore) GetInbound(ctx context.Context, eventID string) (InboundEvent, error) {
	_ = ctx

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.inbound[eventID]
	if !ok {
		return InboundEvent{}, order.ErrNotFound
	}
	return *rec, nil
}
