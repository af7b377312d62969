// Package memory provides process-local repositories used by tests, the CLI
// and the API's --memory mode. They keep stored shapes the way the Firestore
// codec decodes them so healing paths behave identically.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/repositories"
)

// ErrorKind classifies memory repository failures.
type ErrorKind int

const (
	kindNotFound ErrorKind = iota + 1
	kindConflict
)

// Error implements repositories.RepositoryError.
type Error struct {
	Op   string
	Kind ErrorKind
	ID   string
}

func (e *Error) Error() string {
	switch e.Kind {
	case kindNotFound:
		return fmt.Sprintf("memory: %s %s: not found", e.Op, e.ID)
	case kindConflict:
		return fmt.Sprintf("memory: %s %s: concurrent modification", e.Op, e.ID)
	}
	return fmt.Sprintf("memory: %s %s", e.Op, e.ID)
}

func (e *Error) IsNotFound() bool    { return e.Kind == kindNotFound }
func (e *Error) IsConflict() bool    { return e.Kind == kindConflict }
func (e *Error) IsUnavailable() bool { return false }

type storedOrder struct {
	raw     domain.RawOrder
	version int64
}

// Store is a Registry backed by maps guarded by one mutex.
type Store struct {
	mu       sync.Mutex
	orders   map[string]*storedOrder
	requests map[string]domain.PartnerRequest
	partners map[string]domain.PartnerDiscount
	counters map[string]domain.Counter
	now      func() time.Time

	// beforeCommit runs between the reads and the commit of a status
	// transaction. Tests use it to inject concurrent writers.
	beforeCommit func(orderID string)
}

var _ repositories.Registry = (*Store)(nil)

// Option customises a Store.
type Option func(*Store)

// WithClock injects the clock used for counter timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithBeforeCommit installs a hook that runs after a status transaction's
// reads and before its commit.
func WithBeforeCommit(hook func(orderID string)) Option {
	return func(s *Store) {
		s.beforeCommit = hook
	}
}

func NewStore(opts ...Option) *Store {
	s := &Store{
		orders:   make(map[string]*storedOrder),
		requests: make(map[string]domain.PartnerRequest),
		partners: make(map[string]domain.PartnerDiscount),
		counters: make(map[string]domain.Counter),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *Store) Close(context.Context) error { return nil }

func (s *Store) Orders() repositories.OrderRepository     { return (*orderRepository)(s) }
func (s *Store) Partners() repositories.PartnerRepository { return (*partnerRepository)(s) }
func (s *Store) Counters() repositories.CounterRepository { return (*counterRepository)(s) }

func (s *Store) Health() repositories.HealthRepository {
	repo, _ := repositories.NewProbeHealthRepository([]repositories.Probe{{
		Name:  "memory",
		Check: func(context.Context) error { return nil },
	}}, repositories.WithProbeClock(s.now))
	return repo
}

// PutRaw stores a record in its raw shape, replacing any existing one.
func (s *Store) PutRaw(raw domain.RawOrder) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[raw.ID]
	version := int64(1)
	if ok {
		version = current.version + 1
	}
	s.orders[raw.ID] = &storedOrder{raw: cloneRaw(raw), version: version}
}

// PutPartnerRequest stores a partner portal record.
func (s *Store) PutPartnerRequest(req domain.PartnerRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req.History = append([]domain.PartnerStatusRecord(nil), req.History...)
	s.requests[req.ID] = req
}

// PartnerRequest returns a copy of the stored partner record.
func (s *Store) PartnerRequest(id string) (domain.PartnerRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	req.History = append([]domain.PartnerStatusRecord(nil), req.History...)
	return req, ok
}

// PutPartner stores partner account terms.
func (s *Store) PutPartner(discount domain.PartnerDiscount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.partners[discount.PartnerID] = discount
}

// Snapshot returns every stored order in raw form.
func (s *Store) Snapshot() []domain.RawOrder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.RawOrder, 0, len(s.orders))
	for _, stored := range s.orders {
		out = append(out, cloneRaw(stored.raw))
	}
	return out
}

// RawFromOrder converts a canonical order into the shape the codec would read back.
func RawFromOrder(order domain.Order) domain.RawOrder {
	raw := domain.RawOrder{Order: order.Clone()}
	values := make([]string, 0, len(order.AdditionalServices))
	for _, service := range order.AdditionalServices {
		values = append(values, string(service))
	}
	raw.RawAdditional = domain.RawServiceList{Kind: domain.RawListArray, Values: values}
	raw.AdditionalServices = nil
	if len(order.ServiceStatuses) > 0 {
		raw.RawStatuses = make(map[string]domain.RawStatusEntry, len(order.ServiceStatuses))
		for service, entry := range order.ServiceStatuses {
			raw.RawStatuses[string(service)] = domain.RawStatusEntry{
				Kind:      domain.RawEntryObject,
				Status:    entry.Status,
				Timestamp: entry.Timestamp,
				History:   append([]domain.StatusHistoryRecord(nil), entry.History...),
			}
		}
	}
	raw.ServiceStatuses = nil
	return raw
}

func cloneRaw(raw domain.RawOrder) domain.RawOrder {
	out := raw
	out.Order = raw.Order.Clone()
	out.RawAdditional.Values = append([]string(nil), raw.RawAdditional.Values...)
	if raw.RawStatuses != nil {
		out.RawStatuses = make(map[string]domain.RawStatusEntry, len(raw.RawStatuses))
		for key, entry := range raw.RawStatuses {
			entry.History = append([]domain.StatusHistoryRecord(nil), entry.History...)
			out.RawStatuses[key] = entry
		}
	}
	return out
}
