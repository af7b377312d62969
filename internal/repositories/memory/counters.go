package memory

import (
	"context"
	"strings"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/repositories"
)

type counterRepository Store

func (r *counterRepository) NextInPeriod(ctx context.Context, counterID string, year, month int) (domain.Counter, error) {
	if err := ctx.Err(); err != nil {
		return domain.Counter{}, err
	}
	id := strings.TrimSpace(counterID)
	if id == "" {
		return domain.Counter{}, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.counters[id]
	next, err := repositories.AdvanceCounter(current, exists, year, month)
	if err != nil {
		return domain.Counter{}, err
	}
	next.UpdatedAt = s.now().UTC()
	s.counters[id] = next
	return next, nil
}

func (r *counterRepository) Get(_ context.Context, counterID string) (domain.Counter, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return domain.Counter{}, &Error{Op: "counter_get", Kind: kindNotFound, ID: counterID}
	}
	return counter, nil
}

// SetCounter seeds a counter state.
func (s *Store) SetCounter(counterID string, counter domain.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counterID] = counter
}

type partnerRepository Store

func (r *partnerRepository) FindDiscount(_ context.Context, partnerID string) (domain.PartnerDiscount, error) {
	s := (*Store)(r)
	s.mu.Lock()
	defer s.mu.Unlock()
	discount, ok := s.partners[partnerID]
	if !ok {
		return domain.PartnerDiscount{}, &Error{Op: "partner_get", Kind: kindNotFound, ID: partnerID}
	}
	return discount, nil
}
