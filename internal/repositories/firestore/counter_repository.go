package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/werkstatt-flow/api/internal/domain"
	pfirestore "github.com/werkstatt-flow/api/internal/platform/firestore"
	"github.com/werkstatt-flow/api/internal/repositories"
)

const countersCollection = "counters"

type counterDocument struct {
	Year       int       `firestore:"year"`
	Month      int       `firestore:"month"`
	LastNumber int64     `firestore:"lastNumber"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func (d counterDocument) toDomain() domain.Counter {
	return domain.Counter{Year: d.Year, Month: d.Month, LastNumber: d.LastNumber, UpdatedAt: d.UpdatedAt}
}

// CounterRepository implements repositories.CounterRepository backed by Firestore transactions.
type CounterRepository struct {
	provider *pfirestore.Provider
	counters *pfirestore.Collection[counterDocument]
	now      func() time.Time
}

// NewCounterRepository constructs a Firestore-backed counter repository.
func NewCounterRepository(provider *pfirestore.Provider) (*CounterRepository, error) {
	if provider == nil {
		return nil, errors.New("counter repository requires firestore provider")
	}
	return &CounterRepository{
		provider: provider,
		counters: pfirestore.NewCollection(provider, countersCollection, func(snap *firestore.DocumentSnapshot) (counterDocument, error) {
			var doc counterDocument
			err := snap.DataTo(&doc)
			return doc, err
		}),
		now: time.Now,
	}, nil
}

// NextInPeriod reads and writes the counter inside a single-attempt
// transaction. Contention surfaces as a conflict and is retried by the caller.
func (r *CounterRepository) NextInPeriod(ctx context.Context, counterID string, year, month int) (domain.Counter, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return domain.Counter{}, repositories.NewCounterError(repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}

	var next domain.Counter
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, found, err := r.counters.GetTx(ctx, tx, id)
		if err != nil {
			return err
		}
		advanced, err := repositories.AdvanceCounter(current.toDomain(), found, year, month)
		if err != nil {
			return err
		}
		advanced.UpdatedAt = r.now().UTC()

		ref, err := r.counters.Ref(ctx, id)
		if err != nil {
			return err
		}
		if err := tx.Set(ref, counterDocument{
			Year:       advanced.Year,
			Month:      advanced.Month,
			LastNumber: advanced.LastNumber,
			UpdatedAt:  advanced.UpdatedAt,
		}); err != nil {
			return err
		}
		next = advanced
		return nil
	}, pfirestore.WithTxAttempts(1))
	if err != nil {
		var counterErr *repositories.CounterError
		if errors.As(err, &counterErr) {
			return domain.Counter{}, counterErr
		}
		return domain.Counter{}, pfirestore.WrapError("counters.next_in_period", err)
	}
	return next, nil
}

func (r *CounterRepository) Get(ctx context.Context, counterID string) (domain.Counter, error) {
	doc, err := r.counters.Get(ctx, strings.TrimSpace(counterID))
	if err != nil {
		return domain.Counter{}, err
	}
	return doc.toDomain(), nil
}
