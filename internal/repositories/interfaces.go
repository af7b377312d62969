package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/werkstatt-flow/api/internal/domain"
)

var (
	// ErrInvoiceAlreadyAttached is returned when an order already carries an invoice.
	ErrInvoiceAlreadyAttached = errors.New("repositories: invoice already attached")
	// ErrInvoiceMissing is returned by payment updates on orders without an invoice.
	ErrInvoiceMissing = errors.New("repositories: order has no invoice")
	// ErrOverlappingEntries rejects a mutation that writes and deletes the same
	// serviceStatuses key.
	ErrOverlappingEntries = errors.New("repositories: status entry both written and deleted")
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Partners() PartnerRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// IsNotFound reports whether err is a RepositoryError for a missing record.
func IsNotFound(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

// IsConflict reports whether err is a RepositoryError for a concurrent write.
func IsConflict(err error) bool {
	var repoErr RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// OrderRepository persists repair orders. Status mutations only go through
// RunStatusTransaction.
type OrderRepository interface {
	// RunStatusTransaction executes fn as one atomic unit. All reads through tx
	// must happen before the first write. A concurrent modification surfaces as
	// a RepositoryError with IsConflict; fn is not retried by the repository.
	RunStatusTransaction(ctx context.Context, fn func(ctx context.Context, tx OrderTx) error) error
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.RawOrder, error)
	// AttachInvoice stores the invoice unless the order already has one, in
	// which case ErrInvoiceAlreadyAttached is returned.
	AttachInvoice(ctx context.Context, orderID string, invoice domain.Invoice, bonusPartnerID string) error
	// MarkInvoicePaid only touches the payment fields. Paying an already paid
	// invoice returns it unchanged.
	MarkInvoicePaid(ctx context.Context, orderID string, paidAt time.Time, paidBy string) (domain.Invoice, error)
	// ListInvoicePending returns up to limit pending orders ordered by id,
	// starting after the order id in after. An empty after starts at the top.
	ListInvoicePending(ctx context.Context, after string, limit int) ([]domain.RawOrder, error)
	ListInvoicesByPeriod(ctx context.Context, period string) ([]domain.RawOrder, error)
}

// OrderTx is the transactional view handed to RunStatusTransaction callbacks.
type OrderTx interface {
	GetOrder(ctx context.Context, orderID string) (domain.RawOrder, error)
	// GetPartnerRequest returns false when the linked record does not exist.
	GetPartnerRequest(ctx context.Context, requestID string) (domain.PartnerRequest, bool, error)
	Apply(ctx context.Context, mutation OrderMutation) error
}

// OrderMutation describes every field written by one status transaction.
type OrderMutation struct {
	OrderID string
	// PrimaryService and AdditionalServices are always rewritten with the
	// healed values read in the same transaction.
	PrimaryService     domain.ServiceType
	AdditionalServices []domain.ServiceType
	// SetEntries replaces whole serviceStatuses entries (migrations, new services).
	SetEntries    map[domain.ServiceType]domain.ServiceStatusEntry
	DeleteEntries []domain.ServiceType
	Change        *StatusChange
	// PrimaryStatus mirrors the primary service status into both legacy flat
	// fields, status and prozessStatus.
	PrimaryStatus  string
	CompletedAt    *time.Time
	InvoicePending *bool
	ModifiedAt     time.Time
	Partner        *PartnerMutation
}

// CheckEntries reports an ErrOverlappingEntries when a deleted entry is also
// set or changed by m.
func (m OrderMutation) CheckEntries() error {
	for _, service := range m.DeleteEntries {
		if _, set := m.SetEntries[service]; set {
			return fmt.Errorf("%w: %s", ErrOverlappingEntries, service)
		}
		if m.Change != nil && m.Change.Service == service {
			return fmt.Errorf("%w: %s", ErrOverlappingEntries, service)
		}
	}
	return nil
}

// StatusChange sets one service status and appends its history record.
type StatusChange struct {
	Service domain.ServiceType
	Status  string
	At      time.Time
	Record  domain.StatusHistoryRecord
}

// PartnerMutation mirrors a status change into the linked partner record.
type PartnerMutation struct {
	RequestID     string
	Status        string
	ProcessStatus string
	Record        domain.PartnerStatusRecord
	ModifiedAt    time.Time
}

// PartnerRepository reads partner account terms.
type PartnerRepository interface {
	FindDiscount(ctx context.Context, partnerID string) (domain.PartnerDiscount, error)
}

// CounterRepository provides transaction-safe, period-scoped sequence numbers.
type CounterRepository interface {
	// NextInPeriod increments the counter, restarting at 1 when the stored
	// period differs from year/month.
	NextInPeriod(ctx context.Context, counterID string, year, month int) (domain.Counter, error)
	Get(ctx context.Context, counterID string) (domain.Counter, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
