package services

import (
	"context"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/werkstatt-flow/api/internal/domain"
)

// StatusService orchestrates every write to an order's multi-service state.
type StatusService interface {
	Apply(ctx context.Context, cmd ApplyStatusCommand) (ApplyStatusResult, error)
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderView, error)
	AddService(ctx context.Context, cmd ServiceChangeCommand) (OrderView, error)
	RemoveService(ctx context.Context, cmd ServiceChangeCommand) (OrderView, error)
	GetOrder(ctx context.Context, orderID string) (OrderView, error)
}

// InvoiceService covers invoice operations outside the status transition path.
type InvoiceService interface {
	GenerateInvoice(ctx context.Context, orderID string, actor domain.Actor) (domain.Invoice, error)
	MarkInvoicePaid(ctx context.Context, orderID string, actor domain.Actor) (domain.Invoice, error)
	ReconcilePendingInvoices(ctx context.Context, limit int) (ReconcileReport, error)
}

// InvoiceExporter renders the monthly invoice workbook for the tax advisor.
type InvoiceExporter interface {
	ExportMonth(ctx context.Context, year int, month time.Month, w io.Writer) (int, error)
}

// SystemService exposes readiness information.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}

// EventPublisher emits order events after a committed mutation.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.OrderEvent) error
}

// Metrics receives engine counters. Implementations must be safe for concurrent use.
type Metrics interface {
	Transition(service, outcome string)
	Conflict(operation string)
	Invoice(outcome string)
	CounterRetry()
}

// Logger is the structured event sink used by services.
type Logger func(ctx context.Context, event string, fields map[string]any)

// OverrideRequest asks to force a transition the validator denied.
type OverrideRequest struct {
	Confirmed bool
	Reason    string
}

// ApplyStatusCommand requests one status change. Service may be empty, in
// which case the owner of Status is resolved among the order's services.
type ApplyStatusCommand struct {
	OrderID        string
	Service        string
	Status         string
	ContextService string
	Actor          domain.Actor
	PhotoRef       string
	Note           string
	Override       *OverrideRequest
}

// ApplyStatusResult reports what a committed status change did.
type ApplyStatusResult struct {
	Order    domain.Order
	Service  domain.ServiceType
	Previous string
	Status   string
	// Unchanged is set for identity transitions; nothing but healing was written.
	Unchanged bool
	Override  bool
	Complete  bool
	// BlockedBy lists attached prerequisite services that are not finished yet.
	BlockedBy     []domain.ServiceType
	PartnerSynced bool
	HealIssues    []domain.HealIssue
	// Services is the read model of every attached service after the change.
	Services []ServiceView
	Invoice  *domain.Invoice
	// InvoiceError is set when the order completed but invoicing failed. The
	// status change itself stays committed.
	InvoiceError error
}

// CreateOrderCommand describes an intake.
type CreateOrderCommand struct {
	ID                 string
	PrimaryService     string
	AdditionalServices []string
	LicensePlate       string
	CustomerName       string
	PartnerRequestID   string
	PartnerID          string
	AgreedPrice        *decimal.Decimal
	Actor              domain.Actor
}

// ServiceChangeCommand attaches or detaches an additional service.
type ServiceChangeCommand struct {
	OrderID string
	Service string
	Actor   domain.Actor
}

// ServiceView is the read model of one service on an order.
type ServiceView struct {
	Service   domain.ServiceType
	Label     string
	Primary   bool
	Status    string
	Portal    string
	Position  int
	Steps     []string
	Terminal  bool
	WorkStep  bool
	BlockedBy []domain.ServiceType
	History   []domain.StatusHistoryRecord
}

// OrderView is a healed, fully materialized order for reads.
type OrderView struct {
	Order    domain.Order
	Services []ServiceView
	Complete bool
	Issues   []domain.HealIssue
}

// ReconcileReport summarises one pass over orders waiting for an invoice.
type ReconcileReport struct {
	Scanned  int
	Created  []string
	Skipped  map[string]string
	Failures map[string]string
}
