package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ServiceType tags one of the fixed repair categories an order can carry.
type ServiceType string

const (
	ServiceLackier        ServiceType = "lackier"
	ServiceReifen         ServiceType = "reifen"
	ServiceMechanik       ServiceType = "mechanik"
	ServicePflege         ServiceType = "pflege"
	ServiceTuev           ServiceType = "tuev"
	ServiceVersicherung   ServiceType = "versicherung"
	ServiceGlas           ServiceType = "glas"
	ServiceKlima          ServiceType = "klima"
	ServiceDellen         ServiceType = "dellen"
	ServiceFolierung      ServiceType = "folierung"
	ServiceSteinschutz    ServiceType = "steinschutz"
	ServiceWerbebeklebung ServiceType = "werbebeklebung"
)

// Universal status tokens valid for every service.
const (
	StatusNeu        = "neu"
	StatusAngenommen = "angenommen"
	StatusTerminiert = "terminiert"
)

// Terminal status tokens. Any of them marks a service as finished.
const (
	StatusFertig        = "fertig"
	StatusBereit        = "bereit"
	StatusAbholbereit   = "abholbereit"
	StatusAbgeschlossen = "abgeschlossen"
)

// Actor identifies who triggered a change. Used for audit fields only.
type Actor struct {
	ID          string
	DisplayName string
	Role        string
	// CanOverride marks actors allowed to force a denied transition.
	CanOverride bool
}

// SystemActor is recorded when no identity is available.
var SystemActor = Actor{ID: "system", DisplayName: "System", Role: "system"}

// IsZero reports whether the actor carries no identity.
func (a Actor) IsZero() bool {
	return a.ID == "" && a.DisplayName == "" && a.Role == ""
}

// Order is the canonical in-memory shape of one repair order.
type Order struct {
	ID                  string
	PrimaryService      ServiceType
	AdditionalServices  []ServiceType
	LegacyStatus        string
	LegacyProcessStatus string
	LegacyHistory       []StatusHistoryRecord
	ServiceStatuses     map[ServiceType]ServiceStatusEntry
	PartnerRequestID    string
	PartnerID           string
	LicensePlate        string
	CustomerName        string
	Quote               Quote
	Invoice             *Invoice
	InvoicePending      bool
	CompletedAt         *time.Time
	CreatedAt           time.Time
	LastModified        time.Time
}

// Services returns the primary service followed by every additional service.
func (o Order) Services() []ServiceType {
	out := make([]ServiceType, 0, 1+len(o.AdditionalServices))
	if o.PrimaryService != "" {
		out = append(out, o.PrimaryService)
	}
	out = append(out, o.AdditionalServices...)
	return out
}

// HasService reports whether the tag is attached to the order.
func (o Order) HasService(service ServiceType) bool {
	if o.PrimaryService == service {
		return true
	}
	for _, tag := range o.AdditionalServices {
		if tag == service {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so callers can derive views without touching the source.
func (o Order) Clone() Order {
	out := o
	out.AdditionalServices = append([]ServiceType(nil), o.AdditionalServices...)
	out.LegacyHistory = append([]StatusHistoryRecord(nil), o.LegacyHistory...)
	if o.ServiceStatuses != nil {
		out.ServiceStatuses = make(map[ServiceType]ServiceStatusEntry, len(o.ServiceStatuses))
		for key, entry := range o.ServiceStatuses {
			entry.History = append([]StatusHistoryRecord(nil), entry.History...)
			out.ServiceStatuses[key] = entry
		}
	}
	if o.Invoice != nil {
		inv := *o.Invoice
		out.Invoice = &inv
	}
	if o.CompletedAt != nil {
		ts := *o.CompletedAt
		out.CompletedAt = &ts
	}
	return out
}

// ServiceStatusEntry holds the current status of one service and its audit log.
type ServiceStatusEntry struct {
	Status    string
	Timestamp time.Time
	History   []StatusHistoryRecord
}

// StatusHistoryRecord is one append-only audit entry.
type StatusHistoryRecord struct {
	ID             string
	Status         string
	PreviousStatus string
	Timestamp      time.Time
	ActorID        string
	ActorName      string
	ActorRole      string
	PhotoRef       string
	Note           string
	Override       bool
	OverrideReason string
}

// Quote carries the price fields an order may have been quoted with.
type Quote struct {
	AgreedPrice        *decimal.Decimal
	EstimateTotal      *decimal.Decimal
	EstimateGrossTotal *decimal.Decimal
}

// Gross returns the first positive quote in precedence order.
func (q Quote) Gross() (decimal.Decimal, bool) {
	for _, candidate := range []*decimal.Decimal{q.AgreedPrice, q.EstimateTotal, q.EstimateGrossTotal} {
		if candidate != nil && candidate.IsPositive() {
			return *candidate, true
		}
	}
	return decimal.Zero, false
}

// PaymentStatus enumerates invoice payment states.
type PaymentStatus string

const (
	PaymentOpen PaymentStatus = "open"
	PaymentPaid PaymentStatus = "paid"
)

// Invoice is generated once per order when all services are finished.
type Invoice struct {
	Number          string
	Period          string
	GrossAmount     decimal.Decimal
	DiscountPercent decimal.Decimal
	DiscountFixed   decimal.Decimal
	DiscountAmount  decimal.Decimal
	NetAmount       decimal.Decimal
	VATRate         decimal.Decimal
	VATAmount       decimal.Decimal
	BonusRedeemed   bool
	PaymentStatus   PaymentStatus
	DueDate         time.Time
	CreatedAt       time.Time
	CreatedBy       string
	PaidAt          *time.Time
	PaidBy          string
}

// Counter is the sequence record backing invoice numbers.
type Counter struct {
	Year       int
	Month      int
	LastNumber int64
	UpdatedAt  time.Time
}

// PartnerRequest is the partner-portal record linked to an order.
type PartnerRequest struct {
	ID            string
	OrderID       string
	ServiceType   ServiceType
	Status        string
	ProcessStatus string
	History       []PartnerStatusRecord
	LastModified  time.Time
}

// PartnerStatusRecord is one entry of the partner record's own history.
type PartnerStatusRecord struct {
	Status        string
	ProcessStatus string
	Service       ServiceType
	Timestamp     time.Time
	ActorName     string
}

// PartnerDiscount describes the pricing terms of a partner account.
type PartnerDiscount struct {
	PartnerID     string
	Percent       decimal.Decimal
	BonusFixed    decimal.Decimal
	BonusRedeemed bool
}

// Order event types.
const (
	EventOrderCreated   = "order.created"
	EventStatusChanged  = "order.status.changed"
	EventOrderCompleted = "order.completed"
	EventServiceAdded   = "order.service.added"
	EventServiceRemoved = "order.service.removed"
	EventInvoiceCreated = "invoice.created"
	EventInvoicePaid    = "invoice.paid"
)

// OrderEvent is published after committed order mutations.
type OrderEvent struct {
	Type       string
	OrderID    string
	Service    ServiceType
	Status     string
	Previous   string
	InvoiceNo  string
	ActorID    string
	Override   bool
	OccurredAt time.Time
}
