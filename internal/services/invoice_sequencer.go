package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/platform/observability"
	"github.com/werkstatt-flow/api/internal/repositories"
)

const (
	defaultInvoicePrefix      = "RE"
	defaultInvoiceCounterID   = "invoices"
	defaultCounterAttempts    = 6
	defaultPaymentTerms       = 14 * 24 * time.Hour
	invoiceSequenceWidth      = 4
	defaultCounterBackoffInit = 25 * time.Millisecond
	defaultCounterBackoffMax  = time.Second
	defaultWorkshopLocation   = "Europe/Berlin"
)

var defaultVATRate = decimal.NewFromInt(19)

// InvoiceSequencerDeps bundles collaborators required to construct an invoice sequencer.
type InvoiceSequencerDeps struct {
	Counters     repositories.CounterRepository
	Partners     repositories.PartnerRepository
	Clock        func() time.Time
	Prefix       string
	CounterID    string
	MaxAttempts  int
	Backoff      gax.Backoff
	VATRate      decimal.Decimal
	PaymentTerms time.Duration
	// Location decides which calendar month an invoice belongs to.
	// Defaults to Europe/Berlin.
	Location *time.Location
	Metrics  Metrics
	Logger   Logger
}

// InvoiceSequencer allocates invoice numbers and prices completed orders.
type InvoiceSequencer struct {
	counters    repositories.CounterRepository
	partners    repositories.PartnerRepository
	clock       func() time.Time
	prefix      string
	counterID   string
	maxAttempts int
	backoff     gax.Backoff
	vatRate     decimal.Decimal
	terms       time.Duration
	location    *time.Location
	metrics     Metrics
	logger      Logger
}

func NewInvoiceSequencer(deps InvoiceSequencerDeps) (*InvoiceSequencer, error) {
	if deps.Counters == nil {
		return nil, errors.New("invoice sequencer: counter repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	seq := &InvoiceSequencer{
		counters:    deps.Counters,
		partners:    deps.Partners,
		clock:       func() time.Time { return clock().UTC() },
		prefix:      strings.TrimSpace(deps.Prefix),
		counterID:   strings.TrimSpace(deps.CounterID),
		maxAttempts: deps.MaxAttempts,
		backoff:     deps.Backoff,
		vatRate:     deps.VATRate,
		terms:       deps.PaymentTerms,
		location:    deps.Location,
		metrics:     deps.Metrics,
		logger:      deps.Logger,
	}
	if seq.prefix == "" {
		seq.prefix = defaultInvoicePrefix
	}
	if seq.counterID == "" {
		seq.counterID = defaultInvoiceCounterID
	}
	if seq.maxAttempts <= 0 {
		seq.maxAttempts = defaultCounterAttempts
	}
	if seq.backoff.Initial <= 0 {
		seq.backoff.Initial = defaultCounterBackoffInit
	}
	if seq.backoff.Max <= 0 {
		seq.backoff.Max = defaultCounterBackoffMax
	}
	if seq.backoff.Multiplier <= 1 {
		seq.backoff.Multiplier = 2
	}
	if seq.vatRate.IsZero() {
		seq.vatRate = defaultVATRate
	}
	if seq.terms <= 0 {
		seq.terms = defaultPaymentTerms
	}
	if seq.location == nil {
		loc, err := time.LoadLocation(defaultWorkshopLocation)
		if err != nil {
			return nil, fmt.Errorf("invoice sequencer: load location: %w", err)
		}
		seq.location = loc
	}
	if seq.metrics == nil {
		seq.metrics = noopMetrics{}
	}
	if seq.logger == nil {
		seq.logger = func(context.Context, string, map[string]any) {}
	}
	return seq, nil
}

// FormatInvoiceNumber renders PREFIX-YYYY-MM-NNNN. Sequences above 9999 widen the last group.
func FormatInvoiceNumber(prefix string, year int, month time.Month, seq int64) string {
	return fmt.Sprintf("%s-%04d-%02d-%0*d", prefix, year, int(month), invoiceSequenceWidth, seq)
}

// Allocate reserves the next invoice number of the current month.
func (s *InvoiceSequencer) Allocate(ctx context.Context) (string, error) {
	return s.AllocateAt(ctx, s.clock())
}

// AllocateAt reserves the next number of the workshop month containing at. Counter
// conflicts are retried with exponential backoff; exhausting the attempts
// yields ErrCounterAllocationExhausted.
func (s *InvoiceSequencer) AllocateAt(ctx context.Context, at time.Time) (string, error) {
	ctx, span := observability.Tracer().Start(ctx, "InvoiceSequencer.Allocate")
	defer span.End()

	local := at.In(s.location)
	bo := s.backoff
	for attempt := 1; ; attempt++ {
		counter, err := s.counters.NextInPeriod(ctx, s.counterID, local.Year(), int(local.Month()))
		if err == nil {
			number := FormatInvoiceNumber(s.prefix, counter.Year, time.Month(counter.Month), counter.LastNumber)
			span.SetAttributes(attribute.String("invoice.number", number), attribute.Int("invoice.attempts", attempt))
			return number, nil
		}
		if !repositories.IsConflict(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, "counter allocation failed")
			return "", fmt.Errorf("allocate invoice number: %w", err)
		}
		s.metrics.Conflict("invoice_counter")
		if attempt >= s.maxAttempts {
			span.SetStatus(codes.Error, "counter allocation exhausted")
			return "", fmt.Errorf("%w: %d attempts: %v", ErrCounterAllocationExhausted, attempt, err)
		}
		s.metrics.CounterRetry()
		s.logger(ctx, "invoice.counter_retry", map[string]any{"attempt": attempt, "counterId": s.counterID})
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return "", err
		}
	}
}

// PriceOrder computes the invoice amounts of order as of now. ok is false
// when the order has no positive quote; no invoice is fabricated then.
func (s *InvoiceSequencer) PriceOrder(ctx context.Context, order domain.Order) (domain.Invoice, bool, error) {
	return s.priceAt(ctx, order, s.clock())
}

func (s *InvoiceSequencer) priceAt(ctx context.Context, order domain.Order, now time.Time) (domain.Invoice, bool, error) {
	gross, ok := order.Quote.Gross()
	if !ok {
		return domain.Invoice{}, false, nil
	}

	percent, fixed := decimal.Zero, decimal.Zero
	if order.PartnerID != "" && s.partners != nil {
		discount, err := s.partners.FindDiscount(ctx, order.PartnerID)
		switch {
		case err == nil:
			if discount.Percent.IsPositive() {
				percent = discount.Percent
			}
			if !discount.BonusRedeemed && discount.BonusFixed.IsPositive() {
				fixed = discount.BonusFixed
			}
		case repositories.IsNotFound(err):
			s.logger(ctx, "invoice.partner_missing", map[string]any{"orderId": order.ID, "partnerId": order.PartnerID})
		default:
			return domain.Invoice{}, false, fmt.Errorf("load partner discount: %w", err)
		}
	}

	local := now.In(s.location)
	amount := ApplyDiscount(gross, percent, fixed)
	net := gross.Sub(amount)
	vat := IncludedVAT(net, s.vatRate)

	return domain.Invoice{
		Period:          fmt.Sprintf("%04d-%02d", local.Year(), int(local.Month())),
		GrossAmount:     gross,
		DiscountPercent: percent,
		DiscountFixed:   fixed,
		DiscountAmount:  amount,
		NetAmount:       net,
		VATRate:         s.vatRate,
		VATAmount:       vat,
		BonusRedeemed:   fixed.IsPositive(),
		PaymentStatus:   domain.PaymentOpen,
		DueDate:         now.Add(s.terms),
		CreatedAt:       now,
	}, true, nil
}

// Generate prices order and allocates its number. The number is only
// allocated for orders that can be priced.
func (s *InvoiceSequencer) Generate(ctx context.Context, order domain.Order, actor domain.Actor) (domain.Invoice, bool, error) {
	now := s.clock()
	invoice, ok, err := s.priceAt(ctx, order, now)
	if err != nil || !ok {
		return domain.Invoice{}, ok, err
	}
	number, err := s.AllocateAt(ctx, now)
	if err != nil {
		return domain.Invoice{}, false, err
	}
	invoice.Number = number
	invoice.CreatedBy = actorOrSystem(actor).ID
	return invoice, true, nil
}

// ApplyDiscount returns min(gross, percent/100*gross + fixed) rounded to cents.
func ApplyDiscount(gross, percent, fixed decimal.Decimal) decimal.Decimal {
	if !gross.IsPositive() {
		return decimal.Zero
	}
	discount := gross.Mul(percent).Div(decimal.NewFromInt(100)).Add(fixed).Round(2)
	if discount.IsNegative() {
		return decimal.Zero
	}
	if discount.GreaterThan(gross) {
		return gross
	}
	return discount
}

// IncludedVAT extracts the VAT contained in a gross amount at rate percent.
func IncludedVAT(amount, rate decimal.Decimal) decimal.Decimal {
	if !amount.IsPositive() || !rate.IsPositive() {
		return decimal.Zero
	}
	divisor := decimal.NewFromInt(1).Add(rate.Div(decimal.NewFromInt(100)))
	return amount.Sub(amount.Div(divisor)).Round(2)
}

type noopMetrics struct{}

func (noopMetrics) Transition(string, string) {}
func (noopMetrics) Conflict(string)           {}
func (noopMetrics) Invoice(string)            {}
func (noopMetrics) CounterRetry()             {}

func actorOrSystem(actor domain.Actor) domain.Actor {
	if actor.IsZero() {
		return domain.SystemActor
	}
	return actor
}
