package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/googleapis/gax-go/v2"
	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/platform/observability"
	"github.com/werkstatt-flow/api/internal/platform/requestctx"
	"github.com/werkstatt-flow/api/internal/repositories"
	"github.com/werkstatt-flow/api/internal/workflow"
)

const (
	defaultStatusAttempts    = 5
	defaultStatusBackoffInit = 50 * time.Millisecond
	defaultStatusBackoffMax  = 2 * time.Second
	maxNoteLength            = 500
	defaultReconcileLimit    = 50
)

// StatusUpdaterDeps bundles collaborators required to construct a status updater.
type StatusUpdaterDeps struct {
	Orders      repositories.OrderRepository
	Resolver    *workflow.Resolver
	Store       *StatusStore
	Gate        *CompletionGate
	Sequencer   *InvoiceSequencer
	Events      EventPublisher
	Metrics     Metrics
	Clock       func() time.Time
	IDGenerator func() string
	MaxAttempts int
	Backoff     gax.Backoff
	// InvoicingDisabled stops automatic invoicing after completion. Orders are
	// still flagged as pending so reconciliation can pick them up.
	InvoicingDisabled bool
	Logger            Logger
}

// StatusUpdater applies status changes and service edits transactionally.
type StatusUpdater struct {
	orders      repositories.OrderRepository
	resolver    *workflow.Resolver
	validator   *workflow.Validator
	store       *StatusStore
	gate        *CompletionGate
	sequencer   *InvoiceSequencer
	events      EventPublisher
	metrics     Metrics
	clock       func() time.Time
	newID       func() string
	maxAttempts int
	backoff     gax.Backoff
	invoicing   bool
	policy      *bluemonday.Policy
	logger      Logger
}

var (
	_ StatusService  = (*StatusUpdater)(nil)
	_ InvoiceService = (*StatusUpdater)(nil)
)

func NewStatusUpdater(deps StatusUpdaterDeps) (*StatusUpdater, error) {
	if deps.Orders == nil {
		return nil, errors.New("status updater: order repository is required")
	}
	if deps.Resolver == nil {
		return nil, errors.New("status updater: resolver is required")
	}
	if deps.Sequencer == nil {
		return nil, errors.New("status updater: invoice sequencer is required")
	}
	validator, err := workflow.NewValidator(deps.Resolver)
	if err != nil {
		return nil, err
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	store := deps.Store
	if store == nil {
		store, err = NewStatusStore(deps.Resolver, clock)
		if err != nil {
			return nil, err
		}
	}
	gate := deps.Gate
	if gate == nil {
		gate, _ = NewCompletionGate(store)
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	attempts := deps.MaxAttempts
	if attempts <= 0 {
		attempts = defaultStatusAttempts
	}
	backoff := deps.Backoff
	if backoff.Initial <= 0 {
		backoff.Initial = defaultStatusBackoffInit
	}
	if backoff.Max <= 0 {
		backoff.Max = defaultStatusBackoffMax
	}
	if backoff.Multiplier <= 1 {
		backoff.Multiplier = 2
	}

	return &StatusUpdater{
		orders:      deps.Orders,
		resolver:    deps.Resolver,
		validator:   validator,
		store:       store,
		gate:        gate,
		sequencer:   deps.Sequencer,
		events:      deps.Events,
		metrics:     metrics,
		clock:       func() time.Time { return clock().UTC() },
		newID:       idGen,
		maxAttempts: attempts,
		backoff:     backoff,
		invoicing:   !deps.InvoicingDisabled,
		policy:      bluemonday.StrictPolicy(),
		logger:      logger,
	}, nil
}

// Apply validates and commits one status change. See ApplyStatusCommand.
func (u *StatusUpdater) Apply(ctx context.Context, cmd ApplyStatusCommand) (ApplyStatusResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return ApplyStatusResult{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	if strings.TrimSpace(cmd.Status) == "" {
		return ApplyStatusResult{}, fmt.Errorf("%w: status is required", ErrInvalidInput)
	}
	actor := u.actor(ctx, cmd.Actor)
	note := u.sanitize(cmd.Note)
	var override *OverrideRequest
	if cmd.Override != nil {
		override = &OverrideRequest{Confirmed: cmd.Override.Confirmed, Reason: u.sanitize(cmd.Override.Reason)}
	}

	ctx, span := observability.Tracer().Start(ctx, "StatusUpdater.Apply")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("status.target", cmd.Status))

	var result ApplyStatusResult
	var justCompleted bool
	err := u.withRetry(ctx, "status", func(ctx context.Context) error {
		result = ApplyStatusResult{}
		justCompleted = false
		return u.orders.RunStatusTransaction(ctx, func(ctx context.Context, tx repositories.OrderTx) error {
			raw, err := tx.GetOrder(ctx, orderID)
			if err != nil {
				return err
			}
			var partner *domain.PartnerRequest
			if raw.PartnerRequestID != "" {
				req, found, err := tx.GetPartnerRequest(ctx, raw.PartnerRequestID)
				if err != nil {
					return err
				}
				if found {
					partner = &req
				}
			}

			healed := u.store.SelfHeal(raw)
			order := healed.Order
			result.HealIssues = healed.Issues

			service, err := u.targetService(order, cmd)
			if err != nil {
				return err
			}
			setEntries := copyEntries(healed.Rewrite)
			for _, created := range u.store.Materialize(&order) {
				setEntries[created] = order.ServiceStatuses[created]
			}
			current, _ := u.store.StatusOf(&order, service)

			contextService := service
			if cs, ok := u.resolver.NormalizeService(cmd.ContextService); ok {
				contextService = cs
			}
			decision := u.validator.ValidateInContext(service, current, cmd.Status, contextService)
			if !decision.Allowed {
				if err := u.checkOverride(service, decision, actor, override); err != nil {
					return err
				}
				result.Override = true
			}

			result.Service = service
			result.Previous = current
			result.Status = decision.To
			base := repositories.OrderMutation{
				OrderID:            order.ID,
				PrimaryService:     order.PrimaryService,
				AdditionalServices: order.AdditionalServices,
				SetEntries:         setEntries,
				DeleteEntries:      pruneDeletes(healed.Delete, setEntries),
			}

			if decision.Allowed && decision.From == decision.To {
				result.Unchanged = true
				result.Order = order
				result.Complete = u.gate.IsComplete(order)
				if !healed.Changed() && len(setEntries) == 0 {
					return nil
				}
				base.ModifiedAt = u.clock()
				return tx.Apply(ctx, base)
			}

			now := u.clock()
			record := domain.StatusHistoryRecord{
				ID:             u.newID(),
				Status:         decision.To,
				PreviousStatus: current,
				Timestamp:      now,
				ActorID:        actor.ID,
				ActorName:      actor.DisplayName,
				ActorRole:      actor.Role,
				PhotoRef:       strings.TrimSpace(cmd.PhotoRef),
				Note:           note,
			}
			if result.Override {
				record.Override = true
				record.OverrideReason = override.Reason
			}

			entry := order.ServiceStatuses[service]
			entry.Status = decision.To
			entry.Timestamp = now
			entry.History = append(append([]domain.StatusHistoryRecord(nil), entry.History...), record)
			order.ServiceStatuses[service] = entry
			order.LastModified = now

			mutation := base
			mutation.Change = &repositories.StatusChange{Service: service, Status: decision.To, At: now, Record: record}
			mutation.ModifiedAt = now
			if service == order.PrimaryService {
				order.LegacyStatus = decision.To
				order.LegacyProcessStatus = decision.To
				mutation.PrimaryStatus = decision.To
			}

			result.Complete = u.gate.IsComplete(order)
			if result.Complete {
				if order.CompletedAt == nil {
					order.CompletedAt = &now
					mutation.CompletedAt = &now
					justCompleted = true
				}
				if order.Invoice == nil && !order.InvoicePending {
					pending := true
					order.InvoicePending = true
					mutation.InvoicePending = &pending
				}
			}

			if partner != nil {
				if mirror, ok := u.partnerMirror(*partner, order, service, decision.To, actor, now); ok {
					mutation.Partner = &mirror
					result.PartnerSynced = true
				} else {
					u.logger(ctx, "partner.sync_skipped", map[string]any{
						"orderId": order.ID, "partnerRequestId": partner.ID, "reason": "service_mismatch",
					})
				}
			} else if order.PartnerRequestID != "" {
				u.logger(ctx, "partner.sync_skipped", map[string]any{
					"orderId": order.ID, "partnerRequestId": order.PartnerRequestID, "reason": "missing",
				})
			}

			result.BlockedBy = workflow.QueueBlockers(service, u.statusLookup(order))
			result.Order = order
			return tx.Apply(ctx, mutation)
		})
	})
	if err != nil {
		u.recordDenial(ctx, err, orderID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "status change failed")
		return ApplyStatusResult{}, u.translate(err)
	}

	u.logIssues(ctx, orderID, result.HealIssues)
	result.Services = u.view(result.Order, nil).Services
	if result.Unchanged {
		return result, nil
	}

	outcome := "applied"
	if result.Override {
		outcome = "override"
		u.logger(ctx, "status.override", map[string]any{
			"orderId": orderID, "service": string(result.Service), "from": result.Previous,
			"to": result.Status, "actorId": actor.ID, "reason": override.Reason,
		})
	}
	u.metrics.Transition(string(result.Service), outcome)
	span.SetAttributes(attribute.String("status.service", string(result.Service)), attribute.Bool("status.override", result.Override))

	u.publish(ctx, domain.OrderEvent{
		Type: domain.EventStatusChanged, OrderID: orderID, Service: result.Service, Status: result.Status,
		Previous: result.Previous, ActorID: actor.ID, Override: result.Override, OccurredAt: result.Order.LastModified,
	})
	if justCompleted {
		u.publish(ctx, domain.OrderEvent{Type: domain.EventOrderCompleted, OrderID: orderID, ActorID: actor.ID, OccurredAt: result.Order.LastModified})
	}

	if result.Complete && result.Order.Invoice == nil && u.invoicing {
		invoice, err := u.issueInvoice(ctx, result.Order, actor)
		if err != nil {
			result.InvoiceError = err
		} else if invoice != nil {
			result.Invoice = invoice
			result.Order.Invoice = invoice
			result.Order.InvoicePending = false
		}
	}
	return result, nil
}

func (u *StatusUpdater) targetService(order domain.Order, cmd ApplyStatusCommand) (domain.ServiceType, error) {
	if strings.TrimSpace(cmd.Service) != "" {
		service, ok := u.resolver.NormalizeService(cmd.Service)
		if !ok {
			return "", fmt.Errorf("%w: %q", workflow.ErrUnknownService, cmd.Service)
		}
		if !order.HasService(service) {
			return "", fmt.Errorf("%w: %s", ErrServiceNotAttached, service)
		}
		return service, nil
	}
	contextService, _ := u.resolver.NormalizeService(cmd.ContextService)
	if service, ok := u.resolver.ResolveService(cmd.Status, contextService, order.Services()...); ok {
		return service, nil
	}
	return order.PrimaryService, nil
}

// checkOverride returns nil only for a confirmed override of a policy denial
// by a privileged actor. Invalid statuses and unknown services stay denied.
func (u *StatusUpdater) checkOverride(service domain.ServiceType, decision workflow.Decision, actor domain.Actor, override *OverrideRequest) error {
	denied := decision.Err(service)
	if override == nil || !decision.Kind.Overridable() {
		return denied
	}
	if !actor.CanOverride {
		return fmt.Errorf("%w: %w", ErrOverrideNotPermitted, denied)
	}
	if !override.Confirmed || override.Reason == "" {
		return fmt.Errorf("%w: confirmation and reason are required: %w", ErrOverrideNotConfirmed, denied)
	}
	return nil
}

// partnerMirror maps the change onto the partner record when the record
// tracks the changed service. Records without a service tag follow the primary.
func (u *StatusUpdater) partnerMirror(req domain.PartnerRequest, order domain.Order, service domain.ServiceType, status string, actor domain.Actor, now time.Time) (repositories.PartnerMutation, bool) {
	tracked := order.PrimaryService
	if req.ServiceType != "" {
		if normalized, ok := u.resolver.NormalizeService(string(req.ServiceType)); ok {
			tracked = normalized
		}
	}
	if tracked != service {
		return repositories.PartnerMutation{}, false
	}
	portal := u.resolver.Catalog().PortalStatus(service, status)
	return repositories.PartnerMutation{
		RequestID:     req.ID,
		Status:        portal,
		ProcessStatus: status,
		Record: domain.PartnerStatusRecord{
			Status:        portal,
			ProcessStatus: status,
			Service:       service,
			Timestamp:     now,
			ActorName:     firstNonBlank(actor.DisplayName, actor.ID),
		},
		ModifiedAt: now,
	}, true
}

// issueInvoice runs allocation and attachment as steps independent of the
// status transaction. A nil invoice with nil error means nothing to invoice.
func (u *StatusUpdater) issueInvoice(ctx context.Context, order domain.Order, actor domain.Actor) (*domain.Invoice, error) {
	invoice, ok, err := u.sequencer.Generate(ctx, order, actor)
	if err != nil {
		u.metrics.Invoice("failed")
		u.logger(ctx, "invoice.failed", map[string]any{"orderId": order.ID, "error": err.Error()})
		return nil, err
	}
	if !ok {
		u.metrics.Invoice("skipped")
		u.logger(ctx, "invoice.skipped", map[string]any{"orderId": order.ID, "reason": "no_quote"})
		return nil, nil
	}
	bonusPartner := ""
	if invoice.BonusRedeemed {
		bonusPartner = order.PartnerID
	}
	if err := u.orders.AttachInvoice(ctx, order.ID, invoice, bonusPartner); err != nil {
		if errors.Is(err, repositories.ErrInvoiceAlreadyAttached) {
			u.metrics.Invoice("duplicate")
			u.logger(ctx, "invoice.duplicate", map[string]any{"orderId": order.ID, "number": invoice.Number})
			return nil, fmt.Errorf("%w: number %s left unused", ErrInvoiceExists, invoice.Number)
		}
		u.metrics.Invoice("failed")
		u.logger(ctx, "invoice.failed", map[string]any{"orderId": order.ID, "number": invoice.Number, "error": err.Error()})
		return nil, fmt.Errorf("attach invoice %s: %w", invoice.Number, err)
	}
	u.metrics.Invoice("created")
	u.logger(ctx, "invoice.created", map[string]any{"orderId": order.ID, "number": invoice.Number, "net": invoice.NetAmount.StringFixed(2)})
	u.publish(ctx, domain.OrderEvent{Type: domain.EventInvoiceCreated, OrderID: order.ID, InvoiceNo: invoice.Number, ActorID: invoice.CreatedBy, OccurredAt: invoice.CreatedAt})
	return &invoice, nil
}

// withRetry re-runs fn from its first read while the repository reports a
// conflict, up to maxAttempts.
func (u *StatusUpdater) withRetry(ctx context.Context, operation string, fn func(context.Context) error) error {
	bo := u.backoff
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !repositories.IsConflict(err) {
			return err
		}
		u.metrics.Conflict(operation)
		if attempt >= u.maxAttempts {
			return fmt.Errorf("%w: %d attempts: %v", ErrWriteConflict, attempt, err)
		}
		u.logger(ctx, "status.conflict_retry", map[string]any{"operation": operation, "attempt": attempt})
		if err := gax.Sleep(ctx, bo.Pause()); err != nil {
			return err
		}
	}
}

func (u *StatusUpdater) translate(err error) error {
	switch {
	case err == nil:
		return nil
	case repositories.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
	case repositories.IsConflict(err):
		return fmt.Errorf("%w: %v", ErrWriteConflict, err)
	}
	return err
}

func (u *StatusUpdater) recordDenial(ctx context.Context, err error, orderID string) {
	var transitionErr *workflow.TransitionError
	if !errors.As(err, &transitionErr) {
		return
	}
	u.metrics.Transition(transitionErr.Service, "denied")
	u.logger(ctx, "status.denied", map[string]any{
		"orderId": orderID, "service": transitionErr.Service, "from": transitionErr.From,
		"to": transitionErr.To, "kind": string(transitionErr.Decision.Kind),
	})
}

func (u *StatusUpdater) logIssues(ctx context.Context, orderID string, issues []domain.HealIssue) {
	for _, issue := range issues {
		u.logger(ctx, "status.heal", map[string]any{
			"orderId": orderID, "kind": string(issue.Kind), "service": issue.Service, "detail": issue.Detail,
		})
	}
}

func (u *StatusUpdater) publish(ctx context.Context, event domain.OrderEvent) {
	if u.events == nil {
		return
	}
	if err := u.events.Publish(ctx, event); err != nil {
		u.logger(ctx, "order.event.publish_failed", map[string]any{"orderId": event.OrderID, "type": event.Type, "error": err.Error()})
	}
}

func (u *StatusUpdater) statusLookup(order domain.Order) func(domain.ServiceType) (string, bool) {
	return func(service domain.ServiceType) (string, bool) {
		if !order.HasService(service) {
			return "", false
		}
		view := order
		status, _ := u.store.StatusOf(&view, service)
		return status, true
	}
}

// actor falls back to the identity carried by ctx and then to the system actor.
func (u *StatusUpdater) actor(ctx context.Context, actor domain.Actor) domain.Actor {
	if !actor.IsZero() {
		return actor
	}
	if fromCtx, ok := requestctx.Actor(ctx); ok && !fromCtx.IsZero() {
		return fromCtx
	}
	return domain.SystemActor
}

func (u *StatusUpdater) sanitize(text string) string {
	cleaned := strings.TrimSpace(u.policy.Sanitize(text))
	if utf8.RuneCountInString(cleaned) <= maxNoteLength {
		return cleaned
	}
	runes := []rune(cleaned)
	return string(runes[:maxNoteLength])
}

// pruneDeletes drops keys that set replaces anyway.
func pruneDeletes(deletes []domain.ServiceType, set map[domain.ServiceType]domain.ServiceStatusEntry) []domain.ServiceType {
	var out []domain.ServiceType
	for _, service := range deletes {
		if _, replaced := set[service]; !replaced {
			out = append(out, service)
		}
	}
	return out
}

func copyEntries(in map[domain.ServiceType]domain.ServiceStatusEntry) map[domain.ServiceType]domain.ServiceStatusEntry {
	out := make(map[domain.ServiceType]domain.ServiceStatusEntry, len(in))
	for service, entry := range in {
		entry.History = append([]domain.StatusHistoryRecord(nil), entry.History...)
		out[service] = entry
	}
	return out
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
