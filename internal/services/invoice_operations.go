package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/repositories"
)

// GenerateInvoice invoices a finished order manually, e.g. after automatic
// invoicing failed. Orders that already carry an invoice are rejected.
func (u *StatusUpdater) GenerateInvoice(ctx context.Context, orderID string, actor domain.Actor) (domain.Invoice, error) {
	view, err := u.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Invoice{}, err
	}
	if view.Order.Invoice != nil {
		return domain.Invoice{}, fmt.Errorf("%w: %s", ErrInvoiceExists, view.Order.Invoice.Number)
	}
	if !view.Complete {
		return domain.Invoice{}, fmt.Errorf("%w: %s", ErrOrderIncomplete, orderID)
	}
	if _, ok := view.Order.Quote.Gross(); !ok {
		return domain.Invoice{}, fmt.Errorf("%w: %s", ErrNoQuote, orderID)
	}
	invoice, err := u.issueInvoice(ctx, view.Order, u.actor(ctx, actor))
	if err != nil {
		return domain.Invoice{}, err
	}
	if invoice == nil {
		return domain.Invoice{}, fmt.Errorf("%w: %s", ErrNoQuote, orderID)
	}
	return *invoice, nil
}

// MarkInvoicePaid records the payment. Only payment fields change.
func (u *StatusUpdater) MarkInvoicePaid(ctx context.Context, orderID string, actor domain.Actor) (domain.Invoice, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Invoice{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	actor = u.actor(ctx, actor)
	paidAt := u.clock()
	invoice, err := u.orders.MarkInvoicePaid(ctx, orderID, paidAt, actor.ID)
	if err != nil {
		if errors.Is(err, repositories.ErrInvoiceMissing) {
			return domain.Invoice{}, fmt.Errorf("%w: %s", ErrInvoiceMissing, orderID)
		}
		return domain.Invoice{}, u.translate(err)
	}
	// An already paid invoice comes back with its original payment fields.
	if invoice.PaidAt != nil && invoice.PaidAt.Equal(paidAt) && invoice.PaidBy == actor.ID {
		u.publish(ctx, domain.OrderEvent{Type: domain.EventInvoicePaid, OrderID: orderID, InvoiceNo: invoice.Number, ActorID: actor.ID, OccurredAt: *invoice.PaidAt})
	}
	return invoice, nil
}

// ReconcilePendingInvoices invoices completed orders whose automatic
// invoicing did not finish. It is driven by the scheduler. Pending orders are
// paged by id; skipped orders do not count against limit, which bounds the
// invoices issued or failed in one run.
func (u *StatusUpdater) ReconcilePendingInvoices(ctx context.Context, limit int) (ReconcileReport, error) {
	if limit <= 0 {
		limit = defaultReconcileLimit
	}
	report := ReconcileReport{Skipped: map[string]string{}, Failures: map[string]string{}}
	attempted := 0
	after := ""
	for attempted < limit {
		pending, err := u.orders.ListInvoicePending(ctx, after, limit)
		if err != nil {
			return report, u.translate(err)
		}
		for _, raw := range pending {
			if err := ctx.Err(); err != nil {
				return report, err
			}
			if attempted >= limit {
				break
			}
			after = raw.ID
			report.Scanned++
			healed := u.store.SelfHeal(raw)
			order := healed.Order
			u.store.Materialize(&order)
			switch {
			case order.Invoice != nil:
				report.Skipped[order.ID] = "invoice_exists"
				continue
			case !u.gate.IsComplete(order):
				report.Skipped[order.ID] = "incomplete"
				continue
			}
			invoice, err := u.issueInvoice(ctx, order, domain.SystemActor)
			switch {
			case err != nil:
				attempted++
				report.Failures[order.ID] = err.Error()
			case invoice == nil:
				report.Skipped[order.ID] = "no_quote"
			default:
				attempted++
				report.Created = append(report.Created, invoice.Number)
			}
		}
		if len(pending) < limit {
			break
		}
	}
	u.logger(ctx, "invoice.reconciled", map[string]any{
		"scanned": report.Scanned, "created": len(report.Created), "skipped": len(report.Skipped), "failed": len(report.Failures),
	})
	return report, nil
}
