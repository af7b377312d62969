package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/werkstatt-flow/api/internal/domain"
	pfirestore "github.com/werkstatt-flow/api/internal/platform/firestore"
	"github.com/werkstatt-flow/api/internal/repositories"
)

const (
	ordersCollection          = "fahrzeuge"
	partnerRequestsCollection = "partnerAnfragen"
	partnersCollection        = "partners"
)

// OrderRepository implements repositories.OrderRepository on the fahrzeuge collection.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.Collection[domain.RawOrder]
	requests *pfirestore.Collection[domain.PartnerRequest]
	partners *pfirestore.Collection[domain.PartnerDiscount]
}

func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders: pfirestore.NewCollection(provider, ordersCollection, func(snap *firestore.DocumentSnapshot) (domain.RawOrder, error) {
			return decodeOrder(snap.Ref.ID, snap.Data())
		}),
		requests: pfirestore.NewCollection(provider, partnerRequestsCollection, func(snap *firestore.DocumentSnapshot) (domain.PartnerRequest, error) {
			return decodePartnerRequest(snap.Ref.ID, snap.Data()), nil
		}),
		partners: pfirestore.NewCollection(provider, partnersCollection, func(snap *firestore.DocumentSnapshot) (domain.PartnerDiscount, error) {
			return decodePartnerDiscount(snap.Ref.ID, snap.Data()), nil
		}),
	}, nil
}

// RunStatusTransaction runs fn in a single-attempt Firestore transaction. An
// aborted commit surfaces as a conflict so the caller can re-run its closure
// with its own backoff.
func (r *OrderRepository) RunStatusTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.OrderTx) error) error {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &orderTx{repo: r, tx: tx})
	}, pfirestore.WithTxAttempts(1))
	if err != nil {
		return pfirestore.WrapError("fahrzeuge.status_tx", err)
	}
	return nil
}

type orderTx struct {
	repo *OrderRepository
	tx   *firestore.Transaction
}

func (t *orderTx) GetOrder(ctx context.Context, orderID string) (domain.RawOrder, error) {
	order, found, err := t.repo.orders.GetTx(ctx, t.tx, orderID)
	if err != nil {
		return domain.RawOrder{}, err
	}
	if !found {
		return domain.RawOrder{}, pfirestore.NewError("fahrzeuge.tx_get", pfirestore.KindNotFound, fmt.Errorf("order %s not found", orderID))
	}
	return order, nil
}

func (t *orderTx) GetPartnerRequest(ctx context.Context, requestID string) (domain.PartnerRequest, bool, error) {
	if strings.TrimSpace(requestID) == "" {
		return domain.PartnerRequest{}, false, nil
	}
	return t.repo.requests.GetTx(ctx, t.tx, requestID)
}

func (t *orderTx) Apply(ctx context.Context, m repositories.OrderMutation) error {
	if err := m.CheckEntries(); err != nil {
		return err
	}
	ref, err := t.repo.orders.Ref(ctx, m.OrderID)
	if err != nil {
		return err
	}
	modified := m.ModifiedAt
	if modified.IsZero() {
		modified = time.Now()
	}
	if err := t.tx.Update(ref, orderUpdates(m, modified.UTC())); err != nil {
		return pfirestore.WrapError("fahrzeuge.tx_update", err)
	}

	if m.Partner == nil {
		return nil
	}
	partnerRef, err := t.repo.requests.Ref(ctx, m.Partner.RequestID)
	if err != nil {
		return err
	}
	partnerModified := m.Partner.ModifiedAt
	if partnerModified.IsZero() {
		partnerModified = modified
	}
	err = t.tx.Update(partnerRef, []firestore.Update{
		{Path: fieldStatus, Value: m.Partner.Status},
		{Path: fieldProcessStatus, Value: m.Partner.ProcessStatus},
		{Path: fieldLastModified, Value: partnerModified.UTC()},
		{Path: fieldStatusHistory, Value: firestore.ArrayUnion(encodePartnerRecord(m.Partner.Record))},
	})
	return pfirestore.WrapError("partnerAnfragen.tx_update", err)
}

// orderUpdates builds the field paths for one mutation checked with
// CheckEntries. A status change on a service whose entry is rewritten as a
// whole is folded into that entry.
func orderUpdates(m repositories.OrderMutation, modified time.Time) []firestore.Update {
	updates := []firestore.Update{
		{Path: fieldPrimaryService, Value: string(m.PrimaryService)},
		{Path: fieldAdditional, Value: encodeServices(m.AdditionalServices)},
		{Path: fieldLastModified, Value: modified},
	}

	changeFolded := false
	for service, entry := range m.SetEntries {
		if m.Change != nil && m.Change.Service == service {
			entry.Status = m.Change.Status
			entry.Timestamp = m.Change.At
			entry.History = append(append([]domain.StatusHistoryRecord(nil), entry.History...), m.Change.Record)
			changeFolded = true
		}
		updates = append(updates, firestore.Update{
			FieldPath: firestore.FieldPath{fieldServiceStatuses, string(service)},
			Value:     encodeEntry(entry),
		})
	}
	for _, service := range m.DeleteEntries {
		updates = append(updates, firestore.Update{
			FieldPath: firestore.FieldPath{fieldServiceStatuses, string(service)},
			Value:     firestore.Delete,
		})
	}
	if m.Change != nil && !changeFolded {
		base := firestore.FieldPath{fieldServiceStatuses, string(m.Change.Service)}
		updates = append(updates,
			firestore.Update{FieldPath: append(base[:2:2], "status"), Value: m.Change.Status},
			firestore.Update{FieldPath: append(base[:2:2], "timestamp"), Value: m.Change.At.UTC()},
			firestore.Update{FieldPath: append(base[:2:2], "history"), Value: firestore.ArrayUnion(encodeHistoryRecord(m.Change.Record))},
		)
	}
	if m.PrimaryStatus != "" {
		updates = append(updates,
			firestore.Update{Path: fieldStatus, Value: m.PrimaryStatus},
			firestore.Update{Path: fieldProcessStatus, Value: m.PrimaryStatus},
		)
	}
	if m.CompletedAt != nil {
		updates = append(updates, firestore.Update{Path: fieldCompletedAt, Value: m.CompletedAt.UTC()})
	}
	if m.InvoicePending != nil {
		updates = append(updates, firestore.Update{Path: fieldInvoicePending, Value: *m.InvoicePending})
	}
	return updates
}

// Insert creates a new order document. An existing id is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	ref, err := r.orders.Ref(ctx, order.ID)
	if err != nil {
		return err
	}
	_, err = ref.Create(ctx, encodeOrder(order))
	return pfirestore.WrapError("fahrzeuge.insert", err)
}

func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.RawOrder, error) {
	return r.orders.Get(ctx, orderID)
}

// AttachInvoice writes the invoice and clears the pending flag in one
// transaction guarded by invoice absence. A non-empty bonusPartnerID marks
// that partner's one-time bonus as redeemed in the same transaction.
func (r *OrderRepository) AttachInvoice(ctx context.Context, orderID string, invoice domain.Invoice, bonusPartnerID string) error {
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, found, err := r.orders.GetTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !found {
			return pfirestore.NewError("fahrzeuge.attach_invoice", pfirestore.KindNotFound, fmt.Errorf("order %s not found", orderID))
		}
		if current.Invoice != nil {
			return repositories.ErrInvoiceAlreadyAttached
		}
		ref, err := r.orders.Ref(ctx, orderID)
		if err != nil {
			return err
		}
		if err := tx.Update(ref, []firestore.Update{
			{Path: fieldInvoice, Value: encodeInvoice(invoice)},
			{Path: fieldInvoicePending, Value: false},
			{Path: fieldLastModified, Value: invoice.CreatedAt.UTC()},
		}); err != nil {
			return err
		}
		if bonusPartnerID == "" {
			return nil
		}
		partnerRef, err := r.partners.Ref(ctx, bonusPartnerID)
		if err != nil {
			return err
		}
		return tx.Set(partnerRef, map[string]any{"bonusEingeloest": true}, firestore.MergeAll)
	})
	if errors.Is(err, repositories.ErrInvoiceAlreadyAttached) {
		return repositories.ErrInvoiceAlreadyAttached
	}
	return pfirestore.WrapError("fahrzeuge.attach_invoice", err)
}

func (r *OrderRepository) MarkInvoicePaid(ctx context.Context, orderID string, paidAt time.Time, paidBy string) (domain.Invoice, error) {
	var result domain.Invoice
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		current, found, err := r.orders.GetTx(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if !found {
			return pfirestore.NewError("fahrzeuge.mark_paid", pfirestore.KindNotFound, fmt.Errorf("order %s not found", orderID))
		}
		if current.Invoice == nil {
			return repositories.ErrInvoiceMissing
		}
		result = *current.Invoice
		if result.PaymentStatus == domain.PaymentPaid {
			return nil
		}
		paid := paidAt.UTC()
		result.PaymentStatus = domain.PaymentPaid
		result.PaidAt = &paid
		result.PaidBy = paidBy

		ref, err := r.orders.Ref(ctx, orderID)
		if err != nil {
			return err
		}
		return tx.Update(ref, []firestore.Update{
			{Path: fieldInvoice + ".status", Value: invoiceStatusPaid},
			{Path: fieldInvoice + ".bezahltAm", Value: paid},
			{Path: fieldInvoice + ".bezahltVon", Value: paidBy},
			{Path: fieldLastModified, Value: paid},
		})
	})
	if errors.Is(err, repositories.ErrInvoiceMissing) {
		return domain.Invoice{}, repositories.ErrInvoiceMissing
	}
	if err != nil {
		return domain.Invoice{}, pfirestore.WrapError("fahrzeuge.mark_paid", err)
	}
	return result, nil
}

func (r *OrderRepository) ListInvoicePending(ctx context.Context, after string, limit int) ([]domain.RawOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		q = q.Where(fieldInvoicePending, "==", true).OrderBy(firestore.DocumentID, firestore.Asc)
		if after != "" {
			q = q.StartAfter(after)
		}
		return q.Limit(limit)
	})
}

func (r *OrderRepository) ListInvoicesByPeriod(ctx context.Context, period string) ([]domain.RawOrder, error) {
	return r.orders.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where(invoicePeriodPath, "==", period).OrderBy(fieldInvoice+".rechnungsnummer", firestore.Asc)
	})
}

// PartnerRepository implements repositories.PartnerRepository on the partners collection.
type PartnerRepository struct {
	partners *pfirestore.Collection[domain.PartnerDiscount]
}

func NewPartnerRepository(provider *pfirestore.Provider) (*PartnerRepository, error) {
	if provider == nil {
		return nil, errors.New("partner repository requires firestore provider")
	}
	return &PartnerRepository{
		partners: pfirestore.NewCollection(provider, partnersCollection, func(snap *firestore.DocumentSnapshot) (domain.PartnerDiscount, error) {
			return decodePartnerDiscount(snap.Ref.ID, snap.Data()), nil
		}),
	}, nil
}

func (r *PartnerRepository) FindDiscount(ctx context.Context, partnerID string) (domain.PartnerDiscount, error) {
	return r.partners.Get(ctx, partnerID)
}
