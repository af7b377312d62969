package memory

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/repositories"
)

type orderRepository Store

func (r *orderRepository) store() *Store { return (*Store)(r) }

// RunStatusTransaction buffers the mutation and commits it only when no read
// order changed in between, mirroring an optimistic single-attempt transaction.
func (r *orderRepository) RunStatusTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.OrderTx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s := r.store()
	tx := &orderTx{store: s, read: make(map[string]int64)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if len(tx.mutations) == 0 {
		return nil
	}
	if s.beforeCommit != nil {
		for _, m := range tx.mutations {
			s.beforeCommit(m.OrderID)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, version := range tx.read {
		current, ok := s.orders[id]
		if !ok || current.version != version {
			return &Error{Op: "status_tx", Kind: kindConflict, ID: id}
		}
	}
	for _, m := range tx.mutations {
		stored, ok := s.orders[m.OrderID]
		if !ok {
			return &Error{Op: "status_tx", Kind: kindNotFound, ID: m.OrderID}
		}
		applyMutation(&stored.raw, m)
		stored.version++
		if m.Partner != nil {
			applyPartnerMutation(s.requests, *m.Partner, m.ModifiedAt)
		}
	}
	return nil
}

type orderTx struct {
	store     *Store
	read      map[string]int64
	mutations []repositories.OrderMutation
}

func (t *orderTx) GetOrder(_ context.Context, orderID string) (domain.RawOrder, error) {
	if len(t.mutations) > 0 {
		return domain.RawOrder{}, errors.New("memory: read after write in transaction")
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	stored, ok := t.store.orders[orderID]
	if !ok {
		return domain.RawOrder{}, &Error{Op: "tx_get", Kind: kindNotFound, ID: orderID}
	}
	t.read[orderID] = stored.version
	return cloneRaw(stored.raw), nil
}

func (t *orderTx) GetPartnerRequest(_ context.Context, requestID string) (domain.PartnerRequest, bool, error) {
	if requestID == "" {
		return domain.PartnerRequest{}, false, nil
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	req, ok := t.store.requests[requestID]
	req.History = append([]domain.PartnerStatusRecord(nil), req.History...)
	return req, ok, nil
}

func (t *orderTx) Apply(_ context.Context, m repositories.OrderMutation) error {
	if _, ok := t.read[m.OrderID]; !ok {
		return errors.New("memory: mutation for an order that was not read in this transaction")
	}
	if err := m.CheckEntries(); err != nil {
		return err
	}
	t.mutations = append(t.mutations, m)
	return nil
}

func applyMutation(raw *domain.RawOrder, m repositories.OrderMutation) {
	raw.PrimaryService = m.PrimaryService
	values := make([]string, 0, len(m.AdditionalServices))
	for _, service := range m.AdditionalServices {
		values = append(values, string(service))
	}
	raw.RawAdditional = domain.RawServiceList{Kind: domain.RawListArray, Values: values}
	if raw.RawStatuses == nil {
		raw.RawStatuses = make(map[string]domain.RawStatusEntry)
	}
	for service, entry := range m.SetEntries {
		raw.RawStatuses[string(service)] = domain.RawStatusEntry{
			Kind:      domain.RawEntryObject,
			Status:    entry.Status,
			Timestamp: entry.Timestamp,
			History:   append([]domain.StatusHistoryRecord(nil), entry.History...),
		}
	}
	for _, service := range m.DeleteEntries {
		delete(raw.RawStatuses, string(service))
	}
	if m.Change != nil {
		entry := raw.RawStatuses[string(m.Change.Service)]
		if entry.Kind != domain.RawEntryObject {
			entry = domain.RawStatusEntry{Kind: domain.RawEntryObject}
		}
		entry.Status = m.Change.Status
		entry.Timestamp = m.Change.At
		entry.History = append(entry.History, m.Change.Record)
		raw.RawStatuses[string(m.Change.Service)] = entry
	}
	if m.PrimaryStatus != "" {
		raw.LegacyStatus = m.PrimaryStatus
		raw.LegacyProcessStatus = m.PrimaryStatus
	}
	if m.CompletedAt != nil {
		completed := *m.CompletedAt
		raw.CompletedAt = &completed
	}
	if m.InvoicePending != nil {
		raw.InvoicePending = *m.InvoicePending
	}
	raw.LastModified = m.ModifiedAt
}

func applyPartnerMutation(requests map[string]domain.PartnerRequest, m repositories.PartnerMutation, fallback time.Time) {
	req, ok := requests[m.RequestID]
	if !ok {
		return
	}
	req.Status = m.Status
	req.ProcessStatus = m.ProcessStatus
	req.History = append(append([]domain.PartnerStatusRecord(nil), req.History...), m.Record)
	req.LastModified = m.ModifiedAt
	if req.LastModified.IsZero() {
		req.LastModified = fallback
	}
	requests[m.RequestID] = req
}

func (r *orderRepository) Insert(_ context.Context, order domain.Order) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.orders[order.ID]; exists {
		return &Error{Op: "insert", Kind: kindConflict, ID: order.ID}
	}
	s.orders[order.ID] = &storedOrder{raw: RawFromOrder(order), version: 1}
	return nil
}

func (r *orderRepository) FindByID(_ context.Context, orderID string) (domain.RawOrder, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[orderID]
	if !ok {
		return domain.RawOrder{}, &Error{Op: "get", Kind: kindNotFound, ID: orderID}
	}
	return cloneRaw(stored.raw), nil
}

func (r *orderRepository) AttachInvoice(_ context.Context, orderID string, invoice domain.Invoice, bonusPartnerID string) error {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[orderID]
	if !ok {
		return &Error{Op: "attach_invoice", Kind: kindNotFound, ID: orderID}
	}
	if stored.raw.Invoice != nil {
		return repositories.ErrInvoiceAlreadyAttached
	}
	inv := invoice
	stored.raw.Invoice = &inv
	stored.raw.InvoicePending = false
	stored.raw.LastModified = invoice.CreatedAt
	stored.version++
	if bonusPartnerID != "" {
		partner := s.partners[bonusPartnerID]
		partner.PartnerID = bonusPartnerID
		partner.BonusRedeemed = true
		s.partners[bonusPartnerID] = partner
	}
	return nil
}

func (r *orderRepository) MarkInvoicePaid(_ context.Context, orderID string, paidAt time.Time, paidBy string) (domain.Invoice, error) {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.orders[orderID]
	if !ok {
		return domain.Invoice{}, &Error{Op: "mark_paid", Kind: kindNotFound, ID: orderID}
	}
	if stored.raw.Invoice == nil {
		return domain.Invoice{}, repositories.ErrInvoiceMissing
	}
	if stored.raw.Invoice.PaymentStatus == domain.PaymentPaid {
		return *stored.raw.Invoice, nil
	}
	paid := paidAt.UTC()
	stored.raw.Invoice.PaymentStatus = domain.PaymentPaid
	stored.raw.Invoice.PaidAt = &paid
	stored.raw.Invoice.PaidBy = paidBy
	stored.raw.LastModified = paid
	stored.version++
	return *stored.raw.Invoice, nil
}

func (r *orderRepository) ListInvoicePending(_ context.Context, after string, limit int) ([]domain.RawOrder, error) {
	if limit <= 0 {
		limit = 50
	}
	return r.list(func(raw domain.RawOrder) bool { return raw.InvoicePending && raw.ID > after }, limit), nil
}

func (r *orderRepository) ListInvoicesByPeriod(_ context.Context, period string) ([]domain.RawOrder, error) {
	out := r.list(func(raw domain.RawOrder) bool { return raw.Invoice != nil && raw.Invoice.Period == period }, 0)
	sort.Slice(out, func(i, j int) bool { return out[i].Invoice.Number < out[j].Invoice.Number })
	return out, nil
}

func (r *orderRepository) list(match func(domain.RawOrder) bool, limit int) []domain.RawOrder {
	s := r.store()
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.orders))
	for id := range s.orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var out []domain.RawOrder
	for _, id := range ids {
		raw := s.orders[id].raw
		if !match(raw) {
			continue
		}
		out = append(out, cloneRaw(raw))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
