package services

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/repositories"
	"github.com/werkstatt-flow/api/internal/workflow"
)

// CreateOrder registers an intake. Every service starts at its first step.
func (u *StatusUpdater) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (OrderView, error) {
	if strings.TrimSpace(cmd.PrimaryService) == "" {
		return OrderView{}, fmt.Errorf("%w: primary service is required", ErrInvalidInput)
	}
	actor := u.actor(ctx, cmd.Actor)
	primary := u.store.ValidateServiceType(cmd.PrimaryService)

	var additional []domain.ServiceType
	for _, raw := range cmd.AdditionalServices {
		service, ok := u.resolver.NormalizeService(raw)
		if !ok {
			return OrderView{}, fmt.Errorf("%w: %q", workflow.ErrUnknownService, raw)
		}
		if service == primary || slices.Contains(additional, service) {
			continue
		}
		additional = append(additional, service)
	}

	id := strings.TrimSpace(cmd.ID)
	if id == "" {
		id = u.newID()
	}
	now := u.clock()
	order := domain.Order{
		ID:                 id,
		PrimaryService:     primary,
		AdditionalServices: additional,
		ServiceStatuses:    make(map[domain.ServiceType]domain.ServiceStatusEntry, 1+len(additional)),
		PartnerRequestID:   strings.TrimSpace(cmd.PartnerRequestID),
		PartnerID:          strings.TrimSpace(cmd.PartnerID),
		LicensePlate:       strings.ToUpper(strings.TrimSpace(cmd.LicensePlate)),
		CustomerName:       u.sanitize(cmd.CustomerName),
		CreatedAt:          now,
		LastModified:       now,
	}
	if cmd.AgreedPrice != nil && cmd.AgreedPrice.IsPositive() {
		price := *cmd.AgreedPrice
		order.Quote.AgreedPrice = &price
	}
	for _, service := range order.Services() {
		order.ServiceStatuses[service] = u.initialEntry(service, actor, now)
	}
	order.LegacyStatus = order.ServiceStatuses[primary].Status
	order.LegacyProcessStatus = order.LegacyStatus

	if err := u.orders.Insert(ctx, order); err != nil {
		if repositories.IsConflict(err) {
			return OrderView{}, fmt.Errorf("%w: %s", ErrOrderExists, id)
		}
		return OrderView{}, err
	}
	u.publish(ctx, domain.OrderEvent{Type: domain.EventOrderCreated, OrderID: id, Service: primary, ActorID: actor.ID, OccurredAt: now})
	return u.view(order, nil), nil
}

// AddService attaches an additional service. Attaching a service that is
// already on the order is a no-op.
func (u *StatusUpdater) AddService(ctx context.Context, cmd ServiceChangeCommand) (OrderView, error) {
	service, err := u.serviceChangeTarget(cmd)
	if err != nil {
		return OrderView{}, err
	}
	actor := u.actor(ctx, cmd.Actor)

	var view OrderView
	changed := false
	err = u.withRetry(ctx, "add_service", func(ctx context.Context) error {
		changed = false
		return u.orders.RunStatusTransaction(ctx, func(ctx context.Context, tx repositories.OrderTx) error {
			raw, err := tx.GetOrder(ctx, cmd.OrderID)
			if err != nil {
				return err
			}
			healed := u.store.SelfHeal(raw)
			order := healed.Order
			setEntries := copyEntries(healed.Rewrite)
			for _, created := range u.store.Materialize(&order) {
				setEntries[created] = order.ServiceStatuses[created]
			}

			if !order.HasService(service) {
				now := u.clock()
				order.AdditionalServices = append(order.AdditionalServices, service)
				entry := u.initialEntry(service, actor, now)
				order.ServiceStatuses[service] = entry
				setEntries[service] = entry
				order.LastModified = now
				changed = true
			}
			view = u.view(order, healed.Issues)
			if !changed && !healed.Changed() && len(setEntries) == 0 {
				return nil
			}
			mutation := repositories.OrderMutation{
				OrderID:            order.ID,
				PrimaryService:     order.PrimaryService,
				AdditionalServices: order.AdditionalServices,
				SetEntries:         setEntries,
				DeleteEntries:      pruneDeletes(healed.Delete, setEntries),
				ModifiedAt:         u.clock(),
			}
			if changed && order.InvoicePending && order.Invoice == nil {
				pending := false
				order.InvoicePending = false
				mutation.InvoicePending = &pending
			}
			return tx.Apply(ctx, mutation)
		})
	})
	if err != nil {
		return OrderView{}, u.translate(err)
	}
	u.logIssues(ctx, cmd.OrderID, view.Issues)
	if changed {
		u.publish(ctx, domain.OrderEvent{Type: domain.EventServiceAdded, OrderID: view.Order.ID, Service: service, ActorID: actor.ID, OccurredAt: view.Order.LastModified})
	}
	return view, nil
}

// RemoveService detaches an additional service and deletes its status entry.
// When the remaining services are all finished the order is invoiced.
func (u *StatusUpdater) RemoveService(ctx context.Context, cmd ServiceChangeCommand) (OrderView, error) {
	service, err := u.serviceChangeTarget(cmd)
	if err != nil {
		return OrderView{}, err
	}
	actor := u.actor(ctx, cmd.Actor)

	var (
		view          OrderView
		changed       bool
		justCompleted bool
	)
	err = u.withRetry(ctx, "remove_service", func(ctx context.Context) error {
		changed, justCompleted = false, false
		return u.orders.RunStatusTransaction(ctx, func(ctx context.Context, tx repositories.OrderTx) error {
			raw, err := tx.GetOrder(ctx, cmd.OrderID)
			if err != nil {
				return err
			}
			healed := u.store.SelfHeal(raw)
			order := healed.Order
			if service == order.PrimaryService {
				return fmt.Errorf("%w: %s is the primary service", ErrPrimaryServiceImmutable, service)
			}
			deletes := slices.Clone(healed.Delete)
			if idx := slices.Index(order.AdditionalServices, service); idx >= 0 {
				order.AdditionalServices = slices.Delete(slices.Clone(order.AdditionalServices), idx, idx+1)
				delete(order.ServiceStatuses, service)
				deletes = append(deletes, service)
				changed = true
			}
			setEntries := copyEntries(healed.Rewrite)
			delete(setEntries, service)
			for _, created := range u.store.Materialize(&order) {
				setEntries[created] = order.ServiceStatuses[created]
			}
			if !changed && !healed.Changed() && len(setEntries) == 0 {
				view = u.view(order, healed.Issues)
				return nil
			}

			now := u.clock()
			order.LastModified = now
			mutation := repositories.OrderMutation{
				OrderID:            order.ID,
				PrimaryService:     order.PrimaryService,
				AdditionalServices: order.AdditionalServices,
				SetEntries:         setEntries,
				DeleteEntries:      pruneDeletes(deletes, setEntries),
				ModifiedAt:         now,
			}
			if changed && u.gate.IsComplete(order) {
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
			view = u.view(order, healed.Issues)
			return tx.Apply(ctx, mutation)
		})
	})
	if err != nil {
		return OrderView{}, u.translate(err)
	}
	u.logIssues(ctx, cmd.OrderID, view.Issues)
	if !changed {
		return view, nil
	}
	u.publish(ctx, domain.OrderEvent{Type: domain.EventServiceRemoved, OrderID: view.Order.ID, Service: service, ActorID: actor.ID, OccurredAt: view.Order.LastModified})
	if justCompleted {
		u.publish(ctx, domain.OrderEvent{Type: domain.EventOrderCompleted, OrderID: view.Order.ID, ActorID: actor.ID, OccurredAt: view.Order.LastModified})
	}
	if view.Complete && view.Order.Invoice == nil && u.invoicing {
		if invoice, err := u.issueInvoice(ctx, view.Order, actor); err == nil && invoice != nil {
			view.Order.Invoice = invoice
			view.Order.InvoicePending = false
		}
	}
	return view, nil
}

// GetOrder returns the healed order with every service materialized. Nothing is written.
func (u *StatusUpdater) GetOrder(ctx context.Context, orderID string) (OrderView, error) {
	if strings.TrimSpace(orderID) == "" {
		return OrderView{}, fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	raw, err := u.orders.FindByID(ctx, orderID)
	if err != nil {
		return OrderView{}, u.translate(err)
	}
	healed := u.store.SelfHeal(raw)
	order := healed.Order
	u.store.Materialize(&order)
	return u.view(order, healed.Issues), nil
}

func (u *StatusUpdater) serviceChangeTarget(cmd ServiceChangeCommand) (domain.ServiceType, error) {
	if strings.TrimSpace(cmd.OrderID) == "" {
		return "", fmt.Errorf("%w: order id is required", ErrInvalidInput)
	}
	service, ok := u.resolver.NormalizeService(cmd.Service)
	if !ok {
		return "", fmt.Errorf("%w: %q", workflow.ErrUnknownService, cmd.Service)
	}
	return service, nil
}

func (u *StatusUpdater) initialEntry(service domain.ServiceType, actor domain.Actor, now time.Time) domain.ServiceStatusEntry {
	initial, err := u.resolver.Catalog().InitialStep(service)
	if err != nil {
		initial = domain.StatusNeu
	}
	return domain.ServiceStatusEntry{
		Status:    initial,
		Timestamp: now,
		History: []domain.StatusHistoryRecord{{
			ID:        u.newID(),
			Status:    initial,
			Timestamp: now,
			ActorID:   actor.ID,
			ActorName: actor.DisplayName,
			ActorRole: actor.Role,
		}},
	}
}

// view builds the read model of an order whose services are materialized.
func (u *StatusUpdater) view(order domain.Order, issues []domain.HealIssue) OrderView {
	catalog := u.resolver.Catalog()
	lookup := u.statusLookup(order)
	out := OrderView{Order: order, Complete: u.gate.IsComplete(order), Issues: issues}
	for _, service := range order.Services() {
		entry := order.ServiceStatuses[service]
		sv := ServiceView{
			Service:   service,
			Primary:   service == order.PrimaryService,
			Status:    entry.Status,
			Portal:    catalog.PortalStatus(service, entry.Status),
			Terminal:  workflow.IsTerminal(entry.Status),
			WorkStep:  catalog.IsWorkStep(service, entry.Status),
			BlockedBy: workflow.QueueBlockers(service, lookup),
			History:   entry.History,
		}
		if def, err := catalog.Definition(service); err == nil {
			sv.Label = def.Label
			sv.Steps = slices.Clone(def.Steps)
		}
		if idx, found, _ := catalog.IndexOf(service, entry.Status); found {
			sv.Position = idx
		}
		out.Services = append(out.Services, sv)
	}
	return out
}
