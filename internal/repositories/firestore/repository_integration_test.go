//go:build integration

package firestore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/repositories"
)

func TestCounterRepositoryIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "counter-test")
	repo, err := NewCounterRepository(provider)
	if err != nil {
		t.Fatalf("new counter repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	const workers = 8
	results := make([]int64, workers)
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func(idx int) {
			defer wg.Done()
			for attempt := 0; attempt < 50; attempt++ {
				counter, err := repo.NextInPeriod(ctx, "invoices", 2025, 10)
				if repositories.IsConflict(err) {
					time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
					continue
				}
				if err != nil {
					t.Errorf("next(%d): %v", idx, err)
					return
				}
				results[idx] = counter.LastNumber
				return
			}
			t.Errorf("next(%d): exhausted retries", idx)
		}(i)
	}
	wg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i] < results[j] })
	for i, val := range results {
		if val != int64(i+1) {
			t.Fatalf("expected contiguous numbers 1..%d, got %v", workers, results)
		}
	}

	rolled, err := repo.NextInPeriod(ctx, "invoices", 2025, 11)
	if err != nil {
		t.Fatalf("next after rollover: %v", err)
	}
	if rolled.LastNumber != 1 || rolled.Month != 11 {
		t.Fatalf("expected monthly reset, got %+v", rolled)
	}

	_, err = repo.NextInPeriod(ctx, "invoices", 2025, 10)
	var counterErr *repositories.CounterError
	if !errors.As(err, &counterErr) || counterErr.Code != repositories.CounterErrorCorrupt {
		t.Fatalf("expected corrupt counter error for earlier period, got %v", err)
	}
}

func TestOrderRepositoryIntegration(t *testing.T) {
	provider := newEmulatorProvider(t, "orders-test")
	orders, err := NewOrderRepository(provider)
	if err != nil {
		t.Fatalf("new order repository: %v", err)
	}
	partners, err := NewPartnerRepository(provider)
	if err != nil {
		t.Fatalf("new partner repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Date(2025, 10, 3, 9, 0, 0, 0, time.UTC)
	price := decimal.NewFromInt(1190)
	order := domain.Order{
		ID:                 "F-100",
		PrimaryService:     domain.ServiceLackier,
		AdditionalServices: []domain.ServiceType{domain.ServiceReifen},
		ServiceStatuses: map[domain.ServiceType]domain.ServiceStatusEntry{
			domain.ServiceLackier: {Status: "angenommen", Timestamp: now},
			domain.ServiceReifen:  {Status: "neu", Timestamp: now},
		},
		PartnerRequestID: "PA-1",
		PartnerID:        "P-1",
		Quote:            domain.Quote{AgreedPrice: &price},
		CreatedAt:        now,
		LastModified:     now,
	}
	if err := orders.Insert(ctx, order); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := orders.Insert(ctx, order); !repositories.IsConflict(err) {
		t.Fatalf("expected conflict on duplicate insert, got %v", err)
	}

	client, err := provider.Client(ctx)
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := client.Collection(partnerRequestsCollection).Doc("PA-1").Set(ctx, map[string]any{
		"fahrzeugId": "F-100",
		"serviceTyp": "lackier",
		"status":     "beauftragt",
	}); err != nil {
		t.Fatalf("seed partner request: %v", err)
	}
	if _, err := client.Collection(partnersCollection).Doc("P-1").Set(ctx, map[string]any{
		"rabattProzent": 10.0,
		"bonusBetrag":   50.0,
	}); err != nil {
		t.Fatalf("seed partner: %v", err)
	}

	at := now.Add(time.Hour)
	err = orders.RunStatusTransaction(ctx, func(ctx context.Context, tx repositories.OrderTx) error {
		current, err := tx.GetOrder(ctx, "F-100")
		if err != nil {
			return err
		}
		request, found, err := tx.GetPartnerRequest(ctx, current.PartnerRequestID)
		if err != nil || !found {
			return errors.Join(err, errors.New("partner request missing"))
		}
		return tx.Apply(ctx, repositories.OrderMutation{
			OrderID:            current.ID,
			PrimaryService:     current.PrimaryService,
			AdditionalServices: current.AdditionalServices,
			Change:             &repositories.StatusChange{Service: domain.ServiceLackier, Status: "vorbereitung", At: at, Record: domain.StatusHistoryRecord{ID: "h-1", Status: "vorbereitung", PreviousStatus: "angenommen", Timestamp: at, ActorID: "u-1", ActorName: "Anna"}},
			PrimaryStatus:      "vorbereitung",
			ModifiedAt:         at,
			Partner:            &repositories.PartnerMutation{RequestID: request.ID, Status: "in_arbeit", ProcessStatus: "vorbereitung", Record: domain.PartnerStatusRecord{Status: "in_arbeit", Service: domain.ServiceLackier, Timestamp: at, ActorName: "Anna"}},
		})
	})
	if err != nil {
		t.Fatalf("status transaction: %v", err)
	}

	stored, err := orders.FindByID(ctx, "F-100")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	lackier := stored.RawStatuses["lackier"]
	if lackier.Status != "vorbereitung" || len(lackier.History) != 1 || lackier.History[0].ActorName != "Anna" {
		t.Fatalf("unexpected lackier entry %+v", lackier)
	}
	if stored.LegacyProcessStatus != "vorbereitung" || stored.LegacyStatus != "vorbereitung" {
		t.Fatalf("expected mirrored legacy status, got %q/%q", stored.LegacyStatus, stored.LegacyProcessStatus)
	}

	invoice := domain.Invoice{Number: "RE-2025-10-0001", Period: "2025-10", GrossAmount: price, NetAmount: price, VATRate: decimal.NewFromInt(19), PaymentStatus: domain.PaymentOpen, CreatedAt: at, DueDate: at.AddDate(0, 0, 14)}
	if err := orders.AttachInvoice(ctx, "F-100", invoice, "P-1"); err != nil {
		t.Fatalf("attach invoice: %v", err)
	}
	if err := orders.AttachInvoice(ctx, "F-100", invoice, ""); !errors.Is(err, repositories.ErrInvoiceAlreadyAttached) {
		t.Fatalf("expected already attached, got %v", err)
	}
	discount, err := partners.FindDiscount(ctx, "P-1")
	if err != nil {
		t.Fatalf("find discount: %v", err)
	}
	if !discount.BonusRedeemed {
		t.Fatal("expected bonus to be marked redeemed")
	}

	listed, err := orders.ListInvoicesByPeriod(ctx, "2025-10")
	if err != nil {
		t.Fatalf("list by period: %v", err)
	}
	if len(listed) != 1 || listed[0].Invoice == nil || listed[0].Invoice.Number != invoice.Number {
		t.Fatalf("unexpected period listing %+v", listed)
	}

	paid, err := orders.MarkInvoicePaid(ctx, "F-100", at.Add(time.Hour), "u-2")
	if err != nil {
		t.Fatalf("mark paid: %v", err)
	}
	if paid.PaymentStatus != domain.PaymentPaid || paid.PaidBy != "u-2" {
		t.Fatalf("unexpected paid invoice %+v", paid)
	}
	again, err := orders.MarkInvoicePaid(ctx, "F-100", at.Add(2*time.Hour), "u-3")
	if err != nil || again.PaidBy != "u-2" {
		t.Fatalf("expected idempotent payment, got %+v err=%v", again, err)
	}
}
