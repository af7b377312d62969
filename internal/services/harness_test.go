package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/repositories"
	"github.com/werkstatt-flow/api/internal/repositories/memory"
	"github.com/werkstatt-flow/api/internal/workflow"
)

var testNow = time.Date(2025, 11, 3, 9, 30, 0, 0, time.UTC)

var fastBackoff = gax.Backoff{Initial: time.Millisecond, Max: time.Millisecond}

type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event domain.OrderEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return p.err
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, event := range p.events {
		out = append(out, event.Type)
	}
	return out
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions map[string]int
	conflicts   map[string]int
	invoices    map[string]int
	retries     int
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{transitions: map[string]int{}, conflicts: map[string]int{}, invoices: map[string]int{}}
}

func (m *recordingMetrics) Transition(service, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions[service+"/"+outcome]++
}

func (m *recordingMetrics) Conflict(operation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conflicts[operation]++
}

func (m *recordingMetrics) Invoice(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invoices[outcome]++
}

func (m *recordingMetrics) CounterRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retries++
}

type recordingLogger struct {
	mu     sync.Mutex
	events []string
}

func (l *recordingLogger) log(_ context.Context, event string, _ map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func (l *recordingLogger) count(event string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == event {
			n++
		}
	}
	return n
}

// mutationRecorder keeps every order mutation handed to a transaction.
type mutationRecorder struct {
	repositories.OrderRepository
	mu        sync.Mutex
	mutations []repositories.OrderMutation
}

func (r *mutationRecorder) RunStatusTransaction(ctx context.Context, fn func(ctx context.Context, tx repositories.OrderTx) error) error {
	return r.OrderRepository.RunStatusTransaction(ctx, func(ctx context.Context, tx repositories.OrderTx) error {
		return fn(ctx, &recordingTx{OrderTx: tx, recorder: r})
	})
}

func (r *mutationRecorder) all() []repositories.OrderMutation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]repositories.OrderMutation(nil), r.mutations...)
}

type recordingTx struct {
	repositories.OrderTx
	recorder *mutationRecorder
}

func (tx *recordingTx) Apply(ctx context.Context, m repositories.OrderMutation) error {
	tx.recorder.mu.Lock()
	tx.recorder.mutations = append(tx.recorder.mutations, m)
	tx.recorder.mu.Unlock()
	return tx.OrderTx.Apply(ctx, m)
}

type harness struct {
	store     *memory.Store
	orders    *mutationRecorder
	resolver  *workflow.Resolver
	sequencer *InvoiceSequencer
	updater   *StatusUpdater
	events    *recordingPublisher
	metrics   *recordingMetrics
	logs      *recordingLogger

	// beforeCommit runs between the reads and the commit of each status transaction.
	beforeCommit func(orderID string)
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		events:  &recordingPublisher{},
		metrics: newRecordingMetrics(),
		logs:    &recordingLogger{},
	}
	clock := func() time.Time { return testNow }
	h.store = memory.NewStore(
		memory.WithClock(clock),
		memory.WithBeforeCommit(func(orderID string) {
			if h.beforeCommit != nil {
				h.beforeCommit(orderID)
			}
		}),
	)

	resolver, err := workflow.NewResolver(workflow.DefaultCatalog())
	require.NoError(t, err)
	h.resolver = resolver

	h.sequencer, err = NewInvoiceSequencer(InvoiceSequencerDeps{
		Counters: h.store.Counters(),
		Partners: h.store.Partners(),
		Clock:    clock,
		Backoff:  fastBackoff,
		Metrics:  h.metrics,
		Logger:   h.logs.log,
	})
	require.NoError(t, err)

	h.orders = &mutationRecorder{OrderRepository: h.store.Orders()}
	var ids atomic.Int64
	h.updater, err = NewStatusUpdater(StatusUpdaterDeps{
		Orders:      h.orders,
		Resolver:    resolver,
		Sequencer:   h.sequencer,
		Events:      h.events,
		Metrics:     h.metrics,
		Clock:       clock,
		IDGenerator: func() string { return fmt.Sprintf("h-%03d", ids.Add(1)) },
		Backoff:     fastBackoff,
		Logger:      h.logs.log,
	})
	require.NoError(t, err)
	return h
}

func (h *harness) put(order domain.Order) {
	h.store.PutRaw(memory.RawFromOrder(order))
}

func (h *harness) stored(t *testing.T, orderID string) domain.RawOrder {
	t.Helper()
	raw, err := h.store.Orders().FindByID(context.Background(), orderID)
	require.NoError(t, err)
	return raw
}

// paintAndTires is a lackier order with reifen attached.
func paintAndTires(paint, tires string) domain.Order {
	at := testNow.Add(-2 * time.Hour)
	return domain.Order{
		ID:                 "F-1",
		PrimaryService:     domain.ServiceLackier,
		AdditionalServices: []domain.ServiceType{domain.ServiceReifen},
		ServiceStatuses: map[domain.ServiceType]domain.ServiceStatusEntry{
			domain.ServiceLackier: {Status: paint, Timestamp: at},
			domain.ServiceReifen:  {Status: tires, Timestamp: at},
		},
		LegacyProcessStatus: paint,
		LicensePlate:        "M-WF 100",
		CustomerName:        "Kundin Beispiel",
		CreatedAt:           at,
		LastModified:        at,
	}
}

func amount(value string) *decimal.Decimal {
	d := decimal.RequireFromString(value)
	return &d
}

var painter = domain.Actor{ID: "u-1", DisplayName: "Lackierer", Role: "werkstatt"}

var admin = domain.Actor{ID: "u-admin", DisplayName: "Meisterin", Role: "admin", CanOverride: true}
