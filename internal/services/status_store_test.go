package services

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/repositories/memory"
	"github.com/werkstatt-flow/api/internal/workflow"
)

func newTestStore(t *testing.T) *StatusStore {
	t.Helper()
	resolver, err := workflow.NewResolver(workflow.DefaultCatalog())
	require.NoError(t, err)
	store, err := NewStatusStore(resolver, func() time.Time { return testNow })
	require.NoError(t, err)
	return store
}

func issueKinds(issues []domain.HealIssue) []domain.HealIssueKind {
	out := make([]domain.HealIssueKind, 0, len(issues))
	for _, issue := range issues {
		out = append(out, issue.Kind)
	}
	return out
}

func TestSelfHealRepairsStoredShapes(t *testing.T) {
	store := newTestStore(t)
	raw := domain.RawOrder{
		Order: domain.Order{ID: "F-1", PrimaryService: "Lackierung"},
		RawAdditional: domain.RawServiceList{
			Kind:   domain.RawListObject,
			Values: []string{"reifen", "lackier", "Reifen", "raumfahrt", "smart-repair"},
		},
		RawStatuses: map[string]domain.RawStatusEntry{
			"lackier":      {Kind: domain.RawEntryString, Status: "trocknung"},
			"smart_repair": {Kind: domain.RawEntryObject, Status: "angenommen"},
			"glas":         {Kind: domain.RawEntryObject, Status: "bereit"},
			"reifen":       {Kind: domain.RawEntryInvalid},
		},
	}

	healed := store.SelfHeal(raw)
	order := healed.Order
	assert.Equal(t, domain.ServiceLackier, order.PrimaryService)
	assert.Equal(t, []domain.ServiceType{domain.ServiceReifen, domain.ServiceDellen}, order.AdditionalServices)
	assert.NotContains(t, order.AdditionalServices, order.PrimaryService)

	assert.Equal(t, "trocknung", order.ServiceStatuses[domain.ServiceLackier].Status)
	assert.Equal(t, "angenommen", order.ServiceStatuses[domain.ServiceDellen].Status)
	assert.NotContains(t, order.ServiceStatuses, domain.ServiceGlas)
	assert.Equal(t, "angenommen", order.ServiceStatuses[domain.ServiceReifen].Status)

	kinds := issueKinds(healed.Issues)
	assert.Contains(t, kinds, domain.IssuePrimaryNormalized)
	assert.Contains(t, kinds, domain.IssueAdditionalNotList)
	assert.Contains(t, kinds, domain.IssuePrimaryInAdditional)
	assert.Contains(t, kinds, domain.IssueDuplicateAdditional)
	assert.Contains(t, kinds, domain.IssueUnknownAdditional)
	assert.Contains(t, kinds, domain.IssueOrphanedStatusEntry)
	assert.Contains(t, kinds, domain.IssueStatusEntryNotObject)
	assert.Contains(t, kinds, domain.IssueStatusEntryInvalid)

	assert.ElementsMatch(t, []domain.ServiceType{"glas", "smart_repair"}, healed.Delete)
	assert.Contains(t, healed.Rewrite, domain.ServiceLackier)
	assert.Contains(t, healed.Rewrite, domain.ServiceDellen)
	assert.Contains(t, healed.Rewrite, domain.ServiceReifen)
	for _, key := range healed.Delete {
		assert.NotContains(t, healed.Rewrite, key)
	}
	assert.True(t, healed.Changed())
}

func TestSelfHealIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	raw := domain.RawOrder{
		Order: domain.Order{ID: "F-1", PrimaryService: domain.ServiceMechanik},
		RawAdditional: domain.RawServiceList{
			Kind:   domain.RawListArray,
			Values: []string{"mechanik", "klima", "klima"},
		},
		RawStatuses: map[string]domain.RawStatusEntry{
			"mechanik": {Kind: domain.RawEntryString, Status: "diagnose"},
			"tuev":     {Kind: domain.RawEntryObject, Status: "angenommen"},
		},
	}

	first := store.SelfHeal(raw)
	require.True(t, first.Changed())

	second := store.SelfHeal(memory.RawFromOrder(first.Order))
	assert.False(t, second.Changed(), "issues: %v", second.Issues)
	assert.Equal(t, first.Order.PrimaryService, second.Order.PrimaryService)
	assert.Equal(t, first.Order.AdditionalServices, second.Order.AdditionalServices)
	assert.Equal(t, first.Order.ServiceStatuses, second.Order.ServiceStatuses)
}

func TestSelfHealKeepsCanonicalEntryOverAlias(t *testing.T) {
	store := newTestStore(t)
	raw := domain.RawOrder{
		Order:         domain.Order{ID: "F-1", PrimaryService: domain.ServicePflege},
		RawAdditional: domain.RawServiceList{Kind: domain.RawListArray},
		RawStatuses: map[string]domain.RawStatusEntry{
			"pflege":       {Kind: domain.RawEntryObject, Status: "angenommen"},
			"aufbereitung": {Kind: domain.RawEntryObject, Status: "bereit"},
		},
	}
	healed := store.SelfHeal(raw)
	assert.Equal(t, "angenommen", healed.Order.ServiceStatuses[domain.ServicePflege].Status)
	assert.Equal(t, []domain.ServiceType{"aufbereitung"}, healed.Delete)
	assert.Empty(t, healed.Rewrite)
}

func TestSelfHealFallsBackForUnknownPrimary(t *testing.T) {
	store := newTestStore(t)
	healed := store.SelfHeal(domain.RawOrder{Order: domain.Order{ID: "F-1", PrimaryService: "hovercraft"}})
	assert.Equal(t, domain.ServiceLackier, healed.Order.PrimaryService)
	assert.Equal(t, []domain.HealIssueKind{domain.IssuePrimaryNormalized}, issueKinds(healed.Issues))
}

func TestStatusOfMigratesLegacyFields(t *testing.T) {
	store := newTestStore(t)
	created := testNow.Add(-48 * time.Hour)

	tests := []struct {
		name  string
		order domain.Order
		want  string
	}{
		{
			name:  "process status wins",
			order: domain.Order{PrimaryService: domain.ServiceLackier, LegacyProcessStatus: "trocknung", LegacyStatus: "vorbereitung"},
			want:  "trocknung",
		},
		{
			name:  "flat status",
			order: domain.Order{PrimaryService: domain.ServiceReifen, LegacyStatus: "Wuchten"},
			want:  "wuchten",
		},
		{
			name:  "legacy alias",
			order: domain.Order{PrimaryService: domain.ServiceReifen, LegacyStatus: "abgeschlossen"},
			want:  "bereit",
		},
		{
			name:  "scheduled",
			order: domain.Order{PrimaryService: domain.ServiceGlas, LegacyStatus: "terminiert"},
			want:  "terminiert",
		},
		{
			name:  "unrecognised value starts at first step",
			order: domain.Order{PrimaryService: domain.ServiceLackier, LegacyStatus: "irgendwas"},
			want:  "angenommen",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			order := tc.order
			order.CreatedAt = created
			status, migrated := store.StatusOf(&order, order.PrimaryService)
			assert.True(t, migrated)
			assert.Equal(t, tc.want, status)
			assert.Equal(t, tc.want, order.ServiceStatuses[order.PrimaryService].Status)
			assert.Equal(t, created, order.ServiceStatuses[order.PrimaryService].Timestamp)

			again, migrated := store.StatusOf(&order, order.PrimaryService)
			assert.False(t, migrated)
			assert.Equal(t, tc.want, again)
		})
	}
}

func TestStatusOfAdditionalAndDetachedServices(t *testing.T) {
	store := newTestStore(t)
	order := domain.Order{
		PrimaryService:      domain.ServiceLackier,
		AdditionalServices:  []domain.ServiceType{domain.ServiceReifen},
		LegacyProcessStatus: "lackierung",
	}

	status, migrated := store.StatusOf(&order, domain.ServiceReifen)
	assert.True(t, migrated)
	assert.Equal(t, "angenommen", status)
	assert.Empty(t, order.ServiceStatuses[domain.ServiceReifen].History)

	status, migrated = store.StatusOf(&order, domain.ServiceGlas)
	assert.False(t, migrated)
	assert.Equal(t, "angenommen", status)
	assert.NotContains(t, order.ServiceStatuses, domain.ServiceGlas)

	created := store.Materialize(&order)
	assert.Equal(t, []domain.ServiceType{domain.ServiceLackier}, created)
	assert.Equal(t, "lackierung", order.ServiceStatuses[domain.ServiceLackier].Status)
}

func TestCompletionGate(t *testing.T) {
	store := newTestStore(t)
	gate, err := NewCompletionGate(store)
	require.NoError(t, err)

	tests := []struct {
		name  string
		order domain.Order
		want  bool
	}{
		{name: "no services", order: domain.Order{}, want: false},
		{name: "all finished", order: paintAndTires("bereit", "bereit"), want: true},
		{name: "legacy terminal token", order: paintAndTires("fertig", "abholbereit"), want: true},
		{name: "one open", order: paintAndTires("bereit", "wuchten"), want: false},
		{
			name:  "additional without entry is open",
			order: domain.Order{PrimaryService: domain.ServicePflege, AdditionalServices: []domain.ServiceType{domain.ServiceGlas}, LegacyStatus: "bereit"},
			want:  false,
		},
		{
			name:  "legacy single service finished",
			order: domain.Order{PrimaryService: domain.ServicePflege, LegacyProcessStatus: "bereit"},
			want:  true,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			before := tc.order.Clone()
			assert.Equal(t, tc.want, gate.IsComplete(tc.order))
			assert.Equal(t, before.ServiceStatuses, tc.order.ServiceStatuses)
		})
	}
}
