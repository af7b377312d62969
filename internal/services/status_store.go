package services

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/werkstatt-flow/api/internal/domain"
	"github.com/werkstatt-flow/api/internal/workflow"
)

// StatusStore reads per-service statuses out of stored orders. It migrates
// older single-status records lazily and repairs malformed multi-service data.
type StatusStore struct {
	resolver *workflow.Resolver
	clock    func() time.Time
}

// NewStatusStore binds the store to a resolver and its catalog.
func NewStatusStore(resolver *workflow.Resolver, clock func() time.Time) (*StatusStore, error) {
	if resolver == nil {
		return nil, errors.New("status store: resolver is required")
	}
	if clock == nil {
		clock = time.Now
	}
	return &StatusStore{resolver: resolver, clock: func() time.Time { return clock().UTC() }}, nil
}

// Healed is the canonical order produced by SelfHeal together with the
// storage corrections a write must carry.
type Healed struct {
	Order  domain.Order
	Issues []domain.HealIssue
	// Rewrite holds entries whose stored shape must be replaced as a whole.
	Rewrite map[domain.ServiceType]domain.ServiceStatusEntry
	// Delete holds stored entry keys that no longer belong to the order.
	Delete []domain.ServiceType
}

// Changed reports whether storage differs from the healed order.
func (h Healed) Changed() bool {
	return len(h.Issues) > 0 || len(h.Rewrite) > 0 || len(h.Delete) > 0
}

// ValidateServiceType maps a raw tag onto a known service, falling back to
// the configured default for unknown input.
func (s *StatusStore) ValidateServiceType(raw string) domain.ServiceType {
	return s.resolver.ValidateServiceType(raw)
}

// SelfHeal normalizes the stored multi-service fields. It never fails and
// SelfHeal of an already healed order yields the same order without issues.
func (s *StatusStore) SelfHeal(raw domain.RawOrder) Healed {
	order := raw.Order.Clone()
	healed := Healed{Rewrite: map[domain.ServiceType]domain.ServiceStatusEntry{}}
	issue := func(kind domain.HealIssueKind, service, detail string) {
		healed.Issues = append(healed.Issues, domain.HealIssue{Kind: kind, Service: service, Detail: detail})
	}

	primary := s.resolver.ValidateServiceType(string(raw.PrimaryService))
	if primary != raw.PrimaryService {
		issue(domain.IssuePrimaryNormalized, string(raw.PrimaryService), fmt.Sprintf("stored as %q, read as %q", raw.PrimaryService, primary))
	}
	order.PrimaryService = primary

	var values []string
	switch raw.RawAdditional.Kind {
	case domain.RawListArray:
		values = raw.RawAdditional.Values
	case domain.RawListObject:
		issue(domain.IssueAdditionalNotList, "", "object converted to list")
		values = raw.RawAdditional.Values
	case domain.RawListInvalid:
		issue(domain.IssueAdditionalNotList, "", "unreadable value replaced by empty list")
	case domain.RawListMissing:
		// Older records without additional services.
		values = nil
		if len(raw.AdditionalServices) > 0 {
			for _, tag := range raw.AdditionalServices {
				values = append(values, string(tag))
			}
		}
	}

	additional := make([]domain.ServiceType, 0, len(values))
	seen := map[domain.ServiceType]struct{}{}
	for _, value := range values {
		service, ok := s.resolver.NormalizeService(value)
		switch {
		case !ok:
			issue(domain.IssueUnknownAdditional, value, "dropped")
		case service == primary:
			issue(domain.IssuePrimaryInAdditional, value, "dropped")
		default:
			if _, dup := seen[service]; dup {
				issue(domain.IssueDuplicateAdditional, value, "dropped")
				continue
			}
			seen[service] = struct{}{}
			additional = append(additional, service)
		}
	}
	order.AdditionalServices = additional

	order.ServiceStatuses = make(map[domain.ServiceType]domain.ServiceStatusEntry, len(raw.RawStatuses))
	keys := make([]string, 0, len(raw.RawStatuses))
	for key := range raw.RawStatuses {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	var unreadable []domain.ServiceType
	for _, key := range keys {
		entry := raw.RawStatuses[key]
		service, known := s.resolver.NormalizeService(key)
		if !known || !order.HasService(service) {
			issue(domain.IssueOrphanedStatusEntry, key, "removed")
			healed.Delete = append(healed.Delete, domain.ServiceType(key))
			continue
		}
		if string(service) != key {
			healed.Delete = append(healed.Delete, domain.ServiceType(key))
			if _, taken := raw.RawStatuses[string(service)]; taken {
				issue(domain.IssueOrphanedStatusEntry, key, fmt.Sprintf("alias of %s removed", service))
				continue
			}
		}
		switch entry.Kind {
		case domain.RawEntryInvalid:
			issue(domain.IssueStatusEntryInvalid, key, "replaced by a fresh entry")
			unreadable = append(unreadable, service)
			continue
		case domain.RawEntryString:
			issue(domain.IssueStatusEntryNotObject, key, "converted to object")
		}
		normalized := domain.ServiceStatusEntry{
			Status:    entry.Status,
			Timestamp: entry.Timestamp,
			History:   append([]domain.StatusHistoryRecord(nil), entry.History...),
		}
		order.ServiceStatuses[service] = normalized
		if entry.Kind == domain.RawEntryString || string(service) != key {
			healed.Rewrite[service] = normalized
		}
	}
	// Unreadable entries are rebuilt like missing ones and replace the stored
	// value, so no write ever deletes and sets the same key.
	for _, service := range unreadable {
		s.StatusOf(&order, service)
		healed.Rewrite[service] = order.ServiceStatuses[service]
	}
	if len(healed.Rewrite) == 0 {
		healed.Rewrite = nil
	}
	healed.Order = order
	return healed
}

// StatusOf returns the status of service on order. Missing entries for the
// primary service are migrated from the legacy flat fields and missing entries
// for attached services are initialised; migrated reports whether order was
// changed. Services not attached yield their first step without touching order.
func (s *StatusStore) StatusOf(order *domain.Order, service domain.ServiceType) (status string, migrated bool) {
	if entry, ok := order.ServiceStatuses[service]; ok {
		return entry.Status, false
	}
	initial, err := s.resolver.Catalog().InitialStep(service)
	if err != nil {
		initial = domain.StatusNeu
	}
	if !order.HasService(service) {
		return initial, false
	}

	entry := domain.ServiceStatusEntry{Status: initial, Timestamp: s.entryTimestamp(*order)}
	if service == order.PrimaryService {
		if legacy, ok := s.legacyStatus(*order); ok {
			entry.Status = legacy
		}
		entry.History = append([]domain.StatusHistoryRecord(nil), order.LegacyHistory...)
	}
	if order.ServiceStatuses == nil {
		order.ServiceStatuses = make(map[domain.ServiceType]domain.ServiceStatusEntry)
	}
	order.ServiceStatuses[service] = entry
	return entry.Status, true
}

// Materialize runs StatusOf for every attached service and returns the
// services whose entries were created.
func (s *StatusStore) Materialize(order *domain.Order) []domain.ServiceType {
	var created []domain.ServiceType
	for _, service := range order.Services() {
		if _, migrated := s.StatusOf(order, service); migrated {
			created = append(created, service)
		}
	}
	return created
}

// legacyStatus returns the first flat status that is a position in the
// primary workflow. Unrecognised legacy values fall back to the first step.
func (s *StatusStore) legacyStatus(order domain.Order) (string, bool) {
	for _, candidate := range []string{order.LegacyProcessStatus, order.LegacyStatus} {
		if candidate == "" {
			continue
		}
		res, err := s.resolver.Canonicalize(order.PrimaryService, candidate, order.PrimaryService)
		if err != nil {
			continue
		}
		if res.Status == domain.StatusTerminiert {
			return res.Status, true
		}
		if _, found, _ := s.resolver.Catalog().IndexOf(order.PrimaryService, res.Status); found {
			return res.Status, true
		}
	}
	return "", false
}

func (s *StatusStore) entryTimestamp(order domain.Order) time.Time {
	switch {
	case !order.LastModified.IsZero():
		return order.LastModified
	case !order.CreatedAt.IsZero():
		return order.CreatedAt
	}
	return s.clock()
}

// CompletionGate decides whether every service on an order is finished.
type CompletionGate struct {
	store *StatusStore
}

func NewCompletionGate(store *StatusStore) (*CompletionGate, error) {
	if store == nil {
		return nil, errors.New("completion gate: status store is required")
	}
	return &CompletionGate{store: store}, nil
}

// IsComplete evaluates the primary and every additional service on a copy of
// order, so the caller's value is never migrated.
func (g *CompletionGate) IsComplete(order domain.Order) bool {
	view := order.Clone()
	services := view.Services()
	if len(services) == 0 {
		return false
	}
	for _, service := range services {
		status, _ := g.store.StatusOf(&view, service)
		if !workflow.IsTerminal(status) {
			return false
		}
	}
	return true
}
