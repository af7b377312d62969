package workflow

import (
	"fmt"

	"github.com/werkstatt-flow/api/internal/domain"
)

// PriorityTable lists, per shared status token, the services that own it in
// descending preference.
type PriorityTable map[string][]domain.ServiceType

// DefaultPriorityTable returns the built-in tie-break order for shared tokens.
// Tokens without an entry fall back to catalog display priority.
func DefaultPriorityTable() PriorityTable {
	return PriorityTable{
		"reparatur": {domain.ServiceMechanik, domain.ServiceVersicherung},
		"qualitaet": {domain.ServiceLackier, domain.ServiceMechanik, domain.ServiceDellen, domain.ServiceFolierung},
	}
}

func (t PriorityTable) clone() PriorityTable {
	out := make(PriorityTable, len(t))
	for token, owners := range t {
		out[Fold(token)] = append([]domain.ServiceType(nil), owners...)
	}
	return out
}

// legacyStatusAliases maps board names of older records onto workflow steps.
// Applied only when the raw token is not itself a step of the service.
var legacyStatusAliases = map[string]string{
	"qualitaetskontrolle": "qualitaet",
	"bereit_zur_abholung": domain.StatusBereit,
	"abholbereit":         domain.StatusBereit,
	"fertig":              domain.StatusBereit,
	"abgeschlossen":       domain.StatusBereit,
}

// Resolution is the outcome of canonicalizing a raw status token.
type Resolution struct {
	Status string
	// Owner is the service a shared token was attributed to. Empty for tokens
	// that belong to a single workflow.
	Owner   domain.ServiceType
	Aliased bool
}

// Resolver maps legacy and alternate status and service tokens onto canonical
// forms. It holds no mutable state.
type Resolver struct {
	catalog        *Catalog
	priorities     PriorityTable
	serviceAliases map[string]domain.ServiceType
	fallback       domain.ServiceType
}

// ResolverOption customises a Resolver.
type ResolverOption func(*Resolver)

// WithPriorityTable replaces the default tie-break table.
func WithPriorityTable(table PriorityTable) ResolverOption {
	return func(r *Resolver) {
		if table != nil {
			r.priorities = table.clone()
		}
	}
}

// WithServiceAliases adds service aliases on top of the built-in table.
func WithServiceAliases(aliases map[string]domain.ServiceType) ResolverOption {
	return func(r *Resolver) {
		for alias, service := range aliases {
			r.serviceAliases[Fold(alias)] = service
		}
	}
}

// WithFallbackService sets the service returned for unrecognised service input.
func WithFallbackService(service domain.ServiceType) ResolverOption {
	return func(r *Resolver) {
		if service != "" {
			r.fallback = service
		}
	}
}

// NewResolver builds a resolver over the catalog.
func NewResolver(catalog *Catalog, opts ...ResolverOption) (*Resolver, error) {
	if catalog == nil {
		return nil, fmt.Errorf("workflow resolver: catalog is required")
	}
	r := &Resolver{
		catalog:        catalog,
		priorities:     DefaultPriorityTable().clone(),
		serviceAliases: defaultServiceAliases(),
		fallback:       domain.ServiceLackier,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if !catalog.Has(r.fallback) {
		return nil, fmt.Errorf("workflow resolver: fallback service %q: %w", r.fallback, ErrUnknownService)
	}
	for token, owners := range r.priorities {
		for _, owner := range owners {
			if !catalog.Has(owner) {
				return nil, fmt.Errorf("workflow resolver: priority for %q names %q: %w", token, owner, ErrUnknownService)
			}
		}
	}
	for alias, service := range r.serviceAliases {
		if !catalog.Has(service) {
			return nil, fmt.Errorf("workflow resolver: alias %q names %q: %w", alias, service, ErrUnknownService)
		}
	}
	return r, nil
}

// Catalog returns the catalog the resolver reads from.
func (r *Resolver) Catalog() *Catalog {
	return r.catalog
}

// Canonicalize maps raw onto the canonical status token for service.
// contextService is the service the caller is currently acting on; it breaks
// ties for tokens shared by several workflows.
func (r *Resolver) Canonicalize(service domain.ServiceType, raw string, contextService domain.ServiceType) (Resolution, error) {
	if !r.catalog.Has(service) {
		return Resolution{}, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	token := Fold(raw)
	res := Resolution{Status: token, Aliased: token != raw}
	if token == "" || token == domain.StatusTerminiert {
		return res, nil
	}

	_, isStep, _ := r.catalog.IndexOf(service, token)
	if !isStep {
		if mapped, ok := legacyStatusAliases[token]; ok {
			if _, found, _ := r.catalog.IndexOf(service, mapped); found {
				res.Status = mapped
				res.Aliased = true
				isStep = true
			}
		}
	}

	if !isStep && (token == domain.StatusNeu || token == domain.StatusAngenommen) {
		_, neuValid, _ := r.catalog.IndexOf(service, domain.StatusNeu)
		_, angenommenValid, _ := r.catalog.IndexOf(service, domain.StatusAngenommen)
		switch {
		case neuValid && !angenommenValid:
			res.Status = domain.StatusNeu
			res.Aliased = true
		case angenommenValid && !neuValid:
			res.Status = domain.StatusAngenommen
			res.Aliased = true
		}
	}

	if r.catalog.IsShared(res.Status) {
		if owner, ok := r.ResolveService(res.Status, contextService); ok {
			res.Owner = owner
		}
	}
	return res, nil
}

// ResolveService attributes a status token to the service that owns it.
// When candidates are given only those services are considered.
func (r *Resolver) ResolveService(raw string, contextService domain.ServiceType, candidates ...domain.ServiceType) (domain.ServiceType, bool) {
	token := Fold(raw)
	if token == "" {
		return "", false
	}
	if mapped, ok := legacyStatusAliases[token]; ok && !r.anyHasStep(token) {
		token = mapped
	}
	allowed := func(service domain.ServiceType) bool {
		if len(candidates) == 0 {
			return true
		}
		for _, candidate := range candidates {
			if candidate == service {
				return true
			}
		}
		return false
	}
	owns := func(service domain.ServiceType) bool {
		if !allowed(service) {
			return false
		}
		if token == domain.StatusTerminiert || token == domain.StatusNeu {
			return r.catalog.Has(service)
		}
		_, found, err := r.catalog.IndexOf(service, token)
		return err == nil && found
	}

	if contextService != "" && owns(contextService) {
		return contextService, true
	}
	for _, service := range r.priorities[token] {
		if owns(service) {
			return service, true
		}
	}
	if len(candidates) > 0 {
		for _, service := range candidates {
			if owns(service) {
				return service, true
			}
		}
		return "", false
	}
	for _, service := range r.catalog.Services() {
		if owns(service) {
			return service, true
		}
	}
	return "", false
}

func (r *Resolver) anyHasStep(token string) bool {
	for _, service := range r.catalog.Services() {
		if _, found, _ := r.catalog.IndexOf(service, token); found {
			return true
		}
	}
	return false
}

// NormalizeService maps a raw service tag or alias onto a known service.
func (r *Resolver) NormalizeService(raw string) (domain.ServiceType, bool) {
	token := Fold(raw)
	if token == "" {
		return "", false
	}
	if r.catalog.Has(domain.ServiceType(token)) {
		return domain.ServiceType(token), true
	}
	if service, ok := r.serviceAliases[token]; ok {
		return service, true
	}
	return "", false
}

// ValidateServiceType is NormalizeService with the configured fallback for
// unrecognised input. It never fails.
func (r *Resolver) ValidateServiceType(raw string) domain.ServiceType {
	if service, ok := r.NormalizeService(raw); ok {
		return service
	}
	return r.fallback
}

// FallbackService returns the service used for unrecognised input.
func (r *Resolver) FallbackService() domain.ServiceType {
	return r.fallback
}

func defaultServiceAliases() map[string]domain.ServiceType {
	groups := map[domain.ServiceType][]string{
		domain.ServiceLackier:        {"lackierung", "lack", "karosserie", "bodyshop"},
		domain.ServiceDellen:         {"smart-repair", "smartrepair", "smart_repair", "pdr", "paintless-dent-removal", "beule", "beulen"},
		domain.ServicePflege:         {"aufbereitung", "reinigung", "polierung", "detailing"},
		domain.ServiceTuev:           {"tüv", "tauv", "tuv", "au", "hauptuntersuchung", "hu"},
		domain.ServiceVersicherung:   {"unfall", "unfallschaden", "insurance", "gutachten"},
		domain.ServiceSteinschutz:    {"lackschutz", "ppf", "paint-protection", "schutzfolie"},
		domain.ServiceGlas:           {"glasschaden", "steinschlag", "scheibe", "windschutzscheibe"},
		domain.ServiceKlima:          {"klimaanlage", "ac", "aircon"},
		domain.ServiceFolierung:      {"wrap", "folie", "vollfolierung"},
		domain.ServiceMechanik:       {"reparatur", "werkstatt", "instandsetzung"},
		domain.ServiceReifen:         {"reifenwechsel", "reifenmontage", "raeder", "räder", "wheels"},
		domain.ServiceWerbebeklebung: {"werbung", "beschriftung", "beklebung", "lettering"},
	}
	out := make(map[string]domain.ServiceType)
	for service, aliases := range groups {
		for _, alias := range aliases {
			out[Fold(alias)] = service
		}
	}
	return out
}
