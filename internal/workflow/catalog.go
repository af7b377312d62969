package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/werkstatt-flow/api/internal/domain"
)

// Portal statuses shown to partners.
const (
	PortalBeauftragt = "beauftragt"
	PortalTerminiert = "terminiert"
	PortalInArbeit   = "in_arbeit"
	PortalQualitaet  = "qualitaet"
	PortalAbholung   = "abholung"
)

// Definition is the immutable workflow of one service type.
type Definition struct {
	Service  domain.ServiceType
	Label    string
	Priority int
	Steps    []string
	// Portal maps steps to partner portal statuses. Missing steps are derived.
	Portal map[string]string
}

// Catalog is a read-only registry of workflow definitions. Safe for concurrent use.
type Catalog struct {
	order  []domain.ServiceType
	defs   map[domain.ServiceType]Definition
	index  map[domain.ServiceType]map[string]int
	shared map[string][]domain.ServiceType
}

// NewCatalog validates and copies the definitions.
func NewCatalog(defs ...Definition) (*Catalog, error) {
	if len(defs) == 0 {
		return nil, fmt.Errorf("workflow catalog: at least one definition is required")
	}
	c := &Catalog{
		defs:   make(map[domain.ServiceType]Definition, len(defs)),
		index:  make(map[domain.ServiceType]map[string]int, len(defs)),
		shared: make(map[string][]domain.ServiceType),
	}
	for _, def := range defs {
		service := domain.ServiceType(Fold(string(def.Service)))
		if service == "" {
			return nil, fmt.Errorf("workflow catalog: service is required")
		}
		if _, exists := c.defs[service]; exists {
			return nil, fmt.Errorf("workflow catalog: duplicate service %q", service)
		}
		if len(def.Steps) < 2 {
			return nil, fmt.Errorf("workflow catalog: %s needs at least two steps", service)
		}
		steps := make([]string, len(def.Steps))
		positions := make(map[string]int, len(def.Steps))
		for i, raw := range def.Steps {
			step := Fold(raw)
			if step == "" {
				return nil, fmt.Errorf("workflow catalog: %s has an empty step at %d", service, i)
			}
			if step == domain.StatusTerminiert {
				return nil, fmt.Errorf("workflow catalog: %s must not list %q as a step", service, step)
			}
			if _, dup := positions[step]; dup {
				return nil, fmt.Errorf("workflow catalog: %s lists %q twice", service, step)
			}
			steps[i] = step
			positions[step] = i
		}
		portal := make(map[string]string, len(def.Portal))
		for step, value := range def.Portal {
			portal[Fold(step)] = value
		}
		c.defs[service] = Definition{
			Service:  service,
			Label:    def.Label,
			Priority: def.Priority,
			Steps:    steps,
			Portal:   portal,
		}
		c.index[service] = positions
		c.order = append(c.order, service)
	}

	sort.SliceStable(c.order, func(i, j int) bool {
		return c.defs[c.order[i]].Priority < c.defs[c.order[j]].Priority
	})
	for _, service := range c.order {
		for _, step := range c.defs[service].Steps {
			c.shared[step] = append(c.shared[step], service)
		}
	}
	for step, owners := range c.shared {
		if len(owners) < 2 {
			delete(c.shared, step)
		}
	}
	return c, nil
}

// StepsFor returns a copy of the ordered steps of the service.
func (c *Catalog) StepsFor(service domain.ServiceType) ([]string, error) {
	def, err := c.Definition(service)
	if err != nil {
		return nil, err
	}
	return append([]string(nil), def.Steps...), nil
}

// IndexOf returns the position of step in the service workflow.
func (c *Catalog) IndexOf(service domain.ServiceType, step string) (int, bool, error) {
	positions, ok := c.index[service]
	if !ok {
		return 0, false, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	idx, found := positions[Fold(step)]
	return idx, found, nil
}

// Definition returns the workflow definition of the service.
func (c *Catalog) Definition(service domain.ServiceType) (Definition, error) {
	def, ok := c.defs[service]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	return def, nil
}

// Has reports whether the service has a workflow.
func (c *Catalog) Has(service domain.ServiceType) bool {
	_, ok := c.defs[service]
	return ok
}

// InitialStep returns the intake step of the service.
func (c *Catalog) InitialStep(service domain.ServiceType) (string, error) {
	def, err := c.Definition(service)
	if err != nil {
		return "", err
	}
	return def.Steps[0], nil
}

// Services lists the known services ordered by display priority.
func (c *Catalog) Services() []domain.ServiceType {
	return append([]domain.ServiceType(nil), c.order...)
}

// SharedSteps returns the steps used by more than one workflow with their owners
// in priority order.
func (c *Catalog) SharedSteps() map[string][]domain.ServiceType {
	out := make(map[string][]domain.ServiceType, len(c.shared))
	for step, owners := range c.shared {
		out[step] = append([]domain.ServiceType(nil), owners...)
	}
	return out
}

// IsShared reports whether the step occurs in more than one workflow.
func (c *Catalog) IsShared(step string) bool {
	_, ok := c.shared[Fold(step)]
	return ok
}

// IsWorkStep reports whether the step lies strictly between intake and the
// final step. Work steps are the ones a photo is expected for.
func (c *Catalog) IsWorkStep(service domain.ServiceType, step string) bool {
	def, ok := c.defs[service]
	if !ok {
		return false
	}
	idx, found := c.index[service][Fold(step)]
	return found && idx > 0 && idx < len(def.Steps)-1
}

// PortalStatus maps a service step to the status shown in the partner portal.
func (c *Catalog) PortalStatus(service domain.ServiceType, step string) string {
	step = Fold(step)
	if step == domain.StatusTerminiert {
		return PortalTerminiert
	}
	if IsTerminal(step) {
		return PortalAbholung
	}
	def, ok := c.defs[service]
	if !ok {
		return PortalBeauftragt
	}
	if mapped, ok := def.Portal[step]; ok {
		return mapped
	}
	idx, found := c.index[service][step]
	switch {
	case !found || idx == 0 || step == domain.StatusNeu:
		return PortalBeauftragt
	case idx == len(def.Steps)-1:
		return PortalAbholung
	case strings.HasPrefix(step, "qualitaet"):
		return PortalQualitaet
	default:
		return PortalInArbeit
	}
}

var terminalStatuses = map[string]struct{}{
	domain.StatusFertig:        {},
	domain.StatusBereit:        {},
	domain.StatusAbholbereit:   {},
	domain.StatusAbgeschlossen: {},
}

// IsTerminal reports whether the status marks a finished service.
func IsTerminal(status string) bool {
	_, ok := terminalStatuses[Fold(status)]
	return ok
}

// IsIntake reports whether the status is an intake state from which scheduling
// is always allowed.
func IsIntake(status string) bool {
	switch Fold(status) {
	case "", domain.StatusNeu, domain.StatusAngenommen, domain.StatusTerminiert:
		return true
	}
	return false
}

func mustCatalog(defs ...Definition) *Catalog {
	c, err := NewCatalog(defs...)
	if err != nil {
		panic(err)
	}
	return c
}

var defaultCatalog = mustCatalog(DefaultDefinitions()...)

// DefaultCatalog returns the built-in workflows.
func DefaultCatalog() *Catalog {
	return defaultCatalog
}

// DefaultDefinitions returns fresh copies of the built-in workflow definitions.
func DefaultDefinitions() []Definition {
	return []Definition{
		{
			Service: domain.ServiceLackier, Label: "Lackierung", Priority: 1,
			Steps: []string{"angenommen", "vorbereitung", "lackierung", "trocknung", "qualitaet", "bereit"},
			Portal: map[string]string{
				"angenommen": PortalBeauftragt, "vorbereitung": PortalBeauftragt,
				"lackierung": PortalInArbeit, "trocknung": PortalInArbeit,
				"qualitaet": PortalQualitaet, "bereit": PortalAbholung,
			},
		},
		{
			Service: domain.ServiceReifen, Label: "Reifen", Priority: 2,
			Steps: []string{"angenommen", "demontage", "montage", "wuchten", "bereit"},
			Portal: map[string]string{
				"angenommen": PortalBeauftragt, "demontage": PortalInArbeit,
				"montage": PortalInArbeit, "wuchten": PortalQualitaet, "bereit": PortalAbholung,
			},
		},
		{
			Service: domain.ServiceMechanik, Label: "Mechanik", Priority: 3,
			Steps: []string{"angenommen", "diagnose", "reparatur", "test", "qualitaet", "bereit"},
			Portal: map[string]string{
				"angenommen": PortalBeauftragt, "diagnose": PortalBeauftragt,
				"reparatur": PortalInArbeit, "test": PortalQualitaet,
				"qualitaet": PortalQualitaet, "bereit": PortalAbholung,
			},
		},
		{
			Service: domain.ServicePflege, Label: "Pflege", Priority: 4,
			Steps: []string{"angenommen", "reinigung", "aufbereitung", "versiegelung", "bereit"},
			Portal: map[string]string{
				"angenommen": PortalBeauftragt, "reinigung": PortalInArbeit,
				"aufbereitung": PortalInArbeit, "versiegelung": PortalQualitaet, "bereit": PortalAbholung,
			},
		},
		{
			Service: domain.ServiceTuev, Label: "TÜV", Priority: 5,
			Steps: []string{"angenommen", "vorbereitung", "pruefung", "bereit"},
			Portal: map[string]string{
				"angenommen": PortalBeauftragt, "vorbereitung": PortalBeauftragt,
				"pruefung": PortalInArbeit, "bereit": PortalAbholung, "abholbereit": PortalAbholung,
			},
		},
		{
			Service: domain.ServiceVersicherung, Label: "Versicherung", Priority: 6,
			Steps: []string{"angenommen", "dokumentation", "kalkulation", "freigabe", "reparatur", "bereit"},
			Portal: map[string]string{
				"angenommen": PortalBeauftragt, "dokumentation": PortalBeauftragt,
				"kalkulation": PortalInArbeit, "freigabe": PortalQualitaet,
				"reparatur": PortalInArbeit, "bereit": PortalAbholung,
			},
		},
		{
			Service: domain.ServiceGlas, Label: "Glas", Priority: 7,
			Steps: []string{"angenommen", "begutachtung", "ausbau", "einbau", "kalibrierung", "bereit"},
		},
		{
			Service: domain.ServiceKlima, Label: "Klima", Priority: 8,
			Steps: []string{"angenommen", "diagnose", "wartung", "befuellung", "test", "bereit"},
		},
		{
			Service: domain.ServiceDellen, Label: "Dellen", Priority: 9,
			Steps: []string{"angenommen", "begutachtung", "ausbeulen", "politur", "qualitaet", "bereit"},
		},
		{
			Service: domain.ServiceFolierung, Label: "Folierung", Priority: 10,
			Steps: []string{"angenommen", "vorbereitung", "folierung", "nachbearbeitung", "qualitaet", "bereit"},
		},
		{
			Service: domain.ServiceSteinschutz, Label: "Steinschutz", Priority: 11,
			Steps: []string{"angenommen", "reinigung", "folierung", "aushaertung", "bereit"},
		},
		{
			Service: domain.ServiceWerbebeklebung, Label: "Werbebeklebung", Priority: 12,
			Steps: []string{"angenommen", "design", "druck", "beklebung", "bereit"},
		},
	}
}
