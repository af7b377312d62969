package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/werkstatt-flow/api/internal/domain"
)

// Overrides is the optional workflow configuration file.
//
//	priorities:
//	  reparatur: [mechanik, versicherung]
//	  qualitaet: [lackier, mechanik]
//	serviceAliases:
//	  smartrepair: dellen
//	fallbackService: lackier
type Overrides struct {
	Priorities      map[string][]string `yaml:"priorities"`
	ServiceAliases  map[string]string   `yaml:"serviceAliases"`
	FallbackService string              `yaml:"fallbackService"`
}

// LoadOverrides reads the YAML file at path. An empty path yields empty overrides.
func LoadOverrides(path string) (Overrides, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Overrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Overrides{}, fmt.Errorf("workflow overrides: read %s: %w", path, err)
	}
	return ParseOverrides(bytes.NewReader(data))
}

// ParseOverrides decodes overrides from r. Unknown keys are rejected.
func ParseOverrides(r io.Reader) (Overrides, error) {
	var out Overrides
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&out); err != nil && err != io.EOF {
		return Overrides{}, fmt.Errorf("workflow overrides: decode: %w", err)
	}
	return out, nil
}

// ResolverOptions converts the overrides into resolver options. Services are
// checked against the catalog.
func (o Overrides) ResolverOptions(catalog *Catalog) ([]ResolverOption, error) {
	var opts []ResolverOption
	if len(o.Priorities) > 0 {
		table := DefaultPriorityTable()
		for token, owners := range o.Priorities {
			folded := Fold(token)
			if folded == "" {
				return nil, fmt.Errorf("workflow overrides: empty priority token")
			}
			services := make([]domain.ServiceType, 0, len(owners))
			for _, owner := range owners {
				service := domain.ServiceType(Fold(owner))
				if !catalog.Has(service) {
					return nil, fmt.Errorf("workflow overrides: priority %q: %w: %q", token, ErrUnknownService, owner)
				}
				services = append(services, service)
			}
			table[folded] = services
		}
		opts = append(opts, WithPriorityTable(table))
	}
	if len(o.ServiceAliases) > 0 {
		aliases := make(map[string]domain.ServiceType, len(o.ServiceAliases))
		for alias, target := range o.ServiceAliases {
			service := domain.ServiceType(Fold(target))
			if !catalog.Has(service) {
				return nil, fmt.Errorf("workflow overrides: alias %q: %w: %q", alias, ErrUnknownService, target)
			}
			aliases[alias] = service
		}
		opts = append(opts, WithServiceAliases(aliases))
	}
	if fb := Fold(o.FallbackService); fb != "" {
		if !catalog.Has(domain.ServiceType(fb)) {
			return nil, fmt.Errorf("workflow overrides: fallback: %w: %q", ErrUnknownService, o.FallbackService)
		}
		opts = append(opts, WithFallbackService(domain.ServiceType(fb)))
	}
	return opts, nil
}
