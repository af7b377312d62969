package firestore

import (
	"context"
	"fmt"

	pfirestore "github.com/werkstatt-flow/api/internal/platform/firestore"
	"github.com/werkstatt-flow/api/internal/repositories"
)

// Registry wires the Firestore-backed repositories around one provider.
type Registry struct {
	provider *pfirestore.Provider
	orders   *OrderRepository
	partners *PartnerRepository
	counters *CounterRepository
	health   repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry builds every repository. extraProbes are reported next to the
// Firestore probe, e.g. the order event topic.
func NewRegistry(provider *pfirestore.Provider, extraProbes ...repositories.Probe) (*Registry, error) {
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	partners, err := NewPartnerRepository(provider)
	if err != nil {
		return nil, err
	}
	counters, err := NewCounterRepository(provider)
	if err != nil {
		return nil, err
	}
	probes := append([]repositories.Probe{{
		Name: "firestore",
		Check: func(ctx context.Context) error {
			return provider.Ping(ctx, ordersCollection)
		},
	}}, extraProbes...)
	health, err := repositories.NewProbeHealthRepository(probes)
	if err != nil {
		return nil, fmt.Errorf("firestore registry: %w", err)
	}
	return &Registry{provider: provider, orders: orders, partners: partners, counters: counters, health: health}, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Orders() repositories.OrderRepository     { return r.orders }
func (r *Registry) Partners() repositories.PartnerRepository { return r.partners }
func (r *Registry) Counters() repositories.CounterRepository { return r.counters }
func (r *Registry) Health() repositories.HealthRepository    { return r.health }
