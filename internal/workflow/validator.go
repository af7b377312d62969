package workflow

import (
	"fmt"

	"github.com/werkstatt-flow/api/internal/domain"
)

// MaxForwardJump is the largest allowed forward move in workflow positions.
const MaxForwardJump = 2

// DecisionKind classifies a validation outcome.
type DecisionKind string

const (
	KindAllowed            DecisionKind = "allowed"
	KindUnknownService     DecisionKind = "unknown_service"
	KindInvalidStatus      DecisionKind = "invalid_status"
	KindBackwardTransition DecisionKind = "backward_transition"
	KindTooManySkipped     DecisionKind = "too_many_skipped"
)

func (k DecisionKind) sentinel() error {
	switch k {
	case KindUnknownService:
		return ErrUnknownService
	case KindInvalidStatus:
		return ErrInvalidStatus
	case KindBackwardTransition:
		return ErrBackwardTransition
	case KindTooManySkipped:
		return ErrTooManySkipped
	}
	return nil
}

// Overridable reports whether a privileged actor may force a transition
// denied with this kind. Only policy denials qualify; a status outside the
// workflow is never written.
func (k DecisionKind) Overridable() bool {
	switch k {
	case KindBackwardTransition, KindTooManySkipped:
		return true
	}
	return false
}

// Decision is the result of validating one transition.
type Decision struct {
	Allowed bool
	Kind    DecisionKind
	Reason  string
	// From and To hold the canonical tokens the decision was made on.
	From string
	To   string
}

// Err returns nil for allowed decisions and a *TransitionError otherwise.
func (d Decision) Err(service domain.ServiceType) error {
	if d.Allowed {
		return nil
	}
	return &TransitionError{Service: string(service), From: d.From, To: d.To, Decision: d}
}

// Validator applies the forward-only transition rules to workflow statuses.
type Validator struct {
	resolver *Resolver
}

// NewValidator returns a validator backed by the resolver and its catalog.
func NewValidator(resolver *Resolver) (*Validator, error) {
	if resolver == nil {
		return nil, fmt.Errorf("workflow validator: resolver is required")
	}
	return &Validator{resolver: resolver}, nil
}

// Validate checks a transition of service from current to target.
func (v *Validator) Validate(service domain.ServiceType, current, target string) Decision {
	return v.ValidateInContext(service, current, target, service)
}

// ValidateInContext is Validate with an explicit context service for shared
// token resolution.
func (v *Validator) ValidateInContext(service domain.ServiceType, current, target string, contextService domain.ServiceType) Decision {
	from, to := Fold(current), Fold(target)
	catalog := v.resolver.Catalog()
	if !catalog.Has(service) {
		return deny(KindUnknownService, from, to, fmt.Sprintf("unknown service %q", service))
	}
	if from == to {
		return allow(from, to)
	}
	if to == domain.StatusTerminiert && IsIntake(from) {
		return allow(from, to)
	}

	fromRes, err := v.resolver.Canonicalize(service, from, contextService)
	if err != nil {
		return deny(KindUnknownService, from, to, err.Error())
	}
	toRes, err := v.resolver.Canonicalize(service, to, contextService)
	if err != nil {
		return deny(KindUnknownService, from, to, err.Error())
	}
	from, to = fromRes.Status, toRes.Status
	if from == to {
		return allow(from, to)
	}

	fromIdx, ok := v.position(service, from)
	if !ok {
		return deny(KindInvalidStatus, from, to, fmt.Sprintf("current status %q is not part of the %s workflow", from, service))
	}
	toIdx, ok := v.position(service, to)
	if !ok {
		return deny(KindInvalidStatus, from, to, fmt.Sprintf("status %q is not part of the %s workflow", to, service))
	}
	if toIdx < fromIdx {
		return deny(KindBackwardTransition, from, to, fmt.Sprintf("backward transition from %q to %q", from, to))
	}
	if toIdx-fromIdx > MaxForwardJump {
		return deny(KindTooManySkipped, from, to,
			fmt.Sprintf("too many steps skipped from %q to %q (%d, at most %d)", from, to, toIdx-fromIdx, MaxForwardJump))
	}
	return allow(from, to)
}

// position returns the workflow index of status. The intake tokens without a
// step of their own share position zero.
func (v *Validator) position(service domain.ServiceType, status string) (int, bool) {
	switch status {
	case "", domain.StatusTerminiert, domain.StatusNeu:
		return 0, true
	}
	idx, found, err := v.resolver.Catalog().IndexOf(service, status)
	if err != nil {
		return 0, false
	}
	return idx, found
}

func allow(from, to string) Decision {
	return Decision{Allowed: true, Kind: KindAllowed, From: from, To: to}
}

func deny(kind DecisionKind, from, to, reason string) Decision {
	return Decision{Allowed: false, Kind: kind, Reason: reason, From: from, To: to}
}
