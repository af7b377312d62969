package auth

import (
	"context"
	"slices"
	"strings"

	"github.com/werkstatt-flow/api/internal/domain"
)

// Roles carried in the "role" custom claim of Firebase ID tokens.
const (
	RoleMitarbeiter = "mitarbeiter"
	RoleWerkstatt   = "werkstatt"
	RoleAdmin       = "admin"
	RolePartner     = "partner"
)

// overrideClaim grants transition overrides to individual accounts.
const overrideClaim = "canOverride"

// Identity is the authenticated principal extracted from a Firebase ID token.
type Identity struct {
	UID         string
	Email       string
	DisplayName string
	Roles       []string
	// Override is set by the canOverride claim.
	Override bool
}

// HasRole reports whether the identity carries role (case-insensitive).
func (i *Identity) HasRole(role string) bool {
	if i == nil {
		return false
	}
	return slices.ContainsFunc(i.Roles, func(r string) bool { return strings.EqualFold(r, role) })
}

// CanOverride reports whether the identity may force a denied status transition.
// Admins and workshop leads always can.
func (i *Identity) CanOverride() bool {
	if i == nil {
		return false
	}
	return i.Override || i.HasRole(RoleAdmin) || i.HasRole(RoleWerkstatt)
}

// Actor converts the identity into the audit actor recorded with status changes.
func (i *Identity) Actor() domain.Actor {
	if i == nil {
		return domain.SystemActor
	}
	name := i.DisplayName
	if name == "" {
		name = i.Email
	}
	if name == "" {
		name = i.UID
	}
	role := ""
	if len(i.Roles) > 0 {
		role = i.Roles[0]
	}
	return domain.Actor{ID: i.UID, DisplayName: name, Role: role, CanOverride: i.CanOverride()}
}

type identityKey struct{}

// WithIdentity stores identity on ctx.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by the middleware.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(*Identity)
	return identity, ok && identity != nil
}
