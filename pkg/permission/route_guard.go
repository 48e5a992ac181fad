package permission

import (
	"github.com/tyemirov/learnauth/pkg/identity"
)

// DenialReason explains why access was refused.
type DenialReason int

const (
	// NotDenied accompanies an allowed decision.
	NotDenied DenialReason = iota
	// DeniedUnauthenticated means no identity is present.
	DeniedUnauthenticated
	// DeniedRoleMismatch means the identity's role is not among the required roles.
	DeniedRoleMismatch
	// DeniedMissingCapability means the capability requirement is not satisfied.
	DeniedMissingCapability
)

// String renders the reason for logs.
func (reason DenialReason) String() string {
	switch reason {
	case NotDenied:
		return "none"
	case DeniedUnauthenticated:
		return "unauthenticated"
	case DeniedRoleMismatch:
		return "role_mismatch"
	case DeniedMissingCapability:
		return "missing_capability"
	default:
		return "unknown"
	}
}

// AccessDecision is the authorization half of route guarding.
type AccessDecision struct {
	Allowed bool
	Reason  DenialReason
}

func allow() AccessDecision {
	return AccessDecision{Allowed: true, Reason: NotDenied}
}

func deny(reason DenialReason) AccessDecision {
	return AccessDecision{Allowed: false, Reason: reason}
}

// Authorize checks that subject is present and, when requiredRoles is
// non-empty, that its role is one of them.
func Authorize(subject *identity.Identity, requiredRoles ...string) AccessDecision {
	if subject == nil {
		return deny(DeniedUnauthenticated)
	}
	if len(requiredRoles) == 0 {
		return allow()
	}
	for _, role := range requiredRoles {
		if subject.Role == role {
			return allow()
		}
	}
	return deny(DeniedRoleMismatch)
}

// AuthorizeRequirement checks that subject is present and satisfies requirement.
func AuthorizeRequirement(subject *identity.Identity, requirement Requirement) AccessDecision {
	if subject == nil {
		return deny(DeniedUnauthenticated)
	}
	if !requirement.Evaluate(subject).Allowed() {
		return deny(DeniedMissingCapability)
	}
	return allow()
}

// NavigationPolicy decides where a refused user is sent instead.
type NavigationPolicy struct {
	LoginPath   string
	DefaultPath string
	Dashboards  map[string]string
}

// DefaultNavigationPolicy sends anonymous users to /login and authenticated
// users to their role dashboard.
func DefaultNavigationPolicy() NavigationPolicy {
	return NavigationPolicy{
		LoginPath:   "/login",
		DefaultPath: "/",
		Dashboards: map[string]string{
			identity.RoleSuperAdmin: "/admin/dashboard",
			identity.RoleClient:     "/dashboard",
		},
	}
}

// Redirect returns the destination for a refused decision, or "" when the decision allows access.
func (policy NavigationPolicy) Redirect(subject *identity.Identity, decision AccessDecision) string {
	if decision.Allowed {
		return ""
	}
	if subject == nil || decision.Reason == DeniedUnauthenticated {
		return policy.LoginPath
	}
	if dashboard, ok := policy.Dashboards[subject.Role]; ok && dashboard != "" {
		return dashboard
	}
	return policy.DefaultPath
}

// RouteGuard composes an access check with a navigation policy.
type RouteGuard struct {
	RequiredRoles []string
	Requirement   *Requirement
	Policy        NavigationPolicy
}

// RouteOutcome carries both decisions separately.
type RouteOutcome struct {
	Access       AccessDecision
	RedirectPath string
}

// Resolve evaluates the guard for subject.
func (guard RouteGuard) Resolve(subject *identity.Identity) RouteOutcome {
	decision := Authorize(subject, guard.RequiredRoles...)
	if decision.Allowed && guard.Requirement != nil {
		decision = AuthorizeRequirement(subject, *guard.Requirement)
	}
	return RouteOutcome{
		Access:       decision,
		RedirectPath: guard.Policy.Redirect(subject, decision),
	}
}
