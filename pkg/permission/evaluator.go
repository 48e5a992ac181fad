// Package permission evaluates whether an identity may perform an action.
//
// Every function here is a pure predicate over the identity's granted
// capabilities: nothing is mutated and a nil identity is always denied.
// The wildcard capability "all" grants every capability.
package permission

import (
	"strings"

	"github.com/tyemirov/learnauth/pkg/identity"
)

// Capabilities is a set of granted capability names.
type Capabilities map[string]struct{}

// NewCapabilities builds a set from a list, ignoring blank names.
func NewCapabilities(names ...string) Capabilities {
	set := make(Capabilities, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		set[trimmed] = struct{}{}
	}
	return set
}

// Of returns the capability set of subject; a nil subject yields an empty set.
func Of(subject *identity.Identity) Capabilities {
	if subject == nil {
		return Capabilities{}
	}
	return NewCapabilities(subject.Capabilities...)
}

// Has reports whether capability is granted directly or through the wildcard.
func (set Capabilities) Has(capability string) bool {
	if _, wildcard := set[identity.CapabilityAll]; wildcard {
		return true
	}
	_, granted := set[capability]
	return granted
}

// HasAny reports whether at least one capability is granted.
func (set Capabilities) HasAny(capabilities ...string) bool {
	for _, capability := range capabilities {
		if set.Has(capability) {
			return true
		}
	}
	return false
}

// HasAll reports whether every capability is granted.
func (set Capabilities) HasAll(capabilities ...string) bool {
	for _, capability := range capabilities {
		if !set.Has(capability) {
			return false
		}
	}
	return true
}

// Has reports whether subject holds capability.
func Has(subject *identity.Identity, capability string) bool {
	return Of(subject).Has(capability)
}

// HasAny reports whether subject holds at least one of capabilities.
func HasAny(subject *identity.Identity, capabilities ...string) bool {
	return Of(subject).HasAny(capabilities...)
}

// HasAll reports whether subject holds every one of capabilities. A nil
// subject is anonymous and is denied even when capabilities is empty, where a
// signed-in subject is vacuously granted.
func HasAll(subject *identity.Identity, capabilities ...string) bool {
	if subject == nil {
		return false
	}
	return Of(subject).HasAll(capabilities...)
}
