package permission

import (
	"errors"
	"strings"

	"github.com/tyemirov/learnauth/pkg/identity"
)

// Mode selects how a list of capabilities is combined.
type Mode int

const (
	// ModeUnspecified defaults to ModeAny when a list is given.
	ModeUnspecified Mode = iota
	// ModeAny requires at least one capability from the list.
	ModeAny
	// ModeAll requires every capability from the list.
	ModeAll
)

// String renders the mode for logs.
func (mode Mode) String() string {
	switch mode {
	case ModeAny:
		return "any"
	case ModeAll:
		return "all"
	default:
		return "unspecified"
	}
}

// Decision is the outcome of evaluating a Requirement.
type Decision int

const (
	// Fallback means the gated capability must not be offered.
	Fallback Decision = iota
	// Show means the gated capability may be offered.
	Show
)

// Allowed reports whether the decision is Show.
func (decision Decision) Allowed() bool {
	return decision == Show
}

// String renders the decision for logs.
func (decision Decision) String() string {
	if decision == Show {
		return "show"
	}
	return "fallback"
}

var (
	// ErrAmbiguousRequirement indicates both a single capability and a list were supplied.
	ErrAmbiguousRequirement = errors.New("permission.requirement.ambiguous")
	// ErrEmptyRequirement indicates neither a single capability nor a list was supplied.
	ErrEmptyRequirement = errors.New("permission.requirement.empty")
)

// Requirement describes what a gated element needs: exactly one of a single
// capability, or a list combined with Mode.
type Requirement struct {
	Capability   string
	Capabilities []string
	Mode         Mode
}

// Require builds a single-capability requirement.
func Require(capability string) Requirement {
	return Requirement{Capability: capability}
}

// RequireAny builds a list requirement satisfied by any member.
func RequireAny(capabilities ...string) Requirement {
	return Requirement{Capabilities: capabilities, Mode: ModeAny}
}

// RequireAll builds a list requirement satisfied only by every member.
func RequireAll(capabilities ...string) Requirement {
	return Requirement{Capabilities: capabilities, Mode: ModeAll}
}

// Validate rejects requirements that are empty or specify both forms.
func (requirement Requirement) Validate() error {
	hasSingle := strings.TrimSpace(requirement.Capability) != ""
	hasList := len(requirement.Capabilities) > 0
	switch {
	case hasSingle && hasList:
		return ErrAmbiguousRequirement
	case !hasSingle && !hasList:
		return ErrEmptyRequirement
	default:
		return nil
	}
}

// Evaluate decides whether subject satisfies the requirement. Invalid
// requirements and nil subjects fall back.
func (requirement Requirement) Evaluate(subject *identity.Identity) Decision {
	if subject == nil || requirement.Validate() != nil {
		return Fallback
	}
	return requirement.EvaluateSet(Of(subject))
}

// EvaluateSet decides against a precomputed capability set.
func (requirement Requirement) EvaluateSet(granted Capabilities) Decision {
	if requirement.Validate() != nil {
		return Fallback
	}
	if requirement.Capability != "" {
		return decide(granted.Has(requirement.Capability))
	}
	if requirement.Mode == ModeAll {
		return decide(granted.HasAll(requirement.Capabilities...))
	}
	return decide(granted.HasAny(requirement.Capabilities...))
}

func decide(granted bool) Decision {
	if granted {
		return Show
	}
	return Fallback
}
