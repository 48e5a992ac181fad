package identity

import (
	"errors"
	"fmt"
	"strings"
)

// Role names assigned by the platform.
const (
	RoleClient     = "client"
	RoleSuperAdmin = "superadmin"
)

// CapabilityAll subsumes every other capability.
const CapabilityAll = "all"

// ArtifactKind names an uploadable profile artifact.
type ArtifactKind string

// Supported artifact kinds.
const (
	ArtifactResume  ArtifactKind = "resume"
	ArtifactPicture ArtifactKind = "picture"
)

// ErrUnknownArtifactKind is returned by ParseArtifactKind for unsupported kinds.
var ErrUnknownArtifactKind = errors.New("identity.unknown_artifact_kind")

// ParseArtifactKind converts a raw string into an ArtifactKind.
func ParseArtifactKind(raw string) (ArtifactKind, error) {
	switch ArtifactKind(strings.ToLower(strings.TrimSpace(raw))) {
	case ArtifactResume:
		return ArtifactResume, nil
	case ArtifactPicture:
		return ArtifactPicture, nil
	default:
		return "", fmt.Errorf("identity.parse_artifact_kind: %q: %w", raw, ErrUnknownArtifactKind)
	}
}

// Profile holds the user-editable fields of an identity.
type Profile struct {
	Bio        string   `json:"bio,omitempty"`
	Links      []string `json:"links,omitempty"`
	ResumeRef  string   `json:"resume_ref,omitempty"`
	PictureRef string   `json:"picture_ref,omitempty"`
}

// Identity is the authenticated actor as reported by the server.
type Identity struct {
	ID           string   `json:"id"`
	Username     string   `json:"username"`
	Email        string   `json:"email"`
	Role         string   `json:"role"`
	Capabilities []string `json:"capabilities"`
	Profile      Profile  `json:"profile"`
}

// Clone returns a deep copy so callers can never mutate a shared snapshot.
func (identity Identity) Clone() Identity {
	cloned := identity
	if identity.Capabilities != nil {
		cloned.Capabilities = append([]string(nil), identity.Capabilities...)
	}
	if identity.Profile.Links != nil {
		cloned.Profile.Links = append([]string(nil), identity.Profile.Links...)
	}
	return cloned
}

// ArtifactRef returns the stored reference for the given artifact kind.
func (identity Identity) ArtifactRef(kind ArtifactKind) string {
	switch kind {
	case ArtifactResume:
		return identity.Profile.ResumeRef
	case ArtifactPicture:
		return identity.Profile.PictureRef
	default:
		return ""
	}
}

// ProfileUpdate carries the fields a user may change. Nil fields are left untouched by the server.
type ProfileUpdate struct {
	Username *string  `json:"username,omitempty"`
	Bio      *string  `json:"bio,omitempty"`
	Links    []string `json:"links,omitempty"`
}

// IsEmpty reports whether the update carries no changes.
func (update ProfileUpdate) IsEmpty() bool {
	return update.Username == nil && update.Bio == nil && update.Links == nil
}
