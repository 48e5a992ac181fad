package identity

import (
	"errors"
	"testing"
)

func TestCloneIsIndependent(t *testing.T) {
	original := Identity{
		ID:           "user-1",
		Capabilities: []string{"read:problems"},
		Profile:      Profile{Links: []string{"https://example.com"}},
	}
	cloned := original.Clone()
	cloned.Capabilities[0] = "manage:users"
	cloned.Profile.Links[0] = "https://changed.example.com"

	if original.Capabilities[0] != "read:problems" {
		t.Fatalf("clone shares capability storage with original")
	}
	if original.Profile.Links[0] != "https://example.com" {
		t.Fatalf("clone shares link storage with original")
	}
}

func TestParseArtifactKind(t *testing.T) {
	kind, err := ParseArtifactKind(" Resume ")
	if err != nil || kind != ArtifactResume {
		t.Fatalf("expected resume kind, got %q (%v)", kind, err)
	}
	if _, err := ParseArtifactKind("diploma"); !errors.Is(err, ErrUnknownArtifactKind) {
		t.Fatalf("expected ErrUnknownArtifactKind, got %v", err)
	}
}

func TestArtifactRef(t *testing.T) {
	subject := Identity{Profile: Profile{ResumeRef: "resume.pdf", PictureRef: "me.png"}}
	if ref := subject.ArtifactRef(ArtifactResume); ref != "resume.pdf" {
		t.Fatalf("unexpected resume ref %q", ref)
	}
	if ref := subject.ArtifactRef(ArtifactPicture); ref != "me.png" {
		t.Fatalf("unexpected picture ref %q", ref)
	}
}

func TestProfileUpdateIsEmpty(t *testing.T) {
	if !(ProfileUpdate{}).IsEmpty() {
		t.Fatalf("zero update should be empty")
	}
	bio := "hello"
	if (ProfileUpdate{Bio: &bio}).IsEmpty() {
		t.Fatalf("update with bio should not be empty")
	}
}
