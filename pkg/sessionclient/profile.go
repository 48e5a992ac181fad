package sessionclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/tyemirov/learnauth/pkg/identity"
	"go.uber.org/zap"
)

// MaxArtifactBytes caps the size of an uploaded artifact.
const MaxArtifactBytes = 10 << 20

// UpdateProfile applies update server-side and replaces the stored identity
// with the server's response.
func (manager *Manager) UpdateProfile(ctx context.Context, update identity.ProfileUpdate) Result {
	if update.IsEmpty() {
		return failureResult(&ValidationError{Field: "profile", Message: "No profile changes were provided."})
	}
	input := profileInput{Username: update.Username, Bio: update.Bio, Links: update.Links}
	if validationErr := validateInput(input); validationErr != nil {
		return failureResult(validationErr)
	}
	generation, active := manager.signedIn()
	if !active {
		return failureResult(ErrNotAuthenticated)
	}
	response, err := manager.client.Do(ctx, Request{Method: http.MethodPut, Path: "/auth/profile", JSON: input})
	return manager.applyIdentityResponse(ctx, generation, "update_profile", response, err)
}

// UploadArtifact sends content as the artifact of the given kind.
func (manager *Manager) UploadArtifact(ctx context.Context, kind identity.ArtifactKind, filename string, content io.Reader) Result {
	parsedKind, kindErr := identity.ParseArtifactKind(string(kind))
	if kindErr != nil {
		return failureResult(&ValidationError{Field: "kind", Message: fmt.Sprintf("Unsupported artifact type %q.", kind)})
	}
	baseName := filepath.Base(strings.TrimSpace(filename))
	if baseName == "" || baseName == "." || baseName == string(filepath.Separator) {
		return failureResult(&ValidationError{Field: "filename", Message: "A file name is required."})
	}
	if content == nil {
		return failureResult(&ValidationError{Field: "file", Message: "A file is required."})
	}
	generation, active := manager.signedIn()
	if !active {
		return failureResult(ErrNotAuthenticated)
	}
	body, contentType, encodeErr := encodeArtifact(baseName, content)
	if encodeErr != nil {
		return failureResult(encodeErr)
	}
	response, err := manager.client.Do(ctx, Request{
		Method:      http.MethodPost,
		Path:        "/auth/profile/artifacts/" + string(parsedKind),
		Body:        body,
		ContentType: contentType,
	})
	return manager.applyIdentityResponse(ctx, generation, "upload_artifact", response, err)
}

// DeleteArtifact removes the artifact of the given kind.
func (manager *Manager) DeleteArtifact(ctx context.Context, kind identity.ArtifactKind) Result {
	parsedKind, kindErr := identity.ParseArtifactKind(string(kind))
	if kindErr != nil {
		return failureResult(&ValidationError{Field: "kind", Message: fmt.Sprintf("Unsupported artifact type %q.", kind)})
	}
	generation, active := manager.signedIn()
	if !active {
		return failureResult(ErrNotAuthenticated)
	}
	response, err := manager.client.Do(ctx, Request{Method: http.MethodDelete, Path: "/auth/profile/artifacts/" + string(parsedKind)})
	return manager.applyIdentityResponse(ctx, generation, "delete_artifact", response, err)
}

func (manager *Manager) applyIdentityResponse(ctx context.Context, generation uint64, operation string, response *Response, requestErr error) Result {
	if requestErr != nil {
		manager.logger.Info("profile mutation failed", zap.String("code", "sessionclient."+operation+".failed"), zap.Error(requestErr))
		return failureResult(requestErr)
	}
	var payload identityPayload
	if decodeErr := response.Decode(&payload); decodeErr != nil {
		return failureResult(decodeErr)
	}
	if payload.Identity == nil || payload.Identity.ID == "" {
		return failureResult(fmt.Errorf("sessionclient.%s.identity: %w", operation, ErrMalformedResponse))
	}
	replaced, replaceErr := manager.replaceIdentity(ctx, generation, *payload.Identity)
	if replaceErr != nil {
		return failureResult(replaceErr)
	}
	return Result{Success: true, Identity: replaced}
}

func encodeArtifact(filename string, content io.Reader) ([]byte, string, error) {
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	part, partErr := writer.CreateFormFile("file", filename)
	if partErr != nil {
		return nil, "", fmt.Errorf("sessionclient.artifact.form: %w", partErr)
	}
	written, copyErr := io.Copy(part, io.LimitReader(content, MaxArtifactBytes+1))
	if copyErr != nil {
		return nil, "", fmt.Errorf("sessionclient.artifact.read: %w", copyErr)
	}
	if written > MaxArtifactBytes {
		return nil, "", &ValidationError{Field: "file", Message: "The file is too large."}
	}
	if written == 0 {
		return nil, "", &ValidationError{Field: "file", Message: "The file is empty."}
	}
	if closeErr := writer.Close(); closeErr != nil {
		return nil, "", fmt.Errorf("sessionclient.artifact.form: %w", closeErr)
	}
	return buffer.Bytes(), writer.FormDataContentType(), nil
}
