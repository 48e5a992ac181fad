package web

import (
	"errors"
	"net/http"
	"path"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/learnauth/internal/authkit"
	"github.com/tyemirov/learnauth/pkg/identity"
	"github.com/tyemirov/learnauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// multipartOverheadBytes is allowed on top of the artifact limit for form boundaries and headers.
const multipartOverheadBytes = 64 << 10

var (
	errMissingProfileUsers     = errors.New("web.profile.missing_user_store")
	errMissingProfileArtifacts = errors.New("web.profile.missing_artifact_store")
	errMissingProfileValidator = errors.New("web.profile.missing_validator")
)

// ProfileDependencies are the collaborators behind /auth/profile.
type ProfileDependencies struct {
	Users            authkit.UserStore
	Artifacts        authkit.ArtifactStore
	Validator        *sessionvalidator.Validator
	Logger           *zap.Logger
	MaxArtifactBytes int64
}

type profileRequest struct {
	Username *string  `json:"username" binding:"omitempty,min=1,max=64"`
	Bio      *string  `json:"bio" binding:"omitempty,max=2000"`
	Links    []string `json:"links" binding:"omitempty,max=20,dive,url"`
}

type profileHandlers struct {
	dependencies ProfileDependencies
}

// MountProfileRoutes registers the authenticated profile and artifact endpoints.
func MountProfileRoutes(router gin.IRouter, dependencies ProfileDependencies) error {
	switch {
	case dependencies.Users == nil:
		return errMissingProfileUsers
	case dependencies.Artifacts == nil:
		return errMissingProfileArtifacts
	case dependencies.Validator == nil:
		return errMissingProfileValidator
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	if dependencies.MaxArtifactBytes <= 0 {
		dependencies.MaxArtifactBytes = authkit.DefaultMaxArtifactBytes
	}
	handlers := &profileHandlers{dependencies: dependencies}

	profile := router.Group("/auth/profile")
	profile.Use(dependencies.Validator.GinMiddleware(sessionvalidator.DefaultContextKey))
	profile.GET("", handlers.handleGet)
	profile.PUT("", handlers.handleUpdate)
	profile.POST("/artifacts/:kind", handlers.handleUpload)
	profile.DELETE("/artifacts/:kind", handlers.handleDelete)
	return nil
}

func (handlers *profileHandlers) handleGet(contextGin *gin.Context) {
	subjectID, ok := handlers.subjectID(contextGin)
	if !ok {
		return
	}
	subject, lookupErr := handlers.dependencies.Users.GetIdentity(contextGin, subjectID)
	if lookupErr != nil {
		handlers.respondLookupError(contextGin, "api.profile.lookup_error", lookupErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"identity": subject})
}

func (handlers *profileHandlers) handleUpdate(contextGin *gin.Context) {
	subjectID, ok := handlers.subjectID(contextGin)
	if !ok {
		return
	}
	var inbound profileRequest
	if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
		authkit.RespondError(contextGin, http.StatusBadRequest, "invalid_profile", "Profile fields are invalid.")
		return
	}
	update := identity.ProfileUpdate{Username: inbound.Username, Bio: inbound.Bio, Links: inbound.Links}
	if update.IsEmpty() {
		authkit.RespondError(contextGin, http.StatusBadRequest, "empty_update", "Nothing to update.")
		return
	}
	subject, updateErr := handlers.dependencies.Users.UpdateProfile(contextGin, subjectID, update)
	if updateErr != nil {
		if errors.Is(updateErr, authkit.ErrUsernameTaken) {
			authkit.RespondError(contextGin, http.StatusConflict, "username_taken", "That username is already taken.")
			return
		}
		handlers.respondLookupError(contextGin, "api.profile.update_error", updateErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"identity": subject})
}

func (handlers *profileHandlers) handleUpload(contextGin *gin.Context) {
	subjectID, ok := handlers.subjectID(contextGin)
	if !ok {
		return
	}
	kind, kindErr := identity.ParseArtifactKind(contextGin.Param("kind"))
	if kindErr != nil {
		authkit.RespondError(contextGin, http.StatusNotFound, "unknown_artifact_kind", "Unknown artifact type.")
		return
	}

	limit := handlers.dependencies.MaxArtifactBytes
	contextGin.Request.Body = http.MaxBytesReader(contextGin.Writer, contextGin.Request.Body, limit+multipartOverheadBytes)
	fileHeader, formErr := contextGin.FormFile("file")
	if formErr != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(formErr, &tooLarge) {
			authkit.RespondError(contextGin, http.StatusRequestEntityTooLarge, "artifact_too_large", "The file is too large.")
			return
		}
		authkit.RespondError(contextGin, http.StatusBadRequest, "missing_file", "A file is required.")
		return
	}
	if fileHeader.Size == 0 {
		authkit.RespondError(contextGin, http.StatusBadRequest, "empty_file", "The file is empty.")
		return
	}
	if fileHeader.Size > limit {
		authkit.RespondError(contextGin, http.StatusRequestEntityTooLarge, "artifact_too_large", "The file is too large.")
		return
	}
	content, openErr := fileHeader.Open()
	if openErr != nil {
		handlers.failInternal(contextGin, "api.artifact.open_error", openErr)
		return
	}
	defer content.Close()

	filename := path.Base(strings.ReplaceAll(fileHeader.Filename, "\\", "/"))
	ref, saveErr := handlers.dependencies.Artifacts.Save(contextGin, subjectID, kind, filename, content)
	if saveErr != nil {
		handlers.failInternal(contextGin, "api.artifact.save_error", saveErr)
		return
	}
	subject, previousRef, setErr := handlers.dependencies.Users.SetArtifactRef(contextGin, subjectID, kind, ref)
	if setErr != nil {
		_ = handlers.dependencies.Artifacts.Delete(contextGin, ref)
		handlers.respondLookupError(contextGin, "api.artifact.attach_error", setErr)
		return
	}
	handlers.discard(contextGin, previousRef)
	contextGin.JSON(http.StatusOK, gin.H{"identity": subject})
}

func (handlers *profileHandlers) handleDelete(contextGin *gin.Context) {
	subjectID, ok := handlers.subjectID(contextGin)
	if !ok {
		return
	}
	kind, kindErr := identity.ParseArtifactKind(contextGin.Param("kind"))
	if kindErr != nil {
		authkit.RespondError(contextGin, http.StatusNotFound, "unknown_artifact_kind", "Unknown artifact type.")
		return
	}
	subject, previousRef, setErr := handlers.dependencies.Users.SetArtifactRef(contextGin, subjectID, kind, "")
	if setErr != nil {
		handlers.respondLookupError(contextGin, "api.artifact.detach_error", setErr)
		return
	}
	handlers.discard(contextGin, previousRef)
	contextGin.JSON(http.StatusOK, gin.H{"identity": subject})
}

func (handlers *profileHandlers) discard(contextGin *gin.Context, ref string) {
	if ref == "" {
		return
	}
	if deleteErr := handlers.dependencies.Artifacts.Delete(contextGin, ref); deleteErr != nil {
		handlers.dependencies.Logger.Warn("artifact cleanup failed",
			zap.String("code", "api.artifact.cleanup_error"),
			zap.String("ref", ref),
			zap.Error(deleteErr))
	}
}

func (handlers *profileHandlers) subjectID(contextGin *gin.Context) (string, bool) {
	claims, found := sessionvalidator.ClaimsFromContext(contextGin, sessionvalidator.DefaultContextKey)
	if !found || claims.UserID == "" {
		handlers.dependencies.Logger.Warn("missing auth claims on context",
			zap.String("code", "api.profile.missing_claims"))
		authkit.RespondError(contextGin, http.StatusUnauthorized, sessionvalidator.CodeMissingToken, "Authentication is required.")
		return "", false
	}
	return claims.UserID, true
}

func (handlers *profileHandlers) respondLookupError(contextGin *gin.Context, code string, lookupErr error) {
	if errors.Is(lookupErr, authkit.ErrUserNotFound) {
		handlers.dependencies.Logger.Warn("user profile missing",
			zap.String("code", code),
			zap.Error(lookupErr))
		authkit.RespondError(contextGin, http.StatusUnauthorized, "account_missing", "Your account no longer exists.")
		return
	}
	handlers.failInternal(contextGin, code, lookupErr)
}

func (handlers *profileHandlers) failInternal(contextGin *gin.Context, code string, cause error) {
	handlers.dependencies.Logger.Error("profile request failed",
		zap.String("code", code),
		zap.Error(cause))
	authkit.RespondError(contextGin, http.StatusInternalServerError, "internal_error", "Something went wrong. Please try again.")
}
