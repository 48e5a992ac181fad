package web

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/learnauth/internal/authkit"
	"github.com/tyemirov/learnauth/pkg/identity"
	"github.com/tyemirov/learnauth/pkg/permission"
	"github.com/tyemirov/learnauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

// Capabilities required by the admin endpoints.
const (
	CapabilityManageUsers = "manage:users"
	CapabilityManageRoles = "manage:roles"
)

var (
	errMissingDirectory      = errors.New("web.admin.missing_directory")
	errMissingAdminValidator = errors.New("web.admin.missing_validator")
)

// Directory lists accounts and changes their roles.
type Directory interface {
	ListIdentities(ctx context.Context) ([]identity.Identity, error)
	AssignRole(ctx context.Context, applicationUserID string, role string) (identity.Identity, error)
	Catalog() *permission.Catalog
}

// AdminDependencies are the collaborators behind /api/admin.
type AdminDependencies struct {
	Directory Directory
	Validator *sessionvalidator.Validator
	Logger    *zap.Logger
}

type adminHandlers struct {
	dependencies AdminDependencies
}

// MountAdminRoutes registers capability-gated user and role management endpoints.
func MountAdminRoutes(router gin.IRouter, dependencies AdminDependencies) error {
	if dependencies.Directory == nil {
		return errMissingDirectory
	}
	if dependencies.Validator == nil {
		return errMissingAdminValidator
	}
	if dependencies.Logger == nil {
		dependencies.Logger = zap.NewNop()
	}
	handlers := &adminHandlers{dependencies: dependencies}
	lookup := permission.IdentityLookup(sessionvalidator.IdentityLookup(sessionvalidator.DefaultContextKey))
	manageUsers := permission.RequireCapability(permission.Require(CapabilityManageUsers), lookup)
	manageRoles := permission.RequireCapability(permission.Require(CapabilityManageRoles), lookup)

	admin := router.Group("/api/admin")
	admin.Use(dependencies.Validator.GinMiddleware(sessionvalidator.DefaultContextKey))
	admin.GET("/users", manageUsers, handlers.handleListUsers)
	admin.PUT("/users/:id/role", manageUsers, handlers.handleAssignRole)
	admin.GET("/roles", manageRoles, handlers.handleListRoles)
	admin.PUT("/roles/:name", manageRoles, handlers.handleUpsertRole)
	admin.DELETE("/roles/:name", manageRoles, handlers.handleRemoveRole)
	return nil
}

func (handlers *adminHandlers) handleListUsers(contextGin *gin.Context) {
	identities, listErr := handlers.dependencies.Directory.ListIdentities(contextGin)
	if listErr != nil {
		handlers.failInternal(contextGin, "api.admin.list_users_error", listErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"users": identities})
}

func (handlers *adminHandlers) handleAssignRole(contextGin *gin.Context) {
	var inbound struct {
		Role string `json:"role" binding:"required"`
	}
	if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
		authkit.RespondError(contextGin, http.StatusBadRequest, "invalid_request", "A role is required.")
		return
	}
	role, known := handlers.dependencies.Directory.Catalog().Lookup(inbound.Role)
	if !known {
		authkit.RespondError(contextGin, http.StatusBadRequest, "unknown_role", "That role does not exist.")
		return
	}
	caller, _ := sessionvalidator.IdentityLookup(sessionvalidator.DefaultContextKey)(contextGin)
	if role.IsSystemManaged && !permission.Has(caller, identity.CapabilityAll) {
		authkit.RespondError(contextGin, http.StatusForbidden, "system_managed_role", "Only platform administrators can grant this role.")
		return
	}
	subject, assignErr := handlers.dependencies.Directory.AssignRole(contextGin, contextGin.Param("id"), role.Name)
	if assignErr != nil {
		if errors.Is(assignErr, authkit.ErrUserNotFound) {
			authkit.RespondError(contextGin, http.StatusNotFound, "user_not_found", "No such user.")
			return
		}
		handlers.failInternal(contextGin, "api.admin.assign_role_error", assignErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"identity": subject})
}

func (handlers *adminHandlers) handleListRoles(contextGin *gin.Context) {
	contextGin.JSON(http.StatusOK, gin.H{"roles": handlers.dependencies.Directory.Catalog().List()})
}

func (handlers *adminHandlers) handleUpsertRole(contextGin *gin.Context) {
	var inbound struct {
		DisplayName  string   `json:"display_name" binding:"max=64"`
		Capabilities []string `json:"capabilities" binding:"required,dive,required"`
	}
	if bindErr := contextGin.ShouldBindJSON(&inbound); bindErr != nil {
		authkit.RespondError(contextGin, http.StatusBadRequest, "invalid_request", "Role capabilities are required.")
		return
	}
	role := permission.Role{
		Name:         strings.TrimSpace(contextGin.Param("name")),
		DisplayName:  inbound.DisplayName,
		Capabilities: inbound.Capabilities,
	}
	if upsertErr := handlers.dependencies.Directory.Catalog().Upsert(role); upsertErr != nil {
		handlers.respondRoleError(contextGin, upsertErr)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"role": role})
}

func (handlers *adminHandlers) handleRemoveRole(contextGin *gin.Context) {
	if removeErr := handlers.dependencies.Directory.Catalog().Remove(contextGin.Param("name")); removeErr != nil {
		handlers.respondRoleError(contextGin, removeErr)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handlers *adminHandlers) respondRoleError(contextGin *gin.Context, roleErr error) {
	switch {
	case errors.Is(roleErr, permission.ErrSystemManagedRole):
		authkit.RespondError(contextGin, http.StatusConflict, "system_managed_role", "This role is managed by the platform and cannot be changed.")
	case errors.Is(roleErr, permission.ErrUnknownRole):
		authkit.RespondError(contextGin, http.StatusNotFound, "unknown_role", "That role does not exist.")
	case errors.Is(roleErr, permission.ErrEmptyRoleName):
		authkit.RespondError(contextGin, http.StatusBadRequest, "invalid_request", "A role name is required.")
	default:
		handlers.failInternal(contextGin, "api.admin.role_error", roleErr)
	}
}

func (handlers *adminHandlers) failInternal(contextGin *gin.Context, code string, cause error) {
	handlers.dependencies.Logger.Error("admin request failed",
		zap.String("code", code),
		zap.Error(cause))
	authkit.RespondError(contextGin, http.StatusInternalServerError, "internal_error", "Something went wrong. Please try again.")
}
