package permission

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/learnauth/pkg/identity"
)

// IdentityLookup extracts the authenticated identity from a request context.
type IdentityLookup func(contextGin *gin.Context) (*identity.Identity, bool)

// RequireCapability returns a Gin middleware that rejects requests whose
// identity does not satisfy requirement: 401 without an identity, 403 otherwise.
func RequireCapability(requirement Requirement, lookup IdentityLookup) gin.HandlerFunc {
	if validateErr := requirement.Validate(); validateErr != nil {
		panic(validateErr)
	}
	return func(contextGin *gin.Context) {
		subject, found := lookup(contextGin)
		if !found || subject == nil {
			contextGin.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Authentication is required.",
			})
			return
		}
		if !requirement.Evaluate(subject).Allowed() {
			contextGin.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "You do not have permission to perform this action.",
			})
			return
		}
		contextGin.Next()
	}
}
