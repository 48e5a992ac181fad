package authkit

import (
	"github.com/gin-gonic/gin"
)

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// RespondError aborts the request with the standard error body.
func RespondError(contextGin *gin.Context, status int, code string, message string) {
	contextGin.AbortWithStatusJSON(status, ErrorBody{Error: code, Message: message})
}
