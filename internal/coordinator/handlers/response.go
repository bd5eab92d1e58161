package handlers

import (
	"github.com/gin-gonic/gin"

	shared "NetDispatch/internal/shared/models"
)

// ErrorResponse is the contract-stable error shape: the kind verbatim under
// "error" plus a human-readable message.
func ErrorResponse(kind shared.ErrorKind, message string) gin.H {
	return gin.H{
		"error":   string(kind),
		"message": message,
	}
}

func DispatchErrorResponse(err *shared.DispatchError) gin.H {
	return ErrorResponse(err.Kind, err.Message)
}
