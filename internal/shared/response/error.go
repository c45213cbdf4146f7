package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/storefront/server/internal/utils/errors"
)

// ErrorResponse is the body of every error response.
type ErrorResponse = apperrors.ErrorResponse

// Error sends an AppError.
func Error(c *gin.Context, err *apperrors.AppError) {
	c.JSON(err.StatusCode, err.ToResponse())
}

// Abort sends an AppError and stops the handler chain.
func Abort(c *gin.Context, err *apperrors.AppError) {
	c.AbortWithStatusJSON(err.StatusCode, err.ToResponse())
}

// BadRequest sends a 400 Bad Request response.
func BadRequest(c *gin.Context, message string) {
	Error(c, apperrors.BadRequest(message))
}

// Unauthorized sends a 401 Unauthorized response.
func Unauthorized(c *gin.Context, message string) {
	Error(c, apperrors.Unauthorized(message))
}

// NotFound sends a 404 Not Found response.
func NotFound(c *gin.Context, resource string) {
	Error(c, apperrors.NotFound(resource))
}

// InternalError sends a 500 Internal Server Error response.
func InternalError(c *gin.Context) {
	Error(c, apperrors.Internal("internal error", nil))
}

// ErrorMapping maps a domain error to an HTTP error.
type ErrorMapping struct {
	Err     error
	Status  int
	Code    string
	Message string
	// Retryable marks the response as safe to retry.
	Retryable bool
}

// HandleError renders err using the first matching mapping. An *AppError
// anywhere in the chain is rendered as is. It returns false when nothing
// matched and no response was written.
func HandleError(c *gin.Context, err error, mappings []ErrorMapping) bool {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		Error(c, appErr)
		return true
	}

	for _, m := range mappings {
		if errors.Is(err, m.Err) {
			msg := m.Message
			if msg == "" {
				msg = err.Error()
			}
			code := m.Code
			if code == "" {
				code = http.StatusText(m.Status)
			}
			e := apperrors.NewAppError(code, msg, m.Status, err)
			e.Retryable = m.Retryable
			Error(c, e)
			return true
		}
	}
	return false
}

// HandleErrorWithDefault handles an error with a 500 fallback.
func HandleErrorWithDefault(c *gin.Context, err error, mappings []ErrorMapping) {
	if !HandleError(c, err, mappings) {
		InternalError(c)
	}
}
