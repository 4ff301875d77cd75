package errors

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrorTypeBadRequest          ErrorType = "BAD_REQUEST"
	ErrorTypeUnauthenticated     ErrorType = "UNAUTHENTICATED"
	ErrorTypeRateLimited         ErrorType = "RATE_LIMITED"
	ErrorTypeQuotaExceeded       ErrorType = "QUOTA_EXCEEDED"
	ErrorTypeUpstreamRateLimited ErrorType = "UPSTREAM_RATE_LIMITED"
	ErrorTypeUpstreamOverloaded  ErrorType = "UPSTREAM_OVERLOADED"
	ErrorTypeUpstreamError       ErrorType = "UPSTREAM_ERROR"
	ErrorTypeInternalServerError ErrorType = "INTERNAL_SERVER_ERROR"
)

// CustomError represents a custom error with associated HTTP status code and type
type CustomError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    map[string]interface{}
	Internal   error
}

// Error implements the error interface
func (e *CustomError) Error() string {
	return e.Message
}

func newError(errType ErrorType, message string, statusCode int, internal error) *CustomError {
	return &CustomError{
		Type:       errType,
		Message:    message,
		StatusCode: statusCode,
		Internal:   internal,
	}
}

// New400Error creates a new bad request error
func New400Error(message string) *CustomError {
	return newError(ErrorTypeBadRequest, message, http.StatusBadRequest, nil)
}

// New401Error creates a new unauthenticated error
func New401Error() *CustomError {
	return newError(ErrorTypeUnauthenticated, "Authentication required", http.StatusUnauthorized, nil)
}

// NewRateLimitedError creates a 429 for a request over its rate-window ceiling
func NewRateLimitedError(retryAfter int) *CustomError {
	err := newError(ErrorTypeRateLimited, "Rate limit exceeded. Please slow down.", http.StatusTooManyRequests, nil)
	err.Details = map[string]interface{}{"retryAfter": retryAfter}
	return err
}

// NewQuotaExceededError creates a 429 for an account out of period quota
func NewQuotaExceededError(used, limit int64, tier string) *CustomError {
	err := newError(ErrorTypeQuotaExceeded, "Monthly token quota exceeded. Upgrade your plan or wait for the next billing period.", http.StatusTooManyRequests, nil)
	err.Details = map[string]interface{}{
		"tokensUsed": used,
		"tokenLimit": limit,
		"tier":       tier,
	}
	return err
}

// New500Error creates a new internal server error
func New500Error(internal error) *CustomError {
	return newError(ErrorTypeInternalServerError, "An unexpected error occurred", http.StatusInternalServerError, internal)
}

// HandleError handles the custom error and sends an appropriate JSON response
func HandleError(c *gin.Context, err error) {
	var customErr *CustomError
	var ok bool

	if customErr, ok = err.(*CustomError); !ok {
		customErr = New500Error(err)
	}

	// Log internal server errors
	if customErr.Type == ErrorTypeInternalServerError {
		log.Error().
			Err(customErr.Internal).
			Str("url", c.Request.URL.String()).
			Msg("Internal Server Error")
	}

	body := gin.H{
		"code":    customErr.Type,
		"message": customErr.Message,
	}
	if customErr.Details != nil {
		body["details"] = customErr.Details
	}

	c.JSON(customErr.StatusCode, gin.H{"error": body})
}
