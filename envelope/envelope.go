package envelope

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

// Kind tags an error so clients can branch on it instead of matching message text.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindValidation     Kind = "validation"
	KindNotFound       Kind = "not_found"
	KindConflict       Kind = "conflict"
	KindRateLimited    Kind = "rate_limited"
	KindUpstream       Kind = "upstream"
	KindInternal       Kind = "internal"
)

// Error is an error carrying an HTTP-facing kind and a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	// Status overrides the status derived from Kind when non-zero.
	Status int
	Cause  error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the status code the error is rendered with.
func (e *Error) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return StatusFor(e.Kind)
}

// StatusFor maps a kind to its HTTP status.
func StatusFor(kind Kind) int {
	switch kind {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func Authentication(message string) *Error { return newError(KindAuthentication, message, nil) }

func Validation(message string) *Error { return newError(KindValidation, message, nil) }

func Validationf(format string, args ...any) *Error {
	return newError(KindValidation, fmt.Sprintf(format, args...), nil)
}

func NotFound(message string) *Error { return newError(KindNotFound, message, nil) }

func Conflict(message string) *Error { return newError(KindConflict, message, nil) }

func RateLimited(message string) *Error { return newError(KindRateLimited, message, nil) }

// Upstream wraps a failure of the CRM or inference backend. The upstream's own
// message ends up in the envelope's error text.
func Upstream(message string, cause error) *Error { return newError(KindUpstream, message, cause) }

// Unavailable marks a transport-level upstream failure (no response at all).
func Unavailable(message string, cause error) *Error {
	err := newError(KindUpstream, message, cause)
	err.Status = http.StatusBadGateway
	return err
}

func Internal(message string, cause error) *Error { return newError(KindInternal, message, cause) }

// KindOf reports the kind of err, treating unknown errors as internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return KindNotFound
	}
	return KindInternal
}

// Response is the JSON shape of every API reply.
type Response struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind Kind   `json:"error_kind,omitempty"`
}

// OK writes a success envelope.
func OK(c *gin.Context, status int, data any) {
	c.JSON(status, Response{Success: true, Data: data})
}

// Fail writes err as a failure envelope.
func Fail(c *gin.Context, err error) {
	status, body := render(err)
	record(c, status, err)
	c.JSON(status, body)
}

// Abort writes err as a failure envelope and stops the handler chain.
func Abort(c *gin.Context, err error) {
	status, body := render(err)
	record(c, status, err)
	c.AbortWithStatusJSON(status, body)
}

// record attaches server-side failures to the context for the request logger.
func record(c *gin.Context, status int, err error) {
	if err != nil && status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
}

func render(err error) (int, Response) {
	if err == nil {
		err = Internal("unknown error", nil)
	}
	var e *Error
	if !errors.As(err, &e) {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			e = NotFound("record not found")
		} else {
			e = Internal("internal server error", err)
		}
	}
	return e.HTTPStatus(), Response{Success: false, Error: e.Error(), ErrorKind: e.Kind}
}
