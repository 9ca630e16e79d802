package fault

import "fmt"

// Handler error codes used by the built-in router methods. Feature handlers
// may use their own codes.
const (
	CodeUnknownMethod = "unknown_method"
	CodeBadRequest    = "bad_request"
	CodeUnauthorized  = "unauthorized"
	CodeInternal      = "internal"
	CodeNotBound      = "session_not_bound"
	CodeUnavailable   = "unavailable"
)

// HandlerError is the typed error a peer's handler returned. It is surfaced
// to the specific caller and never retried.
type HandlerError struct {
	Code    string
	Message string
}

func (e *HandlerError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("handler error: %s", e.Message)
	}
	return fmt.Sprintf("handler error (%s): %s", e.Code, e.Message)
}

// Is makes every HandlerError match ErrHandler.
func (e *HandlerError) Is(target error) bool {
	return target == ErrHandler
}

// NewHandlerError builds a HandlerError with the given code.
func NewHandlerError(code, format string, args ...any) *HandlerError {
	return &HandlerError{Code: code, Message: fmt.Sprintf(format, args...)}
}
