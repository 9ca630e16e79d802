package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Marker errors classify failures crossing the IPC layer. Wrap attaches context
// while keeping the marker reachable through errors.Is.
var (
	ErrConnectFailed   = errors.New("connect failed")
	ErrProtocol        = errors.New("protocol error")
	ErrFrameTooLarge   = errors.New("frame too large")
	ErrDisconnected    = errors.New("disconnected")
	ErrTimeout         = errors.New("timeout")
	ErrSessionNotFound = errors.New("session not found")
	ErrHandler         = errors.New("handler error")
)

// Kind is the stable category name reported to callers and logs.
type Kind string

const (
	KindNone            Kind = ""
	KindConnectFailed   Kind = "connect_failed"
	KindProtocol        Kind = "protocol_error"
	KindFrameTooLarge   Kind = "frame_too_large"
	KindDisconnected    Kind = "disconnected"
	KindTimeout         Kind = "timeout"
	KindSessionNotFound Kind = "session_not_found"
	KindHandler         Kind = "handler_error"
	KindUnknown         Kind = "unknown"
)

// Wrap builds an error message with component and operation context while
// tagging it with marker for later classification.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		if err != nil {
			return fmt.Errorf("%s: %w", detail, err)
		}
		return errors.New(detail)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// KindOf maps err onto its category. FrameTooLarge is checked before
// Protocol since oversized frames are also connection-fatal.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrFrameTooLarge):
		return KindFrameTooLarge
	case errors.Is(err, ErrProtocol):
		return KindProtocol
	case errors.Is(err, ErrHandler):
		return KindHandler
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrDisconnected):
		return KindDisconnected
	case errors.Is(err, ErrConnectFailed):
		return KindConnectFailed
	case errors.Is(err, ErrSessionNotFound):
		return KindSessionNotFound
	default:
		return KindUnknown
	}
}

// ConnectionFatal reports whether err must tear down the connection it was
// observed on.
func ConnectionFatal(err error) bool {
	switch KindOf(err) {
	case KindProtocol, KindFrameTooLarge, KindDisconnected:
		return true
	default:
		return false
	}
}

// Describe renders a short user-facing explanation for err.
func Describe(err error) string {
	switch KindOf(err) {
	case KindNone:
		return ""
	case KindConnectFailed:
		return "background process is not running"
	case KindDisconnected:
		return "connection lost, retrying"
	case KindTimeout:
		return "request timed out"
	case KindSessionNotFound:
		return "could not identify the terminal session"
	case KindProtocol, KindFrameTooLarge:
		return "background process sent an invalid message"
	case KindHandler:
		var herr *HandlerError
		if errors.As(err, &herr) && strings.TrimSpace(herr.Message) != "" {
			return herr.Message
		}
		return "request failed"
	default:
		return err.Error()
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "ipc failure"
	}
	return strings.Join(parts, ": ")
}
