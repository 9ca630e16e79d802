package ipc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"shellbridge/internal/fault"
	"shellbridge/internal/transport"
	"shellbridge/internal/wire"
)

// Call is one inbound request as seen by a handler.
type Call struct {
	ConnID        uint64
	CorrelationID uint64
	SessionID     string
	Method        string
	Body          []byte
	Peer          transport.Peer
}

// Decode unmarshals the request body into v. Failures become bad_request
// handler errors.
func (c *Call) Decode(v any) error {
	if err := wire.UnmarshalBody(c.Body, v); err != nil {
		return fault.NewHandlerError(fault.CodeBadRequest, "decode %s body: %v", c.Method, err)
	}
	return nil
}

// HandlerFunc serves one method. The result is encoded as the response body;
// a []byte result is sent as is. Returning a *fault.HandlerError sends its
// code and message; any other error is reported as an internal error.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// Handlers maps method names to handlers.
type Handlers struct {
	mu       sync.RWMutex
	byMethod map[string]HandlerFunc
}

func NewHandlers() *Handlers {
	return &Handlers{byMethod: make(map[string]HandlerFunc)}
}

// Handle registers fn for method. Built-in methods and duplicates are
// rejected.
func (h *Handlers) Handle(method string, fn HandlerFunc) error {
	if method == "" || fn == nil {
		return fmt.Errorf("register handler: method and function are required")
	}
	switch method {
	case MethodHello, MethodSubscribe, MethodUnsubscribe:
		return fmt.Errorf("register handler: %s is built in", method)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.byMethod[method]; exists {
		return fmt.Errorf("register handler: %s already registered", method)
	}
	h.byMethod[method] = fn
	return nil
}

func (h *Handlers) lookup(method string) (HandlerFunc, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	fn, ok := h.byMethod[method]
	return fn, ok
}

// Methods lists registered methods in sorted order.
func (h *Handlers) Methods() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.byMethod))
	for m := range h.byMethod {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}
