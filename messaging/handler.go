package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sacmq/sacmq-go/contracts"
)

// RequestHandler answers requests. For oneway messages the returned
// response is discarded.
type RequestHandler interface {
	HandleRequest(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error)
}

// RequestHandlerFunc is a function adapter for RequestHandler
type RequestHandlerFunc func(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error)

// HandleRequest implements RequestHandler
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error) {
	return f(ctx, request)
}

// ResponseSink accepts responses for outstanding requests
type ResponseSink interface {
	DeliverResponse(sequenceID uint64, response *contracts.RPCMessage)
}

// RequestRouter dispatches requests to handlers registered per method
type RequestRouter struct {
	handlers map[string]RequestHandler
	mu       sync.RWMutex
}

// NewRequestRouter creates an empty router
func NewRequestRouter() *RequestRouter {
	return &RequestRouter{
		handlers: make(map[string]RequestHandler),
	}
}

// Handle registers handler for method
func (r *RequestRouter) Handle(method string, handler RequestHandler) error {
	if method == "" {
		return fmt.Errorf("method cannot be empty")
	}
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[method]; exists {
		return fmt.Errorf("handler already registered for method %s", method)
	}
	r.handlers[method] = handler
	return nil
}

// HandleFunc registers a handler function that maps the request body to a
// response body
func (r *RequestRouter) HandleFunc(method string, fn func(ctx context.Context, body json.RawMessage) (interface{}, error)) error {
	return r.Handle(method, RequestHandlerFunc(func(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error) {
		result, err := fn(ctx, request.Body)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		return contracts.NewResponse(request, body), nil
	}))
}

// HandleRequest implements RequestHandler
func (r *RequestRouter) HandleRequest(ctx context.Context, request *contracts.RPCMessage) (*contracts.RPCMessage, error) {
	r.mu.RLock()
	handler, exists := r.handlers[request.Method]
	r.mu.RUnlock()

	if !exists {
		return contracts.NewErrorResponse(request, contracts.ResponseCode{
			Code:    contracts.CodeFail.Code,
			Message: fmt.Sprintf("no handler for method %s", request.Method),
		}), nil
	}
	return handler.HandleRequest(ctx, request)
}

// Methods returns the registered method names
func (r *RequestRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	methods := make([]string, 0, len(r.handlers))
	for method := range r.handlers {
		methods = append(methods, method)
	}
	return methods
}
