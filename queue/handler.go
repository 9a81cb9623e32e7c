package queue

import "context"

// Emitter forwards a Response frame to the response exchange keyed by
// the originating message's agent_id. Handlers call it as many times
// as needed for streaming; the worker enforces chunk_index ordering
// and the single-terminal-frame invariant around it.
type Emitter func(resp *Response) error

// Handler is the contract external business logic implements per
// §4.3: decode the envelope, optionally stream partial responses via
// emit, and return a terminal result or a typed *Error.
type Handler func(ctx context.Context, msg *Message, emit Emitter) (result any, err error)

// HandlerRegistry dispatches by MessageType.
type HandlerRegistry struct {
	handlers map[MessageType]Handler
}

// NewHandlerRegistry constructs an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[MessageType]Handler)}
}

// Register binds a Handler to a MessageType.
func (r *HandlerRegistry) Register(t MessageType, h Handler) {
	r.handlers[t] = h
}

// Lookup returns the handler bound to t, if any.
func (r *HandlerRegistry) Lookup(t MessageType) (Handler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}
