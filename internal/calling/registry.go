package calling

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultRegistrySize bounds how many conversations keep a handler
// installed.
const DefaultRegistrySize = 4096

// Registry maps a parent conversation id to the handler currently serving
// inbound skill requests for it. Handlers stay installed after the forward
// call that created them so late activities still reach the conversation;
// the least recently used conversations are evicted first.
type Registry struct {
	handlers *lru.Cache[string, *RequestHandler]
}

// NewRegistry creates a Registry holding at most size handlers.
func NewRegistry(size int) *Registry {
	if size <= 0 {
		size = DefaultRegistrySize
	}
	c, _ := lru.New[string, *RequestHandler](size)
	return &Registry{handlers: c}
}

// Register installs h for conversationID and returns a func that removes it
// again, unless another handler replaced it in the meantime.
func (r *Registry) Register(conversationID string, h *RequestHandler) func() {
	r.handlers.Add(conversationID, h)
	return func() {
		if cur, ok := r.handlers.Peek(conversationID); ok && cur == h {
			r.handlers.Remove(conversationID)
		}
	}
}

// Get returns the handler for conversationID.
func (r *Registry) Get(conversationID string) (*RequestHandler, bool) {
	return r.handlers.Get(conversationID)
}

// Len returns the number of installed handlers.
func (r *Registry) Len() int {
	return r.handlers.Len()
}

// Purge removes every handler.
func (r *Registry) Purge() {
	r.handlers.Purge()
}
