package turn

import (
	"context"
	"sync"
)

// Handler processes a turn after all middleware ran.
type Handler func(ctx context.Context, tc *Context) error

// Middleware wraps turn processing. Calling next continues the pipeline;
// returning without calling it short-circuits the turn.
type Middleware interface {
	OnTurn(ctx context.Context, tc *Context, next func(context.Context) error) error
}

// MiddlewareFunc adapts a function to Middleware.
type MiddlewareFunc func(ctx context.Context, tc *Context, next func(context.Context) error) error

func (f MiddlewareFunc) OnTurn(ctx context.Context, tc *Context, next func(context.Context) error) error {
	return f(ctx, tc, next)
}

// Pipeline runs middleware and a handler for each turn. Turns that share a
// conversation are processed one at a time; different conversations run
// concurrently.
type Pipeline struct {
	middleware []Middleware
	locks      keyedMutex
}

// NewPipeline creates a pipeline with the given middleware in order.
func NewPipeline(mw ...Middleware) *Pipeline {
	return &Pipeline{middleware: mw, locks: keyedMutex{m: make(map[string]*refMutex)}}
}

// Use appends middleware. It must not be called while turns are running.
func (p *Pipeline) Use(mw ...Middleware) {
	p.middleware = append(p.middleware, mw...)
}

// Run processes one turn.
func (p *Pipeline) Run(ctx context.Context, tc *Context, h Handler) error {
	unlock := p.locks.lock(tc.Activity.ConversationKey())
	defer unlock()
	return p.run(ctx, tc, 0, h)
}

func (p *Pipeline) run(ctx context.Context, tc *Context, i int, h Handler) error {
	if i == len(p.middleware) {
		if h == nil {
			return nil
		}
		return h(ctx, tc)
	}
	return p.middleware[i].OnTurn(ctx, tc, func(ctx context.Context) error {
		return p.run(ctx, tc, i+1, h)
	})
}

type refMutex struct {
	mu   sync.Mutex
	refs int
}

// keyedMutex hands out one mutex per key and drops it when unused.
type keyedMutex struct {
	mu sync.Mutex
	m  map[string]*refMutex
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	rm, ok := k.m[key]
	if !ok {
		rm = &refMutex{}
		k.m[key] = rm
	}
	rm.refs++
	k.mu.Unlock()

	rm.mu.Lock()
	return func() {
		rm.mu.Unlock()
		k.mu.Lock()
		rm.refs--
		if rm.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
