package router

import (
	"context"
	"strings"
	"sync"

	"github.com/nidhogg/skillrelay/internal/protocol"
)

// Action handles a matched request. params holds the values captured by the
// route's {name} segments.
type Action func(ctx context.Context, req *protocol.Request, params map[string]string) (*protocol.Response, error)

// Route binds a verb and a path template to an action.
type Route struct {
	Method   string
	Template string
	Action   Action
}

// RouteContext is the result of a successful lookup.
type RouteContext struct {
	Route  *Route
	Params map[string]string
}

// Router is a first-match dispatch table over skill channel requests.
// Templates are split on "/" and a {name} segment captures exactly one
// segment of the request path.
type Router struct {
	mu     sync.RWMutex
	routes []compiledRoute
}

type compiledRoute struct {
	route    Route
	segments []string
}

// New creates a router with the given routes in registration order.
func New(routes ...Route) *Router {
	r := &Router{}
	for _, rt := range routes {
		r.Add(rt)
	}
	return r
}

// Add appends a route. Earlier routes win over later ones.
func (r *Router) Add(rt Route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, compiledRoute{route: rt, segments: split(rt.Template)})
}

// Route returns the first route matching the request's verb and path.
func (r *Router) Route(req *protocol.Request) (*RouteContext, bool) {
	if req == nil {
		return nil, false
	}
	path := split(req.Path)

	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.routes {
		cr := &r.routes[i]
		if cr.route.Method != req.Verb {
			continue
		}
		if params, ok := match(cr.segments, path); ok {
			rt := cr.route
			return &RouteContext{Route: &rt, Params: params}, true
		}
	}
	return nil, false
}

// Len returns the number of registered routes.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.routes)
}

func match(template, path []string) (map[string]string, bool) {
	if len(template) != len(path) {
		return nil, false
	}
	params := make(map[string]string)
	for i, seg := range template {
		if name, ok := placeholder(seg); ok {
			if path[i] == "" {
				return nil, false
			}
			params[name] = path[i]
			continue
		}
		if seg != path[i] {
			return nil, false
		}
	}
	return params, true
}

// placeholder reports whether seg is a {name} segment and returns the name.
func placeholder(seg string) (string, bool) {
	if len(seg) > 2 && strings.HasPrefix(seg, "{") && strings.HasSuffix(seg, "}") {
		return seg[1 : len(seg)-1], true
	}
	return "", false
}

// split breaks a path into segments, ignoring one leading slash so that
// "/a/b" and "a/b" compare equal.
func split(p string) []string {
	return strings.Split(strings.TrimPrefix(p, "/"), "/")
}
