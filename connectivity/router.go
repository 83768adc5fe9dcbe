// Package connectivity dispatches named service calls either to an
// in-process handler or to a remote transport. The crawler reaches its
// external structured-extraction function through it, so the same code path
// serves an in-process fake in tests and an HTTP endpoint in production.
//
//	router := connectivity.New()
//	router.RegisterTransport("http", connectivity.HTTPFactory())
//	router.SetRoute("extractor", connectivity.Route{Strategy: "http", Endpoint: url})
//	resp, err := router.Call(ctx, "extractor", payload)
package connectivity

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
)

// Handler is a transport-agnostic service function: bytes in, bytes out.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// TransportFactory builds a Handler for a remote endpoint. The close func is
// called when the route is replaced or removed; it may be nil.
type TransportFactory func(endpoint string, config json.RawMessage) (handler Handler, close func(), err error)

// Route describes how a service is reached.
type Route struct {
	// Strategy is "local", "noop", or a registered transport name.
	Strategy string
	Endpoint string
	Config   json.RawMessage
	// Middleware wraps the built remote handler (timeout, retry, breaker).
	Middleware []HandlerMiddleware
}

type remoteEntry struct {
	route   Route
	handler Handler
	close   func()
}

// Router dispatches service calls. Safe for concurrent use.
type Router struct {
	mu        sync.RWMutex
	local     map[string]Handler
	remote    map[string]remoteEntry
	noop      map[string]bool
	factories map[string]TransportFactory
	logger    *slog.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets a custom logger for the router.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) { r.logger = l }
}

// New creates a Router with no routes.
func New(opts ...Option) *Router {
	r := &Router{
		local:     make(map[string]Handler),
		remote:    make(map[string]remoteEntry),
		noop:      make(map[string]bool),
		factories: make(map[string]TransportFactory),
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// RegisterLocal registers an in-process handler for a service. A panic in
// h is returned to the caller as *ErrPanic.
func (r *Router) RegisterLocal(service string, h Handler) {
	h = Recovery(r.logger)(h)
	r.mu.Lock()
	r.local[service] = h
	r.mu.Unlock()
}

// RegisterTransport registers a factory for a transport protocol ("http").
func (r *Router) RegisterTransport(protocol string, f TransportFactory) {
	r.mu.Lock()
	r.factories[protocol] = f
	r.mu.Unlock()
}

// SetRoute installs or replaces the route of a service. A "local" route
// drops any remote entry so Call falls back to the local handler; "noop"
// makes Call succeed with an empty response.
func (r *Router) SetRoute(service string, rt Route) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, hadRemote := r.remote[service]
	delete(r.noop, service)

	switch rt.Strategy {
	case "local", "":
		delete(r.remote, service)
	case "noop":
		delete(r.remote, service)
		r.noop[service] = true
	default:
		factory, ok := r.factories[rt.Strategy]
		if !ok {
			return &ErrNoFactory{Service: service, Strategy: rt.Strategy}
		}
		h, closeFn, err := factory(rt.Endpoint, rt.Config)
		if err != nil {
			return &ErrFactoryFailed{Service: service, Strategy: rt.Strategy, Endpoint: rt.Endpoint, Cause: err}
		}
		// Innermost, so that the breaker counts a panic as a failure.
		h = Recovery(r.logger)(h)
		if len(rt.Middleware) > 0 {
			h = Chain(rt.Middleware...)(h)
		}
		r.remote[service] = remoteEntry{route: rt, handler: h, close: closeFn}
		r.logger.Info("connectivity: route set",
			"service", service, "strategy", rt.Strategy, "endpoint", rt.Endpoint)
	}

	if hadRemote && old.close != nil {
		old.close()
	}
	return nil
}

// Call dispatches a service call: noop route, then remote route, then the
// local handler.
func (r *Router) Call(ctx context.Context, service string, payload []byte) ([]byte, error) {
	r.mu.RLock()
	noop := r.noop[service]
	entry, hasRemote := r.remote[service]
	localH := r.local[service]
	r.mu.RUnlock()

	if noop {
		r.logger.DebugContext(ctx, "connectivity: noop", "service", service)
		return nil, nil
	}
	if hasRemote {
		r.logger.DebugContext(ctx, "connectivity: remote",
			"service", service, "strategy", entry.route.Strategy)
		return entry.handler(ctx, payload)
	}
	if localH != nil {
		return localH(ctx, payload)
	}
	return nil, &ErrServiceNotFound{Service: service}
}

// Has reports whether service is routable.
func (r *Router) Has(service string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, remote := r.remote[service]
	_, local := r.local[service]
	return remote || local || r.noop[service]
}

// Services lists every routable service name, sorted.
func (r *Router) Services() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for s := range r.local {
		seen[s] = struct{}{}
	}
	for s := range r.remote {
		seen[s] = struct{}{}
	}
	for s := range r.noop {
		seen[s] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Close releases every remote handler.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.remote {
		if e.close != nil {
			e.close()
		}
	}
	r.remote = make(map[string]remoteEntry)
	return nil
}
