package vm

import (
	"slices"
	"sync"
)

// ---------------------------------------------------------------------------
// InterceptRegistry: substitute handlers by function name
// ---------------------------------------------------------------------------

// InterceptRegistry maps full function names to intercept handlers. It
// implements Interceptor and is safe for concurrent use.
type InterceptRegistry struct {
	mu       sync.RWMutex
	handlers map[string]InterceptHandler
}

// NewInterceptRegistry creates an empty registry.
func NewInterceptRegistry() *InterceptRegistry {
	return &InterceptRegistry{
		handlers: make(map[string]InterceptHandler),
	}
}

// Register installs h for the function named name ("Class>>name" or
// "name"), replacing any previous handler.
func (r *InterceptRegistry) Register(name string, h InterceptHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Unregister removes the handler for name. Returns false if none was set.
func (r *InterceptRegistry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[name]; !ok {
		return false
	}
	delete(r.handlers, name)
	return true
}

// Names returns the intercepted function names in sorted order.
func (r *InterceptRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// LookupIntercept implements Interceptor.
func (r *InterceptRegistry) LookupIntercept(fn *Func) (InterceptHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[fn.FullName()]
	return h, ok
}

// ReturnConstant is an intercept handler that always skips the body and
// returns v.
func ReturnConstant(v Value) InterceptHandler {
	return func(InterceptCall) (Value, bool, error) {
		return v, true, nil
	}
}

// Once wraps h so that it substitutes the body only on its first call; later
// calls let the body run.
func Once(h InterceptHandler) InterceptHandler {
	var once sync.Once
	return func(call InterceptCall) (ret Value, done bool, err error) {
		ran := false
		once.Do(func() {
			ran = true
			ret, done, err = h(call)
		})
		if !ran {
			return Nil, false, nil
		}
		return ret, done, err
	}
}
