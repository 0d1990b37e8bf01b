package inference

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

var (
	builtinMu sync.RWMutex
	builtins  = map[string]Factory{
		LinearRuntimeName: func(opts Options) (Runtime, error) { return NewLinearRuntime(opts.Logger), nil },
	}
)

// register adds a backend compiled in behind a build tag.
func register(name string, f Factory) {
	builtinMu.Lock()
	defer builtinMu.Unlock()
	builtins[name] = f
}

// Registry maps runtime names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry pre-populated with every backend compiled into
// this binary.
func NewRegistry() *Registry {
	builtinMu.RLock()
	defer builtinMu.RUnlock()
	r := &Registry{factories: make(map[string]Factory, len(builtins))}
	for k, v := range builtins {
		r.factories[k] = v
	}
	return r
}

// Register adds or replaces a factory.
func (r *Registry) Register(name string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// Names lists registered runtimes in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for k := range r.factories {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// New builds the named runtime.
func (r *Registry) New(name string, opts Options) (Runtime, error) {
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownRuntime, name, r.Names())
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return f(opts)
}
