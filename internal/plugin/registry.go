package plugin

import (
	"sync"

	pluginDomain "github.com/petermetz/killbill/internal/domain/plugin"
	ierr "github.com/petermetz/killbill/internal/errors"
	"github.com/petermetz/killbill/internal/logger"
	"github.com/samber/lo"
)

// Registry keeps the invoice plugins of the process in registration order
type Registry struct {
	mu      sync.RWMutex
	names   []string
	plugins map[string]pluginDomain.InvoicePlugin
	logger  *logger.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(logger *logger.Logger) *Registry {
	return &Registry{
		plugins: make(map[string]pluginDomain.InvoicePlugin),
		logger:  logger,
	}
}

// Register adds a plugin under a unique name
func (r *Registry) Register(name string, p pluginDomain.InvoicePlugin) error {
	if name == "" || p == nil {
		return ierr.NewError("plugin name and implementation are required").
			WithHint("Please provide a plugin name").
			Mark(ierr.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plugins[name]; ok {
		return ierr.NewErrorf("plugin %s is already registered", name).
			WithHintf("An invoice plugin named %s already exists", name).
			Mark(ierr.ErrAlreadyExists)
	}
	r.plugins[name] = p
	r.names = append(r.names, name)

	r.logger.Infow("registered invoice plugin", "plugin", name)
	return nil
}

// Unregister removes a plugin, it is a no-op for unknown names
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.plugins[name]; !ok {
		return
	}
	delete(r.plugins, name)
	r.names = lo.Without(r.names, name)

	r.logger.Infow("unregistered invoice plugin", "plugin", name)
}

// Lookup returns the plugin registered under name
func (r *Registry) Lookup(name string) (pluginDomain.InvoicePlugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Names returns the registered plugin names in registration order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Resolve snapshots the registry into the plugin a run talks to: the no-op
// plugin when nothing is registered, the plugin itself when there is one and
// a chain otherwise.
func (r *Registry) Resolve() pluginDomain.InvoicePlugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	switch len(r.names) {
	case 0:
		return NoopPlugin{}
	case 1:
		return r.plugins[r.names[0]]
	default:
		return NewChain(lo.Map(r.names, func(name string, _ int) pluginDomain.InvoicePlugin {
			return r.plugins[name]
		})...)
	}
}
