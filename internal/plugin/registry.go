// Package plugin is the capability-registering surface a core plugin uses
// to extend the IPC dispatch table: each plugin declares one capability
// namespace and a set of methods under it, and the registry wires them into
// the corehost Dispatcher the same way a built-in capability would.
package plugin

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/corehost"
)

// Plugin declares one capability namespace's method table and an optional
// contract probe used by connect_repo-style preflight checks.
type Plugin interface {
	// Capability is the dispatch namespace this plugin owns (e.g.
	// "kagan_github"). Must not use the reserved "kagan_core_" prefix.
	Capability() string
	// Methods returns every (method name -> handler) this plugin serves
	// under its capability.
	Methods() map[string]corehost.Handler
}

// Registry tracks every plugin wired into a core host instance and mirrors
// their method tables into the shared Dispatcher.
type Registry struct {
	log     *logger.Logger
	plugins map[string]Plugin
}

// New creates an empty plugin registry.
func New(log *logger.Logger) *Registry {
	return &Registry{log: log, plugins: make(map[string]Plugin)}
}

// Register installs a plugin's methods into dispatcher and records it for
// Capabilities()/Get() lookups. Returns an error if the capability name
// collides with an already-registered plugin or a reserved namespace.
func (r *Registry) Register(dispatcher *corehost.Dispatcher, p Plugin) error {
	capability := p.Capability()
	if _, exists := r.plugins[capability]; exists {
		return fmt.Errorf("plugin: capability %q already registered", capability)
	}
	for method, handler := range p.Methods() {
		if err := dispatcher.Register(capability, method, handler); err != nil {
			return fmt.Errorf("plugin: register %s.%s: %w", capability, method, err)
		}
	}
	r.plugins[capability] = p
	r.log.Info("plugin registered", zap.String("capability", capability), zap.Int("methods", len(p.Methods())))
	return nil
}

// Get returns the plugin owning a capability namespace, if any.
func (r *Registry) Get(capability string) (Plugin, bool) {
	p, ok := r.plugins[capability]
	return p, ok
}

// Capabilities lists every registered plugin's capability namespace.
func (r *Registry) Capabilities() []string {
	out := make([]string, 0, len(r.plugins))
	for c := range r.plugins {
		out = append(out, c)
	}
	return out
}
