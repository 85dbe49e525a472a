package corehost

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Handler is one (capability, method) implementation. It receives the raw
// params map and performs its own typed extraction; unknown parameters are
// ignored, missing required ones should return a VALIDATION_ERROR (or a
// capability-specific code) via HandlerError.
type Handler func(ctx context.Context, req *Request) (map[string]interface{}, error)

// reservedPrefix marks capability namespaces plugins may not register into
// directly (the built-in capability table).
const reservedPrefix = "kagan_core_"

// Dispatcher holds the (capability, method) -> Handler table, merged from
// the built-in capabilities and any plugin registrations at startup.
type Dispatcher struct {
	mu    sync.RWMutex
	table map[string]map[string]Handler
}

// NewDispatcher creates an empty dispatch table.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{table: make(map[string]map[string]Handler)}
}

// Register adds a handler for (capability, method). Built-in capabilities
// call this directly at startup; the plugin registry calls it once per
// plugin-declared method after validating the namespace isn't reserved.
func (d *Dispatcher) Register(capability, method string, h Handler) error {
	if strings.HasPrefix(capability, reservedPrefix) {
		return fmt.Errorf("capability namespace %q is reserved", capability)
	}
	return d.register(capability, method, h)
}

func (d *Dispatcher) register(capability, method string, h Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.table[capability] == nil {
		d.table[capability] = make(map[string]Handler)
	}
	if _, exists := d.table[capability][method]; exists {
		return fmt.Errorf("handler already registered for %s.%s", capability, method)
	}
	d.table[capability][method] = h
	return nil
}

// Lookup finds the handler for (capability, method), if any.
func (d *Dispatcher) Lookup(capability, method string) (Handler, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	methods, ok := d.table[capability]
	if !ok {
		return nil, false
	}
	h, ok := methods[method]
	return h, ok
}

// Capabilities lists every registered capability name, for diagnostics.
func (d *Dispatcher) Capabilities() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.table))
	for c := range d.table {
		out = append(out, c)
	}
	return out
}

// IdempotentMutationMethods is the allow-list of method names that
// participate in idempotency-key deduplication. Reads never use the cache
// regardless of which capability they live under.
var IdempotentMutationMethods = map[string]bool{
	"create": true, "update": true, "delete": true, "move": true,
	"submit": true, "approve": true, "reject": true, "merge": true,
	"rebase": true, "kill": true, "add_repo": true,
}
