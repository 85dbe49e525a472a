// Package diagnostics serves the core's own introspection surface: right
// now that's the opt-in instrumentation snapshot, but it's the natural home
// for future self-diagnosis methods (health, build info) that aren't tied
// to a domain capability like tasks or projects.
package diagnostics

import (
	"context"

	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/instrumentation"
)

// Capability is the dispatch namespace this plugin registers under.
const Capability = "diagnostics"

// Plugin exposes core-level introspection methods over the dispatcher.
type Plugin struct {
	instrumentation *instrumentation.Registry
}

// New builds the diagnostics plugin over the given instrumentation registry.
func New(reg *instrumentation.Registry) *Plugin {
	return &Plugin{instrumentation: reg}
}

func (p *Plugin) Capability() string { return Capability }

func (p *Plugin) Methods() map[string]corehost.Handler {
	return map[string]corehost.Handler{
		"instrumentation": p.handleInstrumentation,
	}
}

// handleInstrumentation implements diagnostics.instrumentation: returns the
// current counters/timings snapshot, or an empty, disabled snapshot when
// KAGAN_CORE_INSTRUMENTATION has never been turned on.
func (p *Plugin) handleInstrumentation(_ context.Context, _ *corehost.Request) (map[string]interface{}, error) {
	snap := p.instrumentation.Snapshot()
	return map[string]interface{}{
		"enabled":    snap.Enabled,
		"log_events": snap.LogEvents,
		"counters":   snap.Counters,
		"timings":    snap.Timings,
	}, nil
}
