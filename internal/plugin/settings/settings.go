// Package settings implements the "settings" capability: get/update over
// the closed set of client-editable automation and UI preferences (a
// deliberately narrow allowlist, not an arbitrary key-value blob — a client
// can read or write exactly the dotted paths this package knows about).
package settings

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/kagan-sh/kagan/internal/common/config"
	"github.com/kagan-sh/kagan/internal/corehost"
)

// Capability is the dispatch namespace this plugin registers under.
const Capability = "settings"

// ConfigUpdater is the subset of automation.Orchestrator this plugin needs:
// pushing a freshly validated config into a live scheduler without a
// restart. automation.Orchestrator satisfies this implicitly.
type ConfigUpdater interface {
	UpdateConfig(config.AutomationConfig)
}

// Plugin serves the settings capability over a shared, mutable config.
type Plugin struct {
	mu   sync.Mutex
	cfg  *config.Config
	v    *viper.Viper // nil disables persistence to disk; changes stay in memory only
	orch ConfigUpdater
}

// New builds the settings plugin over the process's live config. v is the
// viper instance the config was loaded through (for Save on update) and may
// be nil to keep updates in-memory only (e.g. in tests). orch, if non-nil,
// is pushed a fresh AutomationConfig whenever update changes it.
func New(cfg *config.Config, v *viper.Viper, orch ConfigUpdater) *Plugin {
	return &Plugin{cfg: cfg, v: v, orch: orch}
}

func (p *Plugin) Capability() string { return Capability }

func (p *Plugin) Methods() map[string]corehost.Handler {
	return map[string]corehost.Handler{
		"get":    p.handleGet,
		"update": p.handleUpdate,
	}
}

func validationError(message string) error {
	return corehost.NewError(corehost.ErrValidationError, message)
}

// exposedSettings is the allowlist of dotted setting paths a client may read
// or write, mirroring EXPOSED_SETTINGS in the system this was distilled
// from. Anything not in this list is rejected outright.
var exposedSettings = map[string]bool{
	"general.auto_review":                         true,
	"general.auto_approve":                        true,
	"general.require_review_approval":             true,
	"general.serialize_merges":                     true,
	"general.default_base_branch":                 true,
	"general.auto_sync_base_branch":                true,
	"general.worktree_base_ref_strategy":           true,
	"general.max_concurrent_agents":                true,
	"general.default_worker_agent":                 true,
	"general.default_pair_terminal_backend":        true,
	"general.default_model_claude":                 true,
	"general.default_model_opencode":               true,
	"general.default_model_codex":                  true,
	"general.default_model_gemini":                 true,
	"general.default_model_kimi":                   true,
	"general.default_model_copilot":                true,
	"general.tasks_wait_default_timeout_seconds":    true,
	"general.tasks_wait_max_timeout_seconds":        true,
	"ui.skip_pair_instructions":                     true,
}

// boolFields, timeoutFields, and optionalModelFields group exposedSettings
// keys by the validation rule handleUpdate applies to them.
var boolFields = map[string]bool{
	"general.auto_review":               true,
	"general.auto_approve":              true,
	"general.require_review_approval":   true,
	"general.serialize_merges":          true,
	"general.auto_sync_base_branch":     true,
	"ui.skip_pair_instructions":         true,
}

var timeoutSecondsFields = map[string]bool{
	"general.tasks_wait_default_timeout_seconds": true,
	"general.tasks_wait_max_timeout_seconds":     true,
}

var optionalModelFields = map[string]bool{
	"general.default_model_claude":   true,
	"general.default_model_opencode": true,
	"general.default_model_codex":    true,
	"general.default_model_gemini":   true,
	"general.default_model_kimi":     true,
	"general.default_model_copilot":  true,
}

// snapshot reads the current config into the dotted-key map a client sees,
// the read-side mirror of handleUpdate's field-by-field application.
func snapshot(cfg *config.Config) map[string]interface{} {
	a := cfg.Automation
	return map[string]interface{}{
		"general.auto_review":                      a.AutoReview,
		"general.auto_approve":                      a.AutoApprove,
		"general.require_review_approval":           a.RequireReviewApproval,
		"general.serialize_merges":                  a.SerializeMerges,
		"general.default_base_branch":               a.DefaultBaseBranch,
		"general.auto_sync_base_branch":              a.AutoSyncBaseBranch,
		"general.worktree_base_ref_strategy":         a.WorktreeBaseRefStrategy,
		"general.max_concurrent_agents":              a.MaxConcurrentAgents,
		"general.default_worker_agent":               a.DefaultWorkerAgent,
		"general.default_pair_terminal_backend":      a.DefaultPairTerminalBackend,
		"general.default_model_claude":               nullableString(a.DefaultModelClaude),
		"general.default_model_opencode":             nullableString(a.DefaultModelOpencode),
		"general.default_model_codex":                nullableString(a.DefaultModelCodex),
		"general.default_model_gemini":               nullableString(a.DefaultModelGemini),
		"general.default_model_kimi":                 nullableString(a.DefaultModelKimi),
		"general.default_model_copilot":              nullableString(a.DefaultModelCopilot),
		"general.tasks_wait_default_timeout_seconds": a.TasksWaitDefaultTimeoutSeconds,
		"general.tasks_wait_max_timeout_seconds":     a.TasksWaitMaxTimeoutSeconds,
		"ui.skip_pair_instructions":                  cfg.UI.SkipPairInstructions,
	}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// handleGet implements settings.get: the full exposed-settings snapshot, or
// just the keys named in a "keys" param if one is given.
func (p *Plugin) handleGet(_ context.Context, req *corehost.Request) (map[string]interface{}, error) {
	p.mu.Lock()
	all := snapshot(p.cfg)
	p.mu.Unlock()

	keysParam, _ := req.Params["keys"].([]interface{})
	if len(keysParam) == 0 {
		return map[string]interface{}{"settings": all}, nil
	}

	filtered := make(map[string]interface{}, len(keysParam))
	for _, k := range keysParam {
		key, _ := k.(string)
		if !exposedSettings[key] {
			return nil, validationError("unknown setting: " + key)
		}
		filtered[key] = all[key]
	}
	return map[string]interface{}{"settings": filtered}, nil
}

// handleUpdate implements settings.update: validates every field in the
// "fields" param against the exposed allowlist and its type/range/enum
// rule, applies them all atomically, persists to disk (if a viper instance
// backs this plugin), and pushes the result to the automation orchestrator
// (if one is wired) so it takes effect without a restart.
func (p *Plugin) handleUpdate(_ context.Context, req *corehost.Request) (map[string]interface{}, error) {
	fields, _ := req.Params["fields"].(map[string]interface{})
	if len(fields) == 0 {
		return nil, validationError("fields is required and must be non-empty")
	}

	for key := range fields {
		if !exposedSettings[key] {
			return nil, validationError(fmt.Sprintf("unknown setting: %s", key))
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Work against a copy so a validation failure partway through never
	// leaves the live config half-updated.
	next := *p.cfg
	for key, raw := range fields {
		if err := applyField(&next, key, raw); err != nil {
			return nil, err
		}
	}

	*p.cfg = next
	if p.v != nil {
		if err := config.Save(p.v, p.cfg); err != nil {
			return nil, corehost.NewError(corehost.ErrInternalError, "persist settings: "+err.Error())
		}
	}
	if p.orch != nil {
		p.orch.UpdateConfig(p.cfg.Automation)
	}

	return map[string]interface{}{"settings": snapshot(p.cfg)}, nil
}

// applyField validates one (key, value) pair and writes it into cfg.
func applyField(cfg *config.Config, key string, raw interface{}) error {
	switch {
	case boolFields[key]:
		b, ok := raw.(bool)
		if !ok {
			return validationError(key + " must be a boolean")
		}
		return setBoolField(cfg, key, b)

	case key == "general.max_concurrent_agents":
		n, err := intValue(raw)
		if err != nil || n < 1 || n > 10 {
			return validationError("general.max_concurrent_agents must be an integer between 1 and 10")
		}
		cfg.Automation.MaxConcurrentAgents = n
		return nil

	case timeoutSecondsFields[key]:
		n, err := intValue(raw)
		if err != nil || n < 1 || n > 3600 {
			return validationError(key + " must be an integer between 1 and 3600")
		}
		if key == "general.tasks_wait_default_timeout_seconds" {
			cfg.Automation.TasksWaitDefaultTimeoutSeconds = n
		} else {
			cfg.Automation.TasksWaitMaxTimeoutSeconds = n
		}
		return nil

	case key == "general.default_base_branch":
		s, ok := raw.(string)
		if !ok || s == "" {
			return validationError("general.default_base_branch must be a non-empty string")
		}
		cfg.Automation.DefaultBaseBranch = s
		return nil

	case key == "general.worktree_base_ref_strategy":
		s, _ := raw.(string)
		if !config.WorktreeBaseRefStrategyValues[s] {
			return validationError("general.worktree_base_ref_strategy must be one of: remote, local, local_if_ahead")
		}
		cfg.Automation.WorktreeBaseRefStrategy = s
		return nil

	case key == "general.default_worker_agent":
		s, _ := raw.(string)
		if !config.WorkerAgents[s] {
			return validationError("general.default_worker_agent must be a known worker agent")
		}
		cfg.Automation.DefaultWorkerAgent = s
		return nil

	case key == "general.default_pair_terminal_backend":
		s, _ := raw.(string)
		s = strings.ToLower(s)
		if !config.PairTerminalBackends[s] {
			return validationError("general.default_pair_terminal_backend must be one of: tmux, screen, native")
		}
		cfg.Automation.DefaultPairTerminalBackend = s
		return nil

	case optionalModelFields[key]:
		s, err := nullableStringValue(raw)
		if err != nil {
			return validationError(key + " must be a string or null")
		}
		return setOptionalModelField(cfg, key, s)

	case key == "ui.skip_pair_instructions":
		b, ok := raw.(bool)
		if !ok {
			return validationError(key + " must be a boolean")
		}
		cfg.UI.SkipPairInstructions = b
		return nil
	}

	return validationError("unknown setting: " + key)
}

func setBoolField(cfg *config.Config, key string, b bool) error {
	switch key {
	case "general.auto_review":
		cfg.Automation.AutoReview = b
	case "general.auto_approve":
		cfg.Automation.AutoApprove = b
	case "general.require_review_approval":
		cfg.Automation.RequireReviewApproval = b
	case "general.serialize_merges":
		cfg.Automation.SerializeMerges = b
	case "general.auto_sync_base_branch":
		cfg.Automation.AutoSyncBaseBranch = b
	case "ui.skip_pair_instructions":
		cfg.UI.SkipPairInstructions = b
	default:
		return validationError("unknown boolean setting: " + key)
	}
	return nil
}

func setOptionalModelField(cfg *config.Config, key, s string) error {
	switch key {
	case "general.default_model_claude":
		cfg.Automation.DefaultModelClaude = s
	case "general.default_model_opencode":
		cfg.Automation.DefaultModelOpencode = s
	case "general.default_model_codex":
		cfg.Automation.DefaultModelCodex = s
	case "general.default_model_gemini":
		cfg.Automation.DefaultModelGemini = s
	case "general.default_model_kimi":
		cfg.Automation.DefaultModelKimi = s
	case "general.default_model_copilot":
		cfg.Automation.DefaultModelCopilot = s
	default:
		return validationError("unknown model setting: " + key)
	}
	return nil
}

// intValue accepts JSON-decoded numbers (float64), Go ints, or numeric
// strings, matching the forgiving param decoding used across the other
// capability plugins.
func intValue(raw interface{}) (int, error) {
	switch v := raw.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	case string:
		return strconv.Atoi(v)
	default:
		return 0, fmt.Errorf("not a number")
	}
}

// nullableStringValue accepts a string, empty string, or nil/missing,
// trimming to "" (which snapshot renders back as a JSON null) same as an
// empty string clears an optional model override.
func nullableStringValue(raw interface{}) (string, error) {
	if raw == nil {
		return "", nil
	}
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("not a string")
	}
	return strings.TrimSpace(s), nil
}
