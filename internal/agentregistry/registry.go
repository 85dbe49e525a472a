// Package agentregistry seeds the builtin table of worker agent identities
// and turns one into a runnable ACP subprocess command for
// internal/automation's AgentLauncher.
package agentregistry

import (
	"fmt"
	"runtime"

	"github.com/kagan-sh/kagan/internal/common/config"
	"github.com/kagan-sh/kagan/internal/domain"
)

// Identity describes one builtin worker agent: its display names and the
// OS-keyed CLI invocation that puts it into ACP stdio mode.
type Identity struct {
	Name      string
	ShortName string
	// RunCommand maps GOOS ("linux", "darwin", "windows") to the binary
	// name; "" is the fallback used when the running OS has no override.
	RunCommand map[string]string
	// AcpArgs are appended after the model flag (if any) to request ACP
	// stdio mode from the CLI.
	AcpArgs []string
	// ModelFlag, if non-empty, is the flag name used to pass a model
	// override (e.g. "--model"); identities with no override support leave
	// this blank.
	ModelFlag string
}

// Builtins is the closed table of worker agent identities (mirrors
// config.WorkerAgents' key set).
var Builtins = map[string]Identity{
	"claude": {
		Name: "Claude Code", ShortName: "claude",
		RunCommand: map[string]string{"": "claude"},
		AcpArgs:    []string{"--acp"},
		ModelFlag:  "--model",
	},
	"opencode": {
		Name: "opencode", ShortName: "opencode",
		RunCommand: map[string]string{"": "opencode"},
		AcpArgs:    []string{"acp"},
		ModelFlag:  "--model",
	},
	"codex": {
		Name: "Codex CLI", ShortName: "codex",
		RunCommand: map[string]string{"": "codex"},
		AcpArgs:    []string{"acp"},
		ModelFlag:  "--model",
	},
	"gemini": {
		Name: "Gemini CLI", ShortName: "gemini",
		RunCommand: map[string]string{"": "gemini"},
		AcpArgs:    []string{"--experimental-acp"},
		ModelFlag:  "--model",
	},
	"kimi": {
		Name: "Kimi CLI", ShortName: "kimi",
		RunCommand: map[string]string{"": "kimi"},
		AcpArgs:    []string{"--acp"},
		ModelFlag:  "--model",
	},
	"copilot": {
		Name: "GitHub Copilot CLI", ShortName: "copilot",
		RunCommand: map[string]string{
			"":        "copilot",
			"windows": "copilot.exe",
		},
		AcpArgs:   []string{"--acp"},
		ModelFlag: "--model",
	},
}

// defaultModel returns the exposed-settings override configured for
// identity backend, or "" if none was set.
func defaultModel(cfg config.AutomationConfig, backend string) string {
	switch backend {
	case "claude":
		return cfg.DefaultModelClaude
	case "opencode":
		return cfg.DefaultModelOpencode
	case "codex":
		return cfg.DefaultModelCodex
	case "gemini":
		return cfg.DefaultModelGemini
	case "kimi":
		return cfg.DefaultModelKimi
	case "copilot":
		return cfg.DefaultModelCopilot
	default:
		return ""
	}
}

func binaryFor(id Identity) string {
	if cmd, ok := id.RunCommand[runtime.GOOS]; ok && cmd != "" {
		return cmd
	}
	return id.RunCommand[""]
}

// Launcher builds an automation.AgentLauncher-compatible command for task's
// agent_backend (falling back to cfg's configured default worker agent),
// honoring any configured per-backend model override. It never returns an
// error: an unrecognized backend falls through to the configured default,
// since Task.AgentBackend is already validated against config.WorkerAgents
// at task-creation time.
func Launcher(cfg config.AutomationConfig) func(task *domain.Task, workspace *domain.Workspace, readOnly bool) (string, []string, []string) {
	return func(task *domain.Task, workspace *domain.Workspace, readOnly bool) (string, []string, []string) {
		backend := task.AgentBackend
		if backend == "" {
			backend = cfg.DefaultWorkerAgent
		}
		id, ok := Builtins[backend]
		if !ok {
			id = Builtins[cfg.DefaultWorkerAgent]
		}

		args := append([]string{}, id.AcpArgs...)
		if id.ModelFlag != "" {
			if model := defaultModel(cfg, backend); model != "" {
				args = append(args, id.ModelFlag, model)
			}
		}

		env := []string{fmt.Sprintf("KAGAN_TASK_ID=%s", task.ID)}
		if readOnly {
			env = append(env, "KAGAN_AGENT_READ_ONLY=1")
		}
		return binaryFor(id), args, env
	}
}
