// Package copilotsummary drafts short text — a PR body, a commit summary —
// from a one-shot GitHub Copilot SDK session. It is independent of the
// ACP worker-agent path in internal/acpsupervisor: a capability plugin can
// call Generate synchronously to fill in a field a human left blank,
// without spinning up a full task run.
package copilotsummary

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/pkg/copilot"
)

// generateTimeout bounds how long a single one-shot session is allowed to
// take before Generate gives up and the caller falls back to its own
// default text.
const generateTimeout = 2 * time.Minute

// Generator spawns a fresh Copilot CLI session per call. It holds no
// long-lived process; the CLI is started and stopped around each Generate.
type Generator struct {
	model string
	log   *logger.Logger
}

// NewGenerator creates a Generator. model may be empty to use the SDK
// wrapper's own default.
func NewGenerator(model string, log *logger.Logger) *Generator {
	return &Generator{model: model, log: log.WithFields(zap.String("component", "copilot-summary"))}
}

// Generate asks a throwaway Copilot session to answer prompt and returns
// its reply text. Callers should treat a non-nil error as "draft nothing,
// fall back to whatever default text you already had" rather than as a
// fatal failure of the calling operation.
func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	client := copilot.NewClient(copilot.ClientConfig{Model: g.model}, g.log)
	if err := client.Start(ctx); err != nil {
		return "", fmt.Errorf("start copilot sdk client: %w", err)
	}
	defer client.Stop()

	if _, err := client.CreateSession(ctx, nil); err != nil {
		return "", fmt.Errorf("create copilot session: %w", err)
	}

	event, err := client.SendAndWait(ctx, prompt, generateTimeout)
	if err != nil {
		return "", fmt.Errorf("copilot sdk send: %w", err)
	}
	if event == nil || event.Data.Content == nil || *event.Data.Content == "" {
		return "", fmt.Errorf("copilot sdk returned no content")
	}
	return *event.Data.Content, nil
}
