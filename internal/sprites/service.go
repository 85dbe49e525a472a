// Package sprites manages remote Sprites VM instances used by the
// "remote" agent execution backend: checking connectivity, listing and
// tearing down leftover instances, and a self-test that creates, runs a
// command in, and destroys a throwaway instance.
package sprites

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	sprites "github.com/superfly/sprites-go"
	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/secrets"
)

const (
	apiBase         = "https://api.sprites.dev/v1"
	instancePrefix  = "kagan-"
	requestTimeout  = 30 * time.Second
	testStepTimeout = 60 * time.Second

	// TokenEnvKey is the well-known secret env key a Sprites API token is
	// saved under, the same convention the GitHub PAT fallback uses.
	TokenEnvKey = "SPRITES_API_TOKEN"
)

// Status summarizes whether the remote backend is usable right now.
type Status struct {
	Connected       bool   `json:"connected"`
	TokenConfigured bool   `json:"token_configured"`
	InstanceCount   int    `json:"instance_count"`
	Error           string `json:"error,omitempty"`
}

// Instance is one running Sprites VM belonging to this deployment.
type Instance struct {
	Name          string `json:"name"`
	CreatedAt     string `json:"created_at"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// TestResult is the outcome of a create/run/destroy self-test.
type TestResult struct {
	Success         bool       `json:"success"`
	Steps           []TestStep `json:"steps"`
	TotalDurationMs int64      `json:"total_duration_ms"`
	SpriteName      string     `json:"sprite_name"`
	Error           string     `json:"error,omitempty"`
}

// TestStep is one timed step of a TestResult.
type TestStep struct {
	Name       string `json:"name"`
	DurationMs int64  `json:"duration_ms"`
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
}

// Service wraps the Sprites API/SDK behind the narrow surface the remote
// backend's management operations need. It holds no long-lived client: a
// token revocation or rotation takes effect on the very next call.
type Service struct {
	secretStore secrets.SecretStore
	log         *logger.Logger
}

// NewService creates a Service backed by the shared encrypted secret store.
func NewService(secretStore secrets.SecretStore, log *logger.Logger) *Service {
	return &Service{secretStore: secretStore, log: log.WithFields(zap.String("component", "sprites-service"))}
}

func (s *Service) token(ctx context.Context) (string, error) {
	token, err := s.secretStore.RevealByEnvKey(ctx, TokenEnvKey)
	if err != nil {
		return "", fmt.Errorf("sprites API token not configured: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("sprites API token not configured")
	}
	return token, nil
}

// Status reports whether a token is on file and whether the API is
// reachable with it.
func (s *Service) Status(ctx context.Context) *Status {
	if _, err := s.token(ctx); err != nil {
		return &Status{TokenConfigured: false}
	}
	instances, err := s.ListInstances(ctx)
	if err != nil {
		return &Status{TokenConfigured: true, Connected: false, Error: err.Error()}
	}
	return &Status{TokenConfigured: true, Connected: true, InstanceCount: len(instances)}
}

// ListInstances returns this deployment's running Sprites VMs. Sprites has
// no SDK list call, so this goes straight to the REST API the SDK itself
// talks to.
func (s *Service) ListInstances(ctx context.Context) ([]*Instance, error) {
	token, err := s.token(ctx)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, apiBase+"/sprites", nil)
	if err != nil {
		return nil, fmt.Errorf("build sprites list request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sprites API request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("sprites API returned %d: %s", resp.StatusCode, string(body))
	}

	var apiSprites []struct {
		Name      string `json:"name"`
		CreatedAt string `json:"created_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiSprites); err != nil {
		return nil, fmt.Errorf("decode sprites list response: %w", err)
	}

	var result []*Instance
	for _, sp := range apiSprites {
		if !strings.HasPrefix(sp.Name, instancePrefix) {
			continue
		}
		result = append(result, &Instance{
			Name:          sp.Name,
			CreatedAt:     sp.CreatedAt,
			UptimeSeconds: uptimeSince(sp.CreatedAt),
		})
	}
	return result, nil
}

// DestroyInstance tears down one named instance.
func (s *Service) DestroyInstance(ctx context.Context, name string) error {
	token, err := s.token(ctx)
	if err != nil {
		return err
	}
	client := sprites.New(token)
	if err := client.Sprite(name).Destroy(); err != nil {
		return fmt.Errorf("destroy sprite %q: %w", name, err)
	}
	s.log.Info("destroyed sprite instance", zap.String("name", name))
	return nil
}

// DestroyAll tears down every instance belonging to this deployment,
// continuing past individual failures, and returns the number destroyed.
func (s *Service) DestroyAll(ctx context.Context) (int, error) {
	instances, err := s.ListInstances(ctx)
	if err != nil {
		return 0, err
	}
	token, err := s.token(ctx)
	if err != nil {
		return 0, err
	}

	client := sprites.New(token)
	destroyed := 0
	for _, inst := range instances {
		if err := client.Sprite(inst.Name).Destroy(); err != nil {
			s.log.Warn("failed to destroy sprite instance", zap.String("name", inst.Name), zap.Error(err))
			continue
		}
		destroyed++
	}
	s.log.Info("destroyed all sprite instances", zap.Int("count", destroyed))
	return destroyed, nil
}

// TestConnection creates a throwaway instance, runs a command in it, and
// destroys it, timing each step. Used by the settings UI's "test
// connection" action before an operator relies on the remote backend.
func (s *Service) TestConnection(ctx context.Context) *TestResult {
	start := time.Now()
	spriteName := fmt.Sprintf("%stest-%d", instancePrefix, start.UnixMilli())
	result := &TestResult{SpriteName: spriteName}

	tokenStep := s.runStep("get API token", func() error {
		_, err := s.token(ctx)
		return err
	})
	result.Steps = append(result.Steps, tokenStep)
	if !tokenStep.Success {
		result.Error = tokenStep.Error
		result.TotalDurationMs = time.Since(start).Milliseconds()
		return result
	}

	token, _ := s.token(ctx)
	client := sprites.New(token)
	sprite := client.Sprite(spriteName)

	createStep := s.runStep("run command in sprite", func() error {
		stepCtx, cancel := context.WithTimeout(ctx, testStepTimeout)
		defer cancel()
		out, err := sprite.CommandContext(stepCtx, "echo", "kagan-sprites-test").Output()
		if err != nil {
			return err
		}
		if !strings.Contains(string(out), "kagan-sprites-test") {
			return fmt.Errorf("unexpected output: %s", string(out))
		}
		return nil
	})
	result.Steps = append(result.Steps, createStep)

	destroyStep := s.runStep("destroy sprite", func() error {
		return sprite.Destroy()
	})
	result.Steps = append(result.Steps, destroyStep)

	result.Success = tokenStep.Success && createStep.Success && destroyStep.Success
	if !result.Success {
		for _, step := range result.Steps {
			if step.Error != "" {
				result.Error = step.Error
				break
			}
		}
	}
	result.TotalDurationMs = time.Since(start).Milliseconds()
	return result
}

func (s *Service) runStep(name string, fn func() error) TestStep {
	start := time.Now()
	err := fn()
	step := TestStep{Name: name, DurationMs: time.Since(start).Milliseconds(), Success: err == nil}
	if err != nil {
		step.Error = err.Error()
	}
	return step
}

func uptimeSince(createdAt string) int64 {
	t, err := time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return 0
	}
	return int64(time.Since(t).Seconds())
}
