package settings

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan/internal/common/config"
	"github.com/kagan-sh/kagan/internal/corehost"
)

func testConfig() *config.Config {
	return &config.Config{
		Automation: config.AutomationConfig{
			AutoReview:                     true,
			MaxConcurrentAgents:            3,
			DefaultBaseBranch:              "main",
			WorktreeBaseRefStrategy:        "remote",
			DefaultWorkerAgent:             "claude",
			DefaultPairTerminalBackend:     "tmux",
			TasksWaitDefaultTimeoutSeconds: 30,
			TasksWaitMaxTimeoutSeconds:     300,
		},
	}
}

type fakeUpdater struct{ received *config.AutomationConfig }

func (f *fakeUpdater) UpdateConfig(cfg config.AutomationConfig) { f.received = &cfg }

func TestHandleGet_ReturnsFullSnapshotByDefault(t *testing.T) {
	p := New(testConfig(), nil, nil)
	out, err := p.handleGet(context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.NoError(t, err)
	settings := out["settings"].(map[string]interface{})
	assert.Equal(t, true, settings["general.auto_review"])
	assert.Equal(t, "main", settings["general.default_base_branch"])
}

func TestHandleGet_FiltersByKeys(t *testing.T) {
	p := New(testConfig(), nil, nil)
	out, err := p.handleGet(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"keys": []interface{}{"general.auto_review"}},
	})
	require.NoError(t, err)
	settings := out["settings"].(map[string]interface{})
	assert.Len(t, settings, 1)
	assert.Equal(t, true, settings["general.auto_review"])
}

func TestHandleGet_RejectsUnknownKey(t *testing.T) {
	p := New(testConfig(), nil, nil)
	_, err := p.handleGet(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"keys": []interface{}{"not.a.real.key"}},
	})
	require.Error(t, err)
}

func TestHandleGet_NullableModelDefaultsToNilWhenEmpty(t *testing.T) {
	p := New(testConfig(), nil, nil)
	out, err := p.handleGet(context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.NoError(t, err)
	settings := out["settings"].(map[string]interface{})
	assert.Nil(t, settings["general.default_model_claude"])
}

func TestHandleUpdate_RequiresNonEmptyFields(t *testing.T) {
	p := New(testConfig(), nil, nil)
	_, err := p.handleUpdate(context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
}

func TestHandleUpdate_RejectsUnknownKey(t *testing.T) {
	p := New(testConfig(), nil, nil)
	_, err := p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{"not.a.real.key": true}},
	})
	require.Error(t, err)
}

func TestHandleUpdate_RejectsWrongTypeForBoolField(t *testing.T) {
	p := New(testConfig(), nil, nil)
	_, err := p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{"general.auto_review": "yes"}},
	})
	require.Error(t, err)
}

func TestHandleUpdate_RejectsOutOfRangeMaxConcurrentAgents(t *testing.T) {
	p := New(testConfig(), nil, nil)
	_, err := p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{"general.max_concurrent_agents": float64(20)}},
	})
	require.Error(t, err)
}

func TestHandleUpdate_AppliesValidBoolField(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, nil, nil)
	out, err := p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{"general.auto_review": false}},
	})
	require.NoError(t, err)
	assert.Equal(t, false, cfg.Automation.AutoReview)
	settings := out["settings"].(map[string]interface{})
	assert.Equal(t, false, settings["general.auto_review"])
}

func TestHandleUpdate_RejectsUnknownWorktreeStrategy(t *testing.T) {
	p := New(testConfig(), nil, nil)
	_, err := p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{"general.worktree_base_ref_strategy": "bogus"}},
	})
	require.Error(t, err)
}

func TestHandleUpdate_RejectsUnknownWorkerAgent(t *testing.T) {
	p := New(testConfig(), nil, nil)
	_, err := p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{"general.default_worker_agent": "not-an-agent"}},
	})
	require.Error(t, err)
}

func TestHandleUpdate_NormalizesPairTerminalBackendCase(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, nil, nil)
	_, err := p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{"general.default_pair_terminal_backend": "SCREEN"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "screen", cfg.Automation.DefaultPairTerminalBackend)
}

func TestHandleUpdate_SetsAndClearsOptionalModelField(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, nil, nil)
	_, err := p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{"general.default_model_claude": "opus"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "opus", cfg.Automation.DefaultModelClaude)

	_, err = p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{"general.default_model_claude": nil}},
	})
	require.NoError(t, err)
	assert.Equal(t, "", cfg.Automation.DefaultModelClaude)
}

func TestHandleUpdate_DoesNotPartiallyApplyOnValidationFailure(t *testing.T) {
	cfg := testConfig()
	p := New(cfg, nil, nil)
	_, err := p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{
			"general.auto_review":           false,
			"general.max_concurrent_agents": float64(999),
		}},
	})
	require.Error(t, err)
	assert.True(t, cfg.Automation.AutoReview, "valid field must not apply when a later field in the batch fails")
}

func TestHandleUpdate_NotifiesOrchestrator(t *testing.T) {
	cfg := testConfig()
	updater := &fakeUpdater{}
	p := New(cfg, nil, updater)
	_, err := p.handleUpdate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"fields": map[string]interface{}{"general.auto_review": false}},
	})
	require.NoError(t, err)
	require.NotNil(t, updater.received)
	assert.False(t, updater.received.AutoReview)
}

func TestCapability_ReturnsSettings(t *testing.T) {
	assert.Equal(t, "settings", New(testConfig(), nil, nil).Capability())
}
