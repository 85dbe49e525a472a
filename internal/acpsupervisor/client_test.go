package acpsupervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/coder/acp-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func ptr[T any](v T) *T { return &v }

func TestClient_WriteTextFile_RejectedWhenReadOnly(t *testing.T) {
	c := newClient(testLogger(t), t.TempDir(), "task-1", true, nil)

	_, err := c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{
		Path:    filepath.Join(t.TempDir(), "x.txt"),
		Content: "hello",
	})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestClient_WriteTextFile_RequiresAbsolutePath(t *testing.T) {
	c := newClient(testLogger(t), t.TempDir(), "task-1", false, nil)

	_, err := c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{
		Path:    "relative/path.txt",
		Content: "hello",
	})
	require.Error(t, err)
}

func TestClient_WriteTextFile_WritesAndCreatesParentDirs(t *testing.T) {
	root := t.TempDir()
	c := newClient(testLogger(t), root, "task-1", false, nil)
	target := filepath.Join(root, "nested", "dir", "file.txt")

	_, err := c.WriteTextFile(context.Background(), acp.WriteTextFileRequest{
		Path:    target,
		Content: "written content",
	})
	require.NoError(t, err)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "written content", string(got))
}

func TestClient_ReadTextFile_FullContent(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(target, []byte("line1\nline2\nline3"), 0o644))

	c := newClient(testLogger(t), root, "task-1", true, nil)
	resp, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: target})
	require.NoError(t, err)
	assert.Equal(t, "line1\nline2\nline3", resp.Content)
}

func TestClient_ReadTextFile_LineAndLimit(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "file.txt")
	require.NoError(t, os.WriteFile(target, []byte("line1\nline2\nline3\nline4"), 0o644))

	c := newClient(testLogger(t), root, "task-1", true, nil)
	resp, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{
		Path:  target,
		Line:  ptr(2),
		Limit: ptr(2),
	})
	require.NoError(t, err)
	assert.Equal(t, "line2\nline3", resp.Content)
}

func TestClient_ReadTextFile_RequiresAbsolutePath(t *testing.T) {
	c := newClient(testLogger(t), t.TempDir(), "task-1", true, nil)
	_, err := c.ReadTextFile(context.Background(), acp.ReadTextFileRequest{Path: "rel.txt"})
	require.Error(t, err)
}

func TestClient_CreateTerminal_RejectedWhenReadOnly(t *testing.T) {
	c := newClient(testLogger(t), t.TempDir(), "task-1", true, nil)
	_, err := c.CreateTerminal(context.Background(), acp.CreateTerminalRequest{Command: "sh"})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestClient_KillTerminalCommand_RejectedWhenReadOnly(t *testing.T) {
	c := newClient(testLogger(t), t.TempDir(), "task-1", true, nil)
	_, err := c.KillTerminalCommand(context.Background(), acp.KillTerminalCommandRequest{TerminalId: "x"})
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestClient_RequestPermission_NoOptionsCancels(t *testing.T) {
	c := newClient(testLogger(t), t.TempDir(), "task-1", false, nil)
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{})
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Cancelled)
}

func TestClient_RequestPermission_AutoApprovesAllowOnceWhenNoForwarder(t *testing.T) {
	c := newClient(testLogger(t), t.TempDir(), "task-1", false, nil)

	options := []acp.PermissionOption{
		{OptionId: "some-other-option"}, // zero-value Kind, not an allow kind
		{OptionId: "allow-once", Kind: acp.PermissionOptionKindAllowOnce},
	}
	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{Options: options})
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("allow-once"), resp.Outcome.Selected.OptionId)
}

func TestClient_RequestPermission_ForwarderDecisionSelected(t *testing.T) {
	forwarder := func(ctx context.Context, taskID string, req acp.RequestPermissionRequest) (PermissionDecision, error) {
		assert.Equal(t, "task-1", taskID)
		return PermissionDecision{OptionID: "chosen"}, nil
	}
	c := newClient(testLogger(t), t.TempDir(), "task-1", false, forwarder)

	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		Options: []acp.PermissionOption{{OptionId: "chosen", Kind: acp.PermissionOptionKindAllowOnce}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Selected)
	assert.Equal(t, acp.PermissionOptionId("chosen"), resp.Outcome.Selected.OptionId)
}

func TestClient_RequestPermission_ForwarderCancellationCancels(t *testing.T) {
	forwarder := func(ctx context.Context, taskID string, req acp.RequestPermissionRequest) (PermissionDecision, error) {
		return PermissionDecision{Cancelled: true}, nil
	}
	c := newClient(testLogger(t), t.TempDir(), "task-1", false, forwarder)

	resp, err := c.RequestPermission(context.Background(), acp.RequestPermissionRequest{
		Options: []acp.PermissionOption{{OptionId: "x", Kind: acp.PermissionOptionKindAllowOnce}},
	})
	require.NoError(t, err)
	require.NotNil(t, resp.Outcome.Cancelled)
}

func TestClient_SessionUpdate_InvokesHandler(t *testing.T) {
	c := newClient(testLogger(t), t.TempDir(), "task-1", true, nil)

	var received acp.SessionNotification
	called := false
	c.setUpdateHandler(func(n acp.SessionNotification) {
		called = true
		received = n
	})

	n := acp.SessionNotification{SessionId: "sess-1"}
	err := c.SessionUpdate(context.Background(), n)
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, acp.SessionId("sess-1"), received.SessionId)
}
