package sessions

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/events/bus"
	"github.com/kagan-sh/kagan/internal/store"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kagan.db")
	eventBus := bus.NewMemoryEventBus(testLogger(t))
	t.Cleanup(func() { eventBus.Close() })
	st, err := store.Open(path, eventBus, testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestWorkspace(t *testing.T, st *store.Store) *domain.Workspace {
	t.Helper()
	proj, err := st.CreateProject(context.Background(), "proj", "")
	require.NoError(t, err)
	task, err := st.CreateTask(context.Background(), store.CreateTaskInput{ProjectID: proj.ID, Title: "task"})
	require.NoError(t, err)
	ws, err := st.CreateWorkspace(context.Background(), store.CreateWorkspaceInput{
		ProjectID: proj.ID, TaskID: task.ID, BranchName: "kagan/task-1", Path: t.TempDir(),
	})
	require.NoError(t, err)
	return ws
}

func TestHandleCreate_RequiresWorkspaceOrTaskID(t *testing.T) {
	p := New(newTestStore(t))
	_, err := p.handleCreate(context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
}

func TestHandleCreate_ByWorkspaceID_DefaultsToACP(t *testing.T) {
	st := newTestStore(t)
	ws := newTestWorkspace(t, st)
	p := New(st)

	out, err := p.handleCreate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"workspace_id": ws.ID},
	})
	require.NoError(t, err)
	sess := out["session"].(*domain.Session)
	assert.Equal(t, domain.SessionTypeACP, sess.SessionType)
}

func TestHandleCreate_ByTaskID_ResolvesActiveWorkspace(t *testing.T) {
	st := newTestStore(t)
	ws := newTestWorkspace(t, st)
	p := New(st)

	out, err := p.handleCreate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": ws.TaskID},
	})
	require.NoError(t, err)
	sess := out["session"].(*domain.Session)
	assert.Equal(t, ws.ID, sess.WorkspaceID)
}

func TestHandleCreate_UnknownWorkspaceIDFails(t *testing.T) {
	p := New(newTestStore(t))
	_, err := p.handleCreate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"workspace_id": "ghost"},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, corehost.ErrWorkspaceNotFound, kerr.Code)
}

func TestHandleAttach_ReturnsSessionAndWorkspace(t *testing.T) {
	st := newTestStore(t)
	ws := newTestWorkspace(t, st)
	p := New(st)

	created, err := p.handleCreate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"workspace_id": ws.ID},
	})
	require.NoError(t, err)
	sessID := created["session"].(*domain.Session).ID

	out, err := p.handleAttach(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"session_id": sessID},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "session")
	assert.Contains(t, out, "workspace")
}

func TestHandleAttach_RequiresSessionID(t *testing.T) {
	p := New(newTestStore(t))
	_, err := p.handleAttach(context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
}

func TestHandleAttach_UnknownSessionReturnsNotFound(t *testing.T) {
	p := New(newTestStore(t))
	_, err := p.handleAttach(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"session_id": "ghost"},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, corehost.ErrNotFound, kerr.Code)
}

func TestHandleExists_TrueForRealSession(t *testing.T) {
	st := newTestStore(t)
	ws := newTestWorkspace(t, st)
	p := New(st)
	created, err := p.handleCreate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"workspace_id": ws.ID},
	})
	require.NoError(t, err)
	sessID := created["session"].(*domain.Session).ID

	out, err := p.handleExists(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"session_id": sessID},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["exists"])
}

func TestHandleExists_FalseForUnknownSession(t *testing.T) {
	p := New(newTestStore(t))
	out, err := p.handleExists(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"session_id": "ghost"},
	})
	require.NoError(t, err)
	assert.Equal(t, false, out["exists"])
}

func TestHandleKill_MarksSessionClosed(t *testing.T) {
	st := newTestStore(t)
	ws := newTestWorkspace(t, st)
	p := New(st)
	created, err := p.handleCreate(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"workspace_id": ws.ID},
	})
	require.NoError(t, err)
	sessID := created["session"].(*domain.Session).ID

	out, err := p.handleKill(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"session_id": sessID},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["killed"])
}

func TestHandleKill_UnknownSessionReturnsNotFound(t *testing.T) {
	p := New(newTestStore(t))
	_, err := p.handleKill(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"session_id": "ghost"},
	})
	require.Error(t, err)
}
