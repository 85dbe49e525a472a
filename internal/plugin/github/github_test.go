package github

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/db"
	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/events/bus"
	ghsvc "github.com/kagan-sh/kagan/internal/github"
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

func newGHService(t *testing.T, client ghsvc.Client) *ghsvc.Service {
	t.Helper()
	path := filepath.Join(t.TempDir(), "github.db")
	writer, err := db.OpenSQLite(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	reader, err := db.OpenSQLiteReader(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reader.Close() })

	ghStore, err := ghsvc.NewStore(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"))
	require.NoError(t, err)
	return ghsvc.NewService(client, "mock", ghStore, nil, testLogger(t))
}

func runGitT(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@example.com")
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return string(out)
}

// ghFixture is a project with a single real git repo remote-wired to a
// github.com URL, ready for connect_repo.
type ghFixture struct {
	st       *store.Store
	proj     *domain.Project
	repoPath string
}

func newGHFixture(t *testing.T) *ghFixture {
	t.Helper()
	st := newTestStore(t)
	proj, err := st.CreateProject(context.Background(), "demo", "")
	require.NoError(t, err)

	repoPath := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repoPath, 0o755))
	runGitT(t, repoPath, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "README.md"), []byte("seed"), 0o644))
	runGitT(t, repoPath, "add", ".")
	runGitT(t, repoPath, "commit", "-m", "initial")
	runGitT(t, repoPath, "remote", "add", "origin", "https://github.com/acme/widget.git")

	require.NoError(t, st.AddRepoToProject(context.Background(), proj.ID, mustCreateRepo(t, st, repoPath).ID, true, 0))

	return &ghFixture{st: st, proj: proj, repoPath: repoPath}
}

func mustCreateRepo(t *testing.T, st *store.Store, path string) *domain.Repo {
	t.Helper()
	repo, err := st.CreateRepo(context.Background(), "widget", path, "main", "", "")
	require.NoError(t, err)
	return repo
}

func newPlugin(t *testing.T, st *store.Store, client ghsvc.Client) *Plugin {
	t.Helper()
	return New(st, newGHService(t, client), nil, testLogger(t))
}

func connectFixture(t *testing.T, f *ghFixture, client ghsvc.Client) *Plugin {
	t.Helper()
	p := newPlugin(t, f.st, client)
	out, err := p.Methods()["connect_repo"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"project_id": f.proj.ID},
	})
	require.NoError(t, err)
	require.Equal(t, true, out["success"])
	return p
}

func TestContractProbe_ReturnsCanonicalMethods(t *testing.T) {
	p := newPlugin(t, newTestStore(t), ghsvc.NewMockClient())
	out, err := p.Methods()[contractProbeMethod](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"echo": "hi"},
	})
	require.NoError(t, err)
	assert.Equal(t, Capability, out["capability"])
	assert.Equal(t, "hi", out["echo"])
	assert.ElementsMatch(t, canonicalMethods, out["canonical_methods"])
}

func TestHandleConnectRepo_PersistsOwnerAndRepo(t *testing.T) {
	f := newGHFixture(t)
	p := newPlugin(t, f.st, ghsvc.NewMockClient())

	out, err := p.Methods()["connect_repo"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"project_id": f.proj.ID},
	})
	require.NoError(t, err)
	conn := out["connection"].(connectionMetadata)
	assert.Equal(t, "acme", conn.Owner)
	assert.Equal(t, "widget", conn.Repo)
}

func TestHandleConnectRepo_SecondCallReportsAlreadyConnected(t *testing.T) {
	f := newGHFixture(t)
	p := connectFixture(t, f, ghsvc.NewMockClient())

	out, err := p.Methods()["connect_repo"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"project_id": f.proj.ID},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "connection")
}

func TestHandleConnectRepo_RequiresProjectID(t *testing.T) {
	p := newPlugin(t, newTestStore(t), ghsvc.NewMockClient())
	_, err := p.Methods()["connect_repo"](context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errProjectRequired, kerr.Code)
}

func TestHandleConnectRepo_NonGithubRemoteFails(t *testing.T) {
	st := newTestStore(t)
	proj, err := st.CreateProject(context.Background(), "demo", "")
	require.NoError(t, err)

	repoPath := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repoPath, 0o755))
	runGitT(t, repoPath, "init", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(repoPath, "f"), []byte("x"), 0o644))
	runGitT(t, repoPath, "add", ".")
	runGitT(t, repoPath, "commit", "-m", "initial")
	runGitT(t, repoPath, "remote", "add", "origin", "https://gitlab.com/acme/widget.git")

	repo := mustCreateRepo(t, st, repoPath)
	require.NoError(t, st.AddRepoToProject(context.Background(), proj.ID, repo.ID, true, 0))

	p := newPlugin(t, st, ghsvc.NewMockClient())
	_, err = p.Methods()["connect_repo"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"project_id": proj.ID},
	})
	require.Error(t, err)
}

func TestHandleSyncIssues_RequiresConnection(t *testing.T) {
	f := newGHFixture(t)
	p := newPlugin(t, f.st, ghsvc.NewMockClient())
	_, err := p.Methods()["sync_issues"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"project_id": f.proj.ID},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errNotConnected, kerr.Code)
}

func TestHandleSyncIssues_FailsWithoutGHCLI(t *testing.T) {
	f := newGHFixture(t)
	p := connectFixture(t, f, ghsvc.NewMockClient())
	_, err := p.Methods()["sync_issues"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"project_id": f.proj.ID},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, corehost.ErrCode("GH_CLI_NOT_AVAILABLE"), kerr.Code)
}

func TestHandleAcquireLease_RequiresIssueNumber(t *testing.T) {
	p := newPlugin(t, newTestStore(t), ghsvc.NewMockClient())
	_, err := p.Methods()["acquire_lease"](context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errIssueRequired, kerr.Code)
}

func TestHandleAcquireLease_RequiresConnection(t *testing.T) {
	f := newGHFixture(t)
	p := newPlugin(t, f.st, ghsvc.NewMockClient())
	_, err := p.Methods()["acquire_lease"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"project_id": f.proj.ID, "issue_number": float64(7)},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errNotConnected, kerr.Code)
}

func TestHandleReleaseLease_RequiresIssueNumber(t *testing.T) {
	p := newPlugin(t, newTestStore(t), ghsvc.NewMockClient())
	_, err := p.Methods()["release_lease"](context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
}

func TestHandleGetLeaseState_RequiresIssueNumber(t *testing.T) {
	p := newPlugin(t, newTestStore(t), ghsvc.NewMockClient())
	_, err := p.Methods()["get_lease_state"](context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
}

func TestHandleCreatePRForTask_RequiresTaskID(t *testing.T) {
	p := newPlugin(t, newTestStore(t), ghsvc.NewMockClient())
	_, err := p.Methods()["create_pr_for_task"](context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errTaskRequired, kerr.Code)
}

func TestHandleCreatePRForTask_RequiresWorkspace(t *testing.T) {
	f := newGHFixture(t)
	p := connectFixture(t, f, ghsvc.NewMockClient())
	task, err := f.st.CreateTask(context.Background(), store.CreateTaskInput{ProjectID: f.proj.ID, Title: "x"})
	require.NoError(t, err)

	_, err = p.Methods()["create_pr_for_task"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": task.ID, "project_id": f.proj.ID},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, corehost.ErrCode("GH_WORKSPACE_REQUIRED"), kerr.Code)
}

func TestHandleCreatePRForTask_OpensAndLinksPR(t *testing.T) {
	f := newGHFixture(t)
	mock := ghsvc.NewMockClient()
	p := connectFixture(t, f, mock)

	task, err := f.st.CreateTask(context.Background(), store.CreateTaskInput{ProjectID: f.proj.ID, Title: "ship it", Description: "do the thing"})
	require.NoError(t, err)
	_, err = f.st.CreateWorkspace(context.Background(), store.CreateWorkspaceInput{
		ProjectID: f.proj.ID, TaskID: task.ID, BranchName: "kagan/task-1", Path: f.repoPath,
	})
	require.NoError(t, err)

	out, err := p.Methods()["create_pr_for_task"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": task.ID, "project_id": f.proj.ID},
	})
	require.NoError(t, err)
	taskPR := out["pr"].(*ghsvc.TaskPR)
	assert.Equal(t, "acme", taskPR.Owner)
	assert.Equal(t, "widget", taskPR.Repo)
	assert.Equal(t, 1, taskPR.PRNumber)
}

func TestHandleLinkPRToTask_RequiresPRNumber(t *testing.T) {
	p := newPlugin(t, newTestStore(t), ghsvc.NewMockClient())
	_, err := p.Methods()["link_pr_to_task"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": "task-1"},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errPRNumberRequired, kerr.Code)
}

func TestHandleLinkPRToTask_UnknownPRReturnsNotFound(t *testing.T) {
	f := newGHFixture(t)
	p := connectFixture(t, f, ghsvc.NewMockClient())
	_, err := p.Methods()["link_pr_to_task"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": "task-1", "project_id": f.proj.ID, "pr_number": float64(99)},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errPRNotFound, kerr.Code)
}

func TestHandleLinkPRToTask_LinksExistingPR(t *testing.T) {
	f := newGHFixture(t)
	mock := ghsvc.NewMockClient()
	mock.AddPR(&ghsvc.PR{Number: 42, Title: "existing", HTMLURL: "https://github.com/acme/widget/pull/42",
		State: "open", HeadBranch: "feature", RepoOwner: "acme", RepoName: "widget"})
	p := connectFixture(t, f, mock)

	task, err := f.st.CreateTask(context.Background(), store.CreateTaskInput{ProjectID: f.proj.ID, Title: "x"})
	require.NoError(t, err)

	out, err := p.Methods()["link_pr_to_task"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": task.ID, "project_id": f.proj.ID, "pr_number": float64(42)},
	})
	require.NoError(t, err)
	taskPR := out["pr"].(*ghsvc.TaskPR)
	assert.Equal(t, 42, taskPR.PRNumber)
}

func TestHandleReconcilePRStatus_RequiresTaskID(t *testing.T) {
	p := newPlugin(t, newTestStore(t), ghsvc.NewMockClient())
	_, err := p.Methods()["reconcile_pr_status"](context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errTaskRequired, kerr.Code)
}

func TestHandleReconcilePRStatus_NoLinkedPRFails(t *testing.T) {
	p := newPlugin(t, newTestStore(t), ghsvc.NewMockClient())
	_, err := p.Methods()["reconcile_pr_status"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": "task-1"},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, errNoLinkedPR, kerr.Code)
}

func TestHandleReconcilePRStatus_MergedPRAdvancesTaskToDone(t *testing.T) {
	f := newGHFixture(t)
	mock := ghsvc.NewMockClient()
	p := connectFixture(t, f, mock)

	task, err := f.st.CreateTask(context.Background(), store.CreateTaskInput{ProjectID: f.proj.ID, Title: "x"})
	require.NoError(t, err)
	_, err = f.st.CreateWorkspace(context.Background(), store.CreateWorkspaceInput{
		ProjectID: f.proj.ID, TaskID: task.ID, BranchName: "kagan/task-1", Path: f.repoPath,
	})
	require.NoError(t, err)
	_, err = p.Methods()["create_pr_for_task"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": task.ID, "project_id": f.proj.ID},
	})
	require.NoError(t, err)

	pr, err := mock.GetPR(context.Background(), "acme", "widget", 1)
	require.NoError(t, err)
	pr.State = "merged"

	_, err = f.st.MoveTask(context.Background(), task.ID, domain.TaskStatusInProgress, "")
	require.NoError(t, err)
	_, err = f.st.MoveTask(context.Background(), task.ID, domain.TaskStatusReview, "")
	require.NoError(t, err)

	out, err := p.Methods()["reconcile_pr_status"](context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": task.ID},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "pr")

	updated, err := f.st.GetTask(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDone, updated.Status)
}

func TestCapability_ReturnsGithub(t *testing.T) {
	assert.Equal(t, Capability, newPlugin(t, newTestStore(t), ghsvc.NewMockClient()).Capability())
}
