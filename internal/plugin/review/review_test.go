package review

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/events/bus"
	"github.com/kagan-sh/kagan/internal/mergeservice"
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

func writeAndCommit(t *testing.T, dir, file, content, msg string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
	runGitT(t, dir, "add", ".")
	runGitT(t, dir, "commit", "-m", msg)
}

// reviewFixture is a task with an active workspace wired to a single real
// git repo, ready for review.merge / review.rebase.
type reviewFixture struct {
	st     *store.Store
	task   *domain.Task
	repo   *domain.Repo
	ws     *domain.Workspace
	repoPath string
}

func newReviewFixture(t *testing.T) *reviewFixture {
	t.Helper()
	st := newTestStore(t)
	proj, err := st.CreateProject(context.Background(), "demo", "")
	require.NoError(t, err)
	task, err := st.CreateTask(context.Background(), store.CreateTaskInput{ProjectID: proj.ID, Title: "ship it"})
	require.NoError(t, err)
	_, err = st.MoveTask(context.Background(), task.ID, domain.TaskStatusInProgress, "")
	require.NoError(t, err)
	_, err = st.MoveTask(context.Background(), task.ID, domain.TaskStatusReview, "")
	require.NoError(t, err)
	task.Status = domain.TaskStatusReview

	repoPath := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repoPath, 0o755))
	runGitT(t, repoPath, "init", "-b", "main")
	writeAndCommit(t, repoPath, "README.md", "seed", "initial")
	originPath := filepath.Join(t.TempDir(), "origin.git")
	require.NoError(t, os.MkdirAll(originPath, 0o755))
	runGitT(t, originPath, "init", "--bare", "-b", "main")
	runGitT(t, repoPath, "remote", "add", "origin", originPath)
	runGitT(t, repoPath, "push", "origin", "main")
	runGitT(t, repoPath, "checkout", "-b", "kagan/task-1")
	writeAndCommit(t, repoPath, "feature.txt", "feature work", "add feature")
	runGitT(t, repoPath, "checkout", "main")

	repo, err := st.CreateRepo(context.Background(), "demo-repo", repoPath, "main", "", "")
	require.NoError(t, err)

	ws, err := st.CreateWorkspace(context.Background(), store.CreateWorkspaceInput{
		ProjectID: proj.ID, TaskID: task.ID, BranchName: "kagan/task-1", Path: repoPath,
		Repos: []domain.WorkspaceRepo{{RepoID: repo.ID, TargetBranch: "main", WorktreePath: repoPath}},
	})
	require.NoError(t, err)

	return &reviewFixture{st: st, task: task, repo: repo, ws: ws, repoPath: repoPath}
}

func TestHandleRequest_MovesTaskToReview(t *testing.T) {
	st := newTestStore(t)
	proj, err := st.CreateProject(context.Background(), "demo", "")
	require.NoError(t, err)
	task, err := st.CreateTask(context.Background(), store.CreateTaskInput{ProjectID: proj.ID, Title: "x"})
	require.NoError(t, err)
	_, err = st.MoveTask(context.Background(), task.ID, domain.TaskStatusInProgress, "")
	require.NoError(t, err)

	p := New(st, mergeservice.New(false, nil))
	out, err := p.handleRequest(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": task.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusReview, out["task"].(*domain.Task).Status)
}

func TestHandleRequest_RequiresTaskID(t *testing.T) {
	p := New(newTestStore(t), mergeservice.New(false, nil))
	_, err := p.handleRequest(context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
}

func TestHandleReject_SendsBackToInProgress(t *testing.T) {
	f := newReviewFixture(t)
	p := New(f.st, mergeservice.New(false, nil))
	out, err := p.handleReject(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": f.task.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusInProgress, out["task"].(*domain.Task).Status)
}

func TestHandleApprove_MovesTaskToDone(t *testing.T) {
	f := newReviewFixture(t)
	p := New(f.st, mergeservice.New(false, nil))
	out, err := p.handleApprove(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": f.task.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusDone, out["task"].(*domain.Task).Status)
}

func TestHandleMerge_RequiresTaskID(t *testing.T) {
	p := New(newTestStore(t), mergeservice.New(false, nil))
	_, err := p.handleMerge(context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
}

func TestHandleMerge_NoWorkspaceReturnsWorkspaceNotFound(t *testing.T) {
	st := newTestStore(t)
	proj, err := st.CreateProject(context.Background(), "demo", "")
	require.NoError(t, err)
	task, err := st.CreateTask(context.Background(), store.CreateTaskInput{ProjectID: proj.ID, Title: "x"})
	require.NoError(t, err)

	p := New(st, mergeservice.New(false, nil))
	_, err = p.handleMerge(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": task.ID},
	})
	require.Error(t, err)
	var kerr *corehost.HandlerError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, corehost.ErrWorkspaceNotFound, kerr.Code)
}

func TestHandleMerge_CleanMergeAdvancesTaskToDone(t *testing.T) {
	f := newReviewFixture(t)
	p := New(f.st, mergeservice.New(false, nil))

	out, err := p.handleMerge(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": f.task.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["merged"])
	merge := out["merge"].(*domain.Merge)
	assert.Equal(t, "main", merge.TargetBranch)
	task := out["task"].(*domain.Task)
	assert.Equal(t, domain.TaskStatusDone, task.Status)
}

func TestHandleMerge_ConflictReturnsStructuredResultNotError(t *testing.T) {
	f := newReviewFixture(t)
	// Make main diverge on the same file the feature branch touched.
	writeAndCommit(t, f.repoPath, "feature.txt", "main version", "main edits feature.txt")

	p := New(f.st, mergeservice.New(false, nil))
	out, err := p.handleMerge(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": f.task.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, false, out["merged"])
	assert.Equal(t, true, out["conflict"])
	assert.Contains(t, out["conflict_files"], "feature.txt")
}

func TestHandleRebase_RequiresTaskID(t *testing.T) {
	p := New(newTestStore(t), mergeservice.New(false, nil))
	_, err := p.handleRebase(context.Background(), &corehost.Request{Params: map[string]interface{}{}})
	require.Error(t, err)
}

func TestHandleRebase_CleanRebaseSucceeds(t *testing.T) {
	f := newReviewFixture(t)
	runGitT(t, f.repoPath, "checkout", "main")
	writeAndCommit(t, f.repoPath, "unrelated.txt", "other work", "unrelated main commit")
	runGitT(t, f.repoPath, "checkout", "kagan/task-1")

	p := New(f.st, mergeservice.New(false, nil))
	out, err := p.handleRebase(context.Background(), &corehost.Request{
		Params: map[string]interface{}{"task_id": f.task.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out["rebased"])
}

func TestCapability_ReturnsReview(t *testing.T) {
	assert.Equal(t, "review", New(newTestStore(t), mergeservice.New(false, nil)).Capability())
}
