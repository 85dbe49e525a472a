package automation

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/store"
)

// unsafeBranchChars matches anything that isn't safe to carry into a git
// branch name or directory component.
var unsafeBranchChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// branchPrefix namespaces every branch this package creates so Delete can
// recognize (and only ever remove) branches it owns.
const branchPrefix = "kagan/"

// sanitizeForBranch lowercases and strips a title down to a short,
// git-ref-safe token; the result is empty when nothing safe remains.
func sanitizeForBranch(s string, maxLen int) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = unsafeBranchChars.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return strings.Trim(s, "-")
}

// worktreeBranchName builds the "kagan/<task_id>-<slug(title)>" branch name,
// falling back to the task ID itself if the title sanitizes away to nothing.
func worktreeBranchName(taskID, title string) string {
	slug := sanitizeForBranch(title, 30)
	if slug == "" {
		slug = sanitizeForBranch(taskID, 30)
	}
	return branchPrefix + taskID + "-" + slug
}

// resolveOrCreateWorkspace returns the task's active workspace, creating one
// with a fresh worktree per project repo if none exists yet. Naming and the
// "git worktree add -b <branch> <path> <base-ref>" invocation follow the
// same shape as the core's interactive worktree creation path.
func (o *Orchestrator) resolveOrCreateWorkspace(ctx context.Context, task *domain.Task) (*domain.Workspace, error) {
	if ws, err := o.store.GetActiveWorkspaceForTask(ctx, task.ID); err == nil && ws != nil {
		return ws, nil
	}

	repos, err := o.store.ListProjectRepos(ctx, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("list project repos: %w", err)
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("project %s has no repos to create a workspace against", task.ProjectID)
	}

	branchName := worktreeBranchName(task.ID, task.Title)

	baseBranch := task.BaseBranch
	if baseBranch == "" {
		baseBranch = o.Config().DefaultBaseBranch
	}

	basePath := filepath.Join(o.worktreeBasePath(), task.ID)
	if _, err := os.Stat(basePath); err == nil {
		return nil, fmt.Errorf("worktree path %s already exists", basePath)
	}

	wsRepos := make([]domain.WorkspaceRepo, 0, len(repos))
	var created []createdWorktree
	for _, repo := range repos {
		target := baseBranch
		if target == "" {
			target = repo.DefaultBranch
		}
		worktreePath := filepath.Join(basePath, repo.Name)

		baseRef, err := o.resolveBaseRef(ctx, repo.Path, target)
		if err != nil {
			o.cleanupWorktrees(ctx, created)
			return nil, fmt.Errorf("resolve base ref for %s: %w", repo.Name, err)
		}

		if err := gitWorktreeAdd(ctx, repo.Path, branchName, worktreePath, baseRef); err != nil {
			o.cleanupWorktrees(ctx, created)
			return nil, fmt.Errorf("create worktree for %s: %w", repo.Name, err)
		}
		created = append(created, createdWorktree{repoPath: repo.Path, worktreePath: worktreePath})

		wsRepos = append(wsRepos, domain.WorkspaceRepo{
			RepoID:       repo.ID,
			TargetBranch: target,
			WorktreePath: worktreePath,
		})
	}

	ws, err := o.store.CreateWorkspace(ctx, store.CreateWorkspaceInput{
		ProjectID:  task.ProjectID,
		TaskID:     task.ID,
		BranchName: branchName,
		Path:       basePath,
		Repos:      wsRepos,
	})
	if err != nil {
		return nil, fmt.Errorf("persist workspace: %w", err)
	}
	return ws, nil
}

// createdWorktree pairs a newly added worktree with the main repo it was
// added from, so a partial failure can unwind what succeeded so far.
type createdWorktree struct {
	repoPath     string
	worktreePath string
}

// cleanupWorktrees best-effort removes worktrees already created for repos
// earlier in the loop when a later repo's worktree creation fails midway.
func (o *Orchestrator) cleanupWorktrees(ctx context.Context, created []createdWorktree) {
	for _, c := range created {
		cmd := exec.CommandContext(ctx, "git", "worktree", "remove", "--force", c.worktreePath)
		cmd.Dir = c.repoPath
		_ = cmd.Run()
	}
}

// worktreeBasePath returns the configured base directory for worktrees,
// defaulting to ~/.kagan/worktrees when unset.
func (o *Orchestrator) worktreeBasePath() string {
	if p := o.worktreeCfg.BasePath; p != "" {
		if strings.HasPrefix(p, "~/") {
			if home, err := os.UserHomeDir(); err == nil {
				return filepath.Join(home, p[2:])
			}
		}
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kagan", "worktrees")
	}
	return filepath.Join(home, ".kagan", "worktrees")
}

// resolveBaseRef picks the ref to branch from per AutomationConfig's
// WorktreeBaseRefStrategy:
//   - "remote": fetch origin/<target> and always branch from it.
//   - "local": branch from the local branch tip, no fetch.
//   - "local_if_ahead" (also any unrecognized value): fetch, then use the local branch iff it has
//     commits origin/<target> doesn't (`rev-list --count origin/<target>..<target> > 0`),
//     otherwise branch from origin/<target>.
func (o *Orchestrator) resolveBaseRef(ctx context.Context, repoPath, target string) (string, error) {
	switch o.Config().WorktreeBaseRefStrategy {
	case "remote":
		if _, err := runGit(ctx, repoPath, "fetch", "origin", target); err != nil {
			return "", err
		}
		return "origin/" + target, nil
	case "local":
		return "refs/heads/" + target, nil
	default: // "local_if_ahead"
		if _, err := runGit(ctx, repoPath, "fetch", "origin", target); err != nil {
			return "", err
		}
		ahead, err := localAheadOfRemote(ctx, repoPath, target)
		if err != nil {
			return "", err
		}
		if ahead {
			return "refs/heads/" + target, nil
		}
		return "origin/" + target, nil
	}
}

// localAheadOfRemote reports whether the local branch has commits the
// fetched origin/<target> doesn't, per `rev-list --count origin/<target>..<target>`.
func localAheadOfRemote(ctx context.Context, repoPath, target string) (bool, error) {
	out, err := runGit(ctx, repoPath, "rev-list", "--count", "origin/"+target+".."+target)
	if err != nil {
		return false, err
	}
	count, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return false, fmt.Errorf("parse rev-list count %q: %w", out, err)
	}
	return count > 0, nil
}

func gitWorktreeAdd(ctx context.Context, repoPath, branchName, worktreePath, baseRef string) error {
	if err := os.MkdirAll(filepath.Dir(worktreePath), 0o755); err != nil {
		return err
	}
	_, err := runGit(ctx, repoPath, "worktree", "add", "-b", branchName, worktreePath, baseRef)
	return err
}

// Delete removes a task's worktree(s) from disk and archives its workspace
// record. It is a no-op (not an error) for a task with no active workspace,
// since ending a task that never acquired one is a normal path. deleteBranch
// additionally deletes the branch, but only when it carries branchPrefix —
// Delete never touches a branch it didn't create.
func (o *Orchestrator) Delete(ctx context.Context, taskID string, deleteBranch bool) error {
	ws, err := o.store.GetActiveWorkspaceForTask(ctx, taskID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return fmt.Errorf("get active workspace for task %s: %w", taskID, err)
	}

	repos, err := o.store.GetWorkspaceRepos(ctx, ws.ID)
	if err != nil {
		return fmt.Errorf("get workspace repos for %s: %w", ws.ID, err)
	}
	for _, wr := range repos {
		repo, err := o.store.GetRepo(ctx, wr.RepoID)
		if err != nil {
			o.log.Warn("worktree delete: repo lookup failed, skipping teardown",
				zap.String("task_id", taskID), zap.String("repo_id", wr.RepoID), zap.Error(err))
			continue
		}
		o.removeWorktree(ctx, repo.Path, wr.WorktreePath)
		if deleteBranch && strings.HasPrefix(ws.BranchName, branchPrefix) {
			if _, err := runGit(ctx, repo.Path, "branch", "-D", ws.BranchName); err != nil {
				o.log.Warn("worktree delete: branch delete failed",
					zap.String("task_id", taskID), zap.String("branch", ws.BranchName), zap.Error(err))
			}
		}
	}

	if err := os.RemoveAll(ws.Path); err != nil {
		o.log.Warn("worktree delete: residual directory cleanup failed",
			zap.String("task_id", taskID), zap.String("path", ws.Path), zap.Error(err))
	}

	return o.store.ArchiveWorkspace(ctx, ws.ID)
}

// removeWorktree tries `git worktree remove --force` first; on failure it
// falls back to a recursive filesystem delete plus `git worktree prune` so
// a worktree whose directory was already removed out-of-band doesn't wedge
// the repo's worktree metadata.
func (o *Orchestrator) removeWorktree(ctx context.Context, repoPath, worktreePath string) {
	if _, err := runGit(ctx, repoPath, "worktree", "remove", "--force", worktreePath); err == nil {
		return
	}
	_ = os.RemoveAll(worktreePath)
	if _, err := runGit(ctx, repoPath, "worktree", "prune"); err != nil {
		o.log.Warn("worktree delete: prune after fallback removal failed",
			zap.String("repo_path", repoPath), zap.String("worktree_path", worktreePath), zap.Error(err))
	}
}

// ListAll returns the task IDs with a worktree directory that is also still
// a registered entry in `git worktree list --porcelain` for at least one of
// its repos — a directory left behind by a process that crashed mid-delete
// is excluded once git itself no longer lists it.
func (o *Orchestrator) ListAll(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(o.worktreeBasePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read worktree base dir: %w", err)
	}

	var taskIDs []string
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		taskID := entry.Name()
		ws, err := o.store.GetActiveWorkspaceForTask(ctx, taskID)
		if err != nil || ws == nil {
			continue
		}
		repos, err := o.store.GetWorkspaceRepos(ctx, ws.ID)
		if err != nil {
			continue
		}
		if o.anyWorktreeStillRegistered(ctx, repos) {
			taskIDs = append(taskIDs, taskID)
		}
	}
	return taskIDs, nil
}

// anyWorktreeStillRegistered reports whether at least one of a workspace's
// per-repo worktree paths appears in its repo's `git worktree list
// --porcelain` output.
func (o *Orchestrator) anyWorktreeStillRegistered(ctx context.Context, repos []domain.WorkspaceRepo) bool {
	for _, wr := range repos {
		repo, err := o.store.GetRepo(ctx, wr.RepoID)
		if err != nil {
			continue
		}
		out, err := runGit(ctx, repo.Path, "worktree", "list", "--porcelain")
		if err != nil {
			continue
		}
		if strings.Contains(out, "worktree "+wr.WorktreePath+"\n") {
			return true
		}
	}
	return false
}

func runGit(ctx context.Context, repoPath string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = repoPath
	cmd.Env = append(os.Environ(),
		"GIT_TERMINAL_PROMPT=0",
		"GCM_INTERACTIVE=Never",
		"GIT_ASKPASS=echo",
		"SSH_ASKPASS=/bin/false",
		"GIT_SSH_COMMAND=ssh -oBatchMode=yes",
	)
	cmd.WaitDelay = 500 * time.Millisecond
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, out)
	}
	return string(out), nil
}
