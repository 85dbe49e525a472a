// Package review implements the "review" capability: the human-in-the-loop
// gate between an agent finishing a task and its branch landing — request
// moves a task into REVIEW, approve/reject resolve it, and merge/rebase
// drive the actual git operations via internal/mergeservice.
package review

import (
	"context"
	"errors"
	"fmt"

	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/mergeservice"
	"github.com/kagan-sh/kagan/internal/store"
)

// Capability is the dispatch namespace this plugin registers under.
const Capability = "review"

// Plugin serves the review capability over the store and merge service.
type Plugin struct {
	store *store.Store
	merge *mergeservice.Service
}

// New builds the review plugin over an already-opened store and merge
// service.
func New(st *store.Store, merge *mergeservice.Service) *Plugin {
	return &Plugin{store: st, merge: merge}
}

func (p *Plugin) Capability() string { return Capability }

func (p *Plugin) Methods() map[string]corehost.Handler {
	return map[string]corehost.Handler{
		"request": p.handleRequest,
		"approve": p.handleApprove,
		"reject":  p.handleReject,
		"merge":   p.handleMerge,
		"rebase":  p.handleRebase,
	}
}

func paramString(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func validationError(message string) error {
	return corehost.NewError(corehost.ErrValidationError, message)
}

func (p *Plugin) moveTask(ctx context.Context, taskID string, to domain.TaskStatus, reason string) (*domain.Task, error) {
	task, err := p.store.MoveTask(ctx, taskID, to, reason)
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil, corehost.NewError(corehost.ErrInvalidArgument,
				fmt.Sprintf("cannot move task to %s from its current status", to))
		}
		return nil, corehost.NewError(corehost.ErrTaskNotFound, "task not found: "+taskID)
	}
	return task, nil
}

// handleRequest implements review.request: an agent (or a human on its
// behalf) declares a task's workspace ready for review.
func (p *Plugin) handleRequest(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	task, err := p.moveTask(ctx, taskID, domain.TaskStatusReview, paramString(req.Params, "reason"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": task}, nil
}

// handleReject implements review.reject: sends the task back to IN_PROGRESS
// for another iteration, without touching git state.
func (p *Plugin) handleReject(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	task, err := p.moveTask(ctx, taskID, domain.TaskStatusInProgress, paramString(req.Params, "reason"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": task}, nil
}

// handleApprove implements review.approve: a reviewer accepts the task's
// work without itself performing the merge (a client typically calls
// review.merge next, or a caller that already merged out of band just
// wants the board to reflect DONE).
func (p *Plugin) handleApprove(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	task, err := p.moveTask(ctx, taskID, domain.TaskStatusDone, paramString(req.Params, "reason"))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"task": task}, nil
}

// resolveWorkspaceRepo picks the single workspace/repo pair a merge or
// rebase should act on, or requires an explicit repo_id when the task's
// workspace spans more than one repo.
func (p *Plugin) resolveWorkspaceRepo(ctx context.Context, taskID, repoID string) (*domain.Workspace, *domain.WorkspaceRepo, error) {
	ws, err := p.store.GetActiveWorkspaceForTask(ctx, taskID)
	if err != nil {
		return nil, nil, corehost.NewError(corehost.ErrWorkspaceNotFound, "task has no active workspace: "+taskID)
	}
	repos, err := p.store.GetWorkspaceRepos(ctx, ws.ID)
	if err != nil || len(repos) == 0 {
		return nil, nil, corehost.NewError(corehost.ErrWorkspaceNotFound, "workspace has no repos: "+ws.ID)
	}
	if len(repos) == 1 {
		return ws, &repos[0], nil
	}
	if repoID == "" {
		return nil, nil, validationError(fmt.Sprintf("repo_id required: workspace spans %d repos", len(repos)))
	}
	for i := range repos {
		if repos[i].RepoID == repoID {
			return ws, &repos[i], nil
		}
	}
	return nil, nil, corehost.NewError(corehost.ErrNotFound, "repo not in workspace: "+repoID)
}

// handleMerge implements review.merge: fetches/merges the workspace branch
// into its target in the repo's primary checkout (not the agent's live
// worktree, which stays on the feature branch), records the outcome, and
// on success advances the task to DONE. A merge conflict is reported as a
// structured, non-error result (merged:false, conflict_files) since it's
// an expected review outcome, not an internal failure.
func (p *Plugin) handleMerge(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	ws, wsRepo, err := p.resolveWorkspaceRepo(ctx, taskID, paramString(req.Params, "repo_id"))
	if err != nil {
		return nil, err
	}
	repo, err := p.store.GetRepo(ctx, wsRepo.RepoID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrNotFound, "repo not found: "+wsRepo.RepoID)
	}
	target := wsRepo.TargetBranch
	if target == "" {
		target = repo.DefaultBranch
	}

	commit, mergeErr := p.merge.Merge(ctx, repo.Path, ws.BranchName, target)
	var conflict *mergeservice.ErrConflict
	if errors.As(mergeErr, &conflict) {
		return map[string]interface{}{
			"merged":         false,
			"conflict":       true,
			"conflict_files": conflict.ConflictFiles,
		}, nil
	}
	if mergeErr != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, mergeErr.Error())
	}

	m := &domain.Merge{
		WorkspaceID: ws.ID, RepoID: repo.ID, MergeType: domain.MergeTypeDirect,
		TargetBranch: target, MergeCommit: commit,
	}
	if err := p.store.CreateMerge(ctx, m); err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	task, err := p.moveTask(ctx, taskID, domain.TaskStatusDone, "merged")
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"merged": true, "merge": m, "task": task}, nil
}

// handleRebase implements review.rebase: rebases the workspace's live
// worktree branch onto its target, for resolving a conflict the agent
// itself should fix before review.merge is retried.
func (p *Plugin) handleRebase(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	taskID := paramString(req.Params, "task_id")
	if taskID == "" {
		return nil, validationError("task_id is required")
	}
	_, wsRepo, err := p.resolveWorkspaceRepo(ctx, taskID, paramString(req.Params, "repo_id"))
	if err != nil {
		return nil, err
	}
	if wsRepo.WorktreePath == "" {
		return nil, corehost.NewError(corehost.ErrInvalidWorktreePath, "workspace repo has no worktree path recorded")
	}
	target := wsRepo.TargetBranch

	rebaseErr := p.merge.Rebase(ctx, wsRepo.WorktreePath, target)
	var conflict *mergeservice.ErrConflict
	if errors.As(rebaseErr, &conflict) {
		return map[string]interface{}{
			"rebased":        false,
			"conflict":       true,
			"conflict_files": conflict.ConflictFiles,
		}, nil
	}
	if rebaseErr != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, rebaseErr.Error())
	}
	return map[string]interface{}{"rebased": true}, nil
}
