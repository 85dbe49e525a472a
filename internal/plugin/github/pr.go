package github

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/domain"
)

// draftPRBody fills in a PR body the caller left blank. When a Copilot
// summarizer is configured it asks for a short draft grounded in the
// task's acceptance criteria; any failure (CLI missing, timeout, ...)
// falls back to the task's own description, same as before the summarizer
// existed.
func (p *Plugin) draftPRBody(ctx context.Context, task *domain.Task) string {
	if p.summarizer == nil {
		return task.Description
	}
	prompt := fmt.Sprintf(
		"Write a concise pull request description (3-6 sentences, no heading) for this task.\nTitle: %s\nDescription: %s\nAcceptance criteria:\n- %s",
		task.Title, task.Description, strings.Join(task.AcceptanceCriteria, "\n- "),
	)
	draft, err := p.summarizer.Generate(ctx, prompt)
	if err != nil {
		p.log.Debug("copilot PR body draft failed, using task description", zap.String("task_id", task.ID), zap.Error(err))
		return task.Description
	}
	return draft
}

// handleCreatePRForTask implements create_pr_for_task: opens a PR from the
// task's workspace branch and links it via the same association path the
// interactive PR-watch flow uses.
func (p *Plugin) handleCreatePRForTask(ctx context.Context, params map[string]interface{}) (opResult, error) {
	taskID := paramString(params, "task_id")
	if taskID == "" {
		return errResult(errTaskRequired, "task_id is required", "Provide the task to create a PR for"), nil
	}

	repo, errRes := resolveConnectTarget(ctx, p.store, paramString(params, "project_id"), paramString(params, "repo_id"))
	if errRes != nil {
		return errRes, nil
	}
	conn, errRes := loadConnection(repo)
	if errRes != nil {
		return errRes, nil
	}

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return errResult(errTaskRequired, "task not found: "+taskID, ""), nil
	}
	ws, err := p.store.GetActiveWorkspaceForTask(ctx, taskID)
	if err != nil || ws == nil {
		return errResult("GH_WORKSPACE_REQUIRED", "task has no active workspace to create a PR from", "Start the task first so a workspace/branch exists"), nil
	}

	title := paramString(params, "title")
	if title == "" {
		title = task.Title
	}
	body := paramString(params, "body")
	if body == "" {
		body = p.draftPRBody(ctx, task)
	}
	target := task.BaseBranch
	if target == "" {
		target = conn.DefaultBranch
	}

	pr, err := p.ghClient.CreatePR(ctx, repo.Path, conn.Owner, conn.Repo, ws.BranchName, target, title, body, paramBool(params, "draft"))
	if err != nil {
		return errResult(errPRCreateFailed, "failed to create PR: "+err.Error(), ""), nil
	}

	taskPR, err := p.gh.AssociatePRWithTask(ctx, taskID, pr)
	if err != nil {
		return errResult(errPRCreateFailed, "PR created but failed to link to task: "+err.Error(), ""), nil
	}

	return okResult("PR_CREATED", fmt.Sprintf("opened %s", pr.URL), map[string]interface{}{
		"pr": taskPR,
	}), nil
}

// handleLinkPRToTask implements link_pr_to_task: associates an existing,
// already-open PR with a task rather than opening a new one.
func (p *Plugin) handleLinkPRToTask(ctx context.Context, params map[string]interface{}) (opResult, error) {
	taskID := paramString(params, "task_id")
	if taskID == "" {
		return errResult(errTaskRequired, "task_id is required", "Provide the task to link a PR to"), nil
	}
	prNumber, ok := paramInt(params, "pr_number")
	if !ok {
		return errResult(errPRNumberRequired, "pr_number is required", "Provide the PR number to link"), nil
	}

	repo, errRes := resolveConnectTarget(ctx, p.store, paramString(params, "project_id"), paramString(params, "repo_id"))
	if errRes != nil {
		return errRes, nil
	}
	conn, errRes := loadConnection(repo)
	if errRes != nil {
		return errRes, nil
	}

	pr, err := p.ghClient.GetPR(ctx, conn.Owner, conn.Repo, prNumber)
	if err != nil {
		return errResult(errPRNotFound, fmt.Sprintf("PR #%d not found: %s", prNumber, err), ""), nil
	}

	taskPR, err := p.gh.AssociatePRWithTask(ctx, taskID, pr)
	if err != nil {
		return errResult(errPRCreateFailed, "failed to link PR to task: "+err.Error(), ""), nil
	}

	return okResult("PR_LINKED", fmt.Sprintf("linked PR #%d to task", prNumber), map[string]interface{}{
		"pr": taskPR,
	}), nil
}

// handleReconcilePRStatus implements reconcile_pr_status: refreshes a
// task's linked PR feedback and, for a PR that has merged or closed,
// applies the matching deterministic board transition.
func (p *Plugin) handleReconcilePRStatus(ctx context.Context, params map[string]interface{}) (opResult, error) {
	taskID := paramString(params, "task_id")
	if taskID == "" {
		return errResult(errTaskRequired, "task_id is required", "Provide the task whose PR status to reconcile"), nil
	}

	taskPR, err := p.gh.GetTaskPR(ctx, taskID)
	if err != nil || taskPR == nil {
		return errResult(errNoLinkedPR, "task has no linked PR", "Use create_pr_for_task or link_pr_to_task first"), nil
	}

	feedback, err := p.gh.GetPRFeedback(ctx, taskPR.Owner, taskPR.Repo, taskPR.PRNumber)
	if err != nil {
		return errResult("GH_SYNC_FAILED", "failed to fetch PR feedback: "+err.Error(), ""), nil
	}
	if err := p.gh.SyncTaskPR(ctx, taskID, feedback); err != nil {
		return errResult("GH_SYNC_FAILED", "failed to sync task PR state: "+err.Error(), ""), nil
	}

	if feedback.PR != nil && feedback.PR.State == "merged" {
		_, _ = p.store.MoveTask(ctx, taskID, domain.TaskStatusDone, "pull request merged")
	}

	return okResult("PR_STATUS_RECONCILED", "reconciled PR status", map[string]interface{}{
		"pr": feedback.PR,
	}), nil
}
