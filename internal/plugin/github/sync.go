package github

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/store"
)

// mappingKey is the Repo.Scripts key the issue<->task mapping is persisted
// under, keyed by issue number (as a string, since JSON object keys can't be
// ints) and valued by task id.
const mappingKey = "github_issue_mapping"

type ghIssue struct {
	Number    int    `json:"number"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	State     string `json:"state"`
	URL       string `json:"url"`
	UpdatedAt string `json:"updatedAt"`
}

func loadIssueMapping(repo *domain.Repo) map[string]string {
	raw, ok := repo.Scripts[mappingKey]
	if !ok || raw == "" {
		return map[string]string{}
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]string{}
	}
	return m
}

func persistIssueMapping(ctx context.Context, st *store.Store, repo *domain.Repo, mapping map[string]string) error {
	data, err := json.Marshal(mapping)
	if err != nil {
		return err
	}
	next := make(map[string]string, len(repo.Scripts)+1)
	for k, v := range repo.Scripts {
		next[k] = v
	}
	next[mappingKey] = string(data)
	return st.UpdateRepoScripts(ctx, repo.ID, next)
}

// advanceTaskToDone drives a task to Done along its only valid path,
// since Backlog has no direct edge to Done in the board's transition graph.
func advanceTaskToDone(ctx context.Context, st *store.Store, taskID string, from domain.TaskStatus) error {
	switch from {
	case domain.TaskStatusBacklog:
		if _, err := st.MoveTask(ctx, taskID, domain.TaskStatusInProgress, "github issue closed"); err != nil {
			return err
		}
		fallthrough
	case domain.TaskStatusInProgress:
		if _, err := st.MoveTask(ctx, taskID, domain.TaskStatusReview, "github issue closed"); err != nil {
			return err
		}
		fallthrough
	case domain.TaskStatusReview:
		_, err := st.MoveTask(ctx, taskID, domain.TaskStatusDone, "github issue closed")
		return err
	default:
		_, err := st.MoveTask(ctx, taskID, domain.TaskStatusDone, "github issue closed")
		return err
	}
}

// handleSyncIssues implements sync_issues: fetches every issue on the
// connected repo and projects it onto a task, creating new tasks for
// unseen issues and advancing an existing task to Done when its issue is
// closed. A reopened issue leaves its task where it is.
func (p *Plugin) handleSyncIssues(ctx context.Context, params map[string]interface{}) (opResult, error) {
	projectID := paramString(params, "project_id")
	repo, errRes := resolveConnectTarget(ctx, p.store, projectID, paramString(params, "repo_id"))
	if errRes != nil {
		return errRes, nil
	}
	conn, errRes := loadConnection(repo)
	if errRes != nil {
		return errRes, nil
	}
	ghPath, errRes := resolveGHCLIPath()
	if errRes != nil {
		return errRes, nil
	}

	raw, err := runGHJSON(ctx, ghPath, repo.Path, "issue", "list",
		"--repo", conn.Owner+"/"+conn.Repo, "--state", "all", "--limit", "200",
		"--json", "number,title,body,state,url,updatedAt")
	if err != nil {
		return errResult("GH_SYNC_FAILED", "failed to fetch issues: "+err.Error(), "Check gh CLI authentication and repository access"), nil
	}
	var issues []ghIssue
	if err := json.Unmarshal(raw, &issues); err != nil {
		return errResult("GH_SYNC_FAILED", "failed to parse issue list: "+err.Error(), ""), nil
	}

	mapping := loadIssueMapping(repo)
	inserted, updated, noChange, errors := 0, 0, 0, 0

	for _, issue := range issues {
		key := strconv.Itoa(issue.Number)
		taskID, exists := mapping[key]

		if !exists {
			task, err := p.store.CreateTask(ctx, store.CreateTaskInput{
				ProjectID:   projectID,
				Title:       issue.Title,
				Description: fmt.Sprintf("%s\n\n_Synced from %s_", issue.Body, issue.URL),
			})
			if err != nil {
				errors++
				continue
			}
			mapping[key] = task.ID
			inserted++
			if issue.State == "CLOSED" {
				_ = advanceTaskToDone(ctx, p.store, task.ID, domain.TaskStatusBacklog)
			}
			continue
		}

		task, err := p.store.GetTask(ctx, taskID)
		if err != nil {
			errors++
			continue
		}
		if issue.State == "CLOSED" && task.Status != domain.TaskStatusDone {
			if err := advanceTaskToDone(ctx, p.store, taskID, task.Status); err == nil {
				updated++
			} else {
				noChange++
			}
			continue
		}
		noChange++
	}

	if err := persistIssueMapping(ctx, p.store, repo, mapping); err != nil {
		return errResult("GH_SYNC_FAILED", "failed to persist issue mapping: "+err.Error(), ""), nil
	}

	return okResult("SYNCED", fmt.Sprintf("synced %d issues", len(issues)), map[string]interface{}{
		"stats": map[string]interface{}{
			"total":     len(issues),
			"inserted":  inserted,
			"updated":   updated,
			"no_change": noChange,
			"errors":    errors,
		},
	}), nil
}
