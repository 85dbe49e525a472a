package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kagan-sh/kagan/internal/domain"
	"github.com/kagan-sh/kagan/internal/store"
)

// connectionKey is the Repo.Scripts key the connection metadata is persisted
// under, mirroring the bundled plugin's use of Repo.scripts as a generic
// per-repo key/value bag.
const connectionKey = "github_connection"

type connectionMetadata struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	FullName      string `json:"full_name"`
	DefaultBranch string `json:"default_branch"`
	ConnectedBy   string `json:"connected_by,omitempty"`
}

// resolveConnectTarget picks the single project repo to operate on, or
// requires an explicit repo_id when the project has more than one.
func resolveConnectTarget(ctx context.Context, st *store.Store, projectID, repoID string) (*domain.Repo, opResult) {
	if projectID == "" {
		return nil, errResult(errProjectRequired, "project_id is required", "Provide a valid project_id parameter")
	}
	if _, err := st.GetProject(ctx, projectID); err != nil {
		return nil, errResult(errProjectRequired, fmt.Sprintf("project not found: %s", projectID), "Verify the project_id exists")
	}

	repos, err := st.ListProjectRepos(ctx, projectID)
	if err != nil || len(repos) == 0 {
		return nil, errResult(errRepoRequired, "project has no repositories", "Add a repository to the project first")
	}

	if len(repos) == 1 {
		return repos[0], nil
	}
	if repoID == "" {
		return nil, errResult(errRepoRequired, "repo_id required for multi-repo projects",
			fmt.Sprintf("Project has %d repos. Specify repo_id explicitly.", len(repos)))
	}
	for _, r := range repos {
		if r.ID == repoID {
			return r, nil
		}
	}
	return nil, errResult(errRepoRequired, fmt.Sprintf("repo not found in project: %s", repoID), "Verify the repo_id belongs to this project")
}

// loadConnection reads and decodes a repo's persisted GitHub connection.
func loadConnection(repo *domain.Repo) (*connectionMetadata, opResult) {
	raw, ok := repo.Scripts[connectionKey]
	if !ok || raw == "" {
		return nil, errResult(errNotConnected, "repository is not connected to GitHub", "Run connect_repo first to establish a GitHub connection")
	}
	var conn connectionMetadata
	if err := json.Unmarshal([]byte(raw), &conn); err != nil {
		return nil, errResult(errMetadataInvalid, "stored GitHub connection metadata is invalid", "Reconnect the repository using connect_repo")
	}
	if conn.Owner == "" || conn.Repo == "" {
		return nil, errResult(errMetadataInvalid, "stored GitHub connection metadata is incomplete", "Reconnect the repository to refresh owner/repo metadata")
	}
	return &conn, nil
}

func persistConnection(ctx context.Context, st *store.Store, repo *domain.Repo, conn connectionMetadata) error {
	data, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	next := make(map[string]string, len(repo.Scripts)+1)
	for k, v := range repo.Scripts {
		next[k] = v
	}
	next[connectionKey] = string(data)
	return st.UpdateRepoScripts(ctx, repo.ID, next)
}

// resolveGHCLIPath locates the gh binary, returning a structured error
// payload (rather than a bare error) when it is unavailable.
func resolveGHCLIPath() (string, opResult) {
	path, err := exec.LookPath("gh")
	if err != nil {
		return "", errResult("GH_CLI_NOT_AVAILABLE", "GitHub CLI (gh) is not available", "Install gh CLI: https://cli.github.com/")
	}
	return path, nil
}

func paramString(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return strings.TrimSpace(v)
}

func paramInt(params map[string]interface{}, key string) (int, bool) {
	switch v := params[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

func paramBool(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}
