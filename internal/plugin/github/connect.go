package github

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
)

// remoteURLPattern pulls owner/repo out of either SSH
// (git@github.com:owner/repo.git) or HTTPS
// (https://github.com/owner/repo.git) origin URLs.
var remoteURLPattern = regexp.MustCompile(`github\.com[:/]([^/]+)/([^/]+?)(\.git)?$`)

// handleConnectRepo links a project repo to its GitHub remote, recording
// owner/repo/default branch in Repo.Scripts so later operations (sync,
// lease, PR linking) don't need to re-derive it from git each call.
func (p *Plugin) handleConnectRepo(ctx context.Context, params map[string]interface{}) (opResult, error) {
	repo, errRes := resolveConnectTarget(ctx, p.store, paramString(params, "project_id"), paramString(params, "repo_id"))
	if errRes != nil {
		return errRes, nil
	}

	if existing, ok := repo.Scripts[connectionKey]; ok && existing != "" {
		if conn, loadErr := loadConnection(repo); loadErr == nil {
			return okResult(string(errAlreadyConnected), "repository is already connected to GitHub", map[string]interface{}{
				"connection": conn,
			}), nil
		}
	}

	remote, err := gitRemoteOriginURL(ctx, repo.Path)
	if err != nil {
		return errResult("GH_PREFLIGHT_FAILED", "could not read git remote origin: "+err.Error(),
			"Ensure the repo has an 'origin' remote pointing at GitHub"), nil
	}
	owner, repoName := parseGitHubRemote(remote)
	if owner == "" || repoName == "" {
		return errResult("GH_PREFLIGHT_FAILED", "origin remote is not a GitHub URL: "+remote,
			"Point 'origin' at a github.com repository"), nil
	}

	defaultBranch, _ := gitDefaultBranch(ctx, repo.Path)
	conn := connectionMetadata{
		Owner:         owner,
		Repo:          repoName,
		FullName:      owner + "/" + repoName,
		DefaultBranch: defaultBranch,
	}
	if err := persistConnection(ctx, p.store, repo, conn); err != nil {
		return errResult("GH_PREFLIGHT_FAILED", "failed to persist connection: "+err.Error(), ""), nil
	}

	return okResult("CONNECTED", "connected to "+conn.FullName, map[string]interface{}{
		"connection": conn,
	}), nil
}

func gitRemoteOriginURL(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "remote", "get-url", "origin")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

func gitDefaultBranch(ctx context.Context, repoPath string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", "symbolic-ref", "--short", "refs/remotes/origin/HEAD")
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		return "", err
	}
	branch := strings.TrimSpace(string(out))
	return strings.TrimPrefix(branch, "origin/"), nil
}

func parseGitHubRemote(url string) (owner, repo string) {
	m := remoteURLPattern.FindStringSubmatch(url)
	if m == nil {
		return "", ""
	}
	return m[1], m[2]
}
