// Package projects implements the "projects" capability: project CRUD and
// the repo-to-project attachment surface (add_repo/repos/repo_details/
// find_by_repo_path) a client uses to set up a workspace before any task
// exists.
package projects

import (
	"context"

	"github.com/kagan-sh/kagan/internal/corehost"
	"github.com/kagan-sh/kagan/internal/store"
)

// Capability is the dispatch namespace this plugin registers under.
const Capability = "projects"

// Plugin serves the projects capability over the store.
type Plugin struct {
	store *store.Store
}

// New builds the projects plugin over an already-opened store.
func New(st *store.Store) *Plugin {
	return &Plugin{store: st}
}

func (p *Plugin) Capability() string { return Capability }

func (p *Plugin) Methods() map[string]corehost.Handler {
	return map[string]corehost.Handler{
		"create":            p.handleCreate,
		"open":              p.handleOpen,
		"add_repo":          p.handleAddRepo,
		"get":               p.handleGet,
		"list":              p.handleList,
		"repos":             p.handleRepos,
		"find_by_repo_path": p.handleFindByRepoPath,
		"repo_details":      p.handleRepoDetails,
	}
}

func paramString(params map[string]interface{}, key string) string {
	v, _ := params[key].(string)
	return v
}

func paramBool(params map[string]interface{}, key string) bool {
	v, _ := params[key].(bool)
	return v
}

func paramInt(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func validationError(message string) error {
	return corehost.NewError(corehost.ErrValidationError, message)
}

// handleCreate implements projects.create.
func (p *Plugin) handleCreate(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	name := paramString(req.Params, "name")
	if name == "" {
		return nil, validationError("name is required")
	}
	project, err := p.store.CreateProject(ctx, name, paramString(req.Params, "description"))
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"project": project}, nil
}

// handleOpen implements projects.open: bumps last_opened_at and returns the
// refreshed project, the same action a client takes when switching its
// active project in the UI.
func (p *Plugin) handleOpen(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	projectID := paramString(req.Params, "project_id")
	if projectID == "" {
		return nil, validationError("project_id is required")
	}
	project, err := p.store.OpenProject(ctx, projectID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrNotFound, "project not found: "+projectID)
	}
	return map[string]interface{}{"project": project}, nil
}

// handleGet implements projects.get.
func (p *Plugin) handleGet(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	projectID := paramString(req.Params, "project_id")
	if projectID == "" {
		return nil, validationError("project_id is required")
	}
	project, err := p.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrNotFound, "project not found: "+projectID)
	}
	return map[string]interface{}{"project": project}, nil
}

// handleList implements projects.list.
func (p *Plugin) handleList(ctx context.Context, _ *corehost.Request) (map[string]interface{}, error) {
	list, err := p.store.ListProjects(ctx)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"projects": list}, nil
}

// handleAddRepo implements projects.add_repo: resolves (or registers) a
// repo by its canonical filesystem path, then links it into the project.
func (p *Plugin) handleAddRepo(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	projectID := paramString(req.Params, "project_id")
	if projectID == "" {
		return nil, validationError("project_id is required")
	}
	path := paramString(req.Params, "path")
	if path == "" {
		return nil, validationError("path is required")
	}
	if _, err := p.store.GetProject(ctx, projectID); err != nil {
		return nil, corehost.NewError(corehost.ErrNotFound, "project not found: "+projectID)
	}

	repo, err := p.store.GetRepoByPath(ctx, path)
	if err != nil {
		name := paramString(req.Params, "name")
		if name == "" {
			name = path
		}
		repo, err = p.store.CreateRepo(ctx, name, path,
			paramString(req.Params, "default_branch"),
			paramString(req.Params, "display_name"),
			paramString(req.Params, "default_working_dir"))
		if err != nil {
			return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
		}
	}

	if err := p.store.AddRepoToProject(ctx, projectID, repo.ID, paramBool(req.Params, "is_primary"), paramInt(req.Params, "display_order")); err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"repo": repo}, nil
}

// handleRepos implements projects.repos.
func (p *Plugin) handleRepos(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	projectID := paramString(req.Params, "project_id")
	if projectID == "" {
		return nil, validationError("project_id is required")
	}
	repos, err := p.store.ListProjectRepos(ctx, projectID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"repos": repos}, nil
}

// handleFindByRepoPath implements projects.find_by_repo_path: reverse
// lookup used when a client only knows the checkout path (e.g. a CLI
// invoked from inside a repo) and needs the project(s) it belongs to.
func (p *Plugin) handleFindByRepoPath(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	path := paramString(req.Params, "path")
	if path == "" {
		return nil, validationError("path is required")
	}
	list, err := p.store.FindProjectsByRepoPath(ctx, path)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrInternalError, err.Error())
	}
	return map[string]interface{}{"projects": list}, nil
}

// handleRepoDetails implements projects.repo_details.
func (p *Plugin) handleRepoDetails(ctx context.Context, req *corehost.Request) (map[string]interface{}, error) {
	repoID := paramString(req.Params, "repo_id")
	if repoID == "" {
		return nil, validationError("repo_id is required")
	}
	repo, err := p.store.GetRepo(ctx, repoID)
	if err != nil {
		return nil, corehost.NewError(corehost.ErrNotFound, "repo not found: "+repoID)
	}
	return map[string]interface{}{"repo": repo}, nil
}
