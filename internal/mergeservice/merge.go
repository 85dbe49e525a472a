// Package mergeservice implements the per-repo merge/rebase of a workspace's
// branch against its target branch: fetch, checkout, merge --no-ff (or
// rebase), detect CONFLICT and abort with the file list, otherwise push and
// record the merge commit.
package mergeservice

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/kagan-sh/kagan/internal/events/bus"
)

// ErrConflict is returned when a merge or rebase hits a CONFLICT marker;
// ConflictFiles carries the file list the caller should surface.
type ErrConflict struct {
	ConflictFiles []string
	Output        string
}

func (e *ErrConflict) Error() string { return "merge conflict: " + strings.Join(e.ConflictFiles, ", ") }

// GitError wraps a failed git invocation with its stderr/stdout.
type GitError struct {
	Command string
	Output  string
	Err     error
}

func (e *GitError) Error() string { return e.Command + ": " + e.Err.Error() + "\n" + e.Output }
func (e *GitError) Unwrap() error { return e.Err }

// Service merges or rebases workspace branches into their target branch.
// A single process-wide lock serializes merges when SerializeMerges is set.
type Service struct {
	mu              sync.Mutex
	serializeMerges bool
	bus             bus.EventBus
}

// New creates a merge service.
func New(serializeMerges bool, eventBus bus.EventBus) *Service {
	return &Service{serializeMerges: serializeMerges, bus: eventBus}
}

func (s *Service) lock() func() {
	if !s.serializeMerges {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// Merge fetches the target branch, checks it out, and merges source with
// --no-ff. On a detected conflict it aborts the merge and returns
// ErrConflict with the list of conflicted files; the workspace stays in
// REVIEW. On success it pushes and returns the merge commit hash.
func (s *Service) Merge(ctx context.Context, repoPath, source, target string) (commit string, err error) {
	unlock := s.lock()
	defer unlock()

	if _, err := runGit(ctx, repoPath, "fetch", "origin", target); err != nil {
		return "", err
	}
	if _, err := runGit(ctx, repoPath, "checkout", target); err != nil {
		return "", err
	}
	out, mergeErr := runGitAllowFail(ctx, repoPath, "merge", "--no-ff", source, "-m", "Merge "+source)
	if mergeErr != nil {
		if strings.Contains(strings.ToUpper(out), "CONFLICT") {
			files := conflictFiles(ctx, repoPath)
			_, _ = runGitAllowFail(ctx, repoPath, "merge", "--abort")
			s.publishFailed(repoPath, target, files, out)
			return "", &ErrConflict{ConflictFiles: files, Output: out}
		}
		return "", &GitError{Command: "git merge --no-ff", Output: out, Err: mergeErr}
	}
	if _, err := runGit(ctx, repoPath, "push", "origin", target); err != nil {
		return "", err
	}
	sha, err := runGit(ctx, repoPath, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	commit = strings.TrimSpace(sha)
	s.publishCompleted(repoPath, target, commit)
	return commit, nil
}

// Rebase rebases the current branch onto target. On conflict it aborts
// (never --skip) and returns ErrConflict with the file list.
func (s *Service) Rebase(ctx context.Context, repoPath, target string) error {
	unlock := s.lock()
	defer unlock()

	out, rebaseErr := runGitAllowFail(ctx, repoPath, "rebase", target)
	if rebaseErr != nil {
		if strings.Contains(strings.ToUpper(out), "CONFLICT") {
			files := conflictFiles(ctx, repoPath)
			_, _ = runGitAllowFail(ctx, repoPath, "rebase", "--abort")
			return &ErrConflict{ConflictFiles: files, Output: out}
		}
		return &GitError{Command: "git rebase", Output: out, Err: rebaseErr}
	}
	return nil
}

func conflictFiles(ctx context.Context, repoPath string) []string {
	out, err := runGitAllowFail(ctx, repoPath, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files
}

func (s *Service) publishCompleted(repoPath, target, commit string) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent("MergeCompleted", "core.merge", map[string]interface{}{
		"repo_path": repoPath, "target": target, "merge_commit": commit,
	})
	_ = s.bus.Publish(context.Background(), "domain.MergeCompleted", ev)
}

func (s *Service) publishFailed(repoPath, target string, conflictFiles []string, output string) {
	if s.bus == nil {
		return
	}
	ev := bus.NewEvent("MergeFailed", "core.merge", map[string]interface{}{
		"repo_path": repoPath, "target": target, "conflict_files": conflictFiles, "error": output,
	})
	_ = s.bus.Publish(context.Background(), "domain.MergeFailed", ev)
}

func runGit(ctx context.Context, repoPath string, args ...string) (string, error) {
	out, err := runGitAllowFail(ctx, repoPath, args...)
	if err != nil {
		return "", &GitError{Command: "git " + strings.Join(args, " "), Output: out, Err: err}
	}
	return out, nil
}

func runGitAllowFail(ctx context.Context, repoPath string, args ...string) (string, error) {
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
	return string(out), err
}
