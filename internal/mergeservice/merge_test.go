package mergeservice

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/events/bus"
)

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

// newMergeTestRepo sets up a bare "origin" plus a clone with a feature
// branch that cleanly diverges from main, for non-conflicting merge tests.
func newMergeTestRepo(t *testing.T) (clonePath string) {
	t.Helper()
	base := t.TempDir()
	originPath := filepath.Join(base, "origin.git")
	require.NoError(t, os.MkdirAll(originPath, 0o755))
	runGitT(t, originPath, "init", "--bare", "-b", "main")

	seed := filepath.Join(base, "seed")
	require.NoError(t, os.MkdirAll(seed, 0o755))
	runGitT(t, seed, "init", "-b", "main")
	writeAndCommit(t, seed, "README.md", "seed", "initial")
	runGitT(t, seed, "remote", "add", "origin", originPath)
	runGitT(t, seed, "push", "origin", "main")

	clonePath = filepath.Join(base, "clone")
	runGitT(t, base, "clone", originPath, clonePath)
	return clonePath
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestMerge_CleanMergePushesAndReturnsCommit(t *testing.T) {
	repo := newMergeTestRepo(t)
	runGitT(t, repo, "checkout", "-b", "feature")
	writeAndCommit(t, repo, "feature.txt", "feature work", "add feature")
	runGitT(t, repo, "checkout", "main")

	s := New(false, nil)
	commit, err := s.Merge(context.Background(), repo, "feature", "main")
	require.NoError(t, err)
	require.NotEmpty(t, commit)

	log := runGitT(t, repo, "log", "--oneline", "-1")
	require.Contains(t, log, "Merge feature")

	out := runGitT(t, repo, "log", "origin/main", "--oneline", "-1")
	require.Contains(t, out, "Merge feature")
}

func TestMerge_ConflictAbortsAndReportsFiles(t *testing.T) {
	repo := newMergeTestRepo(t)
	runGitT(t, repo, "checkout", "-b", "feature")
	writeAndCommit(t, repo, "README.md", "feature version", "feature edits readme")
	runGitT(t, repo, "checkout", "main")
	writeAndCommit(t, repo, "README.md", "main version", "main edits readme")

	s := New(false, nil)
	_, err := s.Merge(context.Background(), repo, "feature", "main")
	require.Error(t, err)

	var conflictErr *ErrConflict
	require.ErrorAs(t, err, &conflictErr)
	require.Contains(t, conflictErr.ConflictFiles, "README.md")

	status := runGitT(t, repo, "status", "--porcelain=v1")
	require.Empty(t, status, "merge --abort must leave a clean working tree")
}

func TestMerge_PublishesCompletedEvent(t *testing.T) {
	repo := newMergeTestRepo(t)
	runGitT(t, repo, "checkout", "-b", "feature")
	writeAndCommit(t, repo, "feature.txt", "work", "add feature")
	runGitT(t, repo, "checkout", "main")

	eventBus := bus.NewMemoryEventBus(testLogger(t))
	defer eventBus.Close()

	var mu sync.Mutex
	var gotType string
	_, err := eventBus.Subscribe("domain.MergeCompleted", func(ctx context.Context, ev *bus.Event) error {
		mu.Lock()
		gotType = ev.Type
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)

	s := New(false, eventBus)
	_, err = s.Merge(context.Background(), repo, "feature", "main")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotType == "MergeCompleted"
	}, time.Second, 10*time.Millisecond)
}

func TestRebase_Clean(t *testing.T) {
	repo := newMergeTestRepo(t)
	runGitT(t, repo, "checkout", "-b", "feature")
	writeAndCommit(t, repo, "feature.txt", "work", "add feature")

	runGitT(t, repo, "checkout", "main")
	writeAndCommit(t, repo, "other.txt", "other", "unrelated main commit")
	runGitT(t, repo, "push", "origin", "main")
	runGitT(t, repo, "checkout", "feature")

	s := New(false, nil)
	err := s.Rebase(context.Background(), repo, "main")
	require.NoError(t, err)

	log := runGitT(t, repo, "log", "--oneline")
	require.Contains(t, log, "add feature")
	require.Contains(t, log, "unrelated main commit")
}

func TestRebase_ConflictAbortsCleanly(t *testing.T) {
	repo := newMergeTestRepo(t)
	runGitT(t, repo, "checkout", "-b", "feature")
	writeAndCommit(t, repo, "README.md", "feature version", "feature edits readme")

	runGitT(t, repo, "checkout", "main")
	writeAndCommit(t, repo, "README.md", "main version", "main edits readme")
	runGitT(t, repo, "checkout", "feature")

	s := New(false, nil)
	err := s.Rebase(context.Background(), repo, "main")
	require.Error(t, err)

	var conflictErr *ErrConflict
	require.ErrorAs(t, err, &conflictErr)

	status := runGitT(t, repo, "status", "--porcelain=v1")
	require.Empty(t, status, "rebase --abort must leave a clean working tree")
}

func TestMerge_SerializesWhenConfigured(t *testing.T) {
	repoA := newMergeTestRepo(t)
	runGitT(t, repoA, "checkout", "-b", "feature")
	writeAndCommit(t, repoA, "feature.txt", "work", "add feature")
	runGitT(t, repoA, "checkout", "main")

	s := New(true, nil)

	unlock1 := s.lock()
	started := make(chan struct{})
	go func() {
		unlock2 := s.lock()
		close(started)
		unlock2()
	}()

	select {
	case <-started:
		t.Fatal("second lock acquired while first still held, serialization not enforced")
	case <-time.After(50 * time.Millisecond):
	}
	unlock1()

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("second lock never acquired after release")
	}
}
