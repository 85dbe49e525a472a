package github

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// leaseMarker tags a gh issue comment as a machine-readable lease event, the
// same way a bot account tags structured state onto an otherwise
// human-readable thread. The comment's visible text is for humans browsing
// the issue; the JSON inside the marker is the actual state.
const leaseMarkerPrefix = "<!-- kagan:lease:v1 "
const leaseMarkerSuffix = " -->"

var leaseMarkerPattern = regexp.MustCompile(`(?s)<!-- kagan:lease:v1 (.*?) -->`)

// leaseAction is the event a lease marker comment records.
type leaseAction string

const (
	leaseActionAcquire leaseAction = "acquire"
	leaseActionRelease leaseAction = "release"
)

// leaseRecord is the JSON payload embedded in a lease marker comment.
type leaseRecord struct {
	Action     leaseAction `json:"action"`
	InstanceID string      `json:"instance_id"`
	GithubUser string      `json:"github_user,omitempty"`
	Hostname   string      `json:"hostname"`
	AcquiredAt string      `json:"acquired_at"`
}

// Holder describes who currently holds (or last held) a lease.
type Holder struct {
	InstanceID string `json:"instance_id"`
	GithubUser string `json:"github_user,omitempty"`
	Hostname   string `json:"hostname"`
	AcquiredAt string `json:"acquired_at"`
}

func (r leaseRecord) holder() Holder {
	return Holder{InstanceID: r.InstanceID, GithubUser: r.GithubUser, Hostname: r.Hostname, AcquiredAt: r.AcquiredAt}
}

// leaseState is the resolved state of an issue's lease after replaying its
// comment history.
type leaseState struct {
	IsLocked               bool
	IsHeldByCurrentInstance bool
	CanAcquire             bool
	RequiresTakeover       bool
	Holder                 *Holder
}

// instanceID identifies this core process for lease bookkeeping, the same
// host+pid shape the core's own single-instance lease record uses.
func instanceID() string {
	hostname, _ := os.Hostname()
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

type ghComment struct {
	Body string `json:"body"`
}

type ghIssueComments struct {
	Comments []ghComment `json:"comments"`
}

// fetchLeaseState replays an issue's comment thread to find the most recent
// lease marker and derive the current holder, if any.
func fetchLeaseState(ctx context.Context, ghPath, repoPath, owner, repoName string, issueNumber int) (*leaseState, error) {
	out, err := runGHJSON(ctx, ghPath, repoPath, "issue", "view", strconv.Itoa(issueNumber),
		"--repo", owner+"/"+repoName, "--json", "comments")
	if err != nil {
		return nil, err
	}
	var parsed ghIssueComments
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse issue comments: %w", err)
	}

	var records []leaseRecord
	for _, c := range parsed.Comments {
		m := leaseMarkerPattern.FindStringSubmatch(c.Body)
		if m == nil {
			continue
		}
		var rec leaseRecord
		if err := json.Unmarshal([]byte(m[1]), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	// gh issue view returns comments in creation order, so the thread's
	// last marker is authoritative.
	state := &leaseState{CanAcquire: true}
	if len(records) == 0 {
		return state, nil
	}
	last := records[len(records)-1]
	if last.Action != leaseActionAcquire {
		return state, nil
	}

	holder := last.holder()
	state.IsLocked = true
	state.Holder = &holder
	state.IsHeldByCurrentInstance = holder.InstanceID == instanceID()
	state.CanAcquire = state.IsHeldByCurrentInstance
	state.RequiresTakeover = !state.IsHeldByCurrentInstance
	return state, nil
}

func postLeaseMarker(ctx context.Context, ghPath, repoPath, owner, repoName string, issueNumber int, rec leaseRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	var summary string
	if rec.Action == leaseActionAcquire {
		summary = fmt.Sprintf("🔒 Lease acquired by `%s`", rec.InstanceID)
	} else {
		summary = fmt.Sprintf("🔓 Lease released by `%s`", rec.InstanceID)
	}
	body := summary + "\n" + leaseMarkerPrefix + string(payload) + leaseMarkerSuffix

	cmd := exec.CommandContext(ctx, ghPath, "issue", "comment", strconv.Itoa(issueNumber),
		"--repo", owner+"/"+repoName, "--body", body)
	cmd.Dir = repoPath
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("gh issue comment: %w: %s", err, out)
	}
	return nil
}

func runGHJSON(ctx context.Context, ghPath, repoPath string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, ghPath, args...)
	cmd.Dir = repoPath
	out, err := cmd.Output()
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			return nil, fmt.Errorf("gh %v: %w: %s", args, err, ee.Stderr)
		}
		return nil, fmt.Errorf("gh %v: %w", args, err)
	}
	return out, nil
}

func runGHAuthUsername(ctx context.Context, ghPath string) string {
	cmd := exec.CommandContext(ctx, ghPath, "api", "user", "-q", ".login")
	out, err := cmd.Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// handleAcquireLease implements acquire_lease: refuses when another
// instance already holds the lease unless force_takeover is set.
func (p *Plugin) handleAcquireLease(ctx context.Context, params map[string]interface{}) (opResult, error) {
	issueNumber, ok := paramInt(params, "issue_number")
	if !ok {
		return errResult(errIssueRequired, "issue_number is required", "Provide the GitHub issue number to acquire a lease for"), nil
	}
	forceTakeover := paramBool(params, "force_takeover")

	repo, errRes := resolveConnectTarget(ctx, p.store, paramString(params, "project_id"), paramString(params, "repo_id"))
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

	state, err := fetchLeaseState(ctx, ghPath, repo.Path, conn.Owner, conn.Repo, issueNumber)
	if err != nil {
		return errResult(errLeaseStateError, "failed to read lease state: "+err.Error(), ""), nil
	}

	if state.IsLocked && !state.IsHeldByCurrentInstance && !forceTakeover {
		return opResult{
			"success": false,
			"code":    string(errLeaseHeldByOther),
			"message": fmt.Sprintf("issue #%d is locked by another instance", issueNumber),
			"holder":  state.Holder,
			"hint":    "Use force_takeover=true to take over the lease",
		}, nil
	}

	rec := leaseRecord{
		Action:     leaseActionAcquire,
		InstanceID: instanceID(),
		GithubUser: runGHAuthUsername(ctx, ghPath),
		AcquiredAt: timeNowRFC3339(),
	}
	rec.Hostname, _ = os.Hostname()
	if err := postLeaseMarker(ctx, ghPath, repo.Path, conn.Owner, conn.Repo, issueNumber, rec); err != nil {
		return errResult(errLeaseStateError, "failed to acquire lease: "+err.Error(), ""), nil
	}

	return okResult("LEASE_ACQUIRED", fmt.Sprintf("lease acquired on issue #%d", issueNumber), map[string]interface{}{
		"holder": rec.holder(),
	}), nil
}

// handleReleaseLease implements release_lease. Releasing is idempotent: a
// lease that's already unlocked, or held by a different instance, still
// records the release marker so the thread stays an honest audit trail.
func (p *Plugin) handleReleaseLease(ctx context.Context, params map[string]interface{}) (opResult, error) {
	issueNumber, ok := paramInt(params, "issue_number")
	if !ok {
		return errResult(errIssueRequired, "issue_number is required", "Provide the GitHub issue number to release a lease for"), nil
	}

	repo, errRes := resolveConnectTarget(ctx, p.store, paramString(params, "project_id"), paramString(params, "repo_id"))
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

	rec := leaseRecord{
		Action:     leaseActionRelease,
		InstanceID: instanceID(),
		GithubUser: runGHAuthUsername(ctx, ghPath),
		AcquiredAt: timeNowRFC3339(),
	}
	rec.Hostname, _ = os.Hostname()
	if err := postLeaseMarker(ctx, ghPath, repo.Path, conn.Owner, conn.Repo, issueNumber, rec); err != nil {
		return errResult(errLeaseStateError, "failed to release lease: "+err.Error(), ""), nil
	}

	return okResult("LEASE_RELEASED", fmt.Sprintf("lease released on issue #%d", issueNumber), nil), nil
}

// handleGetLeaseState implements get_lease_state.
func (p *Plugin) handleGetLeaseState(ctx context.Context, params map[string]interface{}) (opResult, error) {
	issueNumber, ok := paramInt(params, "issue_number")
	if !ok {
		return errResult(errIssueRequired, "issue_number is required", "Provide the GitHub issue number to check the lease state for"), nil
	}

	repo, errRes := resolveConnectTarget(ctx, p.store, paramString(params, "project_id"), paramString(params, "repo_id"))
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

	state, err := fetchLeaseState(ctx, ghPath, repo.Path, conn.Owner, conn.Repo, issueNumber)
	if err != nil {
		return errResult(errLeaseStateError, "failed to read lease state: "+err.Error(), ""), nil
	}

	return okResult("LEASE_STATE_OK", "", map[string]interface{}{
		"state": map[string]interface{}{
			"is_locked":                  state.IsLocked,
			"is_held_by_current_instance": state.IsHeldByCurrentInstance,
			"can_acquire":                state.CanAcquire,
			"requires_takeover":          state.RequiresTakeover,
			"holder":                     state.Holder,
		},
	}), nil
}

func timeNowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
