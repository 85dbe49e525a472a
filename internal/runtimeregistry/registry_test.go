package runtimeregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAgent struct{ stopped bool }

func (f *fakeAgent) Stop() { f.stopped = true }

func TestRegistry_SnapshotDefaultsToIdleWhenNoView(t *testing.T) {
	r := New()
	snap := r.Snapshot("task-1")
	assert.Equal(t, PhaseIdle, snap.Phase)
	assert.Equal(t, "task-1", snap.TaskID)
}

func TestRegistry_StartCreatesRunningView(t *testing.T) {
	r := New()
	agent := &fakeAgent{}
	v := r.Start("task-1", "exec-1", agent)

	assert.Equal(t, PhaseRunning, v.Phase)
	assert.Equal(t, "exec-1", v.ExecutionID)
	assert.Equal(t, 1, v.RunCount)
	assert.True(t, r.HasView("task-1"))

	snap := r.Snapshot("task-1")
	assert.True(t, snap.Running)
	assert.False(t, snap.Reviewing)
}

func TestRegistry_StartIncrementsRunCountOnRestart(t *testing.T) {
	r := New()
	r.Start("task-1", "exec-1", &fakeAgent{})
	v := r.Start("task-1", "exec-2", &fakeAgent{})
	assert.Equal(t, 2, v.RunCount)
	assert.Equal(t, "exec-2", v.ExecutionID)
}

func TestRegistry_StartClearsBlockedAndPendingState(t *testing.T) {
	r := New()
	r.MarkBlocked("task-1", "waiting on review", []string{"task-0"})
	r.Start("task-1", "exec-1", &fakeAgent{})

	v := r.Get("task-1")
	assert.Equal(t, PhaseRunning, v.Phase)
	assert.Empty(t, v.BlockedReason)
	assert.Nil(t, v.BlockedAt)
}

func TestRegistry_RequestReviewAndAttachReviewAgent(t *testing.T) {
	r := New()
	r.Start("task-1", "exec-1", &fakeAgent{})
	r.RequestReview("task-1")
	assert.Equal(t, PhaseReviewing, r.Get("task-1").Phase)

	reviewAgent := &fakeAgent{}
	r.AttachReviewAgent("task-1", reviewAgent)
	v := r.Get("task-1")
	assert.Equal(t, PhaseReviewing, v.Phase)
	assert.Same(t, reviewAgent, v.ReviewAgent)

	snap := r.Snapshot("task-1")
	assert.True(t, snap.Reviewing)
}

func TestRegistry_AttachReviewAgent_NoopWhenNoView(t *testing.T) {
	r := New()
	r.AttachReviewAgent("ghost", &fakeAgent{})
	assert.False(t, r.HasView("ghost"))
}

func TestRegistry_End_StopsLiveAgentsAndRemovesView(t *testing.T) {
	r := New()
	running := &fakeAgent{}
	review := &fakeAgent{}
	r.Start("task-1", "exec-1", running)
	r.AttachReviewAgent("task-1", review)

	r.End("task-1")

	assert.True(t, running.stopped)
	assert.True(t, review.stopped)
	assert.False(t, r.HasView("task-1"))
}

func TestRegistry_End_NoopForUnknownTask(t *testing.T) {
	r := New()
	require.NotPanics(t, func() { r.End("never-existed") })
}

func TestRegistry_MarkBlockedCreatesViewIfMissing(t *testing.T) {
	r := New()
	r.MarkBlocked("task-1", "needs creds", []string{"task-0"})

	v := r.Get("task-1")
	require.NotNil(t, v)
	assert.Equal(t, PhaseBlocked, v.Phase)
	assert.Equal(t, "needs creds", v.BlockedReason)
	assert.Equal(t, []string{"task-0"}, v.BlockedByTaskIDs)
	require.NotNil(t, v.BlockedAt)
}

func TestRegistry_Snapshot_CarriesBlockedByTaskIDs(t *testing.T) {
	r := New()
	r.MarkBlocked("task-1", "needs creds", []string{"task-0", "task-2"})

	snap := r.Snapshot("task-1")
	assert.Equal(t, []string{"task-0", "task-2"}, snap.BlockedByTaskIDs)
}

func TestRegistry_Unblock_ReturnsToIdle(t *testing.T) {
	r := New()
	r.MarkBlocked("task-1", "needs creds", nil)
	r.Unblock("task-1")

	v := r.Get("task-1")
	require.NotNil(t, v)
	assert.Equal(t, PhaseIdle, v.Phase)
	assert.Empty(t, v.BlockedReason)
	assert.Nil(t, v.BlockedAt)
}

func TestRegistry_MarkPending(t *testing.T) {
	r := New()
	r.MarkPending("task-1", "waiting for slot")

	v := r.Get("task-1")
	require.NotNil(t, v)
	assert.Equal(t, PhasePending, v.Phase)
	assert.Equal(t, "waiting for slot", v.PendingReason)
	require.NotNil(t, v.PendingAt)
}

func TestRegistry_RunningCount_CountsRunningAndReviewingOnly(t *testing.T) {
	r := New()
	r.Start("task-1", "exec-1", &fakeAgent{})
	r.Start("task-2", "exec-2", &fakeAgent{})
	r.RequestReview("task-2")
	r.MarkPending("task-3", "waiting")
	r.MarkBlocked("task-4", "blocked", nil)

	assert.Equal(t, 2, r.RunningCount())
}

func TestRegistry_AllTaskIDs(t *testing.T) {
	r := New()
	r.Start("task-1", "exec-1", &fakeAgent{})
	r.MarkPending("task-2", "waiting")

	ids := r.AllTaskIDs()
	assert.ElementsMatch(t, []string{"task-1", "task-2"}, ids)
}

func TestRegistry_AttachRunningAgent_ReattachesWithoutResettingRunCount(t *testing.T) {
	r := New()
	r.Start("task-1", "exec-1", &fakeAgent{})
	r.MarkBlocked("task-1", "transient", nil)

	agent := &fakeAgent{}
	r.AttachRunningAgent("task-1", agent)

	v := r.Get("task-1")
	assert.Equal(t, PhaseRunning, v.Phase)
	assert.Same(t, agent, v.RunningAgent)
	assert.Equal(t, 1, v.RunCount, "reattach must not bump run count")
}
