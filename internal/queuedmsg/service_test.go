package queuedmsg

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kagan-sh/kagan/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json", OutputPath: "stdout"})
	require.NoError(t, err)
	return log
}

func TestQueueMessage_AppendsAndStatusReflectsLast(t *testing.T) {
	s := New(testLogger(t))
	s.QueueMessage("sess-1", LaneImplementation, "first", "alice", nil)
	s.QueueMessage("sess-1", LaneImplementation, "second", "bob", nil)

	status := s.GetStatus("sess-1", LaneImplementation)
	assert.Equal(t, 2, status.Count)
	assert.Equal(t, "second", status.Preview)
}

func TestGetStatus_EmptyLaneReturnsZeroValue(t *testing.T) {
	s := New(testLogger(t))
	status := s.GetStatus("sess-1", LaneReview)
	assert.Equal(t, 0, status.Count)
	assert.Empty(t, status.Preview)
}

func TestGetStatus_TruncatesLongPreview(t *testing.T) {
	s := New(testLogger(t))
	long := strings.Repeat("x", DefaultPreviewChars+50)
	s.QueueMessage("sess-1", LaneImplementation, long, "", nil)

	status := s.GetStatus("sess-1", LaneImplementation)
	assert.True(t, strings.HasSuffix(status.Preview, "…"))
	assert.Len(t, []rune(status.Preview), DefaultPreviewChars+1) // +1 for the ellipsis rune
}

func TestLanesAreIndependentPerSession(t *testing.T) {
	s := New(testLogger(t))
	s.QueueMessage("sess-1", LaneImplementation, "impl msg", "", nil)
	s.QueueMessage("sess-1", LaneReview, "review msg", "", nil)
	s.QueueMessage("sess-2", LaneImplementation, "other session msg", "", nil)

	assert.Equal(t, 1, s.GetStatus("sess-1", LaneImplementation).Count)
	assert.Equal(t, 1, s.GetStatus("sess-1", LaneReview).Count)
	assert.Equal(t, 1, s.GetStatus("sess-2", LaneImplementation).Count)
	assert.Equal(t, 0, s.GetStatus("sess-2", LaneReview).Count)
}

func TestCancelQueued_ClearsLaneAndReturnsCount(t *testing.T) {
	s := New(testLogger(t))
	s.QueueMessage("sess-1", LaneImplementation, "a", "", nil)
	s.QueueMessage("sess-1", LaneImplementation, "b", "", nil)

	n := s.CancelQueued("sess-1", LaneImplementation)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, s.GetStatus("sess-1", LaneImplementation).Count)
}

func TestCancelQueued_EmptyLaneReturnsZero(t *testing.T) {
	s := New(testLogger(t))
	assert.Equal(t, 0, s.CancelQueued("sess-1", LaneImplementation))
}

func TestTakeQueued_MergesAndClearsLane(t *testing.T) {
	s := New(testLogger(t))
	s.QueueMessage("sess-1", LaneImplementation, "line one", "", nil)
	s.QueueMessage("sess-1", LaneImplementation, "line two", "", nil)

	merged, ok := s.TakeQueued("sess-1", LaneImplementation)
	require.True(t, ok)
	assert.Equal(t, "line one\nline two", merged)

	_, ok = s.TakeQueued("sess-1", LaneImplementation)
	assert.False(t, ok, "lane must be cleared after take")
}

func TestTakeQueued_EmptyLaneReturnsFalse(t *testing.T) {
	s := New(testLogger(t))
	_, ok := s.TakeQueued("sess-1", LaneImplementation)
	assert.False(t, ok)
}

func TestTakeAllQueued_MergesPerLaneAndClearsOnlyThatSession(t *testing.T) {
	s := New(testLogger(t))
	s.QueueMessage("sess-1", LaneImplementation, "impl-a", "", nil)
	s.QueueMessage("sess-1", LaneImplementation, "impl-b", "", nil)
	s.QueueMessage("sess-1", LaneReview, "review-a", "", nil)
	s.QueueMessage("sess-2", LaneImplementation, "other session", "", nil)

	all := s.TakeAllQueued("sess-1")
	assert.Equal(t, "impl-a\nimpl-b", all[LaneImplementation])
	assert.Equal(t, "review-a", all[LaneReview])

	assert.Equal(t, 0, s.GetStatus("sess-1", LaneImplementation).Count)
	assert.Equal(t, 0, s.GetStatus("sess-1", LaneReview).Count)
	assert.Equal(t, 1, s.GetStatus("sess-2", LaneImplementation).Count, "other sessions must be untouched")
}

func TestRemoveMessage_RemovesByIndex(t *testing.T) {
	s := New(testLogger(t))
	s.QueueMessage("sess-1", LaneImplementation, "a", "", nil)
	s.QueueMessage("sess-1", LaneImplementation, "b", "", nil)
	s.QueueMessage("sess-1", LaneImplementation, "c", "", nil)

	ok := s.RemoveMessage("sess-1", LaneImplementation, 1)
	require.True(t, ok)

	msgs := s.GetQueued("sess-1", LaneImplementation)
	require.Len(t, msgs, 2)
	assert.Equal(t, "a", msgs[0].Content)
	assert.Equal(t, "c", msgs[1].Content)
}

func TestRemoveMessage_OutOfRangeReturnsFalse(t *testing.T) {
	s := New(testLogger(t))
	s.QueueMessage("sess-1", LaneImplementation, "a", "", nil)

	assert.False(t, s.RemoveMessage("sess-1", LaneImplementation, -1))
	assert.False(t, s.RemoveMessage("sess-1", LaneImplementation, 5))
}

func TestGetQueued_ReturnsIndependentCopy(t *testing.T) {
	s := New(testLogger(t))
	s.QueueMessage("sess-1", LaneImplementation, "original", "", nil)

	msgs := s.GetQueued("sess-1", LaneImplementation)
	msgs[0].Content = "mutated"

	fresh := s.GetQueued("sess-1", LaneImplementation)
	assert.Equal(t, "original", fresh[0].Content)
}
