// Package queuedmsg implements the per-(session, lane) FIFO of follow-up
// messages fed into a running agent between iterations.
package queuedmsg

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/common/logger"
)

// Lane categorizes a queued follow-up message.
type Lane string

const (
	LaneImplementation Lane = "implementation"
	LaneReview         Lane = "review"
	LanePlanner        Lane = "planner"
)

// DefaultPreviewChars is how much of a message's content the status API
// shows before truncating with an ellipsis.
const DefaultPreviewChars = 120

// Message is one queued follow-up.
type Message struct {
	Content  string                 `json:"content"`
	Author   string                 `json:"author,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
	QueuedAt time.Time              `json:"queued_at"`
}

type laneKey struct {
	sessionID string
	lane      Lane
}

// Status is the aggregate summary returned by GetStatus.
type Status struct {
	Count       int       `json:"count"`
	Preview     string    `json:"preview,omitempty"`
	LastQueued  time.Time `json:"last_queued_at,omitempty"`
}

// Service is the in-memory FIFO store keyed by (session_id, lane). A
// single lock protects the map since mutation is infrequent relative to
// the per-task loop's cadence.
type Service struct {
	mu            sync.Mutex
	queues        map[laneKey][]Message
	previewChars  int
	log           *logger.Logger
}

// New creates a queued-message service.
func New(log *logger.Logger) *Service {
	return &Service{
		queues:       make(map[laneKey][]Message),
		previewChars: DefaultPreviewChars,
		log:          log.WithFields(zap.String("component", "queued-message")),
	}
}

// QueueMessage appends a follow-up to a session+lane's FIFO.
func (s *Service) QueueMessage(sessionID string, lane Lane, content, author string, metadata map[string]interface{}) Message {
	msg := Message{Content: content, Author: author, Metadata: metadata, QueuedAt: time.Now().UTC()}
	key := laneKey{sessionID, lane}

	s.mu.Lock()
	s.queues[key] = append(s.queues[key], msg)
	n := len(s.queues[key])
	s.mu.Unlock()

	s.log.Debug("message queued", zap.String("session_id", sessionID), zap.String("lane", string(lane)), zap.Int("queue_len", n))
	return msg
}

// CancelQueued clears every message queued for a session+lane.
func (s *Service) CancelQueued(sessionID string, lane Lane) int {
	key := laneKey{sessionID, lane}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.queues[key])
	delete(s.queues, key)
	return n
}

// GetStatus returns the preview/queued_at of the most recently queued
// message plus the aggregate count for a session+lane.
func (s *Service) GetStatus(sessionID string, lane Lane) Status {
	key := laneKey{sessionID, lane}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.queues[key]
	if len(msgs) == 0 {
		return Status{}
	}
	last := msgs[len(msgs)-1]
	return Status{Count: len(msgs), Preview: truncate(last.Content, s.previewChars), LastQueued: last.QueuedAt}
}

// GetQueued returns a read-only copy of everything currently queued.
func (s *Service) GetQueued(sessionID string, lane Lane) []Message {
	key := laneKey{sessionID, lane}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.queues[key]))
	copy(out, s.queues[key])
	return out
}

// TakeQueued pops and merges every pending message into a single
// newline-joined payload for the next send, clearing the lane.
func (s *Service) TakeQueued(sessionID string, lane Lane) (string, bool) {
	key := laneKey{sessionID, lane}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.queues[key]
	if len(msgs) == 0 {
		return "", false
	}
	delete(s.queues, key)
	merged := msgs[0].Content
	for _, m := range msgs[1:] {
		merged += "\n" + m.Content
	}
	return merged, true
}

// TakeAllQueued pops every lane queued for a session, returning the merged
// payload per lane.
func (s *Service) TakeAllQueued(sessionID string) map[Lane]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Lane]string)
	for key, msgs := range s.queues {
		if key.sessionID != sessionID || len(msgs) == 0 {
			continue
		}
		merged := msgs[0].Content
		for _, m := range msgs[1:] {
			merged += "\n" + m.Content
		}
		out[key.lane] = merged
		delete(s.queues, key)
	}
	return out
}

// RemoveMessage drops a single queued message by index within its lane.
func (s *Service) RemoveMessage(sessionID string, lane Lane, index int) bool {
	key := laneKey{sessionID, lane}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.queues[key]
	if index < 0 || index >= len(msgs) {
		return false
	}
	s.queues[key] = append(msgs[:index], msgs[index+1:]...)
	return true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
