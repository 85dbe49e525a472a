package acpsupervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/coder/acp-go-sdk"
	"go.uber.org/zap"

	"github.com/kagan-sh/kagan/internal/common/logger"
	"github.com/kagan-sh/kagan/internal/events/bus"
)

// gracefulStopWindow is how long Stop waits after closing stdin / sending
// SIGTERM before escalating to SIGKILL.
const gracefulStopWindow = 5 * time.Second

// Config describes how to launch one supervised agent.
type Config struct {
	TaskID        string
	Command       string
	Args          []string
	WorkDir       string
	Env           []string
	ReadOnly      bool
	Forwarder     PermissionForwarder
	MessageBuffer int // ring size for session notifications; 0 uses DefaultMessageBuffer
}

// DefaultMessageBuffer bounds how many session notifications a supervisor
// keeps for IPC replay; the ring always holds the most recent ones.
const DefaultMessageBuffer = 512

// Supervisor owns one agent subprocess's ACP connection for the lifetime of
// a task run: initialize handshake, session creation/resume, prompting, and
// a bounded notification ring clients can poll or subscribe to.
type Supervisor struct {
	cfg    Config
	log    *logger.Logger
	bus    bus.EventBus

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	client *client
	conn   *acp.ClientSideConnection

	mu           sync.RWMutex
	sessionID    acp.SessionId
	capabilities acp.AgentCapabilities
	agentName    string

	messages    []acp.SessionNotification
	subscribers map[chan acp.SessionNotification]struct{}

	stopped chan struct{}
	stopOnce sync.Once
}

// New spawns the agent subprocess and performs the ACP initialize handshake.
func New(ctx context.Context, cfg Config, log *logger.Logger, eventBus bus.EventBus) (*Supervisor, error) {
	if cfg.MessageBuffer <= 0 {
		cfg.MessageBuffer = DefaultMessageBuffer
	}
	sv := &Supervisor{
		cfg:         cfg,
		log:         log.WithFields(zap.String("component", "acp-supervisor"), zap.String("task_id", cfg.TaskID)),
		bus:         eventBus,
		subscribers: make(map[chan acp.SessionNotification]struct{}),
		stopped:     make(chan struct{}),
	}

	sv.cmd = exec.Command(cfg.Command, cfg.Args...)
	sv.cmd.Dir = cfg.WorkDir
	sv.cmd.Env = append(os.Environ(), cfg.Env...)

	var err error
	sv.stdin, err = sv.cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("acpsupervisor: stdin pipe: %w", err)
	}
	sv.stdout, err = sv.cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("acpsupervisor: stdout pipe: %w", err)
	}

	if err := sv.cmd.Start(); err != nil {
		return nil, fmt.Errorf("acpsupervisor: start agent: %w", err)
	}

	sv.client = newClient(sv.log, cfg.WorkDir, cfg.TaskID, cfg.ReadOnly, cfg.Forwarder)
	sv.client.setUpdateHandler(sv.recordNotification)

	sv.conn = acp.NewClientSideConnection(sv.client, sv.stdin, sv.stdout)
	sv.conn.SetLogger(slog.Default().With("component", "acp-conn"))

	resp, err := sv.conn.Initialize(ctx, acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersionNumber,
		ClientInfo:      &acp.Implementation{Name: "kagan-core", Version: "0.1.0"},
	})
	if err != nil {
		_ = sv.kill()
		return nil, fmt.Errorf("acpsupervisor: initialize handshake: %w", err)
	}
	sv.mu.Lock()
	sv.capabilities = resp.AgentCapabilities
	if resp.AgentInfo != nil {
		sv.agentName = resp.AgentInfo.Name
	}
	sv.mu.Unlock()

	sv.log.Info("agent initialized", zap.String("agent_name", sv.agentName), zap.Bool("load_session", resp.AgentCapabilities.LoadSession))

	go sv.awaitExit()

	return sv, nil
}

// NewSession creates a fresh ACP session rooted at the agent's working
// directory.
func (s *Supervisor) NewSession(ctx context.Context) (string, error) {
	resp, err := s.conn.NewSession(ctx, acp.NewSessionRequest{
		Cwd:        s.cfg.WorkDir,
		McpServers: []acp.McpServer{},
	})
	if err != nil {
		return "", fmt.Errorf("acpsupervisor: session/new: %w", err)
	}
	s.mu.Lock()
	s.sessionID = resp.SessionId
	s.mu.Unlock()
	return string(resp.SessionId), nil
}

// LoadSession resumes a previously created session. Returns an error if the
// agent's capabilities don't include LoadSession.
func (s *Supervisor) LoadSession(ctx context.Context, sessionID string) error {
	s.mu.RLock()
	supported := s.capabilities.LoadSession
	s.mu.RUnlock()
	if !supported {
		return fmt.Errorf("acpsupervisor: agent does not support session/load")
	}
	if _, err := s.conn.LoadSession(ctx, acp.LoadSessionRequest{SessionId: acp.SessionId(sessionID)}); err != nil {
		return fmt.Errorf("acpsupervisor: session/load: %w", err)
	}
	s.mu.Lock()
	s.sessionID = acp.SessionId(sessionID)
	s.mu.Unlock()
	return nil
}

// Prompt sends a user/assistant-authored turn to the current session.
func (s *Supervisor) Prompt(ctx context.Context, text string) error {
	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()
	if sessionID == "" {
		return fmt.Errorf("acpsupervisor: no active session, call NewSession first")
	}
	_, err := s.conn.Prompt(ctx, acp.PromptRequest{
		SessionId: sessionID,
		Prompt:    []acp.ContentBlock{acp.TextBlock(text)},
	})
	return err
}

// Cancel asks the agent to stop its current turn without tearing down the
// process.
func (s *Supervisor) Cancel(ctx context.Context) error {
	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()
	if sessionID == "" {
		return nil
	}
	return s.conn.Cancel(ctx, acp.CancelNotification{SessionId: sessionID})
}

// Subscribe registers a channel that receives every future session
// notification; callers must Unsubscribe when done.
func (s *Supervisor) Subscribe() chan acp.SessionNotification {
	ch := make(chan acp.SessionNotification, 64)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered via Subscribe.
func (s *Supervisor) Unsubscribe(ch chan acp.SessionNotification) {
	s.mu.Lock()
	delete(s.subscribers, ch)
	s.mu.Unlock()
}

// SessionID returns the active ACP session id, or "" if none has been
// created/loaded yet.
func (s *Supervisor) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return string(s.sessionID)
}

// Messages returns every notification retained in the ring so far.
func (s *Supervisor) Messages() []acp.SessionNotification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]acp.SessionNotification, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *Supervisor) recordNotification(n acp.SessionNotification) {
	s.mu.Lock()
	s.messages = append(s.messages, n)
	if len(s.messages) > s.cfg.MessageBuffer {
		s.messages = s.messages[len(s.messages)-s.cfg.MessageBuffer:]
	}
	subs := make([]chan acp.SessionNotification, 0, len(s.subscribers))
	for ch := range s.subscribers {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- n:
		default:
			s.log.Warn("subscriber channel full, dropping notification")
		}
	}
}

// Stop shuts the agent down: close stdin to let it exit on its own, then
// SIGTERM, then SIGKILL after gracefulStopWindow if it still hasn't exited.
// A caller sees it as synchronous; it always returns once the process has
// actually exited.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		_ = s.stdin.Close()

		select {
		case <-s.stopped:
			return
		case <-time.After(gracefulStopWindow / 2):
		}

		if s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
		}

		select {
		case <-s.stopped:
			return
		case <-time.After(gracefulStopWindow / 2):
		}

		if s.cmd.Process != nil {
			s.log.Warn("agent did not exit gracefully, killing")
			_ = s.cmd.Process.Kill()
		}
		<-s.stopped
	})
}

func (s *Supervisor) kill() error {
	if s.cmd.Process == nil {
		return nil
	}
	return s.cmd.Process.Kill()
}

func (s *Supervisor) awaitExit() {
	err := s.cmd.Wait()
	if err != nil {
		s.log.Info("agent process exited", zap.Error(err))
	} else {
		s.log.Info("agent process exited cleanly")
	}
	close(s.stopped)
}

var _ interface{ Stop() } = (*Supervisor)(nil)
