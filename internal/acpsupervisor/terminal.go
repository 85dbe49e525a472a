package acpsupervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/coder/acp-go-sdk"
	"github.com/creack/pty"
	"github.com/google/uuid"
)

// terminalRingBytes bounds how much output a single terminal keeps in
// memory; eviction trims from the front and re-aligns to a UTF-8 boundary
// so terminal/output never returns a split multi-byte rune.
const terminalRingBytes = 256 * 1024

// terminal is one PTY-backed command an agent created via terminal/create.
type terminal struct {
	mu       sync.Mutex
	cmd      *exec.Cmd
	master   *os.File
	buf      []byte
	exitCode *int
	done     chan struct{}
}

func (t *terminal) append(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > terminalRingBytes {
		cut := len(t.buf) - terminalRingBytes
		for cut < len(t.buf) && !utf8.RuneStart(t.buf[cut]) {
			cut++
		}
		t.buf = t.buf[cut:]
	}
}

func (t *terminal) snapshot() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	truncated := len(t.buf) >= terminalRingBytes
	return string(t.buf), truncated
}

// terminalRegistry backs a supervised agent's terminal/* ACP calls. Agent
// environments get the same color-capable TERM an interactive shell uses
// so CLI tools inside the agent render normally.
type terminalRegistry struct {
	mu    sync.Mutex
	terms map[acp.TerminalId]*terminal
}

func newTerminalRegistry() *terminalRegistry {
	return &terminalRegistry{terms: make(map[acp.TerminalId]*terminal)}
}

func (r *terminalRegistry) Create(ctx context.Context, req acp.CreateTerminalRequest) (acp.TerminalId, error) {
	args := append([]string{}, req.Args...)
	cmd := exec.Command(req.Command, args...)
	if req.Cwd != nil {
		cmd.Dir = *req.Cwd
	}
	cmd.Env = append(os.Environ(), "TERM=xterm-256color", "FORCE_COLOR=1", "COLORTERM=truecolor")
	for _, kv := range req.Env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", kv.Name, kv.Value))
	}

	master, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("acpsupervisor: start terminal command: %w", err)
	}

	id := acp.TerminalId(uuid.New().String())
	term := &terminal{cmd: cmd, master: master, done: make(chan struct{})}

	r.mu.Lock()
	r.terms[id] = term
	r.mu.Unlock()

	go term.pump()
	go term.awaitExit()

	return id, nil
}

func (t *terminal) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := t.master.Read(buf)
		if n > 0 {
			t.append(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

func (t *terminal) awaitExit() {
	err := t.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = 128 + int(ws.Signal())
			}
		} else {
			code = -1
		}
	}
	t.mu.Lock()
	t.exitCode = &code
	t.mu.Unlock()
	close(t.done)
}

func (r *terminalRegistry) Output(id acp.TerminalId) (output string, truncated bool, exitCode *int) {
	r.mu.Lock()
	term, ok := r.terms[id]
	r.mu.Unlock()
	if !ok {
		return "", false, nil
	}
	output, truncated = term.snapshot()
	term.mu.Lock()
	exitCode = term.exitCode
	term.mu.Unlock()
	return output, truncated, exitCode
}

func (r *terminalRegistry) Kill(id acp.TerminalId) {
	r.mu.Lock()
	term, ok := r.terms[id]
	r.mu.Unlock()
	if !ok {
		return
	}
	if term.cmd.Process != nil {
		_ = term.cmd.Process.Kill()
	}
}

func (r *terminalRegistry) Release(id acp.TerminalId) {
	r.mu.Lock()
	term, ok := r.terms[id]
	delete(r.terms, id)
	r.mu.Unlock()
	if ok && term.master != nil {
		_ = term.master.Close()
	}
}

func (r *terminalRegistry) WaitForExit(ctx context.Context, id acp.TerminalId) int {
	r.mu.Lock()
	term, ok := r.terms[id]
	r.mu.Unlock()
	if !ok {
		return -1
	}
	select {
	case <-term.done:
	case <-ctx.Done():
		return -1
	case <-time.After(10 * time.Minute):
		return -1
	}
	term.mu.Lock()
	defer term.mu.Unlock()
	if term.exitCode == nil {
		return -1
	}
	return *term.exitCode
}
