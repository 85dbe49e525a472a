// Package lease implements the core host's single-instance lease: a
// cross-process file lock backed by a JSON heartbeat record, so that at
// most one core runs against a given repository root at a time.
package lease

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kagan-sh/kagan/internal/common/logger"
)

const (
	leaseVersion = 1

	// DefaultHeartbeatInterval is how often a held lease rewrites its heartbeat.
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultStaleAfter is how long a heartbeat may go stale before reclaim is permitted.
	DefaultStaleAfter = 10 * time.Second
)

// Record is the on-disk lease payload. Field order/json tags match the
// schema named in the instance-lease contract.
type Record struct {
	Version                  int                    `json:"version"`
	OwnerPID                 int                    `json:"owner_pid"`
	OwnerHostname            string                 `json:"owner_hostname"`
	AcquiredAt                string                 `json:"acquired_at"`
	LastHeartbeatAt          string                 `json:"last_heartbeat_at"`
	HeartbeatIntervalSeconds float64                `json:"heartbeat_interval_seconds"`
	StaleAfterSeconds        float64                `json:"stale_after_seconds"`
	StaleReclaimRules        map[string]interface{} `json:"stale_reclaim_rules"`
}

// Lease is a cross-process singleton lock with explicit heartbeat metadata.
// lockPath is an opaque file taken with O_EXCL for mutual exclusion;
// leasePath carries the human-readable/diagnostic heartbeat record.
type Lease struct {
	lockPath  string
	leasePath string
	heartbeat time.Duration
	staleAfter time.Duration
	log       *logger.Logger

	mu       sync.Mutex
	lockFile *os.File
	acquired bool
}

// New creates a Lease for the given lock/lease file paths.
func New(lockPath, leasePath string, log *logger.Logger) *Lease {
	return &Lease{
		lockPath:   lockPath,
		leasePath:  leasePath,
		heartbeat:  DefaultHeartbeatInterval,
		staleAfter: DefaultStaleAfter,
		log:        log,
	}
}

// WithIntervals overrides the default heartbeat/stale thresholds.
func (l *Lease) WithIntervals(heartbeat, staleAfter time.Duration) *Lease {
	l.heartbeat = heartbeat
	l.staleAfter = staleAfter
	return l
}

// Acquire attempts to take the lock non-blockingly. It performs at most
// one stale-lease reclaim retry (never re-entrant recursion).
func (l *Lease) Acquire() (bool, error) {
	return l.acquire(true)
}

func (l *Lease) acquire(retryStale bool) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.lockPath), 0o755); err != nil {
		return false, fmt.Errorf("lease: create lock dir: %w", err)
	}

	f, err := os.OpenFile(l.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if !os.IsExist(err) {
			return false, fmt.Errorf("lease: open lock file: %w", err)
		}
		if retryStale && l.cleanupStaleLease() {
			return l.acquire(false)
		}
		return false, nil
	}

	l.mu.Lock()
	l.lockFile = f
	l.acquired = true
	l.mu.Unlock()

	now := time.Now().UTC()
	if err := l.writeRecord(now, now); err != nil {
		_ = l.Release()
		return false, err
	}
	return true, nil
}

func (l *Lease) readRecord() *Record {
	raw, err := os.ReadFile(l.leasePath)
	if err != nil {
		return nil
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil
	}
	if rec.StaleReclaimRules == nil {
		return nil
	}
	return &rec
}

func (l *Lease) isStale(rec *Record) bool {
	if rec.OwnerPID == os.Getpid() {
		return false
	}
	hostname, _ := os.Hostname()
	if rec.OwnerHostname != "" && rec.OwnerHostname != hostname {
		return false
	}
	heartbeat, err := time.Parse(time.RFC3339Nano, rec.LastHeartbeatAt)
	if err != nil {
		return false
	}
	age := time.Since(heartbeat)
	staleAfter := time.Duration(rec.StaleAfterSeconds * float64(time.Second))
	if staleAfter <= 0 {
		staleAfter = l.staleAfter
	}
	if age < staleAfter {
		return false
	}
	return !pidAlive(rec.OwnerPID)
}

func (l *Lease) cleanupStaleLease() bool {
	rec := l.readRecord()
	if rec == nil || !l.isStale(rec) {
		return false
	}
	if l.log != nil {
		l.log.Warn("reclaiming stale core lease",
		)
	}
	_ = os.Remove(l.leasePath)
	_ = os.Remove(l.lockPath)
	return true
}

func (l *Lease) writeRecord(acquiredAt, heartbeatAt time.Time) error {
	rec := Record{
		Version:                  leaseVersion,
		OwnerPID:                 os.Getpid(),
		AcquiredAt:               acquiredAt.Format(time.RFC3339Nano),
		LastHeartbeatAt:          heartbeatAt.Format(time.RFC3339Nano),
		HeartbeatIntervalSeconds: l.heartbeat.Seconds(),
		StaleAfterSeconds:        l.staleAfter.Seconds(),
		StaleReclaimRules: map[string]interface{}{
			"same_host_required":              true,
			"pid_must_be_dead":                true,
			"heartbeat_age_must_exceed_seconds": l.staleAfter.Seconds(),
		},
	}
	rec.OwnerHostname, _ = os.Hostname()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(l.leasePath, data, 0o644)
}

// ProcessAlive reports whether a process with the given pid is currently
// running on this host. Exposed for discovery consumers that need to
// validate a lease's owner_pid without constructing a Lease.
func ProcessAlive(pid int) bool {
	return pidAlive(pid)
}

// Heartbeat rewrites the lease record's last_heartbeat_at, preserving
// other fields. A no-op if the lease was never acquired.
func (l *Lease) Heartbeat() error {
	l.mu.Lock()
	acquired := l.acquired
	l.mu.Unlock()
	if !acquired {
		return nil
	}

	now := time.Now().UTC()
	if rec := l.readRecord(); rec != nil {
		rec.LastHeartbeatAt = now.Format(time.RFC3339Nano)
		data, err := json.MarshalIndent(rec, "", "  ")
		if err != nil {
			return err
		}
		return os.WriteFile(l.leasePath, data, 0o644)
	}
	return l.writeRecord(now, now)
}

// Run heartbeats on an interval until ctx's stop channel is closed.
func (l *Lease) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(l.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			_ = l.Heartbeat()
		}
	}
}

// Release drops the lock and best-effort removes both files.
func (l *Lease) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.acquired {
		return nil
	}
	l.acquired = false
	var closeErr error
	if l.lockFile != nil {
		closeErr = l.lockFile.Close()
		l.lockFile = nil
	}
	_ = os.Remove(l.lockPath)
	_ = os.Remove(l.leasePath)
	return closeErr
}
