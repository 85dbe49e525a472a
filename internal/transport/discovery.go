package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/kagan-sh/kagan/internal/lease"
)

// Endpoint describes how to reach a running core instance, as published to
// the endpoint discovery file by the IPC server on startup.
type Endpoint struct {
	Transport Kind   `json:"transport"`
	Address   string `json:"address"`
	Port      int    `json:"port,omitempty"`
	PID       int    `json:"-"`
	Token     string `json:"-"`
}

// WriteEndpoint publishes handle's address as the discoverable endpoint for
// a runtime directory, alongside the IPC bearer token other processes need
// to authenticate with the core.
func WriteEndpoint(runtimeDir string, handle *Handle, bearerToken string) error {
	doc := struct {
		Transport Kind   `json:"transport"`
		Address   string `json:"address"`
		Port      int    `json:"port,omitempty"`
	}{
		Transport: handle.Kind,
		Address:   handle.Address,
		Port:      handle.Port,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(lease.EndpointPath(runtimeDir), data, 0o644); err != nil {
		return fmt.Errorf("transport: write endpoint file: %w", err)
	}
	if err := os.WriteFile(lease.TokenPath(runtimeDir), []byte(bearerToken), 0o600); err != nil {
		return fmt.Errorf("transport: write token file: %w", err)
	}
	return nil
}

// RemoveEndpoint deletes the discovery artifacts on graceful shutdown.
func RemoveEndpoint(runtimeDir string) {
	_ = os.Remove(lease.EndpointPath(runtimeDir))
	_ = os.Remove(lease.TokenPath(runtimeDir))
}

// Discover reads the runtime directory's endpoint and token files and
// validates that the referenced core process is still alive and the
// endpoint is reachable, returning nil (not an error) for any stale or
// missing publication.
func Discover(runtimeDir string) (*Endpoint, error) {
	data, err := os.ReadFile(lease.EndpointPath(runtimeDir))
	if err != nil {
		return nil, nil
	}

	var raw struct {
		Transport string `json:"transport"`
		Address   string `json:"address"`
		Port      int    `json:"port"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil
	}
	if raw.Transport == "" || raw.Address == "" {
		return nil, nil
	}
	kind := Kind(raw.Transport)
	if kind != KindSocket && kind != KindTCP {
		return nil, nil
	}

	pid, ok := readOwnerPID(runtimeDir)
	if ok && !lease.ProcessAlive(pid) {
		return nil, nil
	}

	switch kind {
	case KindSocket:
		if !socketReachable(raw.Address) {
			return nil, nil
		}
	case KindTCP:
		if raw.Port <= 0 || !tcpReachable(raw.Address, raw.Port) {
			return nil, nil
		}
	}

	token, _ := os.ReadFile(lease.TokenPath(runtimeDir))

	return &Endpoint{
		Transport: kind,
		Address:   raw.Address,
		Port:      raw.Port,
		PID:       pid,
		Token:     strings.TrimSpace(string(token)),
	}, nil
}

func readOwnerPID(runtimeDir string) (int, bool) {
	data, err := os.ReadFile(lease.LeasePath(runtimeDir))
	if err != nil {
		return 0, false
	}
	var rec lease.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, false
	}
	if rec.OwnerPID <= 0 {
		return 0, false
	}
	return rec.OwnerPID, true
}

func tcpReachable(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", address, port), 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func socketReachable(path string) bool {
	conn, err := net.DialTimeout("unix", path, 250*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
