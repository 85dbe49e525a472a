package lease

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
)

// RuntimeDir resolves the core's runtime directory for a given repo root:
// $KAGAN_CORE_RUNTIME_DIR if set, otherwise a per-repo subdirectory of the
// platform's XDG state / local-app-data location, keyed by a hash of the
// canonical repo root so multiple repos never collide.
func RuntimeDir(repoRoot string) (string, error) {
	if override := os.Getenv("KAGAN_CORE_RUNTIME_DIR"); override != "" {
		return override, nil
	}

	canonical, err := filepath.Abs(repoRoot)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(canonical))
	key := hex.EncodeToString(sum[:])[:16]

	base, err := stateHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "kagan", "core", key), nil
}

func stateHome() (string, error) {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return xdg, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	if runtime.GOOS == "windows" {
		if appData := os.Getenv("LOCALAPPDATA"); appData != "" {
			return appData, nil
		}
	}
	return filepath.Join(home, ".local", "state"), nil
}

// LockPath returns the opaque instance-lock file path within a runtime dir.
func LockPath(runtimeDir string) string {
	return filepath.Join(runtimeDir, "core.instance.lock")
}

// LeasePath returns the lease JSON record path within a runtime dir.
func LeasePath(runtimeDir string) string {
	return filepath.Join(runtimeDir, "core.lease.json")
}

// EndpointPath returns the endpoint discovery file path within a runtime dir.
func EndpointPath(runtimeDir string) string {
	return filepath.Join(runtimeDir, "endpoint.json")
}

// TokenPath returns the bearer-token file path within a runtime dir.
func TokenPath(runtimeDir string) string {
	return filepath.Join(runtimeDir, "token")
}
