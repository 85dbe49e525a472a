package transport

import "os"

// removeSocketFile best-effort removes a leftover Unix socket file so a new
// listener can bind the same path. Any error (including not-exist) is
// swallowed; a genuine permission problem surfaces later from net.Listen.
func removeSocketFile(path string) error {
	if path == "" {
		return nil
	}
	info, err := os.Lstat(path)
	if err != nil {
		return nil
	}
	if info.Mode()&os.ModeSocket == 0 {
		return nil
	}
	return os.Remove(path)
}
