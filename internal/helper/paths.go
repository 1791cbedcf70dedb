package helper

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
)

// SocketPath returns the socket path for a helper serving the current process.
// Order of precedence (first wins):
//  1. TCPVIEW_RUNTIME_DIR
//  2. on linux: $XDG_RUNTIME_DIR or /run/user/<UID> when it exists
//  3. /tmp
//
// The file name carries the pid so concurrent viewers get their own helper.
func SocketPath() string {
	name := fmt.Sprintf("tcpview-helper-%d.sock", os.Getpid())
	return filepath.Join(runtimeDir(), name)
}

func runtimeDir() string {
	if rd := os.Getenv("TCPVIEW_RUNTIME_DIR"); rd != "" {
		return rd
	}
	if runtime.GOOS == "linux" {
		if v := os.Getenv("XDG_RUNTIME_DIR"); v != "" {
			return v
		}
		dir := filepath.Join("/run/user", strconv.Itoa(os.Getuid()))
		if st, err := os.Stat(dir); err == nil && st.IsDir() {
			return dir
		}
	}
	// keep it short to avoid the sun_path length limit
	return "/tmp"
}

// ensureRuntimeDir creates the socket's parent directory if needed.
func ensureRuntimeDir(path string) error {
	return os.MkdirAll(filepath.Dir(path), 0o700)
}

func removeSocket(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
