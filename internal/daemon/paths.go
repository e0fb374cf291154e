package daemon

import (
	"path/filepath"
)

// Runtime files live under <home>/protected.
func protectedDir(home string) string {
	return filepath.Join(home, "protected")
}

func pidPath(home string) string {
	return filepath.Join(protectedDir(home), "orchestrator.pid")
}

func lockPath(home string) string {
	return filepath.Join(protectedDir(home), "orchestrator.lock")
}

func addrPath(home string) string {
	return filepath.Join(protectedDir(home), "orchestrator.addr")
}

// LogPath is where a background daemon writes its log.
func LogPath(home string) string {
	return filepath.Join(protectedDir(home), "daemon.log")
}
