package logging

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultLogDir returns ~/.qarag/logs, or a temp directory without a home.
func DefaultLogDir() string {
	if dir := os.Getenv("QARAG_LOG_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".qarag", "logs")
	}
	return filepath.Join(home, ".qarag", "logs")
}

// DefaultLogPath returns the log file qarag writes with --debug.
func DefaultLogPath() string {
	return filepath.Join(DefaultLogDir(), "qarag.log")
}

// FindLogFile returns explicit when it exists, else the default log path.
func FindLogFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("log file not found: %s", explicit)
		}
		return explicit, nil
	}

	path := DefaultLogPath()
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("no log file found at %s\nRun a command with --debug to create one", path)
	}
	return path, nil
}
