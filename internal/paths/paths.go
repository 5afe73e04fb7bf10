// Package paths resolves on-disk locations for stackpad's durable state.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const stateSubdir = "stackpad"

// StateBaseDir returns the directory under which durable state lives. It
// favors $XDG_STATE_HOME, then the per-user ~/.local/state tree, then
// $XDG_RUNTIME_DIR as a last resort.
func StateBaseDir() (string, error) {
	if dir := envDir("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, stateSubdir), nil
	}
	home, homeErr := os.UserHomeDir()
	if homeErr == nil && home != "" {
		return filepath.Join(home, ".local", "state", stateSubdir), nil
	}
	if dir := envDir("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, stateSubdir), nil
	}
	if homeErr != nil {
		return "", homeErr
	}
	return "", errors.New("no usable state directory; set XDG_STATE_HOME")
}

// SessionDBPath is the default location of the SQLite session database.
func SessionDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "sessions.db"), nil
}

func envDir(name string) string {
	return strings.TrimSpace(os.Getenv(name))
}
