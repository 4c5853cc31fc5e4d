package config

import (
	"os"
	"path/filepath"
)

// UserConfigDir is where per-user daemon state (auth db, uploads) lives by
// default.
func UserConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".workbench"), nil
}

// ProjectRoot walks up from the working directory looking for the monorepo
// root: the first directory holding a workspaces.yaml or a .git.
func ProjectRoot() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for {
		if _, err := os.Stat(filepath.Join(dir, "workspaces.yaml")); err == nil {
			return dir, nil
		}
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// No marker anywhere above; fall back to where we started.
			return wd, nil
		}
		dir = parent
	}
}
