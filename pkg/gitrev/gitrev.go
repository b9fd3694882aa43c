// Package gitrev reads revision information from the working tree's git
// repository, used to stamp runs and checkpoint history.
package gitrev

import (
	"fmt"
	"os/exec"
	"strings"
)

// IsRepo reports whether dir is inside a git work tree.
func IsRepo(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	out, err := cmd.Output()
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// Head returns the current HEAD commit hash.
func Head(dir string) (string, error) {
	cmd := exec.Command("git", "rev-parse", "HEAD")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("reading git HEAD: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// Dirty reports whether the working tree has uncommitted changes.
func Dirty(dir string) (bool, error) {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("reading git status: %w", err)
	}
	return len(strings.TrimSpace(string(out))) > 0, nil
}
