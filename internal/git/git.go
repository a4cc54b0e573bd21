package git

import (
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
)

// Status is the git hygiene of a data directory.
type Status struct {
	IsRepo    bool
	Tracked   []string // tracked by git (bad)
	Unignored []string // present but not in .gitignore (warning)
}

// OK reports whether there is nothing to warn about.
func (s *Status) OK() bool {
	return len(s.Tracked) == 0 && len(s.Unignored) == 0
}

// IsGitRepo checks if dir is inside a git work tree.
func IsGitRepo(dir string) bool {
	cmd := exec.Command("git", "rev-parse", "--is-inside-work-tree")
	cmd.Dir = dir
	return cmd.Run() == nil
}

// IsTracked checks if a file is tracked by git.
func IsTracked(dir, path string) bool {
	cmd := exec.Command("git", "ls-files", "--", path)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return false
	}
	return len(strings.TrimSpace(string(output))) > 0
}

// IsIgnored checks if a file is ignored by git (handles all .gitignore files)
func IsIgnored(dir, path string) bool {
	cmd := exec.Command("git", "check-ignore", "-q", "--", path)
	cmd.Dir = dir
	// exit code 0 means ignored
	return cmd.Run() == nil
}

// Check inspects files, given relative to dataDir. A data directory outside
// any repository yields a Status with IsRepo false.
func Check(dataDir string, files ...string) (*Status, error) {
	status := &Status{}
	if _, err := exec.LookPath("git"); err != nil {
		return status, nil
	}
	if !IsGitRepo(dataDir) {
		return status, nil
	}
	status.IsRepo = true

	for _, f := range files {
		if IsTracked(dataDir, f) {
			status.Tracked = append(status.Tracked, f)
			continue
		}
		if !IsIgnored(dataDir, f) {
			status.Unignored = append(status.Unignored, f)
		}
	}
	return status, nil
}

// Format renders warnings for display, or "" when there are none.
func Format(dataDir string, status *Status) string {
	if !status.IsRepo || status.OK() {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Git: %s is inside a git repository\n", dataDir)
	for _, f := range status.Tracked {
		p := filepath.Join(dataDir, f)
		fmt.Fprintf(&b, "   error: %s is tracked by git (run: git rm --cached %s)\n", p, p)
	}
	for _, f := range status.Unignored {
		fmt.Fprintf(&b, "   warning: %s not in .gitignore\n", filepath.Join(dataDir, f))
	}
	return b.String()
}
