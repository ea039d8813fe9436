package sandbox

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// localURLPrefixes are flake URL schemes that point at a directory on this machine.
var localURLPrefixes = []string{"git+file://", "git+file:", "file://", "path:"}

// LocalRepoRoot returns the root of the local checkout a flake URL refers to, or "" when
// the flake is not local. A directory that is not inside a git repository is its own root.
func LocalRepoRoot(ctx context.Context, flakeURL string) string {
	dir := localFlakeDir(flakeURL)
	if dir == "" {
		return ""
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return ""
	}

	cmd := exec.CommandContext(ctx, "git", "rev-parse", "--show-toplevel")
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return dir
	}
	return strings.TrimSpace(string(output))
}

// localFlakeDir extracts the absolute directory from a local flake URL.
func localFlakeDir(flakeURL string) string {
	u := flakeURL
	for _, prefix := range localURLPrefixes {
		if strings.HasPrefix(u, prefix) {
			u = strings.TrimPrefix(u, prefix)
			break
		}
	}
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if !filepath.IsAbs(u) {
		return ""
	}
	return filepath.Clean(u)
}
