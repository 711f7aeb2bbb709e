// Package git shells out to the git binary for clone, checkout and commit
// metadata. All operations honour the caller's context deadline.
package git

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// CommitInfo describes the HEAD commit of a checked out repository.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	Timestamp time.Time
}

// Clone clones the repository into the provided destination directory.
// The clone is shallow when branch selection is not required.
func Clone(ctx context.Context, repoURL, dest string) error {
	if repoURL == "" {
		return fmt.Errorf("repository URL cannot be empty")
	}
	if dest == "" {
		return fmt.Errorf("destination cannot be empty")
	}
	_, err := run(ctx, dest, "clone", "--depth", "1", repoURL, ".")
	if err != nil {
		return fmt.Errorf("git clone failed: %w", err)
	}
	return nil
}

// Checkout switches the working tree to the given branch, fetching it first
// since shallow clones only carry the default branch.
func Checkout(ctx context.Context, dir, branch string) error {
	if branch == "" {
		return nil
	}
	current, err := run(ctx, dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err == nil && strings.TrimSpace(current) == branch {
		return nil
	}
	// Shallow clones carry a single-branch refspec, so fetch the branch into
	// a remote-tracking ref explicitly for checkout to find it.
	refspec := fmt.Sprintf("%s:refs/remotes/origin/%s", branch, branch)
	if _, err := run(ctx, dir, "fetch", "--depth", "1", "origin", refspec); err != nil {
		return fmt.Errorf("git fetch %q failed: %w", branch, err)
	}
	if _, err := run(ctx, dir, "checkout", branch); err != nil {
		return fmt.Errorf("git checkout %q failed: %w", branch, err)
	}
	return nil
}

// Head returns metadata about the current HEAD commit.
func Head(ctx context.Context, dir string) (CommitInfo, error) {
	hash, err := run(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("git rev-parse failed: %w", err)
	}

	info := CommitInfo{Hash: strings.TrimSpace(hash)}

	if message, err := run(ctx, dir, "log", "-1", "--pretty=%B"); err == nil {
		info.Message = strings.TrimSpace(message)
	}
	if author, err := run(ctx, dir, "log", "-1", "--pretty=%an"); err == nil {
		info.Author = strings.TrimSpace(author)
	}
	if unix, err := run(ctx, dir, "log", "-1", "--pretty=%at"); err == nil {
		if seconds, convErr := strconv.ParseInt(strings.TrimSpace(unix), 10, 64); convErr == nil {
			info.Timestamp = time.Unix(seconds, 0).UTC()
		}
	}
	return info, nil
}

func run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
