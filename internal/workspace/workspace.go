// Package workspace owns the on-disk layout of the engine: scratch build
// directories for clones and published artifact directories served over HTTP.
package workspace

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Manager owns deployment-specific working directories under a common root.
type Manager struct {
	root string
}

// New ensures the workspace root exists and is accessible.
func New(root string) (*Manager, error) {
	if root == "" {
		return nil, fmt.Errorf("workspace root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Manager{root: abs}, nil
}

// Root returns the absolute workspace root.
func (m *Manager) Root() string {
	return m.root
}

// Prepare creates an isolated directory for the provided identifier,
// removing any leftovers from a previous attempt.
func (m *Manager) Prepare(identifier string) (string, error) {
	if identifier == "" {
		return "", fmt.Errorf("workspace identifier cannot be empty")
	}
	dir := filepath.Join(m.root, identifier)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("cleanup workspace: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace: %w", err)
	}
	return dir, nil
}

// Cleanup removes the workspace directory.
func (m *Manager) Cleanup(path string) error {
	if path == "" {
		return nil
	}
	// Ensure we only remove directories within the configured root.
	rel, err := filepath.Rel(m.root, path)
	if err != nil || rel == "." || rel == "" || strings.HasPrefix(rel, "..") {
		return fmt.Errorf("refusing to cleanup path outside workspace root")
	}
	return os.RemoveAll(path)
}

// CleanupByID removes the workspace associated with the provided identifier.
func (m *Manager) CleanupByID(identifier string) error {
	if identifier == "" {
		return fmt.Errorf("workspace identifier cannot be empty")
	}
	return m.Cleanup(filepath.Join(m.root, identifier))
}

// outputDirCandidates are checked in order when locating build output.
var outputDirCandidates = []string{"dist", "build", "out", "public", "site"}

// FindOutputDir locates the directory holding static build output inside a
// checked out repository. Repositories without a package.json may serve their
// root directly.
func FindOutputDir(repoDir string) (string, error) {
	for _, candidate := range outputDirCandidates {
		dir := filepath.Join(repoDir, candidate)
		if info, err := os.Stat(dir); err == nil && info.IsDir() {
			return dir, nil
		}
	}
	if _, err := os.Stat(filepath.Join(repoDir, "package.json")); os.IsNotExist(err) {
		return repoDir, nil
	}
	return "", fmt.Errorf("no build output directory found (looked for %s)", strings.Join(outputDirCandidates, ", "))
}

// Publisher publishes build artifacts into per-deployment directories that a
// static file server exposes. Publication is atomic: artifacts are staged in
// a temporary sibling directory and renamed into place, so readers never see
// a half-copied deployment.
type Publisher struct {
	root string
}

// NewPublisher ensures the artifact root exists.
func NewPublisher(root string) (*Publisher, error) {
	if root == "" {
		return nil, fmt.Errorf("artifact root cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	return &Publisher{root: abs}, nil
}

// Root returns the absolute artifact root.
func (p *Publisher) Root() string {
	return p.root
}

// Dir returns the published directory for a deployment.
func (p *Publisher) Dir(deploymentID string) string {
	return filepath.Join(p.root, deploymentID)
}

// Publish copies sourceDir into the deployment's artifact directory. The
// source must contain an index.html at its top level.
func (p *Publisher) Publish(deploymentID, sourceDir string) (string, error) {
	if deploymentID == "" {
		return "", fmt.Errorf("deployment id cannot be empty")
	}
	if _, err := os.Stat(filepath.Join(sourceDir, "index.html")); err != nil {
		return "", fmt.Errorf("build output has no index.html: %w", err)
	}

	staging, err := os.MkdirTemp(p.root, "."+deploymentID+"-*")
	if err != nil {
		return "", fmt.Errorf("create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := copyTree(sourceDir, staging); err != nil {
		return "", fmt.Errorf("copy artifacts: %w", err)
	}

	final := p.Dir(deploymentID)
	if err := os.RemoveAll(final); err != nil {
		return "", fmt.Errorf("remove previous artifacts: %w", err)
	}
	if err := os.Rename(staging, final); err != nil {
		return "", fmt.Errorf("publish artifacts: %w", err)
	}
	return final, nil
}

// Remove deletes a deployment's published artifacts.
func (p *Publisher) Remove(deploymentID string) error {
	if deploymentID == "" {
		return fmt.Errorf("deployment id cannot be empty")
	}
	return os.RemoveAll(p.Dir(deploymentID))
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		// Skip VCS metadata and nested dependency trees.
		if entry.IsDir() {
			switch entry.Name() {
			case ".git", "node_modules":
				if rel != "." {
					return filepath.SkipDir
				}
			}
			if rel == "." {
				return nil
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		if !entry.Type().IsRegular() {
			return nil
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
