// Package classify inspects a checked out repository and decides how it will
// be built and served.
package classify

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/autostack/autostack/internal/domain"
)

// Detect inspects dir and returns the build strategy. A Dockerfile wins over
// everything, a package.json marks a Node.js build, and anything else is
// served as static files. The checks are pure filesystem reads, so the same
// tree always classifies the same way.
func Detect(dir string) (domain.Strategy, error) {
	dockerfile := filepath.Join(dir, "Dockerfile")
	if _, err := os.Stat(dockerfile); err == nil {
		lambda, err := dockerfileTargetsLambda(dockerfile)
		if err != nil {
			return domain.Strategy{}, fmt.Errorf("inspect Dockerfile: %w", err)
		}
		return domain.Strategy{Kind: domain.StrategyDocker, Lambda: lambda}, nil
	} else if !os.IsNotExist(err) {
		return domain.Strategy{}, fmt.Errorf("stat Dockerfile: %w", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "package.json")); err == nil {
		return domain.Strategy{Kind: domain.StrategyNodeJS}, nil
	} else if !os.IsNotExist(err) {
		return domain.Strategy{}, fmt.Errorf("stat package.json: %w", err)
	}

	return domain.Strategy{Kind: domain.StrategyStatic}, nil
}

// lambdaBasePrefixes match official and community Lambda base image names.
var lambdaBasePrefixes = []string{
	"public.ecr.aws/lambda/",
	"amazon/aws-lambda-",
}

// dockerfileTargetsLambda reports whether any FROM line pulls a Lambda
// runtime base image. Lambda images expect Runtime API invocations on port
// 8080 instead of plain HTTP on port 80, so the two cannot be probed the
// same way.
func dockerfileTargetsLambda(path string) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return false, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(strings.ToUpper(line), "FROM ") {
			continue
		}
		ref := strings.ToLower(strings.TrimSpace(line[len("FROM "):]))
		// Strip flags like --platform and the build stage alias.
		fields := strings.Fields(ref)
		image := ""
		for _, f := range fields {
			if strings.HasPrefix(f, "--") {
				continue
			}
			image = f
			break
		}
		if image == "" {
			continue
		}
		for _, prefix := range lambdaBasePrefixes {
			if strings.HasPrefix(image, prefix) {
				return true, nil
			}
		}
		if strings.Contains(image, "aws-lambda") {
			return true, nil
		}
	}
	return false, nil
}

// NodeProject describes how a Node.js repository should be installed and
// built.
type NodeProject struct {
	PackageManager string
	InstallCommand []string
	HasBuildScript bool
}

// InspectNode picks the package manager from the lockfile present and checks
// whether package.json declares a build script.
func InspectNode(dir string) (NodeProject, error) {
	project := NodeProject{PackageManager: "npm", InstallCommand: []string{"npm", "install"}}

	switch {
	case exists(filepath.Join(dir, "pnpm-lock.yaml")):
		project.PackageManager = "pnpm"
		project.InstallCommand = []string{"pnpm", "install", "--frozen-lockfile"}
	case exists(filepath.Join(dir, "yarn.lock")):
		project.PackageManager = "yarn"
		project.InstallCommand = []string{"yarn", "install", "--frozen-lockfile"}
	case exists(filepath.Join(dir, "package-lock.json")):
		project.InstallCommand = []string{"npm", "ci"}
	}

	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return project, fmt.Errorf("read package.json: %w", err)
	}
	var manifest struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		return project, fmt.Errorf("parse package.json: %w", err)
	}
	_, project.HasBuildScript = manifest.Scripts["build"]
	return project, nil
}

// BuildCommand returns the build invocation for the project's package
// manager.
func (p NodeProject) BuildCommand() []string {
	switch p.PackageManager {
	case "pnpm":
		return []string{"pnpm", "run", "build"}
	case "yarn":
		return []string{"yarn", "build"}
	default:
		return []string{"npm", "run", "build"}
	}
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
