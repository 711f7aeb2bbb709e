package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/autostack/autostack/internal/domain"
)

// commandWaitDelay bounds how long a cancelled command may linger before it
// is killed outright.
const commandWaitDelay = 5 * time.Second

// preflight verifies the named executables exist on PATH.
func preflight(names ...string) error {
	for _, name := range names {
		if _, err := exec.LookPath(name); err != nil {
			return fmt.Errorf("required tool %q not found on PATH", name)
		}
	}
	return nil
}

// execStream runs a command in dir, streaming combined output line by line
// into the deployment's log. The deployment's env vars are layered over the
// process environment. Each command gets the build timeout on its own, so
// the docker image build budget stays independent of it.
func (s *Service) execStream(ctx context.Context, dep *domain.Deployment, dir string, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("empty command")
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.BuildTimeout)
	defer cancel()
	s.appendLog(ctx, dep.ID, "info", "$ "+strings.Join(args, " "))

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	cmd.WaitDelay = commandWaitDelay

	env := os.Environ()
	if extra, err := decodeEnvVars(dep.EnvVars); err == nil {
		env = append(env, extra...)
	} else {
		s.logger.Warn("invalid env vars ignored", "deployment_id", dep.ID, "error", err)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("pipe stdout: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", args[0], err)
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		s.appendLog(ctx, dep.ID, "info", line)
	}

	if err := cmd.Wait(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("build timed out after %s: %w", s.cfg.BuildTimeout, ctx.Err())
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%s failed: %w", args[0], err)
	}
	return scanner.Err()
}
