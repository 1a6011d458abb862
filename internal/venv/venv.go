// Package venv provisions the application's isolated Python environment
// inside the install root and installs its declared dependencies.
package venv

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hexmostafa/hexbackup-deploy/internal/execx"
)

// Provisioner creates virtual environments with the host interpreter.
type Provisioner struct {
	runner execx.Runner
	logger *slog.Logger
}

// New creates a provisioner.
func New(logger *slog.Logger, runner execx.Runner) *Provisioner {
	return &Provisioner{runner: runner, logger: logger}
}

// Provision creates the venv under installDir and installs the requirements
// manifest with the venv's own pip. The host pip is never used for
// application dependencies, only the host interpreter bootstraps the venv.
func (p *Provisioner) Provision(ctx context.Context, installDir, requirementsPath string) error {
	hostPython, err := p.runner.LookPath("python3")
	if err != nil {
		return fmt.Errorf("host interpreter: %w", err)
	}

	venvDir := filepath.Join(installDir, "venv")
	p.logger.Info("creating virtual environment", "dir", venvDir)

	res, err := p.runner.Run(ctx, hostPython, "-m", "venv", "--clear", venvDir)
	if err != nil {
		return fmt.Errorf("create venv: %s", execx.FormatError(err, res))
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("create venv: exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	venvPython := filepath.Join(venvDir, "bin", "python3")
	if _, err := os.Stat(venvPython); err != nil {
		return fmt.Errorf("venv interpreter missing after creation: %w", err)
	}
	if ver, err := execx.Query(ctx, p.runner, venvPython, "--version"); err == nil {
		p.logger.Info("virtual environment ready", "python", ver)
	}

	stream := func(_ int, line string) {
		p.logger.Debug("pip output", "line", strings.TrimRight(line, "\n"))
	}

	// Stale bundled pip versions regularly fail on current wheels. An upgrade
	// failure is survivable as long as the requirements install succeeds.
	res, err = p.runner.RunStreaming(ctx, venvPython, []string{"-m", "pip", "install", "--upgrade", "pip", "wheel"}, nil, installDir, stream)
	if err != nil || res.ExitCode != 0 {
		p.logger.Warn("pip self-upgrade failed", "error", execx.FormatError(err, res))
	}

	p.logger.Info("installing application dependencies", "manifest", requirementsPath)
	res, err = p.runner.RunStreaming(ctx, venvPython, []string{"-m", "pip", "install", "-r", requirementsPath}, nil, installDir, stream)
	if err != nil {
		return fmt.Errorf("install requirements: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install requirements: exit code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	return nil
}
