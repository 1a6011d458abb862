// Package lifecycle drives the deployment state machine: install, reinstall
// and uninstall, sequencing the component steps and classifying their
// failures. Fatal errors abort the run where they happen; a later run cleans
// up whatever was left behind.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/hexmostafa/hexbackup-deploy/internal/config"
	"github.com/hexmostafa/hexbackup-deploy/internal/execx"
	"github.com/hexmostafa/hexbackup-deploy/internal/fetch"
	"github.com/hexmostafa/hexbackup-deploy/internal/journal"
	"github.com/hexmostafa/hexbackup-deploy/internal/launcher"
	"github.com/hexmostafa/hexbackup-deploy/internal/pkgmgr"
	"github.com/hexmostafa/hexbackup-deploy/internal/systemd"
	"github.com/hexmostafa/hexbackup-deploy/internal/venv"
)

// Fatal failure conditions. Every run ends either cleanly or with an error
// wrapping one of these (or a plain error for step failures outside the
// classified set).
var (
	ErrPermissionDenied    = errors.New("permission denied: deployment requires root")
	ErrUnsupportedPlatform = errors.New("unsupported platform")
	ErrDependencyInstall   = errors.New("dependency install failed")
	ErrDownload            = errors.New("download failed")
)

// State of the deployment on this host.
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled
	StateUninstalling
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateUninstalling:
		return "uninstalling"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// systemDeps resolves the package manager and installs system dependencies.
type systemDeps interface {
	Resolve() (pkgmgr.Manager, error)
	Install(ctx context.Context, m pkgmgr.Manager) error
}

// artifactFetcher downloads the application artifacts.
type artifactFetcher interface {
	Fetch(ctx context.Context, baseURL string, artifacts []fetch.Artifact, destDir string) error
}

// envProvisioner creates the isolated runtime environment.
type envProvisioner interface {
	Provision(ctx context.Context, installDir, requirementsPath string) error
}

// serviceRegistrar manages the bot's unit registration.
type serviceRegistrar interface {
	Register(ctx context.Context, unitName string, cfg systemd.UnitConfig) error
	Deregister(ctx context.Context, unitName string) error
	UnitPath(unitName string) string
	IsActive(ctx context.Context, unitName string) bool
}

// launcherInstaller manages the panel shim on PATH.
type launcherInstaller interface {
	Install(path, interpreter, entryScript string) error
	Remove(path string) error
}

type realSystemDeps struct {
	runner execx.Runner
	logger *slog.Logger
}

func (d realSystemDeps) Resolve() (pkgmgr.Manager, error) {
	return pkgmgr.Resolve(d.runner)
}

func (d realSystemDeps) Install(ctx context.Context, m pkgmgr.Manager) error {
	return pkgmgr.InstallDependencies(ctx, d.logger, d.runner, m)
}

type realLauncher struct{}

func (realLauncher) Install(path, interpreter, entryScript string) error {
	return launcher.Install(path, interpreter, entryScript)
}

func (realLauncher) Remove(path string) error {
	return launcher.Remove(path)
}

// Controller sequences deployment runs.
type Controller struct {
	cfg    config.Profile
	logger *slog.Logger

	deps    systemDeps
	fetcher artifactFetcher
	envs    envProvisioner
	units   serviceRegistrar
	shims   launcherInstaller

	// jnl may be nil; runs then proceed unrecorded.
	jnl *journal.Journal

	// geteuid and executable are swapped in tests.
	geteuid    func() int
	executable func() (string, error)

	state State
}

// New creates a controller wired to the real host components. jnl may be
// nil when the journal could not be opened.
func New(cfg config.Profile, logger *slog.Logger, runner execx.Runner, jnl *journal.Journal) *Controller {
	return &Controller{
		cfg:        cfg,
		logger:     logger,
		deps:       realSystemDeps{runner: runner, logger: logger},
		fetcher:    fetch.New(logger),
		envs:       venv.New(logger, runner),
		units:      systemd.NewClient(logger, runner),
		shims:      realLauncher{},
		jnl:        jnl,
		geteuid:    os.Geteuid,
		executable: os.Executable,
		state:      StateUninstalled,
	}
}

// State returns the controller's current lifecycle state.
func (c *Controller) State() State {
	return c.state
}

func (c *Controller) setState(s State) {
	c.logger.Info("state transition", "from", c.state.String(), "to", s.String())
	c.state = s
}

// ensureElevated verifies the process runs with root privileges before any
// host mutation.
func (c *Controller) ensureElevated() error {
	if euid := c.geteuid(); euid != 0 {
		return fmt.Errorf("%w (euid %d)", ErrPermissionDenied, euid)
	}
	return nil
}

// priorInstallPresent reports whether any trace of an earlier installation
// exists: the install directory or the launcher.
func (c *Controller) priorInstallPresent() bool {
	if _, err := os.Stat(c.cfg.InstallDir); err == nil {
		return true
	}
	if _, err := os.Stat(c.cfg.LauncherPath); err == nil {
		return true
	}
	return false
}

// Install deploys the application, removing any prior installation first.
func (c *Controller) Install(ctx context.Context) (err error) {
	if err := c.ensureElevated(); err != nil {
		return err
	}

	c.logPreviousRun()
	runID := c.beginRun("install")
	defer func() { c.endRun(runID, err) }()

	if rel := pkgmgr.OSRelease(); rel != "" {
		c.logger.Info("host identified", "os", rel)
	}

	c.setState(StateInstalling)

	if c.priorInstallPresent() {
		c.logger.Info("existing installation detected, removing it first")
		if err = c.removeAll(ctx, runID); err != nil {
			return err
		}
	}

	var manager pkgmgr.Manager
	err = c.step(runID, "resolve package manager", func() error {
		m, rerr := c.deps.Resolve()
		if rerr != nil {
			return fmt.Errorf("%w: %w", ErrUnsupportedPlatform, rerr)
		}
		manager = m
		c.logger.Info("package manager resolved", "manager", m.Kind.String(), "tool", m.Tool)
		return nil
	})
	if err != nil {
		return err
	}

	err = c.step(runID, "install system dependencies", func() error {
		if ierr := c.deps.Install(ctx, manager); ierr != nil {
			return fmt.Errorf("%w: %w", ErrDependencyInstall, ierr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = c.step(runID, "create install directory", func() error {
		return os.MkdirAll(c.cfg.InstallDir, 0755)
	})
	if err != nil {
		return err
	}

	err = c.step(runID, "fetch artifacts", func() error {
		if ferr := c.fetcher.Fetch(ctx, c.cfg.BaseURL, c.artifacts(), c.cfg.InstallDir); ferr != nil {
			return fmt.Errorf("%w: %w", ErrDownload, ferr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if c.cfg.GateOnConfig {
		err = c.step(runID, "stage deploy helper", func() error {
			return c.stageHelper()
		})
		if err != nil {
			return err
		}
	}

	err = c.step(runID, "provision environment", func() error {
		if perr := c.envs.Provision(ctx, c.cfg.InstallDir, c.cfg.RequirementsPath()); perr != nil {
			return fmt.Errorf("%w: %w", ErrDependencyInstall, perr)
		}
		return nil
	})
	if err != nil {
		return err
	}

	err = c.step(runID, "register service", func() error {
		return c.units.Register(ctx, c.cfg.UnitName(), c.unitConfig())
	})
	if err != nil {
		return err
	}

	err = c.step(runID, "install launcher", func() error {
		return c.shims.Install(c.cfg.LauncherPath, c.cfg.VenvPython(), c.cfg.PanelPath())
	})
	if err != nil {
		return err
	}

	c.setState(StateInstalled)
	c.logger.Info("installation complete",
		"install_dir", c.cfg.InstallDir,
		"service", c.cfg.UnitName(),
		"launcher", c.cfg.LauncherPath)
	return nil
}

// Uninstall removes the application. Every removal step checks for its
// target first, so uninstalling a clean host succeeds without side effects.
func (c *Controller) Uninstall(ctx context.Context) (err error) {
	if err := c.ensureElevated(); err != nil {
		return err
	}

	c.logPreviousRun()
	runID := c.beginRun("uninstall")
	defer func() { c.endRun(runID, err) }()

	c.setState(StateUninstalling)

	if err = c.removeAll(ctx, runID); err != nil {
		return err
	}

	c.setState(StateUninstalled)
	c.logger.Info("uninstall complete")
	return nil
}

// removeAll is the shared removal core for uninstalls and the cleanup pass
// before a reinstall: service, then launcher, then install directory.
func (c *Controller) removeAll(ctx context.Context, runID string) error {
	err := c.step(runID, "remove service", func() error {
		unitName := c.cfg.UnitName()
		if _, serr := os.Stat(c.units.UnitPath(unitName)); os.IsNotExist(serr) {
			c.logger.Debug("service not registered", "unit", unitName)
			return nil
		}
		if c.units.IsActive(ctx, unitName) {
			c.logger.Info("stopping running service", "unit", unitName)
		}
		return c.units.Deregister(ctx, unitName)
	})
	if err != nil {
		return err
	}

	err = c.step(runID, "remove launcher", func() error {
		if _, serr := os.Stat(c.cfg.LauncherPath); os.IsNotExist(serr) {
			c.logger.Debug("launcher not present", "path", c.cfg.LauncherPath)
			return nil
		}
		return c.shims.Remove(c.cfg.LauncherPath)
	})
	if err != nil {
		return err
	}

	return c.step(runID, "remove install directory", func() error {
		if _, serr := os.Stat(c.cfg.InstallDir); os.IsNotExist(serr) {
			c.logger.Debug("install directory not present", "dir", c.cfg.InstallDir)
			return nil
		}
		if isProtectedPath(c.cfg.InstallDir) {
			return fmt.Errorf("refusing to delete protected system path: %s", c.cfg.InstallDir)
		}
		return os.RemoveAll(c.cfg.InstallDir)
	})
}

// stageHelper copies the running binary into the install root so the unit's
// start precondition references a path that is removed with the install.
func (c *Controller) stageHelper() error {
	src, err := c.executable()
	if err != nil {
		return fmt.Errorf("locate own executable: %w", err)
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read own executable: %w", err)
	}
	if err := renameio.WriteFile(c.cfg.HelperPath(), data, 0o755); err != nil {
		return fmt.Errorf("stage helper: %w", err)
	}
	return nil
}

// artifacts returns the fixed deployment set with any configured digest pins.
func (c *Controller) artifacts() []fetch.Artifact {
	return []fetch.Artifact{
		{Name: config.PanelScript, Executable: true, SHA256: c.cfg.Checksums[config.PanelScript]},
		{Name: config.BotScript, Executable: true, SHA256: c.cfg.Checksums[config.BotScript]},
		{Name: config.RequirementsFile, SHA256: c.cfg.Checksums[config.RequirementsFile]},
	}
}

// unitConfig builds the service definition for the bot.
func (c *Controller) unitConfig() systemd.UnitConfig {
	uc := systemd.UnitConfig{
		Description: "HexBackup Telegram bot",
		WorkDir:     c.cfg.InstallDir,
		ExecStart:   systemd.CommandLine(c.cfg.VenvPython(), c.cfg.BotPath()),
	}
	if c.cfg.GateOnConfig {
		uc.ExecStartPre = systemd.CommandLine(
			c.cfg.HelperPath(), "await-config",
			"-file", c.cfg.ConfigPath(),
			"-interval", c.cfg.PollInterval.String())
	}
	return uc
}

// step runs one pipeline step, logging and journaling its outcome.
func (c *Controller) step(runID, name string, fn func() error) error {
	c.logger.Info("step", "name", name)
	started := time.Now().UTC()
	err := fn()
	finished := time.Now().UTC()

	status, detail := journal.StatusOK, ""
	if err != nil {
		status, detail = journal.StatusFailed, err.Error()
		c.logger.Error("step failed", "name", name, "error", err)
	}
	if c.jnl != nil && runID != "" {
		if jerr := c.jnl.RecordStep(runID, name, status, detail, started, finished); jerr != nil {
			c.logger.Warn("journal step record failed", "error", jerr)
		}
	}
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (c *Controller) logPreviousRun() {
	if c.jnl == nil {
		return
	}
	run, err := c.jnl.LastRun()
	if err != nil {
		c.logger.Debug("journal read failed", "error", err)
		return
	}
	if run == nil {
		return
	}
	attrs := []any{"verb", run.Verb, "status", run.Status, "started_at", run.StartedAt}
	if run.Error != "" {
		attrs = append(attrs, "error", run.Error)
	}
	c.logger.Info("previous run", attrs...)
}

func (c *Controller) beginRun(verb string) string {
	if c.jnl == nil {
		return ""
	}
	run, err := c.jnl.BeginRun(verb)
	if err != nil {
		c.logger.Warn("journal run record failed", "error", err)
		return ""
	}
	return run.ID
}

func (c *Controller) endRun(runID string, err error) {
	if c.jnl == nil || runID == "" {
		return
	}
	status, msg := journal.StatusOK, ""
	if err != nil {
		status, msg = journal.StatusFailed, err.Error()
	}
	if jerr := c.jnl.EndRun(runID, status, msg); jerr != nil {
		c.logger.Warn("journal run record failed", "error", jerr)
	}
}

// protectedPaths are never removed, checked after path cleaning. The install
// directory lives one level below one of these.
var protectedPaths = []string{
	"/", "/bin", "/boot", "/dev", "/etc", "/home", "/lib", "/lib64",
	"/media", "/mnt", "/opt", "/proc", "/root", "/run", "/sbin", "/srv",
	"/sys", "/tmp", "/usr", "/usr/local", "/usr/local/bin", "/var",
	"/var/lib",
}

// isProtectedPath reports whether a path must not be deleted.
func isProtectedPath(path string) bool {
	clean := filepath.Clean(path)
	for _, protected := range protectedPaths {
		if clean == protected {
			return true
		}
	}
	// Top-level directories outside the list are protected too.
	parts := strings.Split(strings.TrimPrefix(clean, "/"), "/")
	return len(parts) == 1
}
