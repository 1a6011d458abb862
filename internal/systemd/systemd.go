// Package systemd registers the bot service with the host service manager:
// it renders the unit definition, installs it atomically, reloads the
// manager's definition cache, and enables the unit. Starting is always left
// to the service manager's own triggers or an operator.
package systemd

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/google/renameio/v2"

	"github.com/hexmostafa/hexbackup-deploy/internal/execx"
)

//go:embed unit.tmpl
var unitTmpl string

// DefaultUnitDir is where generated unit files are installed.
const DefaultUnitDir = "/etc/systemd/system"

// DefaultRestartSec is the fixed supervision backoff for the bot service.
const DefaultRestartSec = 10

// UnitConfig holds the template data for a generated service definition.
type UnitConfig struct {
	Description string
	WorkDir     string
	ExecStart   string
	// ExecStartPre, when set, gates the start until the command exits zero.
	// The rendered unit then also gets TimeoutStartSec=infinity so the gate
	// may block indefinitely without tripping the start timeout.
	ExecStartPre string
	RestartSec   int
}

// Render produces the unit file text for a config.
func Render(cfg UnitConfig) (string, error) {
	if cfg.ExecStart == "" {
		return "", fmt.Errorf("command not specified")
	}
	if cfg.RestartSec == 0 {
		cfg.RestartSec = DefaultRestartSec
	}

	tmpl, err := template.New("unit").Parse(unitTmpl)
	if err != nil {
		return "", fmt.Errorf("parse unit template: %w", err)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, cfg); err != nil {
		return "", fmt.Errorf("render unit template: %w", err)
	}
	return b.String(), nil
}

// CommandLine joins command parts into a unit directive value, quoting parts
// that contain whitespace or shell-special characters.
func CommandLine(parts ...string) string {
	var out []string
	for _, p := range parts {
		if strings.ContainsAny(p, " \t\n\"'\\$") {
			p = fmt.Sprintf("%q", p)
		}
		out = append(out, p)
	}
	return strings.Join(out, " ")
}

// Client manages unit files and talks to systemctl through the runner.
type Client struct {
	// UnitDir is the directory where unit files are written.
	UnitDir string

	runner execx.Runner
	logger *slog.Logger
}

// NewClient creates a client writing to the default unit directory.
func NewClient(logger *slog.Logger, runner execx.Runner) *Client {
	return &Client{
		UnitDir: DefaultUnitDir,
		runner:  runner,
		logger:  logger,
	}
}

// UnitPath returns the on-disk path of a named unit.
func (c *Client) UnitPath(unitName string) string {
	return filepath.Join(c.UnitDir, unitName)
}

// Register renders and installs the unit, reloads the definition cache, and
// enables the unit. It does not start the service.
func (c *Client) Register(ctx context.Context, unitName string, cfg UnitConfig) error {
	content, err := Render(cfg)
	if err != nil {
		return fmt.Errorf("generating unit file: %w", err)
	}

	path := c.UnitPath(unitName)
	c.logger.Info("writing service unit", "path", path)
	if err := renameio.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	if err := c.daemonReload(ctx); err != nil {
		return err
	}

	res, err := c.runner.Run(ctx, "systemctl", "enable", unitName)
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("enable failed: %s", execx.FormatError(err, res))
	}

	c.logger.Info("service registered", "unit", unitName, "enabled", c.IsEnabled(ctx, unitName))
	return nil
}

// Deregister stops, disables, and removes the unit, then reloads the
// definition cache. When the unit file is absent the whole call is a no-op:
// no systemctl commands are issued.
func (c *Client) Deregister(ctx context.Context, unitName string) error {
	path := c.UnitPath(unitName)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		c.logger.Debug("service unit not present, skipping", "unit", unitName)
		return nil
	}

	// Stop and disable are best effort: the unit may be inactive or never
	// have been enabled.
	if res, err := c.runner.Run(ctx, "systemctl", "stop", unitName); err != nil || res.ExitCode != 0 {
		c.logger.Debug("stop reported failure", "unit", unitName, "error", execx.FormatError(err, res))
	}
	if res, err := c.runner.Run(ctx, "systemctl", "disable", unitName); err != nil || res.ExitCode != 0 {
		c.logger.Debug("disable reported failure", "unit", unitName, "error", execx.FormatError(err, res))
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing unit file: %w", err)
	}

	return c.daemonReload(ctx)
}

func (c *Client) daemonReload(ctx context.Context) error {
	res, err := c.runner.Run(ctx, "systemctl", "daemon-reload")
	if err != nil || res.ExitCode != 0 {
		return fmt.Errorf("daemon-reload failed: %s", execx.FormatError(err, res))
	}
	return nil
}

// IsActive reports whether the unit is currently running.
func (c *Client) IsActive(ctx context.Context, unitName string) bool {
	out, _, _ := execx.QueryOutput(ctx, c.runner, "systemctl", "is-active", unitName)
	return strings.TrimSpace(out) == "active"
}

// IsEnabled reports whether the unit is enabled or in a state where enabling
// is not needed (static, indirect, generated units).
func (c *Client) IsEnabled(ctx context.Context, unitName string) bool {
	out, _, _ := execx.QueryOutput(ctx, c.runner, "systemctl", "is-enabled", unitName)
	switch strings.TrimSpace(out) {
	case "enabled", "enabled-runtime":
		return true
	case "static", "indirect", "generated":
		return true
	default:
		return false
	}
}
