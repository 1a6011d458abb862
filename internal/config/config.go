// Package config holds the deployment profile: the fixed install layout,
// remote artifact source, and service settings, with environment overrides.
// The public verbs take no flags, so HEXBACKUP_DEPLOY_* variables are the
// only tuning surface.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hexmostafa/hexbackup-deploy/internal/validate"
)

// Names of the three remote artifacts fetched into the install root.
const (
	PanelScript      = "marzban_panel.py"
	BotScript        = "marzban_bot.py"
	RequirementsFile = "requirements.txt"
)

// HelperBinary is the staged copy of this tool inside the install root,
// referenced by the generated unit's start precondition.
const HelperBinary = "hexbackup-deploy"

// ConfigArtifact is the panel-written configuration file that gates the bot
// service. The deploy tool never creates it.
const ConfigArtifact = "config.json"

// Profile is the resolved deployment profile for one run.
type Profile struct {
	// BaseURL is the remote directory all artifacts are fetched from,
	// including the branch path.
	BaseURL string `validate:"required,url,startswith=https://"`
	// InstallDir is the application root on the host.
	InstallDir string `validate:"required,abspath"`
	// DataDir holds the deploy tool's own state (run journal).
	DataDir string `validate:"required,abspath"`
	// ServiceName is the systemd unit name for the bot, without suffix.
	ServiceName string `validate:"required"`
	// LauncherPath is where the panel launcher shim is installed.
	LauncherPath string `validate:"required,abspath"`
	// GateOnConfig adds the start precondition that blocks the bot until the
	// panel has written its configuration file.
	GateOnConfig bool
	// PollInterval is the precondition's file poll interval.
	PollInterval time.Duration `validate:"required,gt=0"`
	// Checksums optionally pins artifact names to SHA-256 digests.
	Checksums map[string]string `validate:"omitempty,dive,keys,required,endkeys,sha256hex"`

	LogLevel  string `validate:"required,oneof=debug info warn error"`
	LogFormat string `validate:"required,oneof=auto text json"`
}

// Default returns the built-in deployment profile.
func Default() Profile {
	return Profile{
		BaseURL:      "https://raw.githubusercontent.com/hexmostafa/hexbackup/main",
		InstallDir:   "/opt/hexbackup",
		DataDir:      "/var/lib/hexbackup-deploy",
		ServiceName:  "hexbackup-bot",
		LauncherPath: "/usr/local/bin/hexbackup",
		GateOnConfig: true,
		PollInterval: 5 * time.Second,
		LogLevel:     "info",
		LogFormat:    "auto",
	}
}

// FromEnv returns the default profile with environment overrides applied.
func FromEnv() (Profile, error) {
	cfg := Default()

	if v := os.Getenv("HEXBACKUP_DEPLOY_BASE_URL"); v != "" {
		cfg.BaseURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("HEXBACKUP_DEPLOY_INSTALL_DIR"); v != "" {
		cfg.InstallDir = v
	}
	if v := os.Getenv("HEXBACKUP_DEPLOY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HEXBACKUP_DEPLOY_SERVICE"); v != "" {
		cfg.ServiceName = strings.TrimSuffix(v, ".service")
	}
	if v := os.Getenv("HEXBACKUP_DEPLOY_LAUNCHER"); v != "" {
		cfg.LauncherPath = v
	}
	if os.Getenv("HEXBACKUP_DEPLOY_GATE_ON_CONFIG") == "false" {
		cfg.GateOnConfig = false
	}
	if v := os.Getenv("HEXBACKUP_DEPLOY_POLL_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid HEXBACKUP_DEPLOY_POLL_INTERVAL: %w", err)
		}
		cfg.PollInterval = d
	}
	if v := os.Getenv("HEXBACKUP_DEPLOY_CHECKSUMS"); v != "" {
		sums, err := ParseChecksums(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid HEXBACKUP_DEPLOY_CHECKSUMS: %w", err)
		}
		cfg.Checksums = sums
	}
	if v := os.Getenv("HEXBACKUP_DEPLOY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("HEXBACKUP_DEPLOY_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the profile against its field constraints.
func (p Profile) Validate() error {
	return validate.Struct(p)
}

// ParseChecksums parses "name=sha256hex" pairs separated by commas.
func ParseChecksums(s string) (map[string]string, error) {
	sums := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, digest, ok := strings.Cut(pair, "=")
		if !ok || name == "" || digest == "" {
			return nil, fmt.Errorf("malformed pair %q, want name=digest", pair)
		}
		sums[name] = strings.ToLower(digest)
	}
	return sums, nil
}

// UnitName returns the full systemd unit file name.
func (p Profile) UnitName() string {
	return p.ServiceName + ".service"
}

// VenvDir returns the virtual environment root inside the install dir.
func (p Profile) VenvDir() string {
	return filepath.Join(p.InstallDir, "venv")
}

// VenvPython returns the interpreter inside the virtual environment.
func (p Profile) VenvPython() string {
	return filepath.Join(p.VenvDir(), "bin", "python3")
}

// PanelPath returns the installed panel entry point.
func (p Profile) PanelPath() string {
	return filepath.Join(p.InstallDir, PanelScript)
}

// BotPath returns the installed bot entry point.
func (p Profile) BotPath() string {
	return filepath.Join(p.InstallDir, BotScript)
}

// RequirementsPath returns the installed dependency manifest.
func (p Profile) RequirementsPath() string {
	return filepath.Join(p.InstallDir, RequirementsFile)
}

// ConfigPath returns the panel-written configuration file the bot waits for.
func (p Profile) ConfigPath() string {
	return filepath.Join(p.InstallDir, ConfigArtifact)
}

// HelperPath returns the staged deploy binary inside the install root.
func (p Profile) HelperPath() string {
	return filepath.Join(p.InstallDir, HelperBinary)
}
