// Package pkgmgr resolves the host's package manager and installs the system
// dependencies the deployment needs: the Python interpreter, pip, venv
// tooling, a download client, and a compiler toolchain for native wheels.
package pkgmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/hexmostafa/hexbackup-deploy/internal/execx"
)

// ErrNoSupportedManager is returned when none of the supported package
// managers is present on PATH.
var ErrNoSupportedManager = errors.New("no supported package manager found")

// ErrVerifyDependencies is returned when the interpreter or pip cannot be
// resolved after a reportedly successful install.
var ErrVerifyDependencies = errors.New("dependency verification failed")

// Kind enumerates the supported package managers.
type Kind int

const (
	KindApt Kind = iota + 1
	KindDnf
	KindYum
	KindPacman
	KindZypper
)

func (k Kind) String() string {
	switch k {
	case KindApt:
		return "apt"
	case KindDnf:
		return "dnf"
	case KindYum:
		return "yum"
	case KindPacman:
		return "pacman"
	case KindZypper:
		return "zypper"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Manager is the package manager resolved for this host. It is resolved once
// and passed by value through the rest of the pipeline.
type Manager struct {
	Kind Kind
	// Tool is the executable the manager was probed by and is invoked as.
	Tool string
}

// probeOrder is the fixed resolution order. The first tool found on PATH
// wins, so hosts with several managers installed resolve deterministically.
var probeOrder = []Manager{
	{Kind: KindApt, Tool: "apt-get"},
	{Kind: KindDnf, Tool: "dnf"},
	{Kind: KindYum, Tool: "yum"},
	{Kind: KindPacman, Tool: "pacman"},
	{Kind: KindZypper, Tool: "zypper"},
}

// Resolve probes PATH for a supported package manager.
func Resolve(r execx.Runner) (Manager, error) {
	for _, m := range probeOrder {
		if _, err := r.LookPath(m.Tool); err == nil {
			return m, nil
		}
	}
	return Manager{}, ErrNoSupportedManager
}

// commandSet is the per-manager invocation plan for the dependency install.
type commandSet struct {
	// refresh commands run before the install and may fail without aborting
	// the run; package indexes are often stale but still usable.
	refresh [][]string
	install []string
	env     []string
	pkgs    []string
}

func (k Kind) commands() commandSet {
	switch k {
	case KindApt:
		return commandSet{
			refresh: [][]string{{"apt-get", "update"}},
			install: []string{"apt-get", "install", "-y"},
			env:     []string{"DEBIAN_FRONTEND=noninteractive"},
			pkgs:    []string{"python3", "python3-pip", "python3-venv", "curl", "build-essential"},
		}
	case KindDnf:
		return commandSet{
			install: []string{"dnf", "install", "-y"},
			pkgs:    []string{"python3", "python3-pip", "curl", "gcc"},
		}
	case KindYum:
		return commandSet{
			install: []string{"yum", "install", "-y"},
			pkgs:    []string{"python3", "python3-pip", "curl", "gcc"},
		}
	case KindPacman:
		return commandSet{
			install: []string{"pacman", "-Sy", "--noconfirm"},
			pkgs:    []string{"python", "python-pip", "curl", "gcc"},
		}
	case KindZypper:
		return commandSet{
			install: []string{"zypper", "--non-interactive", "install"},
			pkgs:    []string{"python3", "python3-pip", "curl", "gcc"},
		}
	default:
		panic(fmt.Sprintf("unknown package manager kind %d", int(k)))
	}
}

// Packages returns the dependency set installed for this manager.
func (m Manager) Packages() []string {
	return m.Kind.commands().pkgs
}

// InstallDependencies installs the system dependency set through the
// resolved manager, streaming command output to the log, then verifies the
// interpreter and pip are usable.
func InstallDependencies(ctx context.Context, logger *slog.Logger, r execx.Runner, m Manager) error {
	cs := m.Kind.commands()

	stream := func(_ int, line string) {
		logger.Debug("package manager output", "manager", m.Kind.String(), "line", strings.TrimRight(line, "\n"))
	}

	for _, refresh := range cs.refresh {
		res, err := r.RunStreaming(ctx, refresh[0], refresh[1:], nil, "", stream)
		if err != nil || res.ExitCode != 0 {
			// A failed index refresh is not fatal, the install may still
			// succeed from cached metadata.
			logger.Warn("package index refresh failed",
				"manager", m.Kind.String(),
				"command", strings.Join(refresh, " "),
				"error", execx.FormatError(err, res))
		}
	}

	args := append(append([]string{}, cs.install[1:]...), cs.pkgs...)
	var env []string
	if len(cs.env) > 0 {
		env = execx.Environ(cs.env...)
	}

	logger.Info("installing system dependencies",
		"manager", m.Kind.String(),
		"packages", strings.Join(m.Packages(), " "))

	res, err := r.RunStreaming(ctx, cs.install[0], args, env, "", stream)
	if err != nil {
		return fmt.Errorf("install dependencies via %s: %w", m.Kind, err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("install dependencies via %s: exit code %d: %s",
			m.Kind, res.ExitCode, strings.TrimSpace(res.Stderr))
	}

	return Verify(ctx, r)
}

// Verify confirms the interpreter and pip resolve on the host. Package
// manager exit codes alone are not trusted: a partially configured install
// can exit zero and still leave no usable interpreter behind.
func Verify(ctx context.Context, r execx.Runner) error {
	if _, err := r.LookPath("python3"); err != nil {
		return fmt.Errorf("%w: python3 not on PATH", ErrVerifyDependencies)
	}
	if _, err := r.LookPath("pip3"); err != nil {
		// Some distributions ship pip only as an interpreter module.
		if !execx.Check(ctx, r, "python3", "-m", "pip", "--version") {
			return fmt.Errorf("%w: neither pip3 nor python3 -m pip is usable", ErrVerifyDependencies)
		}
	}
	return nil
}

// OSRelease returns the host's PRETTY_NAME from /etc/os-release, or an empty
// string when unavailable. Identification only, resolution never keys off it.
func OSRelease() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return ""
}
