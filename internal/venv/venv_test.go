package venv

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hexmostafa/hexbackup-deploy/internal/execx"
)

type fakeRunner struct {
	hasPython bool
	calls     []string
	dirs      []string
	exits     map[string]int
	// onRun simulates filesystem side effects of a command.
	onRun func(joined string)
}

func (f *fakeRunner) result(name string, args []string, dir string) (*execx.Result, error) {
	joined := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, joined)
	f.dirs = append(f.dirs, dir)
	if f.onRun != nil {
		f.onRun(joined)
	}
	return &execx.Result{ExitCode: f.exits[joined]}, nil
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) (*execx.Result, error) {
	return f.result(name, args, "")
}

func (f *fakeRunner) RunInDir(ctx context.Context, dir, name string, args ...string) (*execx.Result, error) {
	return f.result(name, args, dir)
}

func (f *fakeRunner) RunWithEnv(ctx context.Context, env []string, name string, args ...string) (*execx.Result, error) {
	return f.result(name, args, "")
}

func (f *fakeRunner) RunStreaming(ctx context.Context, name string, args, env []string, dir string, fn execx.LineFunc) (*execx.Result, error) {
	return f.result(name, args, dir)
}

func (f *fakeRunner) LookPath(name string) (string, error) {
	if name == "python3" && f.hasPython {
		return "/usr/bin/python3", nil
	}
	return "", errors.New("executable file not found in $PATH")
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// creatingRunner returns a fake whose venv command creates the interpreter,
// mirroring what python3 -m venv does.
func creatingRunner(t *testing.T, installDir string) *fakeRunner {
	t.Helper()
	f := &fakeRunner{hasPython: true, exits: map[string]int{}}
	f.onRun = func(joined string) {
		if strings.Contains(joined, "-m venv") {
			binDir := filepath.Join(installDir, "venv", "bin")
			require.NoError(t, os.MkdirAll(binDir, 0755))
			require.NoError(t, os.WriteFile(filepath.Join(binDir, "python3"), []byte("#!stub\n"), 0755))
		}
	}
	return f
}

func TestProvisionRunsVenvThenPip(t *testing.T) {
	installDir := t.TempDir()
	f := creatingRunner(t, installDir)

	err := New(testLogger(), f).Provision(context.Background(), installDir, filepath.Join(installDir, "requirements.txt"))
	require.NoError(t, err)

	venvPython := filepath.Join(installDir, "venv", "bin", "python3")
	require.Len(t, f.calls, 4)
	assert.Equal(t, "/usr/bin/python3 -m venv --clear "+filepath.Join(installDir, "venv"), f.calls[0])
	assert.Equal(t, venvPython+" --version", f.calls[1])
	assert.Equal(t, venvPython+" -m pip install --upgrade pip wheel", f.calls[2])
	assert.Equal(t, venvPython+" -m pip install -r "+filepath.Join(installDir, "requirements.txt"), f.calls[3])

	// pip runs inside the install dir, with the venv interpreter, never the host one.
	assert.Equal(t, installDir, f.dirs[2])
	assert.Equal(t, installDir, f.dirs[3])
}

func TestProvisionFailsWhenVenvInterpreterMissing(t *testing.T) {
	// The venv command reports success but creates nothing.
	f := &fakeRunner{hasPython: true, exits: map[string]int{}}

	err := New(testLogger(), f).Provision(context.Background(), t.TempDir(), "requirements.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "venv interpreter missing")
}

func TestProvisionFailsWithoutHostInterpreter(t *testing.T) {
	f := &fakeRunner{exits: map[string]int{}}

	err := New(testLogger(), f).Provision(context.Background(), t.TempDir(), "requirements.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host interpreter")
}

func TestProvisionSurvivesPipUpgradeFailure(t *testing.T) {
	installDir := t.TempDir()
	f := creatingRunner(t, installDir)
	venvPython := filepath.Join(installDir, "venv", "bin", "python3")
	f.exits[venvPython+" -m pip install --upgrade pip wheel"] = 1

	err := New(testLogger(), f).Provision(context.Background(), installDir, "reqs.txt")
	require.NoError(t, err)
	assert.Contains(t, f.calls[3], "-m pip install -r")
}

func TestProvisionReportsRequirementsFailure(t *testing.T) {
	installDir := t.TempDir()
	f := creatingRunner(t, installDir)
	venvPython := filepath.Join(installDir, "venv", "bin", "python3")
	f.exits[venvPython+" -m pip install -r reqs.txt"] = 1

	err := New(testLogger(), f).Provision(context.Background(), installDir, "reqs.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install requirements")
}
