// Package execx runs external commands for the deploy pipeline. Every host
// mutation goes through the Runner interface so tests can substitute a
// recording fake for the real system runner.
package execx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"

	gocmd "github.com/go-cmd/cmd"
)

// maxOutputBytes is the maximum number of bytes captured per command output stream.
const maxOutputBytes = 1 << 20 // 1 MiB

// Stream identifiers passed to LineFunc.
const (
	StreamStdout = 1
	StreamStderr = 2
)

// LineFunc is called for each line of output during streaming execution.
type LineFunc func(stream int, line string)

// Result holds the captured outcome of a finished command.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Runner executes commands on the host. Implementations must capture both
// output streams and report the process exit code even when returning an
// error for a non-zero exit.
type Runner interface {
	// Run executes a command and captures its output.
	Run(ctx context.Context, name string, args ...string) (*Result, error)
	// RunInDir executes a command with the given working directory.
	RunInDir(ctx context.Context, dir, name string, args ...string) (*Result, error)
	// RunWithEnv executes a command with the given environment. The slice
	// replaces the inherited environment entirely; callers that want to
	// extend it should append to os.Environ.
	RunWithEnv(ctx context.Context, env []string, name string, args ...string) (*Result, error)
	// RunStreaming executes a command and delivers output line by line as it
	// is produced, in addition to capturing it in the Result.
	RunStreaming(ctx context.Context, name string, args, env []string, dir string, fn LineFunc) (*Result, error)
	// LookPath reports the absolute path of an executable on PATH.
	LookPath(name string) (string, error)
}

// System is the Runner backed by the real host.
type System struct{}

var _ Runner = System{}

// limitWriter wraps a bytes.Buffer and stops writing after limit bytes.
// It silently discards excess data to avoid failing the underlying command.
type limitWriter struct {
	buf   *bytes.Buffer
	limit int
	n     int
}

func (lw *limitWriter) Write(p []byte) (int, error) {
	remaining := lw.limit - lw.n
	if remaining <= 0 {
		lw.n += len(p)
		return len(p), nil // discard silently
	}
	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}
	_, err := lw.buf.Write(toWrite)
	lw.n += len(p)
	return len(p), err // report full write to avoid cmd failure
}

func (lw *limitWriter) truncated() bool { return lw.n > lw.limit }

func runCapture(c *exec.Cmd) (*Result, error) {
	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitWriter{buf: &stdoutBuf, limit: maxOutputBytes}
	stderr := &limitWriter{buf: &stderrBuf, limit: maxOutputBytes}
	c.Stdout = stdout
	c.Stderr = stderr

	err := c.Run()

	stdoutStr := stdoutBuf.String()
	stderrStr := stderrBuf.String()
	if stdout.truncated() {
		stdoutStr += "\n[output truncated]"
	}
	if stderr.truncated() {
		stderrStr += "\n[output truncated]"
	}

	res := &Result{Stdout: stdoutStr, Stderr: stderrStr}
	if c.ProcessState != nil {
		res.ExitCode = c.ProcessState.ExitCode()
	}
	return res, err
}

func (System) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	return runCapture(exec.CommandContext(ctx, name, args...))
}

func (System) RunInDir(ctx context.Context, dir, name string, args ...string) (*Result, error) {
	c := exec.CommandContext(ctx, name, args...)
	c.Dir = dir
	return runCapture(c)
}

func (System) RunWithEnv(ctx context.Context, env []string, name string, args ...string) (*Result, error) {
	c := exec.CommandContext(ctx, name, args...)
	c.Env = env
	return runCapture(c)
}

// RunStreaming executes a command with real-time output streaming using
// go-cmd/cmd. fn is called for each line as it is produced.
func (System) RunStreaming(ctx context.Context, name string, args, env []string, dir string, fn LineFunc) (*Result, error) {
	c := gocmd.NewCmdOptions(gocmd.Options{
		Buffered:  false,
		Streaming: true,
	}, name, args...)

	if dir != "" {
		c.Dir = dir
	}
	if len(env) > 0 {
		c.Env = env
	}

	statusChan := c.Start()

	var stdoutBuf, stderrBuf strings.Builder
	var stdoutBytes, stderrBytes int64

	captureLine := func(stream int, line string, buf *strings.Builder, total *int64) {
		if atomic.AddInt64(total, int64(len(line)+1)) <= int64(maxOutputBytes) {
			buf.WriteString(line + "\n")
		}
		if fn != nil {
			fn(stream, line+"\n")
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case line, ok := <-c.Stdout:
				if !ok {
					// Channel closed, drain stderr and exit.
					for line := range c.Stderr {
						captureLine(StreamStderr, line, &stderrBuf, &stderrBytes)
					}
					return
				}
				captureLine(StreamStdout, line, &stdoutBuf, &stdoutBytes)
			case line, ok := <-c.Stderr:
				if !ok {
					// Channel closed, drain stdout and exit.
					for line := range c.Stdout {
						captureLine(StreamStdout, line, &stdoutBuf, &stdoutBytes)
					}
					return
				}
				captureLine(StreamStderr, line, &stderrBuf, &stderrBytes)
			case <-ctx.Done():
				c.Stop()
				return
			}
		}
	}()

	status := <-statusChan
	<-done

	stdoutStr := stdoutBuf.String()
	stderrStr := stderrBuf.String()
	if atomic.LoadInt64(&stdoutBytes) > int64(maxOutputBytes) {
		stdoutStr += "\n[output truncated]"
	}
	if atomic.LoadInt64(&stderrBytes) > int64(maxOutputBytes) {
		stderrStr += "\n[output truncated]"
	}

	return &Result{
		ExitCode: status.Exit,
		Stdout:   stdoutStr,
		Stderr:   stderrStr,
	}, status.Error
}

func (System) LookPath(name string) (string, error) {
	return exec.LookPath(name)
}

// Query runs a command and returns its trimmed stdout, failing on non-zero exit.
func Query(ctx context.Context, r Runner, name string, args ...string) (string, error) {
	res, err := r.Run(ctx, name, args...)
	if err != nil {
		return "", fmt.Errorf("%s: %s", name, FormatError(err, res))
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("%s exited with code %d: %s", name, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return strings.TrimSpace(res.Stdout), nil
}

// QueryOutput runs a command and returns its trimmed stdout and exit code.
// A non-zero exit is reported in the return value, not as an error.
func QueryOutput(ctx context.Context, r Runner, name string, args ...string) (string, int, error) {
	res, err := r.Run(ctx, name, args...)
	if res == nil {
		return "", -1, err
	}
	if err != nil && res.ExitCode == 0 {
		return strings.TrimSpace(res.Stdout), -1, err
	}
	return strings.TrimSpace(res.Stdout), res.ExitCode, nil
}

// Check runs a command and reports whether it exited zero.
func Check(ctx context.Context, r Runner, name string, args ...string) bool {
	res, err := r.Run(ctx, name, args...)
	return err == nil && res != nil && res.ExitCode == 0
}

// FormatError formats a command error with stderr output for better diagnostics.
func FormatError(err error, res *Result) string {
	if res != nil && res.Stderr != "" {
		return fmt.Sprintf("%v: %s", err, strings.TrimSpace(res.Stderr))
	}
	if err == nil {
		return ""
	}
	return err.Error()
}

// Environ returns the current process environment extended with extra
// variables, for use with RunWithEnv and RunStreaming.
func Environ(extra ...string) []string {
	return append(os.Environ(), extra...)
}
