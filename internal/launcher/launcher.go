// Package launcher installs the panel launcher shim on PATH. The shim is a
// fixed two-line shell script so repeated installs are byte-identical.
package launcher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
)

// Script returns the launcher shim body. All arguments are forwarded to the
// entry script unchanged.
func Script(interpreter, entryScript string) string {
	return fmt.Sprintf("#!/bin/sh\nexec %s %s \"$@\"\n", interpreter, entryScript)
}

// Install writes the shim to path, overwriting whatever is there, and marks
// it executable.
func Install(path, interpreter, entryScript string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create launcher directory: %w", err)
	}
	if err := renameio.WriteFile(path, []byte(Script(interpreter, entryScript)), 0o755); err != nil {
		return fmt.Errorf("write launcher: %w", err)
	}
	return nil
}

// Remove deletes the shim. A missing shim is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove launcher: %w", err)
	}
	return nil
}
