// Package waitfile blocks until a file exists. It backs the generated
// unit's start precondition: the bot service stays unstarted until the
// panel has written its configuration file.
package waitfile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/fsnotify/fsnotify"
)

var errNotPresent = errors.New("file not present yet")

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Wait blocks until path exists as a regular file, the context is canceled,
// or an unrecoverable watch error occurs. Appearance is detected through a
// directory watch, with a constant-interval poll covering files created
// before the watch was registered and filesystems without notify support.
func Wait(ctx context.Context, logger *slog.Logger, path string, interval time.Duration) error {
	if exists(path) {
		return nil
	}
	logger.Info("waiting for file", "path", path, "interval", interval)

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn("file watch unavailable, polling only", "error", err)
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			logger.Warn("file watch unavailable, polling only", "dir", filepath.Dir(path), "error", err)
		} else {
			go func() {
				for {
					select {
					case event, ok := <-watcher.Events:
						if !ok {
							return
						}
						if event.Name == path && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
							// Wake the poll loop for its final check.
							cancel()
							return
						}
					case werr, ok := <-watcher.Errors:
						if !ok {
							return
						}
						logger.Debug("file watch error", "error", werr)
					case <-watchCtx.Done():
						return
					}
				}
			}()
		}
	}

	operation := func() error {
		if exists(path) {
			return nil
		}
		return errNotPresent
	}

	err = backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(interval), watchCtx))
	if err == nil {
		logger.Info("file appeared", "path", path)
		return nil
	}

	// Retry aborts when watchCtx is canceled, either by a watch event or by
	// the caller. A watch event means the file should be there now.
	if exists(path) {
		logger.Info("file appeared", "path", path)
		return nil
	}
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	return fmt.Errorf("wait for %s interrupted: %w", path, err)
}
