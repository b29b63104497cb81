package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

const reloadOps = fsnotify.Create | fsnotify.Write | fsnotify.Rename

// Watch reloads the config file at path whenever it changes and hands each
// valid result to onChange. It runs until ctx is cancelled.
//
// The parent directory is watched rather than the file, so a save that
// renames a temp file over path is seen as well as an in-place write. A
// reload that fails to parse or validate is logged and skipped.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	path = filepath.Clean(path)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("watch config: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	slog.Info("config: watching for changes", "path", path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path || event.Op&reloadOps == 0 {
				continue
			}
			reload(path, onChange)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("config: watcher error", "err", err)
		}
	}
}

// reload loads path and calls onChange if it yields a valid config. A file
// that has just been moved away is left alone; Load would fall back to
// defaults for it.
func reload(path string, onChange func(*Config)) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return
	}

	cfg, err := Load(path)
	if err != nil {
		slog.Error("config: reload failed, keeping previous config",
			"path", path, "err", err)
		return
	}

	slog.Info("config: reloaded",
		"path", path,
		"level", cfg.Logging.Level,
		"echo_to_sender", cfg.Relay.EchoToSender,
	)
	onChange(cfg)
}
