// SPDX-License-Identifier: MIT

package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/lightbus/lightbus/internal/log"
)

// Watch reloads the file at path whenever it changes and invokes onChange
// with the fresh configuration until ctx is cancelled. The log level is
// applied live; other changes are up to the caller. Watching is best
// effort: a reload that fails validation is logged and skipped.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Watch the directory: editors replace files rather than write in place.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		return err
	}

	logger := log.WithComponent("config")
	go func() {
		defer func() { _ = watcher.Close() }()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					logger.Warn().Err(err).Str("event", "config.reload_failed").Msg("ignoring invalid config change")
					continue
				}
				log.SetLevel(cfg.LogLevel)
				logger.Info().Str("event", "config.reloaded").Msg("configuration reloaded")
				if onChange != nil {
					onChange(cfg)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn().Err(err).Str("event", "config.watch_error").Msg("config watcher error")
			}
		}
	}()
	return nil
}
