package config

import (
	"context"
	"fmt"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Pair declarations are the one live piece of config: new pairs added to
// the file get registered at runtime. Everything else (addresses, journal
// dir) needs a restart, and edits to existing pairs are ignored, books are
// long-lived.
const reloadCooldown = 2 * time.Second

// Watch reloads the config on file writes and invokes onUpdate with each
// valid new version. Invalid intermediate saves are logged and skipped.
// Blocks until ctx is done.
func Watch(ctx context.Context, path string, onUpdate func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("watching %s: %w", path, err)
	}

	var lastReload time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors fire bursts of events per save.
			if time.Since(lastReload) < reloadCooldown {
				continue
			}
			lastReload = time.Now()

			cfg, err := Load(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("ignoring invalid config reload")
				continue
			}
			log.Info().Str("path", path).Msg("config reloaded")
			onUpdate(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("config watcher error")
		}
	}
}
