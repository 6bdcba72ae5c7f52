package config

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"hermes/internal/logger"
)

// Watch reloads the config file at path whenever it is written and calls
// onChange with the result. It runs until ctx is cancelled.
//
// A reload that fails to parse or validate is logged and skipped; the
// previous config stays active. The parent directory is watched so that
// editors saving via rename are picked up.
func Watch(ctx context.Context, path string, onChange func(*Config), overrides ...Override) error {
	log := logger.WithComponent("config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	log.Info().Str("path", target).Msg("watching config for changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load(target, overrides...)
			if err != nil {
				log.Error().Err(err).Str("path", target).Msg("config reload failed, keeping previous config")
				continue
			}

			log.Info().Str("path", target).Msg("config reloaded")
			onChange(cfg)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error().Err(err).Msg("config watcher error")
		}
	}
}
