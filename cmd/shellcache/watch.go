package main

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// watchConfig calls reload after the config file changed and settled for the debounce period.
// The directory is watched so that editors replacing the file are noticed.
func watchConfig(ctx context.Context, filename string, debounce time.Duration, reload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(filename)); err != nil {
		watcher.Close()
		return err
	}
	target := filepath.Clean(filename)

	go func() {
		defer watcher.Close()
		var debounceTimer *time.Timer
		for {
			select {
			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Chmod != 0 || filepath.Clean(event.Name) != target {
					continue
				}
				log.Trace().Str("file", event.Name).Str("op", event.Op.String()).Msg("Config file event")
				if debounceTimer != nil {
					debounceTimer.Reset(debounce)
				} else {
					debounceTimer = time.AfterFunc(debounce, reload)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			}
		}
	}()
	return nil
}
