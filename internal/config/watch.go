package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
)

// debounceWindow coalesces the event bursts editors produce on save.
const debounceWindow = 200 * time.Millisecond

// Watch reloads the config file on change and invokes onReload with the new
// config. The containing directory is watched rather than the file itself so
// atomic rename-style saves are still observed. Blocks until ctx is
// canceled.
func Watch(ctx context.Context, path string, onReload func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err = watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, okEvt := <-watcher.Events:
			if !okEvt {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceWindow)
			} else {
				timer.Reset(debounceWindow)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			cfg, err := LoadConfig(path)
			if err != nil {
				log.Warnf("config reload failed: %v", err)
				continue
			}
			log.WithField("path", path).Info("configuration reloaded")
			onReload(cfg)
		case err, okErr := <-watcher.Errors:
			if !okErr {
				return nil
			}
			log.Warnf("config watcher error: %v", err)
		}
	}
}
