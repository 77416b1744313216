package config

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config whenever the file at path changes and calls apply
// with the fresh config. The watcher observes the parent directory so
// rename-and-replace editors keep working. Reload failures are logged and
// the previous config stays in effect. Returns after ctx is cancelled.
func Watch(ctx context.Context, path string, apply func(*Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(path)

	// Coalesce event bursts from editors that write in several steps.
	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = time.After(200 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("config watcher error: %v", err)
		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				log.Printf("config reload failed, keeping previous: %v", err)
				continue
			}
			log.Printf("config reloaded from %s", path)
			apply(cfg)
		}
	}
}
