package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/nerrad567/gray-logic-tuya/internal/bridges/tuya"
	"github.com/nerrad567/gray-logic-tuya/internal/infrastructure/logging"
)

// watchSchemas reloads the schemas file whenever it is written or
// replaced. A file that fails to load leaves the registry unchanged.
// Devices pick up a changed schema on their next refetch.
func watchSchemas(ctx context.Context, path string, registry *tuya.SchemaRegistry, log *logging.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating schemas watcher: %w", err)
	}
	defer watcher.Close()

	// Editors replace files by rename, so the directory is watched.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	target := filepath.Clean(path)
	log.Info("watching schemas file", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			reloadSchemas(path, registry, log)
		case werr, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("schemas watcher error", "error", werr)
		}
	}
}

func reloadSchemas(path string, registry *tuya.SchemaRegistry, log *logging.Logger) {
	if err := registry.LoadFile(path); err != nil {
		log.Warn("schemas reload rejected", "path", path, "error", err)
		return
	}
	log.Info("schemas reloaded", "path", path, "products", len(registry.ProductIDs()))
}
