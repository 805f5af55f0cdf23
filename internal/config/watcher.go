package config

import (
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wasiogate/wagi/internal/routing"
)

// WatchModuleMap watches moduleMapPath for writes and, on each one,
// rebuilds the routing table from scratch and atomically swaps table to
// point at the new value. table must already hold an initial routing
// table built from the same file. The watch loop runs until stop is
// closed.
//
// A rebuild failure (a malformed edit mid-save, for instance) is logged
// and the existing table is left in place — a bad edit never takes the
// server's routes away.
func WatchModuleMap(moduleMapPath string, table *atomic.Pointer[routing.Table], log *zap.Logger, stop <-chan struct{}) error {
	if log == nil {
		log = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(moduleMapPath); err != nil {
		return err
	}

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			log.Info("module map changed, reloading", zap.String("path", moduleMapPath))
			configured, err := LoadModuleMap(moduleMapPath)
			if err != nil {
				log.Error("failed to reload module map, keeping previous routing table",
					zap.String("path", moduleMapPath), zap.Error(err))
				continue
			}
			table.Store(routing.Build(configured))
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Error("module map watcher error", zap.Error(err))
		case <-stop:
			return nil
		}
	}
}
