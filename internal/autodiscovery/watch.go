package autodiscovery

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/QUSEIT/simacode-sub001/internal/config"
)

// watchConfig triggers a cycle when the config file changes. The parent
// directory is watched so atomic renames are seen.
func (a *AutoDiscovery) watchConfig(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
		return
	}
	defer watcher.Close()

	path := a.opts.ConfigPath
	dir, filename := filepath.Dir(path), filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		a.logger.Warn("watch config directory", "dir", dir, "error", err)
		return
	}
	a.logger.Debug("watching config file", "path", path)

	// The debounce timer only signals; the reload itself runs on this
	// goroutine so Stop waits for it.
	fire := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	changed := func() {
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(a.opts.Debounce, func() {
			select {
			case fire <- struct{}{}:
			default:
			}
		})
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-fire:
			a.reloadConfig(ctx, path)
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != filename {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				a.logger.Debug("config file event", "op", ev.Op.String())
				changed()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			a.logger.Warn("config watcher error", "error", err)
		}
	}
}

func (a *AutoDiscovery) reloadConfig(ctx context.Context, path string) {
	if ctx.Err() != nil {
		return
	}
	if fn := a.opts.OnConfigChange; fn != nil {
		cfg, err := config.LoadFrom(path)
		if err != nil {
			a.logger.Warn("reload config, keeping current servers", "error", err)
		} else {
			fn(cfg)
		}
	}
	a.Trigger()
}
