package fonts

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kmorten/asset-optimizer/internal/observability"
)

// debounce collapses editor/deploy write bursts into a single reload.
const debounce = 500 * time.Millisecond

// Watch reloads the registry whenever files under its directory change.
// Blocks until ctx is done; run in a goroutine. A failed reload keeps the
// previous registry state and is logged.
func (r *Registry) Watch(ctx context.Context, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(r.dir); err != nil {
		return err
	}
	if logger != nil {
		logger.Info("watching font directory", zap.String("dir", r.dir))
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				timerC = timer.C
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if logger != nil {
				logger.Warn("font watcher error", zap.Error(err))
			}
		case <-timerC:
			if err := r.Reload(); err != nil {
				observability.FontReloadsTotal.WithLabelValues("error").Inc()
				if logger != nil {
					logger.Error("font registry reload failed", zap.Error(err))
				}
			} else {
				observability.FontReloadsTotal.WithLabelValues("success").Inc()
				if logger != nil {
					logger.Info("font registry reloaded")
				}
			}
		}
	}
}
