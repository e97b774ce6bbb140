package memory

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/entitle/pkg/rbac/seed"
)

// Invalidator is told to drop cached decisions after a reload
type Invalidator interface {
	InvalidateAll(ctx context.Context) error
}

// Watcher reloads a Repository when its fixture file changes
type Watcher struct {
	path        string
	repo        *Repository
	invalidator Invalidator
	logger      *logrus.Entry
	debounce    time.Duration

	// Reloaded receives the outcome of every reload attempt, if set
	Reloaded chan error
}

// NewWatcher creates a watcher for path
func NewWatcher(path string, repo *Repository, invalidator Invalidator, logger *logrus.Logger) *Watcher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Watcher{
		path:        path,
		repo:        repo,
		invalidator: invalidator,
		logger:      logger.WithField("fixture", path),
		debounce:    100 * time.Millisecond,
	}
}

// Run watches until ctx is done. The parent directory is watched so that
// editors replacing the file by rename are noticed.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()

	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return err
	}
	target := filepath.Clean(w.path)

	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.notify(w.reload(ctx))

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Warn("fixture watcher error")
		}
	}
}

func (w *Watcher) reload(ctx context.Context) error {
	f, err := seed.LoadFile(w.path)
	if err != nil {
		w.logger.WithError(err).Error("fixture reload rejected, keeping previous snapshot")
		return err
	}
	if err := w.repo.Replace(f); err != nil {
		w.logger.WithError(err).Error("fixture reload rejected, keeping previous snapshot")
		return err
	}
	if w.invalidator != nil {
		if err := w.invalidator.InvalidateAll(ctx); err != nil {
			w.logger.WithError(err).Warn("cache invalidation after reload failed")
			return err
		}
	}
	w.logger.WithFields(logrus.Fields{
		"roles":       len(f.Roles),
		"permissions": len(f.Permissions),
	}).Info("fixture reloaded")
	return nil
}

func (w *Watcher) notify(err error) {
	if w.Reloaded == nil {
		return
	}
	select {
	case w.Reloaded <- err:
	default:
	}
}
