package config

import (
	"context"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	aerrors "github.com/aegisops/aegis-controller/internal/errors"
)

// Watcher holds the live, hot-reloadable configuration. Components that
// care about specific keys call Current() on every use rather than
// caching a copy, so a reload takes effect without component restarts.
type Watcher struct {
	path    string
	log     *logrus.Logger
	current atomic.Pointer[Config]
}

// NewWatcher loads path once and returns a Watcher serving it.
func NewWatcher(path string, log *logrus.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w := &Watcher{path: path, log: log}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the most recently loaded configuration.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Run watches the config file for changes until ctx is cancelled,
// atomically swapping in each successfully reloaded configuration. A
// reload that fails validation is logged and the previous configuration
// is kept in place.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return aerrors.Wrap(err, "create config file watcher")
	}
	defer fw.Close()

	if err := fw.Add(w.path); err != nil {
		return aerrors.Wrapf(err, "watch config %s", w.path)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				w.log.WithError(err).Warn("config reload failed, keeping previous configuration")
				continue
			}
			w.current.Store(cfg)
			w.log.Info("configuration reloaded")
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WithError(err).Warn("config watcher error")
		}
	}
}
