package detection

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// DefaultDebounce is how long the watcher waits for a burst of file events
// to settle before reloading.
const DefaultDebounce = 500 * time.Millisecond

// Watcher reloads an engine's ruleset when files under its source change.
type Watcher struct {
	engine   *Engine
	log      *logrus.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	dir    string
	single string // set when the source is one file
}

// NewWatcher watches the engine's rule source. For a single rule file the
// parent directory is watched so that editors which replace the file on
// save are still seen.
func NewWatcher(engine *Engine, debounce time.Duration, log *logrus.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		engine:   engine,
		log:      log,
		debounce: debounce,
		dir:      engine.Source(),
	}
	if info, err := os.Stat(engine.Source()); err == nil && !info.IsDir() {
		w.single = filepath.Clean(engine.Source())
		w.dir = filepath.Dir(engine.Source())
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(w.dir); err != nil {
		fw.Close()
		return nil, err
	}
	w.watcher = fw
	return w, nil
}

// Start runs until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	w.log.WithField("path", w.engine.Source()).Info("Watching rules for changes")

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
		w.watcher.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Rules watcher stopping")
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !w.relevant(event) {
				continue
			}
			w.log.WithFields(logrus.Fields{
				"file": event.Name,
				"op":   event.Op.String(),
			}).Debug("Rule file changed")
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(w.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.Reload()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.WithError(err).Error("Rules watcher error")
		}
	}
}

// Reload loads the source again and swaps the engine's ruleset. Files that
// fail to parse are logged and left out.
func (w *Watcher) Reload() {
	res := Load(w.engine.Source())
	for _, perr := range res.Errors {
		w.log.WithError(perr.Err).WithField("file", perr.Path).Warn("Skipping rule file")
	}
	previous := len(w.engine.Rules())
	w.engine.Replace(res.Rules)
	w.log.WithFields(logrus.Fields{
		"rules":    len(res.Rules),
		"previous": previous,
	}).Info("Rules reloaded")
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	if w.single != "" {
		return filepath.Clean(event.Name) == w.single
	}
	return isRuleFile(event.Name)
}
