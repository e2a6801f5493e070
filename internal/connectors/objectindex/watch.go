package objectindex

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// wakeDebounce lets a burst of writes to one object settle before the
// worker is woken.
const wakeDebounce = 250 * time.Millisecond

// watcher turns directory events for object files into wake-ups.
type watcher struct {
	fsw    *fsnotify.Watcher
	wake   chan struct{}
	logger *zap.Logger

	once sync.Once
	done chan struct{}
}

func newWatcher(dir string, logger *zap.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, err
	}
	w := &watcher{
		fsw:    fsw,
		wake:   make(chan struct{}, 1),
		logger: logger,
		done:   make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

func (w *watcher) loop() {
	defer close(w.done)

	var debounce <-chan time.Time
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if _, ok := parseObjectName(filepath.Base(event.Name)); !ok {
				continue
			}
			debounce = time.After(wakeDebounce)

		case <-debounce:
			debounce = nil
			select {
			case w.wake <- struct{}{}:
			default:
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("object dir watcher", zap.Error(err))
		}
	}
}

// Close stops the watcher and waits for its goroutine.
func (w *watcher) Close() error {
	var err error
	w.once.Do(func() {
		err = w.fsw.Close()
		<-w.done
	})
	return err
}
