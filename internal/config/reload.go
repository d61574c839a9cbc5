package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// OverrideWatcher re-reads the config file when it changes and hands the new
// override table to a callback. Only the overrides are reloaded; endpoint or
// logging changes still require a restart.
//
// The parent directory is watched rather than the file itself so that editors
// which replace the file by rename are still noticed.
type OverrideWatcher struct {
	path     string
	onChange func(map[uint16]uint16)
	onError  func(error)
	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewOverrideWatcher starts watching path. onError may be nil.
func NewOverrideWatcher(path string, onChange func(map[uint16]uint16), onError func(error)) (*OverrideWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config dir: %w", err)
	}

	if onError == nil {
		onError = func(error) {}
	}
	w := &OverrideWatcher{
		path:     abs,
		onChange: onChange,
		onError:  onError,
		watcher:  watcher,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.watchLoop()
	return w, nil
}

// Reload re-reads the file and, if it is valid, publishes its overrides.
// An invalid file leaves the previous table in place. An empty file is
// ignored, since truncate-then-write saves briefly produce one.
func (w *OverrideWatcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("reload overrides: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return fmt.Errorf("reload overrides: %w", err)
	}
	w.onChange(cfg.OverrideMap())
	return nil
}

func (w *OverrideWatcher) watchLoop() {
	defer close(w.done)
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := w.Reload(); err != nil {
				w.onError(err)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.onError(fmt.Errorf("config watcher: %w", err))
		case <-w.stopCh:
			return
		}
	}
}

// Close stops the watcher and waits for the watch loop to exit.
func (w *OverrideWatcher) Close() error {
	var err error
	w.once.Do(func() {
		close(w.stopCh)
		err = w.watcher.Close()
		<-w.done
	})
	return err
}
