package toolkit

import (
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// Watcher watches the tool-registry file and hot-adds tools that appear in
// it. The registry is insertion-only, so edits to or removals of existing
// tools are logged and ignored; a restart picks those up.
type Watcher struct {
	kit     *ToolKit
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher starts watching the registry file's directory (watching the
// file itself breaks on editors that replace it).
func NewWatcher(kit *ToolKit, path string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create registry watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}
	w := &Watcher{kit: kit, path: path, watcher: fsw, done: make(chan struct{})}
	go w.loop()
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	err := w.watcher.Close()
	<-w.done
	return err
}

func (w *Watcher) loop() {
	defer close(w.done)
	target := filepath.Clean(w.path)
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Warn().Err(err).Msg("Registry watcher error")
		}
	}
}

func (w *Watcher) reload() {
	specs, err := readSpecs(w.path)
	if err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Registry changed but could not be re-read")
		return
	}
	added := 0
	for _, s := range specs {
		if w.kit.Has(s.name) {
			continue
		}
		t := s.build()
		w.kit.Insert(t)
		added++
		log.Info().Str("tool", t.Name()).Str("version", t.Version()).Msg("Hot-added tool from registry file")
	}
	if added == 0 {
		log.Debug().Str("path", w.path).Msg("Registry file changed, no new tools")
	}
}
