package settings

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange when the document is modified by someone other than
// this store.  Bursts of events are collapsed into one call after debounce.
// It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// editors replace files by rename, so watch the directory
	dir := filepath.Dir(s.path)
	if err = watcher.Add(dir); err != nil {
		return err
	}
	name := filepath.Base(s.path)

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	fire := func() {
		if ctx.Err() != nil {
			return
		}
		if s.ownWrite() {
			return
		}
		s.log.Info().Str("path", s.path).Msg("settings file changed on disk")
		onChange()
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, fire)
			mu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Warn().Err(err).Msg("settings watcher error")
		}
	}
}
