package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/ccui-dev/ccui/internal/logger"
	"github.com/ccui-dev/ccui/internal/models"
)

// ownWriteWindow hides the store's own writes from the watcher.
const ownWriteWindow = 2 * time.Second

// ExternalChange is a task file edited outside the server.
type ExternalChange struct {
	Ref     models.TaskRef
	Removed bool
}

// Watch reports edits made to task files by other programs (an editor, git
// checkout) until ctx is done. Writes made through the Store are skipped.
func (s *Store) Watch(ctx context.Context, onChange func(ExternalChange)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	if err := s.addTree(watcher, s.root); err != nil {
		watcher.Close()
		return err
	}

	go func() {
		defer watcher.Close()
		log := logger.Component("store-watcher")

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
						if err := s.addTree(watcher, event.Name); err != nil {
							log.Warn().Err(err).Str("path", event.Name).Msg("⚠️ failed to watch new directory")
						}
						continue
					}
				}

				change, ok := s.classifyEvent(event)
				if !ok || s.ownWrite(event.Name, ownWriteWindow) {
					continue
				}
				log.Debug().Str("task", change.Ref.String()).Bool("removed", change.Removed).Msg("📝 external task edit")
				onChange(change)

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("⚠️ watcher error")

			case <-ctx.Done():
				return
			}
		}
	}()
	return nil
}

// addTree watches dir and every directory below it; fsnotify is not recursive.
func (s *Store) addTree(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// classifyEvent maps <root>/<repo>/<status>/<id>.md events to task refs.
func (s *Store) classifyEvent(event fsnotify.Event) (ExternalChange, bool) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return ExternalChange{}, false
	}
	rel, err := filepath.Rel(s.root, event.Name)
	if err != nil {
		return ExternalChange{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 3 || !strings.HasSuffix(parts[2], taskExt) {
		return ExternalChange{}, false
	}
	if !models.TaskStatus(parts[1]).Valid() {
		return ExternalChange{}, false
	}
	id := strings.TrimSuffix(parts[2], taskExt)
	if checkNames(parts[0], id) != nil {
		return ExternalChange{}, false
	}
	return ExternalChange{
		Ref:     models.TaskRef{Repo: parts[0], ID: id},
		Removed: event.Op&(fsnotify.Remove|fsnotify.Rename) != 0,
	}, true
}
