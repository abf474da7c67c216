package plans

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// watchDebounce gives editors time to finish writing before the file is read.
var watchDebounce = 100 * time.Millisecond

// ApplyFile loads the catalog at path, upserts it into the plan store and
// reloads the snapshot.
func (c *Catalog) ApplyFile(ctx context.Context, path string) error {
	list, err := LoadFile(path)
	if err != nil {
		return err
	}
	if err := Seed(ctx, c.store, list); err != nil {
		return err
	}
	return c.Reload(ctx)
}

// Watch re-applies the catalog file whenever it changes. It blocks until ctx
// is cancelled.
func (c *Catalog) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create plan watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors often replace the file instead of writing it.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	log.Info().Str("path", path).Msg("Watching plan catalog for changes")

	c.handleEvents(ctx, path, watcher.Events, watcher.Errors)
	return nil
}

func (c *Catalog) handleEvents(ctx context.Context, path string, events <-chan fsnotify.Event, errs <-chan error) {
	target := filepath.Clean(path)
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			time.Sleep(watchDebounce)
			if err := c.ApplyFile(ctx, path); err != nil {
				log.Error().Err(err).Str("path", path).Msg("Failed to apply plan catalog change")
				continue
			}
			log.Info().Str("event", event.Op.String()).Str("path", path).Msg("Plan catalog change applied")

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Plan watcher error")

		case <-ctx.Done():
			return
		}
	}
}
