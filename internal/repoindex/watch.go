package repoindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/blackwell-systems/portforge/internal/atom"
)

// Watch invalidates cached packages as their manifests change on disk.
// It blocks until the context is canceled. New category and package
// directories are picked up as they appear.
func (ix *Index) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := ix.watchTree(watcher); err != nil {
		return err
	}

	ix.log.Info().Str("tree", ix.tree).Msg("watching ports tree")

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			ix.handleEvent(watcher, ev)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ix.log.Warn().Err(err).Msg("watcher error")
		}
	}
}

// watchTree registers the tree root plus every category and package
// directory. fsnotify does not recurse.
func (ix *Index) watchTree(watcher *fsnotify.Watcher) error {
	if err := watcher.Add(ix.tree); err != nil {
		return fmt.Errorf("failed to watch ports tree: %w", err)
	}

	categories, err := os.ReadDir(ix.tree)
	if err != nil {
		return fmt.Errorf("failed to read ports tree: %w", err)
	}
	for _, cat := range categories {
		if !cat.IsDir() || strings.HasPrefix(cat.Name(), ".") {
			continue
		}
		catDir := filepath.Join(ix.tree, cat.Name())
		if err := watcher.Add(catDir); err != nil {
			return fmt.Errorf("failed to watch category %s: %w", cat.Name(), err)
		}
		names, err := os.ReadDir(catDir)
		if err != nil {
			return fmt.Errorf("failed to read category %s: %w", cat.Name(), err)
		}
		for _, name := range names {
			if !name.IsDir() || strings.HasPrefix(name.Name(), ".") {
				continue
			}
			if err := watcher.Add(filepath.Join(catDir, name.Name())); err != nil {
				return fmt.Errorf("failed to watch package %s/%s: %w", cat.Name(), name.Name(), err)
			}
		}
	}

	return nil
}

func (ix *Index) handleEvent(watcher *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(ix.tree, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	// Newly created directories need their own watch.
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Lstat(ev.Name); err == nil && info.IsDir() {
			if err := watcher.Add(ev.Name); err != nil {
				ix.log.Warn().Err(err).Str("dir", ev.Name).Msg("failed to watch new directory")
			}
		}
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 2 {
		return
	}
	id := atom.PackageID{Category: parts[0], Name: parts[1]}
	ix.Invalidate(id)
	ix.log.Debug().Str("package", id.String()).Str("event", ev.Op.String()).Msg("invalidated")
}
