package transaction

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/blackwell-systems/portforge/internal/ports"
)

// journal tracks everything a running transaction does to the filesystem
// so it can be undone. Database writes are undone by the SQL transaction;
// the journal only concerns files.
type journal struct {
	root string
	// dir is this transaction's backup area; each backed-up tree gets a
	// uuid-named subdirectory preserving the original layout.
	dir string
	// written are paths created during the transaction, in creation
	// order. Rolled back by deleting in reverse order.
	written []string
	// saved are backup trees to copy back on rollback, restored in
	// reverse order of creation.
	saved []backupTree
}

type backupTree struct {
	dir   string
	files []ports.InstalledFile
}

func newJournal(root, backupDir, txID string) (*journal, error) {
	dir := filepath.Join(backupDir, txID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create backup directory: %w", err)
	}
	return &journal{root: root, dir: dir}, nil
}

// recordWrite notes a path created during the transaction.
func (j *journal) recordWrite(path string) {
	j.written = append(j.written, path)
}

// backup copies the given files out of the live root into a fresh backup
// tree. Symlink targets and file modes are preserved; directories are
// recreated empty.
func (j *journal) backup(files []ports.InstalledFile) error {
	if len(files) == 0 {
		return nil
	}

	tree := backupTree{
		dir:   filepath.Join(j.dir, uuid.NewString()),
		files: files,
	}
	for _, f := range files {
		src := filepath.Join(j.root, f.Path)
		dst := filepath.Join(tree.dir, f.Path)

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("failed to create backup path for %s: %w", f.Path, err)
		}

		info, err := os.Lstat(src)
		if os.IsNotExist(err) {
			// Recorded but already gone from disk; nothing to save.
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to stat %s for backup: %w", f.Path, err)
		}

		switch {
		case info.IsDir():
			if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
				return fmt.Errorf("failed to back up directory %s: %w", f.Path, err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(src)
			if err != nil {
				return fmt.Errorf("failed to read symlink %s for backup: %w", f.Path, err)
			}
			if err := os.Symlink(target, dst); err != nil {
				return fmt.Errorf("failed to back up symlink %s: %w", f.Path, err)
			}
		default:
			if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
				return fmt.Errorf("failed to back up %s: %w", f.Path, err)
			}
		}
	}

	j.saved = append(j.saved, tree)
	return nil
}

// backupPaths saves arbitrary live paths (orphaned files about to be
// overwritten) so a rollback can restore them.
func (j *journal) backupPaths(paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	files := make([]ports.InstalledFile, 0, len(paths))
	for _, p := range paths {
		files = append(files, ports.InstalledFile{Path: p})
	}
	return j.backup(files)
}

// restore undoes the transaction's filesystem effects: new paths are
// deleted, then backup trees are copied back, newest first.
func (j *journal) restore() error {
	var firstErr error

	for i := len(j.written) - 1; i >= 0; i-- {
		full := filepath.Join(j.root, j.written[i])
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			// Directories created for multiple packages may be shared;
			// a non-empty directory stays.
			if !isNotEmpty(err) && firstErr == nil {
				firstErr = fmt.Errorf("failed to remove %s: %w", j.written[i], err)
			}
		}
	}

	for i := len(j.saved) - 1; i >= 0; i-- {
		if err := j.restoreTree(j.saved[i]); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

func (j *journal) restoreTree(tree backupTree) error {
	// Directories first so files have somewhere to land.
	files := append([]ports.InstalledFile(nil), tree.files...)
	sort.SliceStable(files, func(a, b int) bool {
		return strings.Count(files[a].Path, "/") < strings.Count(files[b].Path, "/")
	})

	for _, f := range files {
		src := filepath.Join(tree.dir, f.Path)
		dst := filepath.Join(j.root, f.Path)

		info, err := os.Lstat(src)
		if os.IsNotExist(err) {
			continue // was never saved (already missing at backup time)
		}
		if err != nil {
			return fmt.Errorf("failed to stat backup of %s: %w", f.Path, err)
		}

		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("failed to recreate path for %s: %w", f.Path, err)
		}

		switch {
		case info.IsDir():
			if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
				return fmt.Errorf("failed to restore directory %s: %w", f.Path, err)
			}
		case info.Mode()&os.ModeSymlink != 0:
			target, err := os.Readlink(src)
			if err != nil {
				return fmt.Errorf("failed to read backup symlink %s: %w", f.Path, err)
			}
			os.Remove(dst)
			if err := os.Symlink(target, dst); err != nil {
				return fmt.Errorf("failed to restore symlink %s: %w", f.Path, err)
			}
		default:
			os.Remove(dst)
			if err := copyFile(src, dst, info.Mode().Perm()); err != nil {
				return fmt.Errorf("failed to restore %s: %w", f.Path, err)
			}
		}
	}

	return nil
}

// discard deletes the backup area after a successful commit.
func (j *journal) discard() error {
	if err := os.RemoveAll(j.dir); err != nil {
		return fmt.Errorf("failed to discard backups: %w", err)
	}
	return nil
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func isNotEmpty(err error) bool {
	return errors.Is(err, syscall.ENOTEMPTY)
}
