package transaction

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/build"
	"github.com/blackwell-systems/portforge/internal/collision"
	"github.com/blackwell-systems/portforge/internal/logging"
	"github.com/blackwell-systems/portforge/internal/ports"
	"github.com/blackwell-systems/portforge/internal/store"
)

// Config controls where the engine merges files and keeps backups.
type Config struct {
	// Root is the filesystem root packages are merged into.
	Root string
	// BackupDir holds per-transaction backup trees until commit.
	BackupDir string
	// Collision configures the file collision checks.
	Collision collision.Config
	// Parallelism bounds concurrent builds.
	Parallelism int
}

// Engine executes operation lists atomically: all database writes happen
// inside one SQL transaction, and every file the transaction touches is
// backed up first so a failure restores the filesystem exactly.
type Engine struct {
	st      *store.Store
	builder build.Builder
	cfg     Config
	log     zerolog.Logger
}

// New creates an Engine. The builder may be nil when the engine will only
// ever execute removals.
func New(st *store.Store, builder build.Builder, cfg Config) *Engine {
	return &Engine{
		st:      st,
		builder: builder,
		cfg:     cfg,
		log:     logging.GetLogger("transaction"),
	}
}

// step is one operation plus everything prefetched for it. All database
// reads happen before the write transaction opens; the store holds a
// single connection, so reading mid-transaction would deadlock.
type step struct {
	op         Operation
	existing   *ports.InstalledPackage // current record, for remove and upgrade
	dependents []atom.PackageID        // reverse deps, for remove
	image      string                  // built image directory, for install and upgrade
}

// Execute runs the operations as one transaction. Removals are applied
// first, then upgrades, then installs, preserving the caller's relative
// order within each class. On any failure the database is rolled back and
// every touched file restored; the journal entry records the outcome
// either way.
func (e *Engine) Execute(ctx context.Context, ops []Operation, reason string) error {
	if len(ops) == 0 {
		return nil
	}

	ordered := partition(ops)
	txID := uuid.NewString()

	e.log.Info().
		Str("transaction", txID).
		Int("operations", len(ordered)).
		Str("reason", reason).
		Msg("starting transaction")

	if err := e.st.InsertTransaction(txID, reason, len(ordered)); err != nil {
		return err
	}

	steps, err := e.prepare(ctx, ordered)
	if err != nil {
		e.finishJournal(txID, store.TxRolledBack)
		return err
	}

	detector, err := collision.NewFromStore(e.cfg.Collision, e.cfg.Root, e.st)
	if err != nil {
		e.finishJournal(txID, store.TxRolledBack)
		return err
	}

	jnl, err := newJournal(e.cfg.Root, e.cfg.BackupDir, txID)
	if err != nil {
		e.finishJournal(txID, store.TxRolledBack)
		return err
	}

	tx, err := e.st.Begin()
	if err != nil {
		e.finishJournal(txID, store.TxRolledBack)
		return err
	}

	for _, st := range steps {
		if err := ctx.Err(); err != nil {
			return e.rollback(txID, tx, jnl, err)
		}
		if err := e.apply(tx, detector, jnl, st); err != nil {
			return e.rollback(txID, tx, jnl, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return e.rollback(txID, tx, jnl, err)
	}

	if err := jnl.discard(); err != nil {
		// Commit already happened; stale backups are a cleanup problem,
		// not a consistency problem.
		e.log.Warn().Err(err).Str("transaction", txID).Msg("failed to discard backups")
	}
	e.finishJournal(txID, store.TxCommitted)

	e.log.Info().Str("transaction", txID).Msg("transaction committed")
	return nil
}

// partition orders operations removals-first, then upgrades, then
// installs, keeping the caller's relative order inside each class.
func partition(ops []Operation) []Operation {
	out := make([]Operation, 0, len(ops))
	for _, kind := range []Kind{OpRemove, OpUpgrade, OpInstall} {
		for _, op := range ops {
			if op.Kind == kind {
				out = append(out, op)
			}
		}
	}
	return out
}

// prepare prefetches installed records and reverse dependencies, and runs
// every needed build through the pool. No state is modified here.
func (e *Engine) prepare(ctx context.Context, ops []Operation) ([]step, error) {
	removing := make(map[atom.PackageID]bool)
	for _, op := range ops {
		if op.Kind == OpRemove {
			removing[op.Target] = true
		}
	}

	var targets []string
	steps := make([]step, len(ops))
	for i, op := range ops {
		steps[i].op = op

		switch op.Kind {
		case OpRemove, OpUpgrade:
			pkg, err := e.st.GetPackage(op.ID(), op.EffectiveSlot())
			if err != nil {
				return nil, fmt.Errorf("cannot %s %s: %w", op.Kind, op.ID(), err)
			}
			steps[i].existing = pkg
		}

		if op.Kind == OpRemove && !op.Force {
			dependents, err := e.st.GetDependents(op.Target)
			if err != nil {
				return nil, err
			}
			for _, d := range dependents {
				if !removing[d] && d != op.Target {
					steps[i].dependents = append(steps[i].dependents, d)
				}
			}
			if len(steps[i].dependents) > 0 {
				return nil, &DependentsError{Package: op.Target, Dependents: steps[i].dependents}
			}
		}

		if op.Kind == OpInstall || op.Kind == OpUpgrade {
			targets = append(targets, op.Package.BuildTarget)
		}
	}

	if len(targets) == 0 {
		return steps, nil
	}
	if e.builder == nil {
		return nil, fmt.Errorf("no builder configured for %d build targets", len(targets))
	}

	pool := build.NewPool(e.builder, e.cfg.Parallelism)
	results, err := pool.BuildAll(ctx, targets)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		op := steps[i].op
		if op.Kind == OpInstall || op.Kind == OpUpgrade {
			steps[i].image = results[op.Package.BuildTarget].OutputPath
		}
	}

	return steps, nil
}

func (e *Engine) apply(tx *store.Tx, det *collision.Detector, jnl *journal, st step) error {
	switch st.op.Kind {
	case OpRemove:
		return e.applyRemove(tx, det, jnl, st)
	case OpUpgrade:
		if err := e.unmerge(tx, det, jnl, st.existing); err != nil {
			return err
		}
		return e.merge(tx, det, jnl, st)
	case OpInstall:
		return e.merge(tx, det, jnl, st)
	default:
		return fmt.Errorf("unknown operation kind %d", st.op.Kind)
	}
}

func (e *Engine) applyRemove(tx *store.Tx, det *collision.Detector, jnl *journal, st step) error {
	if err := e.unmerge(tx, det, jnl, st.existing); err != nil {
		return err
	}
	if err := tx.RemoveWorld(st.existing.ID); err != nil {
		return err
	}
	e.log.Info().
		Str("package", st.existing.ID.String()).
		Str("version", st.existing.Version.String()).
		Msg("removed")
	return nil
}

// unmerge backs up and deletes an installed package's files and drops its
// database record.
func (e *Engine) unmerge(tx *store.Tx, det *collision.Detector, jnl *journal, pkg *ports.InstalledPackage) error {
	if err := jnl.backup(pkg.Files); err != nil {
		return err
	}
	if err := e.removeFiles(pkg.Files); err != nil {
		return err
	}
	if err := tx.DeletePackage(pkg.ID, pkg.Slot); err != nil {
		return err
	}
	det.UnregisterPackage(pkg.ID, pkg.Slot)
	return nil
}

// merge checks collisions, copies the built image into the root and
// records the package.
func (e *Engine) merge(tx *store.Tx, det *collision.Detector, jnl *journal, st step) error {
	pkg := st.op.Package
	slot := st.op.EffectiveSlot()

	files, err := scanImage(st.image)
	if err != nil {
		return fmt.Errorf("failed to scan image for %s: %w", pkg.ID, err)
	}

	res := det.CheckCollisions(pkg.ID, slot, files)
	if !res.CanProceed {
		return &CollisionError{Package: pkg.ID, Result: res}
	}

	// Everything the image lands on top of gets saved first, whether the
	// detector called it an orphan or waved it through via an ignore glob
	// or tolerant tree; a rollback must put every overwritten file back.
	var overwritten []string
	for _, f := range files {
		if f.Type == ports.FileDirectory {
			continue
		}
		if _, err := os.Lstat(filepath.Join(e.cfg.Root, f.Path)); err == nil {
			overwritten = append(overwritten, f.Path)
		}
	}
	if err := jnl.backupPaths(overwritten); err != nil {
		return err
	}

	if err := e.copyImage(st.image, files, jnl); err != nil {
		return err
	}

	var size int64
	for _, f := range files {
		size += f.SizeBytes
	}
	installed := &ports.InstalledPackage{
		ID:          pkg.ID,
		Version:     pkg.Version,
		Slot:        slot,
		InstalledAt: time.Now(),
		UseFlags:    st.op.Use,
		Files:       files,
		SizeBytes:   size,
		Explicit:    st.op.Explicit,
	}
	if err := tx.InsertPackage(installed, dependencyEdges(pkg, st.op.Use)); err != nil {
		return err
	}
	if st.op.Explicit {
		if err := tx.AddWorld(pkg.ID); err != nil {
			return err
		}
	}
	det.RegisterFiles(pkg.ID, slot, files)

	e.log.Info().
		Str("package", pkg.ID.String()).
		Str("version", pkg.Version.String()).
		Int("files", len(files)).
		Msg("merged")
	return nil
}

// copyImage replays the image into the root, journaling every created
// path.
func (e *Engine) copyImage(image string, files []ports.InstalledFile, jnl *journal) error {
	for _, f := range files {
		src := filepath.Join(image, f.Path)
		dst := filepath.Join(e.cfg.Root, f.Path)

		switch f.Type {
		case ports.FileDirectory:
			if _, err := os.Lstat(dst); os.IsNotExist(err) {
				if err := os.MkdirAll(dst, os.FileMode(f.Mode)); err != nil {
					return fmt.Errorf("failed to create directory %s: %w", f.Path, err)
				}
				jnl.recordWrite(f.Path)
			}
		case ports.FileSymlink:
			target, err := os.Readlink(src)
			if err != nil {
				return fmt.Errorf("failed to read image symlink %s: %w", f.Path, err)
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("failed to create path for %s: %w", f.Path, err)
			}
			os.Remove(dst)
			if err := os.Symlink(target, dst); err != nil {
				return fmt.Errorf("failed to merge symlink %s: %w", f.Path, err)
			}
			jnl.recordWrite(f.Path)
		default:
			if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
				return fmt.Errorf("failed to create path for %s: %w", f.Path, err)
			}
			if err := copyFile(src, dst, os.FileMode(f.Mode)); err != nil {
				return fmt.Errorf("failed to merge %s: %w", f.Path, err)
			}
			jnl.recordWrite(f.Path)
		}
	}
	return nil
}

// removeFiles deletes a package's files from the root: non-directories
// first, then directories deepest-first, skipping non-empty ones (they
// are shared).
func (e *Engine) removeFiles(files []ports.InstalledFile) error {
	var dirs []ports.InstalledFile
	for _, f := range files {
		if f.Type == ports.FileDirectory {
			dirs = append(dirs, f)
			continue
		}
		full := filepath.Join(e.cfg.Root, f.Path)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", f.Path, err)
		}
	}

	sort.SliceStable(dirs, func(a, b int) bool {
		return strings.Count(dirs[a].Path, "/") > strings.Count(dirs[b].Path, "/")
	})
	for _, d := range dirs {
		full := filepath.Join(e.cfg.Root, d.Path)
		if err := os.Remove(full); err != nil && !os.IsNotExist(err) && !isNotEmpty(err) {
			return fmt.Errorf("failed to remove directory %s: %w", d.Path, err)
		}
	}
	return nil
}

func (e *Engine) rollback(txID string, tx *store.Tx, jnl *journal, cause error) error {
	e.log.Warn().Err(cause).Str("transaction", txID).Msg("rolling back")

	restoreErr := jnl.restore()
	if rbErr := tx.Rollback(); rbErr != nil && restoreErr == nil {
		restoreErr = rbErr
	}
	e.finishJournal(txID, store.TxRolledBack)

	if restoreErr != nil {
		return &RollbackError{Cause: cause, RestoreErr: restoreErr, BackupDir: jnl.dir}
	}
	// Backups are consumed by the restore; the empty area can go.
	if err := jnl.discard(); err != nil {
		e.log.Warn().Err(err).Str("transaction", txID).Msg("failed to discard backups")
	}
	return cause
}

func (e *Engine) finishJournal(txID, state string) {
	if err := e.st.FinishTransaction(txID, state); err != nil {
		e.log.Warn().Err(err).Str("transaction", txID).Msg("failed to update journal")
	}
}

// dependencyEdges maps a candidate's active dependency edges to the
// persisted form.
func dependencyEdges(pkg *ports.PackageInfo, use []string) []store.DependencyEdge {
	useSet := make(map[string]bool, len(use))
	for _, f := range use {
		useSet[f] = true
	}

	var out []store.DependencyEdge
	for _, d := range pkg.AllDependencies() {
		if !d.Active(useSet) {
			continue
		}
		out = append(out, store.DependencyEdge{
			Dep:       d.Package,
			BuildTime: d.BuildTime && !d.RunTime,
		})
	}
	return out
}

// scanImage walks a built image directory and produces the file manifest
// that will be persisted: root-relative paths, modes, sizes, content
// hashes and mtimes.
func scanImage(image string) ([]ports.InstalledFile, error) {
	var files []ports.InstalledFile

	err := filepath.WalkDir(image, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == image {
			return nil
		}
		rel, err := filepath.Rel(image, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		f := ports.InstalledFile{
			Path:  "/" + filepath.ToSlash(rel),
			Mode:  uint32(info.Mode().Perm()),
			MTime: info.ModTime(),
		}

		switch {
		case d.IsDir():
			f.Type = ports.FileDirectory
		case info.Mode()&os.ModeSymlink != 0:
			f.Type = ports.FileSymlink
		default:
			f.Type = ports.FileRegular
			f.SizeBytes = info.Size()
			hash, err := hashFile(path)
			if err != nil {
				return err
			}
			f.Hash = hash
		}

		files = append(files, f)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
