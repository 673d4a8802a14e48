package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/ports"
)

// DependencyEdge is one runtime/build dependency edge persisted for an
// installed package, used for reverse-dependency lookups.
type DependencyEdge struct {
	Dep       atom.PackageID
	BuildTime bool
}

// Tx is an exclusive write transaction over the package database. All
// writes either commit together or roll back together.
type Tx struct {
	tx *sql.Tx
}

// Commit commits the transaction.
func (t *Tx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rollback rolls the transaction back. Safe to call after Commit; the
// resulting sql.ErrTxDone is swallowed.
func (t *Tx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("failed to roll back transaction: %w", err)
	}
	return nil
}

// InsertPackage inserts or replaces an installed package record, its file
// manifest and its dependency edges.
func (t *Tx) InsertPackage(pkg *ports.InstalledPackage, deps []DependencyEdge) error {
	useFlagsJSON, err := json.Marshal(pkg.UseFlags)
	if err != nil {
		return fmt.Errorf("failed to marshal use flags: %w", err)
	}

	slot := pkg.Slot
	if slot == "" {
		slot = "0"
	}

	query := `
		INSERT OR REPLACE INTO packages
		(category, name, slot, version, installed_at, use_flags, size_bytes, explicit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = t.tx.Exec(query,
		pkg.ID.Category,
		pkg.ID.Name,
		slot,
		pkg.Version.String(),
		pkg.InstalledAt.Format(time.RFC3339),
		string(useFlagsJSON),
		pkg.SizeBytes,
		pkg.Explicit,
	)
	if err != nil {
		return fmt.Errorf("failed to insert package %s: %w", pkg.ID, wrapSchemaErr(err))
	}

	// Replace the file manifest wholesale.
	if _, err := t.tx.Exec(`DELETE FROM files WHERE category = ? AND name = ? AND slot = ?`,
		pkg.ID.Category, pkg.ID.Name, slot); err != nil {
		return fmt.Errorf("failed to clear files for %s: %w", pkg.ID, err)
	}
	for _, f := range pkg.Files {
		_, err := t.tx.Exec(`
			INSERT OR REPLACE INTO files (path, category, name, slot, file_type, mode, size_bytes, hash, mtime)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.Path, pkg.ID.Category, pkg.ID.Name, slot,
			int(f.Type), f.Mode, f.SizeBytes, f.Hash, f.MTime.Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("failed to insert file %s for %s: %w", f.Path, pkg.ID, err)
		}
	}

	// Replace dependency edges.
	if _, err := t.tx.Exec(`DELETE FROM dependencies WHERE category = ? AND name = ?`,
		pkg.ID.Category, pkg.ID.Name); err != nil {
		return fmt.Errorf("failed to clear dependencies for %s: %w", pkg.ID, err)
	}
	for _, d := range deps {
		_, err := t.tx.Exec(`
			INSERT OR IGNORE INTO dependencies (category, name, dep_category, dep_name, build_time)
			VALUES (?, ?, ?, ?, ?)`,
			pkg.ID.Category, pkg.ID.Name, d.Dep.Category, d.Dep.Name, d.BuildTime,
		)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", pkg.ID, d.Dep, err)
		}
	}

	return nil
}

// DeletePackage removes a package record. Files and dependency edges
// cascade via foreign keys; dependency edges are cleared explicitly since
// the dependencies table is not FK-linked.
func (t *Tx) DeletePackage(id atom.PackageID, slot string) error {
	result, err := t.tx.Exec(`DELETE FROM packages WHERE category = ? AND name = ? AND slot = ?`,
		id.Category, id.Name, slot)
	if err != nil {
		return fmt.Errorf("failed to delete package %s: %w", id, wrapSchemaErr(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("package %s:%s: %w", id, slot, ErrNotFound)
	}

	// Only drop dependency edges when no other slot of this package remains.
	var remaining int
	if err := t.tx.QueryRow(`SELECT COUNT(*) FROM packages WHERE category = ? AND name = ?`,
		id.Category, id.Name).Scan(&remaining); err != nil {
		return fmt.Errorf("failed to count remaining slots for %s: %w", id, err)
	}
	if remaining == 0 {
		if _, err := t.tx.Exec(`DELETE FROM dependencies WHERE category = ? AND name = ?`,
			id.Category, id.Name); err != nil {
			return fmt.Errorf("failed to clear dependencies for %s: %w", id, err)
		}
	}

	return nil
}

// AddWorld adds a package to the explicit install set.
func (t *Tx) AddWorld(id atom.PackageID) error {
	_, err := t.tx.Exec(`INSERT OR IGNORE INTO world (category, name) VALUES (?, ?)`,
		id.Category, id.Name)
	if err != nil {
		return fmt.Errorf("failed to add %s to world: %w", id, wrapSchemaErr(err))
	}
	return nil
}

// RemoveWorld removes a package from the explicit install set.
func (t *Tx) RemoveWorld(id atom.PackageID) error {
	_, err := t.tx.Exec(`DELETE FROM world WHERE category = ? AND name = ?`,
		id.Category, id.Name)
	if err != nil {
		return fmt.Errorf("failed to remove %s from world: %w", id, wrapSchemaErr(err))
	}
	return nil
}
