package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/ports"
)

// Package operations

// GetPackage retrieves an installed package, including its file manifest.
func (s *Store) GetPackage(id atom.PackageID, slot string) (*ports.InstalledPackage, error) {
	query := `
		SELECT category, name, slot, version, installed_at, use_flags, size_bytes, explicit
		FROM packages
		WHERE category = ? AND name = ? AND slot = ?
	`

	row := s.db.QueryRow(query, id.Category, id.Name, slot)
	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("package %s:%s: %w", id, slot, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get package %s: %w", id, wrapSchemaErr(err))
	}

	files, err := s.GetPackageFiles(id, slot)
	if err != nil {
		return nil, err
	}
	pkg.Files = files

	return pkg, nil
}

// ListPackages returns all installed packages ordered by category, name and
// slot. File manifests are not populated; use GetPackageFiles for those.
func (s *Store) ListPackages() ([]*ports.InstalledPackage, error) {
	query := `
		SELECT category, name, slot, version, installed_at, use_flags, size_bytes, explicit
		FROM packages
		ORDER BY category, name, slot
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list packages: %w", wrapSchemaErr(err))
	}
	defer rows.Close()

	var packages []*ports.InstalledPackage
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan package row: %w", err)
		}
		packages = append(packages, pkg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating packages: %w", err)
	}

	return packages, nil
}

// GetPackageFiles returns the file manifest of an installed package.
func (s *Store) GetPackageFiles(id atom.PackageID, slot string) ([]ports.InstalledFile, error) {
	query := `
		SELECT path, file_type, mode, size_bytes, hash, mtime
		FROM files
		WHERE category = ? AND name = ? AND slot = ?
		ORDER BY path
	`

	rows, err := s.db.Query(query, id.Category, id.Name, slot)
	if err != nil {
		return nil, fmt.Errorf("failed to get files for %s: %w", id, wrapSchemaErr(err))
	}
	defer rows.Close()

	var files []ports.InstalledFile
	for rows.Next() {
		var f ports.InstalledFile
		var ftype int
		var mtime string

		if err := rows.Scan(&f.Path, &ftype, &f.Mode, &f.SizeBytes, &f.Hash, &mtime); err != nil {
			return nil, fmt.Errorf("failed to scan file row: %w", err)
		}
		f.Type = ports.FileType(ftype)
		f.MTime, err = time.Parse(time.RFC3339, mtime)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mtime for %s: %w", f.Path, err)
		}
		files = append(files, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	return files, nil
}

// ListFileOwners returns the path-to-owner mapping for every installed file.
// The collision detector builds its ownership index from this.
func (s *Store) ListFileOwners() ([]FileOwner, error) {
	query := `SELECT path, category, name, slot, file_type FROM files ORDER BY path`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list file owners: %w", wrapSchemaErr(err))
	}
	defer rows.Close()

	var owners []FileOwner
	for rows.Next() {
		var o FileOwner
		if err := rows.Scan(&o.Path, &o.ID.Category, &o.ID.Name, &o.Slot, &o.Type); err != nil {
			return nil, fmt.Errorf("failed to scan file owner row: %w", err)
		}
		owners = append(owners, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating file owners: %w", err)
	}

	return owners, nil
}

// Dependency operations

// GetDependencies returns all packages that the given package depends on.
func (s *Store) GetDependencies(id atom.PackageID) ([]atom.PackageID, error) {
	query := `
		SELECT dep_category, dep_name
		FROM dependencies
		WHERE category = ? AND name = ?
		ORDER BY dep_category, dep_name
	`
	return s.queryPackageIDs(query, id.Category, id.Name)
}

// GetDependents returns all packages that depend on the given package.
// This is a reverse dependency lookup.
func (s *Store) GetDependents(id atom.PackageID) ([]atom.PackageID, error) {
	query := `
		SELECT category, name
		FROM dependencies
		WHERE dep_category = ? AND dep_name = ?
		ORDER BY category, name
	`
	return s.queryPackageIDs(query, id.Category, id.Name)
}

// World set operations

// ListWorld returns the explicit install set.
func (s *Store) ListWorld() ([]atom.PackageID, error) {
	return s.queryPackageIDs(`SELECT category, name FROM world ORDER BY category, name`)
}

// InWorld reports whether the package is in the explicit install set.
func (s *Store) InWorld(id atom.PackageID) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM world WHERE category = ? AND name = ?`,
		id.Category, id.Name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query world set: %w", wrapSchemaErr(err))
	}
	return n > 0, nil
}

// Transaction journal operations. Journal rows live outside the package
// transaction so a rollback still leaves an inspectable record.

// InsertTransaction records the start of a transaction.
func (s *Store) InsertTransaction(id, reason string, opCount int) error {
	query := `
		INSERT INTO transactions (id, started_at, state, reason, operation_count)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := s.db.Exec(query, id, time.Now().Format(time.RFC3339), TxPending, reason, opCount)
	if err != nil {
		return fmt.Errorf("failed to insert transaction %s: %w", id, wrapSchemaErr(err))
	}
	return nil
}

// FinishTransaction marks a journal entry committed or rolled back.
func (s *Store) FinishTransaction(id, state string) error {
	query := `UPDATE transactions SET state = ?, finished_at = ? WHERE id = ?`
	result, err := s.db.Exec(query, state, time.Now().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("failed to finish transaction %s: %w", id, wrapSchemaErr(err))
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("transaction %s: %w", id, ErrNotFound)
	}
	return nil
}

// LastTransaction returns the most recently started journal entry, or
// ErrNotFound when the journal is empty.
func (s *Store) LastTransaction() (*TransactionRecord, error) {
	query := `
		SELECT id, started_at, finished_at, state, reason, operation_count
		FROM transactions
		ORDER BY started_at DESC
		LIMIT 1
	`

	var rec TransactionRecord
	var startedAt string
	var finishedAt sql.NullString
	var reason sql.NullString

	err := s.db.QueryRow(query).Scan(&rec.ID, &startedAt, &finishedAt, &rec.State, &reason, &rec.OperationCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("transaction journal: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last transaction: %w", wrapSchemaErr(err))
	}

	rec.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse started_at: %w", err)
	}
	if finishedAt.Valid && finishedAt.String != "" {
		rec.FinishedAt, err = time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse finished_at: %w", err)
		}
	}
	rec.Reason = reason.String

	return &rec, nil
}

// scanner abstracts sql.Row and sql.Rows for scanPackage.
type scanner interface {
	Scan(dest ...any) error
}

func scanPackage(row scanner) (*ports.InstalledPackage, error) {
	var pkg ports.InstalledPackage
	var version, installedAt string
	var useFlagsJSON sql.NullString

	err := row.Scan(
		&pkg.ID.Category,
		&pkg.ID.Name,
		&pkg.Slot,
		&version,
		&installedAt,
		&useFlagsJSON,
		&pkg.SizeBytes,
		&pkg.Explicit,
	)
	if err != nil {
		return nil, err
	}

	pkg.Version, err = atom.ParseVersion(version)
	if err != nil {
		return nil, fmt.Errorf("failed to parse version for %s: %w", pkg.ID, err)
	}

	pkg.InstalledAt, err = time.Parse(time.RFC3339, installedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse installed_at for %s: %w", pkg.ID, err)
	}

	if useFlagsJSON.Valid && useFlagsJSON.String != "" {
		if err := json.Unmarshal([]byte(useFlagsJSON.String), &pkg.UseFlags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal use flags for %s: %w", pkg.ID, err)
		}
	}

	return &pkg, nil
}

func (s *Store) queryPackageIDs(query string, args ...any) ([]atom.PackageID, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", wrapSchemaErr(err))
	}
	defer rows.Close()

	var ids []atom.PackageID
	for rows.Next() {
		var id atom.PackageID
		if err := rows.Scan(&id.Category, &id.Name); err != nil {
			return nil, fmt.Errorf("failed to scan package id row: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating package ids: %w", err)
	}

	return ids, nil
}
