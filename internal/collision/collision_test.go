package collision

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/ports"
)

var (
	pkgA = atom.PackageID{Category: "sys-libs", Name: "alpha"}
	pkgB = atom.PackageID{Category: "sys-libs", Name: "beta"}
)

func regular(path string) ports.InstalledFile {
	return ports.InstalledFile{Path: path, Type: ports.FileRegular}
}

func TestCheckCollisions_FreshPathIsSafe(t *testing.T) {
	d := New(Config{}, t.TempDir())

	res := d.CheckCollisions(pkgA, "0", []ports.InstalledFile{regular("/usr/lib/liba.so")})
	assert.Empty(t, res.Collisions)
	assert.Equal(t, []string{"/usr/lib/liba.so"}, res.SafeFiles)
	assert.True(t, res.CanProceed)
}

// After pkgA registers a path, pkgB checking the same path gets exactly one
// OwnedByOther collision and cannot proceed.
func TestCheckCollisions_OwnedByOther(t *testing.T) {
	d := New(Config{}, t.TempDir())
	d.RegisterFiles(pkgA, "0", []ports.InstalledFile{regular("/usr/bin/tool")})

	res := d.CheckCollisions(pkgB, "0", []ports.InstalledFile{regular("/usr/bin/tool")})
	require.Len(t, res.Collisions, 1)
	assert.Equal(t, OwnedByOther, res.Collisions[0].Type)
	assert.Equal(t, pkgA, res.Collisions[0].Owner)
	assert.False(t, res.Collisions[0].Acceptable)
	assert.False(t, res.CanProceed)
}

func TestCheckCollisions_OwnSlotFilesAreSafe(t *testing.T) {
	d := New(Config{}, t.TempDir())
	d.RegisterFiles(pkgA, "0", []ports.InstalledFile{regular("/usr/bin/tool")})

	// Same package, same slot: re-merge.
	res := d.CheckCollisions(pkgA, "0", []ports.InstalledFile{regular("/usr/bin/tool")})
	assert.Empty(t, res.Collisions)
	assert.True(t, res.CanProceed)

	// Same package, different slot still collides.
	res = d.CheckCollisions(pkgA, "1", []ports.InstalledFile{regular("/usr/bin/tool")})
	require.Len(t, res.Collisions, 1)
	assert.Equal(t, OwnedByOther, res.Collisions[0].Type)
}

func TestCheckCollisions_OrphanedFileIsAcceptable(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "etc/stray.conf"), []byte("x"), 0o644))

	d := New(Config{}, root)
	res := d.CheckCollisions(pkgA, "0", []ports.InstalledFile{regular("/etc/stray.conf")})
	require.Len(t, res.Collisions, 1)
	assert.Equal(t, Orphaned, res.Collisions[0].Type)
	assert.True(t, res.Collisions[0].Acceptable)
	assert.True(t, res.CanProceed)
}

func TestCheckCollisions_TypeMismatch(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/lib/mypkg"), 0o755))

	d := New(Config{}, root)

	// Candidate regular file vs on-disk directory.
	res := d.CheckCollisions(pkgA, "0", []ports.InstalledFile{regular("/usr/lib/mypkg")})
	require.Len(t, res.Collisions, 1)
	assert.Equal(t, TypeMismatch, res.Collisions[0].Type)
	assert.False(t, res.CanProceed)

	// Candidate directory vs existing directory merges cleanly.
	res = d.CheckCollisions(pkgA, "0", []ports.InstalledFile{
		{Path: "/usr/lib/mypkg", Type: ports.FileDirectory},
	})
	assert.Empty(t, res.Collisions)
	assert.True(t, res.CanProceed)
}

// Directories carry no exclusive owner: two packages installing into the
// same tree never conflict on the shared parents.
func TestCheckCollisions_SharedDirectoriesMerge(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "usr/bin"), 0o755))

	d := New(Config{}, root)
	d.RegisterFiles(pkgA, "0", []ports.InstalledFile{
		{Path: "/usr/bin", Type: ports.FileDirectory},
		regular("/usr/bin/alpha"),
	})

	res := d.CheckCollisions(pkgB, "0", []ports.InstalledFile{
		{Path: "/usr/bin", Type: ports.FileDirectory},
		regular("/usr/bin/beta"),
	})
	assert.Empty(t, res.Collisions)
	assert.True(t, res.CanProceed)

	_, _, ok := d.Owner("/usr/bin")
	assert.False(t, ok, "directories are not recorded as owned")
}

func TestCheckCollisions_IgnorePatternsAndTolerantTrees(t *testing.T) {
	d := New(Config{
		IgnorePatterns: []string{"*/.keep"},
		TolerantTrees:  []string{"/usr/share/doc"},
	}, t.TempDir())
	d.RegisterFiles(pkgA, "0", []ports.InstalledFile{
		regular("/usr/share/doc/readme"),
		regular("/var/lib/.keep"),
	})

	res := d.CheckCollisions(pkgB, "0", []ports.InstalledFile{
		regular("/usr/share/doc/readme"),
		regular("/var/lib/.keep"),
	})
	assert.Empty(t, res.Collisions)
	assert.True(t, res.CanProceed)
}

// Slashed patterns must match at any depth: filepath.Match alone cannot
// cross separators, so the stock "*/.keep" and "*/dir" globs rely on
// suffix matching.
func TestCheckCollisions_SlashedPatternsMatchDeepPaths(t *testing.T) {
	d := New(DefaultConfig(), t.TempDir())
	d.RegisterFiles(pkgA, "0", []ports.InstalledFile{
		regular("/var/lib/portage/.keep"),
		regular("/usr/share/info/dir"),
		regular("/usr/lib/python3.12/site.pyc"),
		regular("/usr/bin/tool"),
	})

	res := d.CheckCollisions(pkgB, "0", []ports.InstalledFile{
		regular("/var/lib/portage/.keep"),
		regular("/usr/share/info/dir"),
		regular("/usr/lib/python3.12/site.pyc"),
	})
	assert.Empty(t, res.Collisions)
	assert.True(t, res.CanProceed)

	// Suffix matching must not loosen ordinary paths.
	res = d.CheckCollisions(pkgB, "0", []ports.InstalledFile{regular("/usr/bin/tool")})
	require.Len(t, res.Collisions, 1)
	assert.Equal(t, OwnedByOther, res.Collisions[0].Type)
}

func TestCheckCollisions_ForceOverridesAcceptability(t *testing.T) {
	d := New(Config{Force: true}, t.TempDir())
	d.RegisterFiles(pkgA, "0", []ports.InstalledFile{regular("/usr/bin/tool")})

	res := d.CheckCollisions(pkgB, "0", []ports.InstalledFile{regular("/usr/bin/tool")})
	require.Len(t, res.Collisions, 1)
	assert.True(t, res.Collisions[0].Acceptable)
	assert.True(t, res.CanProceed)
}

func TestUnregisterPackage(t *testing.T) {
	d := New(Config{}, t.TempDir())
	d.RegisterFiles(pkgA, "0", []ports.InstalledFile{regular("/usr/bin/tool")})
	d.UnregisterPackage(pkgA, "0")

	res := d.CheckCollisions(pkgB, "0", []ports.InstalledFile{regular("/usr/bin/tool")})
	assert.Empty(t, res.Collisions)
	assert.True(t, res.CanProceed)

	_, _, ok := d.Owner("/usr/bin/tool")
	assert.False(t, ok)
}
