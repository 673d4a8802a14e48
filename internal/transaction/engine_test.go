package transaction

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/build"
	"github.com/blackwell-systems/portforge/internal/collision"
	"github.com/blackwell-systems/portforge/internal/ports"
	"github.com/blackwell-systems/portforge/internal/store"
)

// stubBuilder serves prebuilt image directories instead of running
// anything.
type stubBuilder struct {
	images map[string]string
	fail   map[string]bool
}

func (b *stubBuilder) Build(_ context.Context, target string) (*build.Result, error) {
	if b.fail[target] {
		return &build.Result{Target: target}, &build.Error{Target: target, Message: "build failed"}
	}
	dir, ok := b.images[target]
	if !ok {
		return &build.Result{Target: target}, &build.Error{Target: target, Message: "no image registered"}
	}
	return &build.Result{Target: target, Success: true, OutputPath: dir}, nil
}

type testEnv struct {
	engine  *Engine
	store   *store.Store
	builder *stubBuilder
	root    string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.CreateSchema())

	builder := &stubBuilder{images: map[string]string{}, fail: map[string]bool{}}
	root := t.TempDir()

	engine := New(st, builder, Config{
		Root:      root,
		BackupDir: t.TempDir(),
		Collision: collision.DefaultConfig(),
	})

	return &testEnv{engine: engine, store: st, builder: builder, root: root}
}

// makeImage materializes an image directory with the given relative path
// to content mapping.
func makeImage(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for rel, content := range files {
		full := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	return dir
}

func candidate(t *testing.T, id, version, target string, deps ...ports.Dependency) *ports.PackageInfo {
	t.Helper()
	pid, err := atom.ParsePackageID(id)
	require.NoError(t, err)
	return &ports.PackageInfo{
		ID:           pid,
		Version:      atom.MustParseVersion(version),
		BuildTarget:  target,
		Dependencies: deps,
	}
}

func runtimeDep(t *testing.T, id string) ports.Dependency {
	t.Helper()
	pid, err := atom.ParsePackageID(id)
	require.NoError(t, err)
	return ports.Dependency{Package: pid, RunTime: true}
}

// installOne commits a single-install transaction, used as test setup.
func (env *testEnv) installOne(t *testing.T, pkg *ports.PackageInfo, files map[string]string, explicit bool) {
	t.Helper()
	env.builder.images[pkg.BuildTarget] = makeImage(t, files)
	err := env.engine.Execute(context.Background(), []Operation{Install(pkg, nil, explicit)}, "test setup")
	require.NoError(t, err)
}

func (env *testEnv) readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(env.root, path))
	require.NoError(t, err)
	return string(data)
}

func TestExecute_InstallRecordsPackageAndFiles(t *testing.T) {
	env := newTestEnv(t)

	pkg := candidate(t, "sys-libs/zlib", "1.3.0", "sys-libs/zlib-1.3.0")
	env.installOne(t, pkg, map[string]string{
		"usr/lib/libz.so.1.3": "ELF zlib",
		"usr/include/zlib.h":  "header",
	}, false)

	assert.Equal(t, "ELF zlib", env.readFile(t, "usr/lib/libz.so.1.3"))

	rec, err := env.store.GetPackage(pkg.ID, "0")
	require.NoError(t, err)
	assert.Equal(t, "1.3.0", rec.Version.String())
	assert.False(t, rec.Explicit)

	var paths []string
	for _, f := range rec.Files {
		paths = append(paths, f.Path)
		if f.Type == ports.FileRegular {
			assert.NotEmpty(t, f.Hash, "regular files carry content hashes")
		}
	}
	assert.Contains(t, paths, "/usr/lib/libz.so.1.3")
	assert.Contains(t, paths, "/usr/include/zlib.h")
	assert.Contains(t, paths, "/usr/lib", "parent directories are part of the manifest")
}

func TestExecute_ExplicitInstallJoinsWorld(t *testing.T) {
	env := newTestEnv(t)

	pkg := candidate(t, "app-editors/vim", "9.1.0", "app-editors/vim-9.1.0")
	env.installOne(t, pkg, map[string]string{"usr/bin/vim": "vim"}, true)

	inWorld, err := env.store.InWorld(pkg.ID)
	require.NoError(t, err)
	assert.True(t, inWorld)

	rec, err := env.store.LastTransaction()
	require.NoError(t, err)
	assert.Equal(t, store.TxCommitted, rec.State)
}

func TestExecute_RemoveDeletesFilesAndRecord(t *testing.T) {
	env := newTestEnv(t)

	pkg := candidate(t, "app-misc/tool", "1.0.0", "app-misc/tool-1.0.0")
	env.installOne(t, pkg, map[string]string{"usr/bin/tool": "v1"}, true)

	err := env.engine.Execute(context.Background(),
		[]Operation{Remove(pkg.ID, "0", false)}, "remove tool")
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(env.root, "usr/bin/tool"))

	_, err = env.store.GetPackage(pkg.ID, "0")
	assert.ErrorIs(t, err, store.ErrNotFound)

	inWorld, err := env.store.InWorld(pkg.ID)
	require.NoError(t, err)
	assert.False(t, inWorld, "removal drops the world entry")
}

func TestExecute_RemoveRefusedWithDependents(t *testing.T) {
	env := newTestEnv(t)

	lib := candidate(t, "sys-libs/libfoo", "1.0.0", "sys-libs/libfoo-1.0.0")
	app := candidate(t, "app-misc/foo", "2.0.0", "app-misc/foo-2.0.0",
		runtimeDep(t, "sys-libs/libfoo"))

	env.installOne(t, lib, map[string]string{"usr/lib/libfoo.so": "lib"}, false)
	env.installOne(t, app, map[string]string{"usr/bin/foo": "app"}, true)

	err := env.engine.Execute(context.Background(),
		[]Operation{Remove(lib.ID, "0", false)}, "remove libfoo")
	require.Error(t, err)

	assert.ErrorIs(t, err, ErrHasDependents)

	var derr *DependentsError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, lib.ID, derr.Package)
	assert.Contains(t, derr.Dependents, app.ID)

	// Nothing changed.
	assert.FileExists(t, filepath.Join(env.root, "usr/lib/libfoo.so"))
	_, err = env.store.GetPackage(lib.ID, "0")
	assert.NoError(t, err)
}

func TestExecute_RemoveDependencyAndDependentTogether(t *testing.T) {
	env := newTestEnv(t)

	lib := candidate(t, "sys-libs/libfoo", "1.0.0", "sys-libs/libfoo-1.0.0")
	app := candidate(t, "app-misc/foo", "2.0.0", "app-misc/foo-2.0.0",
		runtimeDep(t, "sys-libs/libfoo"))

	env.installOne(t, lib, map[string]string{"usr/lib/libfoo.so": "lib"}, false)
	env.installOne(t, app, map[string]string{"usr/bin/foo": "app"}, true)

	err := env.engine.Execute(context.Background(), []Operation{
		Remove(lib.ID, "0", false),
		Remove(app.ID, "0", false),
	}, "remove both")
	require.NoError(t, err)

	pkgs, err := env.store.ListPackages()
	require.NoError(t, err)
	assert.Empty(t, pkgs)
}

func TestExecute_ForceRemoveIgnoresDependents(t *testing.T) {
	env := newTestEnv(t)

	lib := candidate(t, "sys-libs/libfoo", "1.0.0", "sys-libs/libfoo-1.0.0")
	app := candidate(t, "app-misc/foo", "2.0.0", "app-misc/foo-2.0.0",
		runtimeDep(t, "sys-libs/libfoo"))

	env.installOne(t, lib, map[string]string{"usr/lib/libfoo.so": "lib"}, false)
	env.installOne(t, app, map[string]string{"usr/bin/foo": "app"}, true)

	err := env.engine.Execute(context.Background(),
		[]Operation{Remove(lib.ID, "0", true)}, "force remove")
	require.NoError(t, err)

	_, err = env.store.GetPackage(lib.ID, "0")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecute_RemovalsRunBeforeInstalls(t *testing.T) {
	env := newTestEnv(t)

	old := candidate(t, "app-misc/oldtool", "1.0.0", "app-misc/oldtool-1.0.0")
	env.installOne(t, old, map[string]string{"usr/bin/tool": "old"}, true)

	// The replacement owns the same path. The transaction is handed
	// install-first; partitioning must still run the removal first or the
	// merge would collide.
	repl := candidate(t, "app-misc/newtool", "1.0.0", "app-misc/newtool-1.0.0")
	env.builder.images[repl.BuildTarget] = makeImage(t, map[string]string{"usr/bin/tool": "new"})

	err := env.engine.Execute(context.Background(), []Operation{
		Install(repl, nil, true),
		Remove(old.ID, "0", true),
	}, "replace tool")
	require.NoError(t, err)

	assert.Equal(t, "new", env.readFile(t, "usr/bin/tool"))

	_, err = env.store.GetPackage(old.ID, "0")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = env.store.GetPackage(repl.ID, "0")
	assert.NoError(t, err)
}

func TestExecute_UpgradeReplacesFiles(t *testing.T) {
	env := newTestEnv(t)

	v1 := candidate(t, "net-misc/curl", "8.5.0", "net-misc/curl-8.5.0")
	env.installOne(t, v1, map[string]string{
		"usr/bin/curl":          "curl 8.5",
		"usr/lib/libcurl.so.85": "lib85",
	}, true)

	v2 := candidate(t, "net-misc/curl", "8.6.0", "net-misc/curl-8.6.0")
	env.builder.images[v2.BuildTarget] = makeImage(t, map[string]string{
		"usr/bin/curl":          "curl 8.6",
		"usr/lib/libcurl.so.86": "lib86",
	})

	err := env.engine.Execute(context.Background(),
		[]Operation{Upgrade(v2, nil)}, "upgrade curl")
	require.NoError(t, err)

	assert.Equal(t, "curl 8.6", env.readFile(t, "usr/bin/curl"))
	assert.FileExists(t, filepath.Join(env.root, "usr/lib/libcurl.so.86"))
	assert.NoFileExists(t, filepath.Join(env.root, "usr/lib/libcurl.so.85"),
		"old version's files are unmerged")

	rec, err := env.store.GetPackage(v2.ID, "0")
	require.NoError(t, err)
	assert.Equal(t, "8.6.0", rec.Version.String())
}

func TestExecute_BuildFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)

	pkg := candidate(t, "app-misc/broken", "1.0.0", "app-misc/broken-1.0.0")
	env.builder.fail[pkg.BuildTarget] = true

	err := env.engine.Execute(context.Background(),
		[]Operation{Install(pkg, nil, true)}, "install broken")
	require.Error(t, err)

	var berr *build.Error
	assert.ErrorAs(t, err, &berr)

	pkgs, err := env.store.ListPackages()
	require.NoError(t, err)
	assert.Empty(t, pkgs)

	rec, err := env.store.LastTransaction()
	require.NoError(t, err)
	assert.Equal(t, store.TxRolledBack, rec.State)
}

func TestExecute_MidTransactionFailureRollsBackEverything(t *testing.T) {
	env := newTestEnv(t)

	// Pre-state: one committed package owning a path.
	existing := candidate(t, "sys-apps/base", "1.0.0", "sys-apps/base-1.0.0")
	env.installOne(t, existing, map[string]string{"usr/bin/base": "base v1"}, true)

	// Op 1 merges cleanly; op 2 collides with the pre-installed package
	// and must take op 1 down with it.
	good := candidate(t, "app-misc/good", "1.0.0", "app-misc/good-1.0.0")
	env.builder.images[good.BuildTarget] = makeImage(t, map[string]string{"usr/bin/good": "good"})

	bad := candidate(t, "app-misc/bad", "1.0.0", "app-misc/bad-1.0.0")
	env.builder.images[bad.BuildTarget] = makeImage(t, map[string]string{"usr/bin/base": "stolen"})

	err := env.engine.Execute(context.Background(), []Operation{
		Install(good, nil, true),
		Install(bad, nil, true),
	}, "doomed batch")
	require.Error(t, err)

	var cerr *CollisionError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, bad.ID, cerr.Package)

	// Database holds exactly the pre-transaction set.
	pkgs, err := env.store.ListPackages()
	require.NoError(t, err)
	require.Len(t, pkgs, 1)
	assert.Equal(t, existing.ID, pkgs[0].ID)

	inWorld, err := env.store.InWorld(good.ID)
	require.NoError(t, err)
	assert.False(t, inWorld)

	// Files touched by the successful first operation are gone, the
	// pre-existing file is intact.
	assert.NoFileExists(t, filepath.Join(env.root, "usr/bin/good"))
	assert.Equal(t, "base v1", env.readFile(t, "usr/bin/base"))
}

func TestExecute_RollbackRestoresRemovedFiles(t *testing.T) {
	env := newTestEnv(t)

	victim := candidate(t, "app-misc/victim", "1.0.0", "app-misc/victim-1.0.0")
	env.installOne(t, victim, map[string]string{"usr/bin/victim": "keep me"}, true)

	other := candidate(t, "sys-apps/base", "1.0.0", "sys-apps/base-1.0.0")
	env.installOne(t, other, map[string]string{"usr/bin/base": "base"}, true)

	// Removal succeeds, then the install collides with sys-apps/base.
	bad := candidate(t, "app-misc/bad", "1.0.0", "app-misc/bad-1.0.0")
	env.builder.images[bad.BuildTarget] = makeImage(t, map[string]string{"usr/bin/base": "stolen"})

	err := env.engine.Execute(context.Background(), []Operation{
		Remove(victim.ID, "0", true),
		Install(bad, nil, true),
	}, "doomed batch")
	require.Error(t, err)

	// The removed package's files came back from backup.
	assert.Equal(t, "keep me", env.readFile(t, "usr/bin/victim"))
	_, err = env.store.GetPackage(victim.ID, "0")
	assert.NoError(t, err, "database removal was rolled back")
}

func TestExecute_OrphanOverwriteRestoredOnRollback(t *testing.T) {
	env := newTestEnv(t)

	// An unowned file sits where the first install wants to write.
	require.NoError(t, os.MkdirAll(filepath.Join(env.root, "etc"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(env.root, "etc/app.conf"), []byte("hand edited"), 0o644))

	existing := candidate(t, "sys-apps/base", "1.0.0", "sys-apps/base-1.0.0")
	env.installOne(t, existing, map[string]string{"usr/bin/base": "base"}, true)

	good := candidate(t, "app-misc/good", "1.0.0", "app-misc/good-1.0.0")
	env.builder.images[good.BuildTarget] = makeImage(t, map[string]string{"etc/app.conf": "packaged"})

	bad := candidate(t, "app-misc/bad", "1.0.0", "app-misc/bad-1.0.0")
	env.builder.images[bad.BuildTarget] = makeImage(t, map[string]string{"usr/bin/base": "stolen"})

	err := env.engine.Execute(context.Background(), []Operation{
		Install(good, nil, false),
		Install(bad, nil, false),
	}, "doomed batch")
	require.Error(t, err)

	assert.Equal(t, "hand edited", env.readFile(t, "etc/app.conf"),
		"overwritten orphan is restored on rollback")
}

// Files the collision check waves through as exempt (tolerant trees,
// ignore globs) are still overwrites: a rollback must restore their old
// content, not delete them as freshly written paths.
func TestExecute_ExemptOverwriteRestoredOnRollback(t *testing.T) {
	env := newTestEnv(t)

	owner := candidate(t, "app-doc/owner", "1.0.0", "app-doc/owner-1.0.0")
	env.installOne(t, owner, map[string]string{"usr/share/doc/readme": "original"}, true)

	base := candidate(t, "sys-apps/base", "1.0.0", "sys-apps/base-1.0.0")
	env.installOne(t, base, map[string]string{"usr/bin/base": "base"}, true)

	// /usr/share/doc is a tolerant tree in the stock config, so this
	// overwrite of another package's file raises no collision.
	good := candidate(t, "app-doc/other", "1.0.0", "app-doc/other-1.0.0")
	env.builder.images[good.BuildTarget] = makeImage(t, map[string]string{"usr/share/doc/readme": "replacement"})

	bad := candidate(t, "app-misc/bad", "1.0.0", "app-misc/bad-1.0.0")
	env.builder.images[bad.BuildTarget] = makeImage(t, map[string]string{"usr/bin/base": "stolen"})

	err := env.engine.Execute(context.Background(), []Operation{
		Install(good, nil, false),
		Install(bad, nil, false),
	}, "doomed batch")
	require.Error(t, err)

	assert.Equal(t, "original", env.readFile(t, "usr/share/doc/readme"),
		"exempt overwrite is restored, not deleted")

	_, err = env.store.GetPackage(good.ID, "0")
	assert.Error(t, err, "rolled-back install leaves no record")
}

func TestExecute_EmptyOperationListIsNoop(t *testing.T) {
	env := newTestEnv(t)

	err := env.engine.Execute(context.Background(), nil, "nothing")
	require.NoError(t, err)

	_, err = env.store.LastTransaction()
	assert.ErrorIs(t, err, store.ErrNotFound, "no journal entry for an empty batch")
}

func TestExecute_CommitDiscardsBackups(t *testing.T) {
	env := newTestEnv(t)

	pkg := candidate(t, "app-misc/tool", "1.0.0", "app-misc/tool-1.0.0")
	env.installOne(t, pkg, map[string]string{"usr/bin/tool": "v1"}, true)

	entries, err := os.ReadDir(env.engine.cfg.BackupDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "committed transactions leave no backup trees")
}
