package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/blockers"
	"github.com/blackwell-systems/portforge/internal/ports"
	"github.com/blackwell-systems/portforge/internal/resolver"
	"github.com/blackwell-systems/portforge/internal/transaction"
)

// fakeIndex is an in-memory blockers.Available for planning tests.
type fakeIndex map[atom.PackageID][]*ports.PackageInfo

func (ix fakeIndex) Versions(id atom.PackageID) []*ports.PackageInfo { return ix[id] }

func TestParseAtoms(t *testing.T) {
	atoms, err := parseAtoms([]string{"sys-libs/zlib", ">=net-misc/curl-8.6.0"})
	require.NoError(t, err)
	require.Len(t, atoms, 2)
	assert.Equal(t, "zlib", atoms[0].ID.Name)
	assert.Equal(t, "curl", atoms[1].ID.Name)

	_, err = parseAtoms([]string{"not a package"})
	assert.Error(t, err)
}

func TestPlanOperations(t *testing.T) {
	zlib := atom.PackageID{Category: "sys-libs", Name: "zlib"}
	curl := atom.PackageID{Category: "net-misc", Name: "curl"}
	vim := atom.PackageID{Category: "app-editors", Name: "vim"}

	res := &resolver.Resolution{
		Packages: map[atom.PackageID]*ports.PackageInfo{
			zlib: {ID: zlib, Version: atom.MustParseVersion("1.3.0")},
			curl: {ID: curl, Version: atom.MustParseVersion("8.6.0")},
			vim:  {ID: vim, Version: atom.MustParseVersion("9.1.0")},
		},
		Order: []atom.PackageID{zlib, curl, vim},
	}
	installed := []*ports.InstalledPackage{
		// curl needs an upgrade, vim is already satisfied.
		{ID: curl, Version: atom.MustParseVersion("8.5.0"), Slot: "0"},
		{ID: vim, Version: atom.MustParseVersion("9.1.0"), Slot: "0"},
	}

	ops, err := planOperations(res, installed, map[atom.PackageID]bool{vim: true}, nil, false, nil)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.Equal(t, transaction.OpInstall, ops[0].Kind)
	assert.Equal(t, zlib, ops[0].ID())
	assert.False(t, ops[0].Explicit)

	assert.Equal(t, transaction.OpUpgrade, ops[1].Kind)
	assert.Equal(t, curl, ops[1].ID())
}

func TestPlanOperations_ForceReinstallsSatisfied(t *testing.T) {
	vim := atom.PackageID{Category: "app-editors", Name: "vim"}
	res := &resolver.Resolution{
		Packages: map[atom.PackageID]*ports.PackageInfo{
			vim: {ID: vim, Version: atom.MustParseVersion("9.1.0")},
		},
		Order: []atom.PackageID{vim},
	}
	installed := []*ports.InstalledPackage{
		{ID: vim, Version: atom.MustParseVersion("9.1.0"), Slot: "0"},
	}

	ops, err := planOperations(res, installed, nil, nil, false, nil)
	require.NoError(t, err)
	assert.Empty(t, ops)

	ops, err = planOperations(res, installed, nil, nil, true, nil)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, transaction.OpUpgrade, ops[0].Kind)
}

// A candidate claiming a slot the package is not installed in is a fresh
// install, never an upgrade of some other slot.
func TestPlanOperations_NewSlotIsInstall(t *testing.T) {
	python := atom.PackageID{Category: "dev-lang", Name: "python"}
	cand := &ports.PackageInfo{ID: python, Version: atom.MustParseVersion("3.12.1"), Slot: "3.12"}
	res := &resolver.Resolution{
		Packages: map[atom.PackageID]*ports.PackageInfo{python: cand},
		Order:    []atom.PackageID{python},
	}
	installed := []*ports.InstalledPackage{
		{ID: python, Version: atom.MustParseVersion("3.11.8"), Slot: "3.11"},
	}

	ops, err := planOperations(res, installed, nil, nil, false, nil)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, transaction.OpInstall, ops[0].Kind)
	assert.Equal(t, "3.12", ops[0].EffectiveSlot())
}

func TestPlanOperations_BlockerRemoval(t *testing.T) {
	old := atom.PackageID{Category: "app-misc", Name: "legacy"}
	res := &resolver.Resolution{
		BlockerActions: []blockers.Action{
			{Kind: blockers.RemoveTarget, Target: old},
		},
	}
	installed := []*ports.InstalledPackage{
		{ID: old, Version: atom.MustParseVersion("1.0.0"), Slot: "0"},
	}

	ops, err := planOperations(res, installed, nil, nil, false, nil)
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, transaction.OpRemove, ops[0].Kind)
	assert.Equal(t, old, ops[0].Target)
	assert.True(t, ops[0].Force)
}

// An upgrade action on a blocked installed package becomes an upgrade
// operation to the resolved replacement; the blocked version must never
// simply stay in place.
func TestPlanOperations_BlockerUpgradeTarget(t *testing.T) {
	newPkg := atom.PackageID{Category: "app-misc", Name: "new"}
	ssl := atom.PackageID{Category: "sys-libs", Name: "ssl"}

	replacement := &ports.PackageInfo{ID: ssl, Version: atom.MustParseVersion("2.1.0")}
	ix := fakeIndex{ssl: {replacement}}

	res := &resolver.Resolution{
		Packages: map[atom.PackageID]*ports.PackageInfo{
			newPkg: {ID: newPkg, Version: atom.MustParseVersion("1.0.0")},
		},
		Order: []atom.PackageID{newPkg},
		BlockerActions: []blockers.Action{{
			Kind:    blockers.UpgradeTarget,
			Target:  ssl,
			Version: atom.MustParseVersion("2.1.0"),
			Blocker: ports.Blocker{
				Package:        newPkg,
				Blocked:        ssl,
				BlockedVersion: atom.VersionSpec{Op: atom.OpLessThan, Version: atom.MustParseVersion("2.0.0")},
				Type:           ports.HardBlocker,
			},
		}},
	}
	installed := []*ports.InstalledPackage{
		{ID: ssl, Version: atom.MustParseVersion("1.9.0"), Slot: "0"},
	}

	ops, err := planOperations(res, installed, nil, nil, false, ix)
	require.NoError(t, err)
	require.Len(t, ops, 2)

	assert.Equal(t, transaction.OpInstall, ops[0].Kind)
	assert.Equal(t, newPkg, ops[0].ID())

	assert.Equal(t, transaction.OpUpgrade, ops[1].Kind)
	assert.Equal(t, ssl, ops[1].ID())
	assert.Equal(t, "2.1.0", ops[1].Package.Version.String())
}

func TestPlanOperations_BlockerReplacementMissingFails(t *testing.T) {
	ssl := atom.PackageID{Category: "sys-libs", Name: "ssl"}
	res := &resolver.Resolution{
		BlockerActions: []blockers.Action{{
			Kind:    blockers.UpgradeTarget,
			Target:  ssl,
			Version: atom.MustParseVersion("2.1.0"),
		}},
	}
	installed := []*ports.InstalledPackage{
		{ID: ssl, Version: atom.MustParseVersion("1.9.0"), Slot: "0"},
	}

	_, err := planOperations(res, installed, nil, nil, false, fakeIndex{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not in the index")
}

func TestRootCommandRegistration(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range RootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"sync", "install", "remove", "upgrade", "depclean", "status"} {
		assert.True(t, names[want], "command %s registered", want)
	}
}
