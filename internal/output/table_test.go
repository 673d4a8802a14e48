package output

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/ports"
	"github.com/blackwell-systems/portforge/internal/resolver"
	"github.com/blackwell-systems/portforge/internal/store"
)

func pkgID(cat, name string) atom.PackageID {
	return atom.PackageID{Category: cat, Name: name}
}

func testResolution() *resolver.Resolution {
	zlib := pkgID("sys-libs", "zlib")
	curl := pkgID("net-misc", "curl")
	return &resolver.Resolution{
		Packages: map[atom.PackageID]*ports.PackageInfo{
			zlib: {ID: zlib, Version: atom.MustParseVersion("1.3.0"), SizeBytes: 1 << 20},
			curl: {ID: curl, Version: atom.MustParseVersion("8.6.0"), SizeBytes: 4 << 20},
		},
		Order: []atom.PackageID{zlib, curl},
	}
}

func TestRenderPlan(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	installed := []*ports.InstalledPackage{
		{ID: pkgID("net-misc", "curl"), Version: atom.MustParseVersion("8.5.0")},
	}

	out := RenderPlan(testResolution(), installed)
	assert.Contains(t, out, "sys-libs/zlib")
	assert.Contains(t, out, "[N]")
	assert.Contains(t, out, "[U]", "installed older version marks an upgrade")
	assert.Contains(t, out, "2 packages (1 new, 1 upgrades)")
}

func TestRenderPlan_Empty(t *testing.T) {
	out := RenderPlan(&resolver.Resolution{}, nil)
	assert.Equal(t, "Nothing to do.\n", out)
}

func TestRenderDecisions(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	out := RenderDecisions([]resolver.Decision{
		{Package: pkgID("sys-libs", "zlib"), Version: atom.MustParseVersion("1.3.0"), Slot: "0", Reason: "newest"},
		{Package: pkgID("net-misc", "curl"), Version: atom.MustParseVersion("8.5.0"), Slot: "0", Reason: "constraint", Backtrack: true},
	})
	assert.Contains(t, out, "sys-libs/zlib-1.3.0:0")
	assert.Contains(t, out, "[backtrack]")

	assert.Empty(t, RenderDecisions(nil))
}

func TestRenderInstalledTable(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	out := RenderInstalledTable([]*ports.InstalledPackage{
		{
			ID:          pkgID("sys-libs", "zlib"),
			Version:     atom.MustParseVersion("1.3.0"),
			Slot:        "0",
			SizeBytes:   2 << 20,
			InstalledAt: time.Now().Add(-48 * time.Hour),
			Explicit:    true,
		},
	})
	assert.Contains(t, out, "sys-libs/zlib")
	assert.Contains(t, out, "yes")
	assert.Contains(t, out, "1 packages")

	assert.Equal(t, "No packages installed.\n", RenderInstalledTable(nil))
}

func TestRenderDepcleanTable(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	out := RenderDepcleanTable([]*ports.InstalledPackage{
		{ID: pkgID("dev-libs", "unused"), Version: atom.MustParseVersion("1.0.0"), SizeBytes: 512},
	})
	assert.Contains(t, out, "dev-libs/unused")
	assert.Contains(t, out, "Reclaimable:")

	assert.Equal(t, "No orphaned packages found.\n", RenderDepcleanTable(nil))
}

func TestRenderTransaction(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	out := RenderTransaction(&store.TransactionRecord{
		ID:             "abc-123",
		State:          store.TxCommitted,
		OperationCount: 3,
		StartedAt:      time.Now().Add(-time.Hour),
	})
	assert.Contains(t, out, "abc-123")
	assert.Contains(t, out, store.TxCommitted)
	assert.Contains(t, out, "3 operations")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "exactly-10", truncate("exactly-10", 10))
	assert.Equal(t, "much-lo...", truncate("much-longer-than-ten", 10))
	assert.Equal(t, "ab", truncate("abcd", 2))
}

func TestProgressBar_NonTTY(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(2)
	p.SetWriter(&buf)

	p.Step("sys-libs/zlib")
	assert.Empty(t, buf.String(), "non-TTY stays quiet until completion")

	p.Step("net-misc/curl")
	assert.Contains(t, buf.String(), "100%")
	assert.Contains(t, buf.String(), "(2/2)")

	before := buf.Len()
	p.Finish()
	assert.Equal(t, before, buf.Len(), "no duplicate completion line")
}

func TestProgressBar_FinishWithoutSteps(t *testing.T) {
	var buf bytes.Buffer
	p := NewProgress(3)
	p.SetWriter(&buf)
	p.Finish()
	assert.Contains(t, buf.String(), "100%")
}
