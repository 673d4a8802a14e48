// Package output renders terminal output for portforge: the resolution
// plan, installed-package and depclean tables, and progress bars for
// builds. Tables are plain ASCII with ANSI colors when stdout is a
// terminal.
package output

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-isatty"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/blockers"
	"github.com/blackwell-systems/portforge/internal/ports"
	"github.com/blackwell-systems/portforge/internal/resolver"
	"github.com/blackwell-systems/portforge/internal/store"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorRed    = "\033[31m"
	colorCyan   = "\033[36m"
)

// IsColorEnabled reports whether ANSI color codes should be emitted:
// stdout is a TTY and NO_COLOR is unset.
func IsColorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd())
}

func colorize(color, text string) string {
	if IsColorEnabled() {
		return color + text + colorReset
	}
	return text
}

// RenderPlan renders the resolved operation list in build order, marking
// each entry new, upgrade, downgrade or reinstall against the installed
// set.
func RenderPlan(res *resolver.Resolution, installed []*ports.InstalledPackage) string {
	if len(res.Order) == 0 {
		return "Nothing to do.\n"
	}

	current := make(map[atom.PackageID]atom.Version, len(installed))
	for _, p := range installed {
		current[p.ID] = p.Version
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-3s %-34s %-16s %-6s %s\n",
		"", "Package", "Version", "Slot", "Size"))
	sb.WriteString(strings.Repeat("─", 70))
	sb.WriteString("\n")

	var totalSize int64
	var installs, upgrades int
	for _, id := range res.Order {
		pkg := res.Packages[id]
		if pkg == nil {
			continue
		}

		marker := colorize(colorGreen, "N")
		if have, ok := current[id]; ok {
			switch {
			case have.Less(pkg.Version):
				marker = colorize(colorCyan, "U")
				upgrades++
			case pkg.Version.Less(have):
				marker = colorize(colorYellow, "D")
			default:
				marker = colorize(colorYellow, "R")
			}
		} else {
			installs++
		}

		totalSize += pkg.SizeBytes
		sb.WriteString(fmt.Sprintf("[%s] %-34s %-16s %-6s %s\n",
			marker,
			truncate(id.String(), 34),
			pkg.Version.String(),
			pkg.EffectiveSlot(),
			humanize.IBytes(uint64(pkg.SizeBytes))))
	}

	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%d packages (%d new, %d upgrades), %s total\n",
		len(res.Order), installs, upgrades, humanize.IBytes(uint64(totalSize))))

	if res.Backtracks > 0 {
		sb.WriteString(fmt.Sprintf("Resolved after %d backtracks.\n", res.Backtracks))
	}
	for _, brk := range res.Breaks {
		sb.WriteString("Cycle: " + brk.Describe() + "\n")
	}
	for _, action := range res.BlockerActions {
		sb.WriteString("Blocker: " + describeAction(action) + "\n")
	}

	return sb.String()
}

// RenderDecisions renders the resolver's decision trail for --pretend.
func RenderDecisions(decisions []resolver.Decision) string {
	if len(decisions) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Decision trail:\n")
	for _, d := range decisions {
		line := fmt.Sprintf("  %s-%s:%s  (%s)", d.Package, d.Version, d.Slot, d.Reason)
		if d.Backtrack {
			line += " " + colorize(colorRed, "[backtrack]")
		}
		sb.WriteString(line + "\n")
	}
	return sb.String()
}

func describeAction(a blockers.Action) string {
	switch a.Kind {
	case blockers.OrderedInstall:
		return fmt.Sprintf("install %s before %s", a.InstallFirst, a.Blocker.Package)
	case blockers.UpgradeTarget:
		return fmt.Sprintf("upgrade %s to %s", a.Target, a.Version)
	case blockers.DowngradeTarget:
		return fmt.Sprintf("downgrade %s to %s", a.Target, a.Version)
	case blockers.RemoveTarget:
		return colorize(colorRed, fmt.Sprintf("remove %s", a.Target))
	default:
		return a.Kind.String()
	}
}

// RenderInstalledTable renders the installed-package summary for status.
func RenderInstalledTable(packages []*ports.InstalledPackage) string {
	if len(packages) == 0 {
		return "No packages installed.\n"
	}

	sorted := make([]*ports.InstalledPackage, len(packages))
	copy(sorted, packages)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ID.Less(sorted[j].ID)
	})

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-34s %-16s %-6s %-9s %-10s %s\n",
		"Package", "Version", "Slot", "Size", "World", "Installed"))
	sb.WriteString(strings.Repeat("─", 92))
	sb.WriteString("\n")

	var totalSize int64
	for _, pkg := range sorted {
		world := ""
		if pkg.Explicit {
			world = colorize(colorGreen, "yes")
		}
		totalSize += pkg.SizeBytes
		sb.WriteString(fmt.Sprintf("%-34s %-16s %-6s %-9s %-10s %s\n",
			truncate(pkg.ID.String(), 34),
			pkg.Version.String(),
			pkg.Slot,
			humanize.IBytes(uint64(pkg.SizeBytes)),
			world,
			humanize.Time(pkg.InstalledAt)))
	}

	sb.WriteString(fmt.Sprintf("\n%d packages, %s\n",
		len(sorted), humanize.IBytes(uint64(totalSize))))
	return sb.String()
}

// RenderDepcleanTable renders removal candidates with reclaimable space.
func RenderDepcleanTable(candidates []*ports.InstalledPackage) string {
	if len(candidates) == 0 {
		return "No orphaned packages found.\n"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-34s %-16s %-9s %s\n",
		"Package", "Version", "Size", "Installed"))
	sb.WriteString(strings.Repeat("─", 76))
	sb.WriteString("\n")

	var totalSize int64
	for _, pkg := range candidates {
		totalSize += pkg.SizeBytes
		sb.WriteString(fmt.Sprintf("%-34s %-16s %-9s %s\n",
			truncate(pkg.ID.String(), 34),
			pkg.Version.String(),
			humanize.IBytes(uint64(pkg.SizeBytes)),
			humanize.Time(pkg.InstalledAt)))
	}

	sb.WriteString(fmt.Sprintf("\nReclaimable: %s across %d packages\n",
		humanize.IBytes(uint64(totalSize)), len(candidates)))
	return sb.String()
}

// RenderTransaction renders the last journal entry for status.
func RenderTransaction(rec *store.TransactionRecord) string {
	state := rec.State
	switch state {
	case store.TxCommitted:
		state = colorize(colorGreen, state)
	case store.TxRolledBack:
		state = colorize(colorRed, state)
	case store.TxPending:
		state = colorize(colorYellow, state)
	}
	return fmt.Sprintf("Last transaction: %s (%s, %d operations, %s)\n",
		rec.ID, state, rec.OperationCount, humanize.Time(rec.StartedAt))
}

// truncate shortens a string to maxLen, marking the cut with "...".
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return s[:maxLen]
	}
	return s[:maxLen-3] + "..."
}
