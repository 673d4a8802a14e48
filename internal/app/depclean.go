package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/portforge/internal/depclean"
	"github.com/blackwell-systems/portforge/internal/output"
	"github.com/blackwell-systems/portforge/internal/transaction"
)

var depcleanFlagPretend bool

var depcleanCmd = &cobra.Command{
	Use:   "depclean",
	Short: "Remove packages nothing depends on anymore",
	Long: `Find installed packages that were pulled in as dependencies and are no
longer needed by anything in the world or system sets, then remove them
in one transaction.

Packages listed in the configuration's system set are never touched.`,
	RunE: runDepclean,
}

func init() {
	depcleanCmd.Flags().BoolVarP(&depcleanFlagPretend, "pretend", "p", false, "show candidates without removing them")
	RootCmd.AddCommand(depcleanCmd)
}

func runDepclean(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	analyzer := depclean.New(st, cfg.SystemSet())
	candidates, err := analyzer.Candidates()
	if err != nil {
		return err
	}

	fmt.Print(output.RenderDepcleanTable(candidates))
	if depcleanFlagPretend || len(candidates) == 0 {
		return nil
	}

	ops := make([]transaction.Operation, 0, len(candidates))
	for _, pkg := range candidates {
		ops = append(ops, transaction.Remove(pkg.ID, pkg.Slot, false))
	}

	engine := newEngine(cfg, st, false)
	if err := engine.Execute(cmd.Context(), ops, "depclean"); err != nil {
		return err
	}

	fmt.Printf("Removed %d orphaned packages.\n", len(ops))
	return nil
}
