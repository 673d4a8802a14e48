package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/portforge/internal/transaction"
)

var removeFlagForce bool

var removeCmd = &cobra.Command{
	Use:   "remove [atoms...]",
	Short: "Unmerge installed packages",
	Long: `Remove installed packages and their database records in one atomic
transaction. Removal is refused while other installed packages still
depend on a target, unless --force is given.

A trailing ":slot" selects one slot; otherwise slot "0" is assumed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRemove,
}

func init() {
	removeCmd.Flags().BoolVar(&removeFlagForce, "force", false, "remove even with installed dependents")
	RootCmd.AddCommand(removeCmd)
}

func runRemove(cmd *cobra.Command, args []string) error {
	atoms, err := parseAtoms(args)
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ops := make([]transaction.Operation, 0, len(atoms))
	for _, a := range atoms {
		slot := a.Slot
		if slot == "" {
			slot = "0"
		}
		// Fails early with a clear message when the target is absent.
		if _, err := st.GetPackage(a.ID, slot); err != nil {
			return err
		}
		ops = append(ops, transaction.Remove(a.ID, slot, removeFlagForce))
	}

	engine := newEngine(cfg, st, false)
	reason := "remove " + strings.Join(args, " ")
	if err := engine.Execute(cmd.Context(), ops, reason); err != nil {
		return err
	}

	fmt.Printf("Removed %d packages.\n", len(ops))
	return nil
}
