package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/output"
	"github.com/blackwell-systems/portforge/internal/resolver"
)

var upgradeFlagPretend bool

var upgradeCmd = &cobra.Command{
	Use:   "upgrade [atoms...]",
	Short: "Re-resolve installed packages against the ports tree",
	Long: `Resolve the named packages (or, with no arguments, the whole world set)
against the current ports tree and merge every newer selection.`,
	RunE: runUpgrade,
}

func init() {
	upgradeCmd.Flags().BoolVarP(&upgradeFlagPretend, "pretend", "p", false, "show what would be upgraded without doing it")
	RootCmd.AddCommand(upgradeCmd)
}

func runUpgrade(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	index, err := openIndex(cfg)
	if err != nil {
		return err
	}

	installed, err := st.ListPackages()
	if err != nil {
		return err
	}

	var atoms []atom.Atom
	if len(args) > 0 {
		atoms, err = parseAtoms(args)
		if err != nil {
			return err
		}
	} else {
		world, err := st.ListWorld()
		if err != nil {
			return err
		}
		for _, id := range world {
			atoms = append(atoms, atom.Atom{ID: id, Version: atom.AnySpec()})
		}
		if len(atoms) == 0 {
			fmt.Println("World set is empty; nothing to upgrade.")
			return nil
		}
	}

	r := resolver.New(index, installed, resolver.Options{
		MaxBacktracks:      cfg.Resolver.MaxBacktracks,
		PreferOldest:       cfg.Resolver.PreferOldest,
		AllowSlotConflicts: cfg.Resolver.AllowSlotConflicts,
		Use:                cfg.UseSet(),
		Bootstrap:          cfg.BootstrapSet(),
	})
	res, err := r.Resolve(atoms)
	if err != nil {
		return err
	}

	use := useList(activeUse(cfg, res))
	ops, err := planOperations(res, installed, nil, use, false, index)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		fmt.Println("Everything is up to date.")
		return nil
	}

	fmt.Print(output.RenderPlan(res, installed))
	if upgradeFlagPretend {
		return nil
	}

	engine := newEngine(cfg, st, false)
	reason := "upgrade"
	if len(args) > 0 {
		reason += " " + strings.Join(args, " ")
	}
	if err := engine.Execute(cmd.Context(), ops, reason); err != nil {
		return err
	}

	fmt.Printf("Upgraded %d packages.\n", len(ops))
	return nil
}
