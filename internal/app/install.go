package app

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/portforge/internal/atom"
	"github.com/blackwell-systems/portforge/internal/output"
	"github.com/blackwell-systems/portforge/internal/resolver"
)

var (
	installFlagPretend bool
	installFlagNoDeps  bool
	installFlagForce   bool
	installFlagOneshot bool
)

var installCmd = &cobra.Command{
	Use:   "install [atoms...]",
	Short: "Resolve, build and merge packages",
	Long: `Resolve the requested atoms against the ports tree, build the selected
versions and merge them in one atomic transaction.

Atoms accept version operators and slots:
  portforge install sys-libs/zlib
  portforge install ">=net-misc/curl-8.6.0"
  portforge install "dev-lang/python:3.12"

Flags:
  --pretend   print the plan and decision trail, change nothing
  --no-deps   resolve only the named packages
  --force     reinstall satisfied packages and accept file collisions
  --oneshot   do not record the packages in the world set`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInstall,
}

func init() {
	installCmd.Flags().BoolVarP(&installFlagPretend, "pretend", "p", false, "show what would be done without doing it")
	installCmd.Flags().BoolVar(&installFlagNoDeps, "no-deps", false, "skip dependency resolution")
	installCmd.Flags().BoolVar(&installFlagForce, "force", false, "reinstall and override collisions")
	installCmd.Flags().BoolVarP(&installFlagOneshot, "oneshot", "1", false, "do not add packages to the world set")
	RootCmd.AddCommand(installCmd)
}

func runInstall(cmd *cobra.Command, args []string) error {
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

	index, err := openIndex(cfg)
	if err != nil {
		return err
	}

	installed, err := st.ListPackages()
	if err != nil {
		return err
	}

	r := resolver.New(index, installed, resolver.Options{
		NoDeps:             installFlagNoDeps,
		Force:              installFlagForce,
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

	fmt.Print(output.RenderPlan(res, installed))

	if installFlagPretend {
		fmt.Print(output.RenderDecisions(res.Decisions))
		return nil
	}

	explicit := make(map[atom.PackageID]bool, len(atoms))
	if !installFlagOneshot {
		for _, a := range atoms {
			explicit[a.ID] = true
		}
	}

	use := useList(activeUse(cfg, res))
	ops, err := planOperations(res, installed, explicit, use, installFlagForce, index)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}

	engine := newEngine(cfg, st, installFlagForce)
	reason := "install " + strings.Join(args, " ")
	if err := engine.Execute(cmd.Context(), ops, reason); err != nil {
		return err
	}

	fmt.Printf("Merged %d packages.\n", len(ops))
	return nil
}
