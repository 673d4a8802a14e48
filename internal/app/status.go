package app

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/blackwell-systems/portforge/internal/output"
	"github.com/blackwell-systems/portforge/internal/store"
)

var statusFlagAll bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the installed set, world membership and last transaction",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusFlagAll, "all", false, "list every installed package")
	RootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	packages, err := st.ListPackages()
	if errors.Is(err, store.ErrNotInitialized) {
		fmt.Println("Package database not initialized. Run 'portforge sync' first.")
		return nil
	}
	if err != nil {
		return err
	}

	world, err := st.ListWorld()
	if err != nil {
		return err
	}

	if statusFlagAll {
		fmt.Print(output.RenderInstalledTable(packages))
	} else {
		fmt.Printf("Installed: %d packages (%d in world set)\n", len(packages), len(world))
	}

	last, err := st.LastTransaction()
	if errors.Is(err, store.ErrNotFound) {
		fmt.Println("No transactions recorded.")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Print(output.RenderTransaction(last))
	return nil
}
