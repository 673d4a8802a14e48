package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

var syncFlagWatch bool

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Scan the ports tree and initialize the package database",
	Long: `Validate every manifest in the ports tree and make sure the package
database schema exists.

With --watch, keeps running and refreshes the index whenever manifests
change on disk.`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().BoolVar(&syncFlagWatch, "watch", false, "keep watching the ports tree for changes")
	RootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.CreateSchema(); err != nil {
		return err
	}

	index, err := openIndex(cfg)
	if err != nil {
		return err
	}

	stats, err := index.Scan()
	if err != nil {
		return fmt.Errorf("ports tree scan failed: %w", err)
	}

	fmt.Printf("Scanned %s: %d categories, %d packages, %d manifests\n",
		cfg.Tree, stats.Categories, stats.Packages, stats.Manifests)

	if !syncFlagWatch {
		return nil
	}

	fmt.Println("Watching for changes (ctrl-c to stop)...")
	return index.Watch(cmd.Context())
}
