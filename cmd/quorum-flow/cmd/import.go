package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/definition"
)

var importCmd = &cobra.Command{
	Use:   "import FILE|DIR",
	Short: "Import workflow definitions into the state store",
	Long: `Validate and store workflow definitions. A directory imports every
.yaml, .yml, .toml and .json file directly inside it. A version that already
has instances is locked and cannot be replaced.`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)
}

func runImport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, closeLog, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	store, err := state.NewStateStore(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	importer := definition.NewImporter(store, logger)
	out := cmd.OutOrStdout()

	info, err := os.Stat(args[0])
	if err != nil {
		return err
	}
	if !info.IsDir() {
		def, err := importer.ImportFile(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "imported %s@%s\n", def.ID, def.Version)
		return nil
	}

	results, err := importer.ImportDir(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
			fmt.Fprintf(out, "FAIL  %s: %s\n", r.Path, r.Error)
			continue
		}
		fmt.Fprintf(out, "ok    %s: %s@%s\n", r.Path, r.WorkflowID, r.Version)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d definitions failed to import", failed, len(results))
	}
	return nil
}
