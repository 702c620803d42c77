package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

var exportCmd = &cobra.Command{
	Use:   "export INSTANCE_ID",
	Short: "Export an instance audit trail as JSON",
	Long: `Write the instance, its definition, every phase execution, gate result and
checkpoint, and its nested instances to one JSON file. The file is replaced
atomically.`,
	Args: cobra.ExactArgs(1),
	RunE: runExport,
}

var exportOut string

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringVarP(&exportOut, "out", "o", "", "output file (default: <state.export_dir>/<instance>.json)")
}

func runExport(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := state.NewStateStore(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	id := core.InstanceID(args[0])
	out := exportOut
	if out == "" {
		out = filepath.Join(cfg.State.ExportDir, string(id)+".json")
	}
	if err := state.ExportInstance(cmd.Context(), store, id, out); err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s\n", id, out)
	}
	return nil
}
