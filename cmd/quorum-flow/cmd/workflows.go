package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/adapters/state"
)

var workflowsCmd = &cobra.Command{
	Use:   "workflows",
	Short: "List stored workflow definitions",
	RunE:  runWorkflows,
}

var workflowsJSON bool

func init() {
	rootCmd.AddCommand(workflowsCmd)
	workflowsCmd.Flags().BoolVar(&workflowsJSON, "json", false, "Output as JSON")
}

func runWorkflows(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := state.NewStateStore(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	defs, err := store.ListDefinitions(cmd.Context())
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if workflowsJSON {
		return outputJSON(out, defs)
	}
	if len(defs) == 0 {
		fmt.Fprintln(out, "No workflows imported")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tVERSION\tNAME\tPHASES\tLOCKED\tCREATED")
	for _, d := range defs {
		locked := ""
		if d.Locked {
			locked = "yes"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			d.ID, d.Version, TruncateString(d.Name, 40), d.Phases, locked, d.CreatedAt.Local().Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
