package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/definition"
)

var validateCmd = &cobra.Command{
	Use:   "validate FILE",
	Short: "Validate a workflow definition file",
	Long: `Parse a YAML, TOML or JSON workflow definition and run the graph checks:
start phase, dangling edges, unreachable phases, cycles without a loop-back
edge, condition expressions and per-kind phase configuration.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	def, err := definition.LoadFile(args[0])
	if err != nil {
		return err
	}
	if err := definition.Validate(def); err != nil {
		return err
	}
	if !quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s@%s is valid (%d phases, %d edges)\n",
			args[0], def.ID, def.Version, len(def.Phases), len(def.Edges))
	}
	return nil
}
