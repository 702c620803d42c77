package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a quorum-flow project",
	Long: `Initialize a quorum-flow project in the current directory.
Writes .quorum-flow/config.yaml and creates the definitions directory.`,
	RunE: runInit,
}

var (
	initForce bool
)

func init() {
	rootCmd.AddCommand(initCmd)
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite existing configuration")
}

func runInit(cmd *cobra.Command, _ []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}

	baseDir := filepath.Join(cwd, ".quorum-flow")
	configPath := filepath.Join(baseDir, "config.yaml")

	// Check existing config
	if _, err := os.Stat(configPath); err == nil && !initForce {
		return fmt.Errorf("configuration already exists, use --force to overwrite")
	}

	for _, dir := range []string{baseDir, filepath.Join(baseDir, "workflows")} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	if err := config.AtomicWrite(configPath, []byte(config.DefaultConfigYAML)); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Initialized quorum-flow project in %s\n", cwd)
	fmt.Fprintf(out, "  config:      %s\n", configPath)
	fmt.Fprintf(out, "  definitions: %s\n", filepath.Join(baseDir, "workflows"))
	return nil
}
