package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/api"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/service/workflow"
)

var runCmd = &cobra.Command{
	Use:   "run WORKFLOW_ID",
	Short: "Start a workflow instance",
	Long: `Start an instance of a stored workflow definition.

Locally the engine drives the instance in this process until it completes,
fails or pauses for an approval. An interrupted run stays in the state store
and is picked up by the next 'quorum-flow serve'. With --server the instance
is started on the server; --wait then polls until it settles.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runVersion string
	runInput   string
	runWait    bool
	runJSON    bool
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runVersion, "version", "", "definition version (default: latest)")
	runCmd.Flags().StringVar(&runInput, "input", "", "input JSON object, inline or @file")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "with --server, wait until the instance completes or pauses")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Output as JSON")
}

func runRun(cmd *cobra.Command, args []string) error {
	input, err := parseJSONObject(runInput)
	if err != nil {
		return err
	}
	workflowID := core.WorkflowID(args[0])

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if client := remote(); client != nil {
		resp, err := client.Start(ctx, workflowID, api.StartRequest{Version: runVersion, Input: input})
		if err != nil {
			return err
		}
		if runWait {
			if resp, err = client.WaitSettled(ctx, resp.ID, 0); err != nil {
				return err
			}
		}
		return reportInstance(cmd.OutOrStdout(), resp.Instance)
	}

	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	inst, err := e.orch.Start(ctx, workflowID, workflow.StartOptions{Version: runVersion, Input: input})
	if err != nil {
		return err
	}
	if !quiet && !runJSON {
		fmt.Fprintf(cmd.ErrOrStderr(), "started %s\n", inst.ID)
	}

	settled, err := e.orch.Wait(ctx, inst.ID)
	if errors.Is(err, context.Canceled) {
		fmt.Fprintf(cmd.ErrOrStderr(), "interrupted; %s will resume on the next serve\n", inst.ID)
		return nil
	}
	if err != nil {
		return err
	}
	return reportInstance(cmd.OutOrStdout(), settled)
}

// reportInstance prints inst and turns a failed instance into a non-zero exit.
func reportInstance(out io.Writer, inst *core.Instance) error {
	if runJSON {
		if err := outputJSON(out, inst); err != nil {
			return err
		}
	} else {
		printInstance(out, inst)
	}
	if inst.Status == core.InstanceStatusFailed {
		return fmt.Errorf("instance %s failed", inst.ID)
	}
	return nil
}
