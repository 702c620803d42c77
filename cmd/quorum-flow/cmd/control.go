package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/api"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

var approveCmd = &cobra.Command{
	Use:   "approve INSTANCE_ID PHASE_ID",
	Short: "Approve a pending user-approval phase",
	Long: `Approve a user-approval phase. With --output-file the reviewed output is
replaced by the JSON object in the file before it is committed to the
execution context.`,
	Args: cobra.ExactArgs(2),
	RunE: runApprove,
}

var rejectCmd = &cobra.Command{
	Use:   "reject INSTANCE_ID PHASE_ID",
	Short: "Reject a pending user-approval phase",
	Args:  cobra.ExactArgs(2),
	RunE:  runReject,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel INSTANCE_ID",
	Short: "Cancel an instance and its nested instances",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var inputCmd = &cobra.Command{
	Use:   "input INSTANCE_ID TEXT",
	Short: "Send text to the running phases of an instance",
	Long: `Forward a line of text to the phase invocations currently running for an
instance. Only the process driving the instance can deliver it, so this
command needs --server.`,
	Args: cobra.ExactArgs(2),
	RunE: runInput,
}

var (
	approveOutputFile string
	rejectReason      string
	cancelReason      string
)

func init() {
	rootCmd.AddCommand(approveCmd, rejectCmd, cancelCmd, inputCmd)
	approveCmd.Flags().StringVar(&approveOutputFile, "output-file", "", "JSON file replacing the reviewed output")
	rejectCmd.Flags().StringVar(&rejectReason, "reason", "", "rejection reason")
	_ = rejectCmd.MarkFlagRequired("reason")
	cancelCmd.Flags().StringVar(&cancelReason, "reason", "", "cancellation reason")
}

func runApprove(cmd *cobra.Command, args []string) error {
	id, phaseID := core.InstanceID(args[0]), core.PhaseID(args[1])
	var edited map[string]interface{}
	if approveOutputFile != "" {
		var err error
		if edited, err = parseJSONObject("@" + approveOutputFile); err != nil {
			return err
		}
	}

	if client := remote(); client != nil {
		return client.Approve(cmd.Context(), id, api.ApproveRequest{PhaseID: phaseID, Output: edited})
	}
	return driveLocal(cmd, id, func(e *engine) error {
		return e.orch.Approve(cmd.Context(), id, phaseID, edited)
	})
}

func runReject(cmd *cobra.Command, args []string) error {
	id, phaseID := core.InstanceID(args[0]), core.PhaseID(args[1])
	if client := remote(); client != nil {
		return client.Reject(cmd.Context(), id, api.RejectRequest{PhaseID: phaseID, Reason: rejectReason})
	}
	return driveLocal(cmd, id, func(e *engine) error {
		return e.orch.Reject(cmd.Context(), id, phaseID, rejectReason)
	})
}

func runCancel(cmd *cobra.Command, args []string) error {
	id := core.InstanceID(args[0])
	if client := remote(); client != nil {
		return client.Cancel(cmd.Context(), id, api.CancelRequest{Reason: cancelReason})
	}
	return driveLocal(cmd, id, func(e *engine) error {
		return e.orch.Cancel(cmd.Context(), id, cancelReason)
	})
}

func runInput(cmd *cobra.Command, args []string) error {
	client := remote()
	if client == nil {
		return fmt.Errorf("input needs --server: only the process running the phase can forward it")
	}
	return client.SendInput(cmd.Context(), core.InstanceID(args[0]), args[1])
}

// driveLocal applies action with an in-process engine and then drives the
// instance until it settles again.
func driveLocal(cmd *cobra.Command, id core.InstanceID, action func(*engine) error) error {
	e, err := newEngine()
	if err != nil {
		return err
	}
	defer e.Close()

	if err := action(e); err != nil {
		return err
	}
	inst, err := e.orch.Wait(cmd.Context(), id)
	if err != nil {
		return err
	}
	if !quiet {
		printInstance(cmd.OutOrStdout(), inst)
	}
	return nil
}
