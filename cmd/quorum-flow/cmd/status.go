package cmd

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/hugo-lorenzo-mato/quorum-flow/internal/adapters/state"
	"github.com/hugo-lorenzo-mato/quorum-flow/internal/core"
)

var statusCmd = &cobra.Command{
	Use:   "status INSTANCE_ID",
	Short: "Show instance status",
	Long:  "Display the state of an instance: status, active phases and the phase execution history.",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var (
	statusJSON bool
)

var (
	labelStyle   = lipgloss.NewStyle().Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyles = map[string]lipgloss.Style{
		string(core.InstanceStatusPending):   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		string(core.InstanceStatusRunning):   lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
		string(core.InstanceStatusPaused):    lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true),
		string(core.InstanceStatusComplete):  lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
		string(core.InstanceStatusFailed):    lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		string(core.InstanceStatusCancelled): lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
		string(core.ExecutionStatusBlocked):  lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
		string(core.ExecutionStatusSkipped):  lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
)

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output as JSON")
}

func runStatus(cmd *cobra.Command, args []string) error {
	id := core.InstanceID(args[0])
	out := cmd.OutOrStdout()

	if client := remote(); client != nil {
		resp, err := client.Instance(cmd.Context(), id)
		if err != nil {
			return err
		}
		if statusJSON {
			return outputJSON(out, resp)
		}
		printInstance(out, resp.Instance)
		return nil
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := state.NewStateStore(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer store.Close()

	inst, err := store.GetInstance(cmd.Context(), id)
	if err != nil {
		return err
	}
	execs, err := store.ListPhaseExecutions(cmd.Context(), id)
	if err != nil {
		return err
	}

	if statusJSON {
		return outputJSON(out, struct {
			*core.Instance
			Executions []*core.PhaseExecution `json:"executions"`
		}{inst, execs})
	}

	printInstance(out, inst)
	if len(execs) == 0 {
		return nil
	}
	fmt.Fprintln(out)

	// Execution table
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PHASE\tKIND\tSTATUS\tATTEMPTS\tDURATION\tERROR")
	for _, e := range execs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.PhaseID, e.Kind, e.Status, e.Attempts, executionDuration(e), TruncateString(e.Error, 60))
	}
	return w.Flush()
}

// printInstance writes the instance header and its active set.
func printInstance(out io.Writer, inst *core.Instance) {
	fmt.Fprintf(out, "%s %s\n", styled(labelStyle, "Instance:"), inst.ID)
	fmt.Fprintf(out, "%s %s@%s\n", styled(labelStyle, "Workflow:"), inst.WorkflowID, inst.Version)
	fmt.Fprintf(out, "%s %s\n", styled(labelStyle, "Status:  "), statusText(string(inst.Status)))
	if inst.ParentInstanceID != "" {
		fmt.Fprintf(out, "%s %s (phase %s)\n", styled(labelStyle, "Parent:  "), inst.ParentInstanceID, inst.ParentPhaseID)
	}
	if inst.Error != "" {
		fmt.Fprintf(out, "%s %s\n", styled(labelStyle, "Error:   "), inst.Error)
	}
	for _, a := range inst.Active {
		switch {
		case a.WaitingOn != "":
			fmt.Fprintf(out, "  %s %s %s\n", a.PhaseID, statusText(string(core.ExecutionStatusBlocked)),
				styled(mutedStyle, "waiting on "+string(a.WaitingOn)))
		case a.Blocked:
			fmt.Fprintf(out, "  %s %s %s\n", a.PhaseID, statusText(string(core.ExecutionStatusBlocked)),
				styled(mutedStyle, "awaiting approval"))
		default:
			fmt.Fprintf(out, "  %s %s\n", a.PhaseID, statusText(string(core.InstanceStatusRunning)))
		}
	}
}

func statusText(status string) string {
	style, ok := statusStyles[status]
	if !ok {
		return status
	}
	return styled(style, status)
}

func styled(style lipgloss.Style, s string) string {
	if noColor {
		return s
	}
	return style.Render(s)
}

func executionDuration(e *core.PhaseExecution) string {
	if e.StartedAt == nil {
		return "-"
	}
	end := time.Now()
	if e.CompletedAt != nil {
		end = *e.CompletedAt
	}
	return end.Sub(*e.StartedAt).Round(time.Millisecond).String()
}
