package main

import (
	"fmt"
	"io"
	"time"

	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func statusCmd(opts *globalOptions) *cobra.Command {
	var (
		projectID string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show agent states, recent tasks and open gates",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			now := time.Now()
			w := cmd.OutOrStdout()

			statuses, err := store.ListAgentStatuses(ctx)
			if err != nil {
				return err
			}
			heading(w, "Agents")
			if err := renderAgents(w, withIdleAgents(statuses), now); err != nil {
				return err
			}

			fmt.Fprintln(w)
			tasks, err := store.ListTasks(ctx, projectID)
			if err != nil {
				return err
			}
			if limit > 0 && len(tasks) > limit {
				tasks = tasks[:limit]
			}
			heading(w, "Tasks")
			if err := renderTasks(w, tasks); err != nil {
				return err
			}

			fmt.Fprintln(w)
			pending, err := store.ListApprovals(ctx, storage.ApprovalFilter{ProjectID: projectID, Status: workflow.ApprovalPending})
			if err != nil {
				return err
			}
			stops, err := store.ListEmergencyStops(ctx, true)
			if err != nil {
				return err
			}
			return renderGates(w, len(pending), len(stops))
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Filter tasks and approvals by project")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of tasks to show (0 for all)")
	return cmd
}

// withIdleAgents fills in agents that never reported a status.
func withIdleAgents(statuses []workflow.AgentStatus) []workflow.AgentStatus {
	seen := make(map[workflow.AgentType]bool, len(statuses))
	for _, st := range statuses {
		seen[st.AgentType] = true
	}
	for _, a := range workflow.AgentTypes {
		if !seen[a] {
			statuses = append(statuses, workflow.AgentStatus{AgentType: a, Status: workflow.AgentIdle})
		}
	}
	return statuses
}

func renderGates(w io.Writer, pending, stops int) error {
	approvals := color.GreenString("0")
	if pending > 0 {
		approvals = color.YellowString("%d", pending)
	}
	active := color.GreenString("0")
	if stops > 0 {
		active = color.RedString("%d", stops)
	}
	_, err := fmt.Fprintf(w, "Pending approvals: %s   Active emergency stops: %s\n", approvals, active)
	return err
}
