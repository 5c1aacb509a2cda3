package main

import (
	"errors"
	"fmt"

	"github.com/c360studio/semcrew/audit"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// scopeFlags are the --project and --agent pair shared by the kill switch
// and budget commands.
type scopeFlags struct {
	projectID string
	agent     string
}

func (f *scopeFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.projectID, "project", "p", "", "Project ID (required)")
	cmd.Flags().StringVarP(&f.agent, "agent", "a", "", "Agent type (required)")
	_ = cmd.MarkFlagRequired("project")
	_ = cmd.MarkFlagRequired("agent")
}

func (f *scopeFlags) resolve() (string, workflow.AgentType, error) {
	agent, err := workflow.ParseAgentType(f.agent)
	if err != nil {
		return "", "", err
	}
	return f.projectID, agent, nil
}

func estopCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "estop",
		Short: "Manage emergency stops",
		Long: `Emergency stops block every execution for one (project, agent) scope
until they are cleared. The scope match is exact.`,
	}
	cmd.AddCommand(estopActivateCmd(opts), estopDeactivateCmd(opts), estopListCmd(opts))
	return cmd
}

func estopActivateCmd(opts *globalOptions) *cobra.Command {
	var (
		scope  scopeFlags
		reason string
	)
	cmd := &cobra.Command{
		Use:   "activate",
		Short: "Activate the kill switch for a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, agent, err := scope.resolve()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stop, err := store.ActivateEmergencyStop(ctx, projectID, agent, reason)
			if err != nil {
				return err
			}
			audit.Write(ctx, audit.NewStoreSink(store), quietLogger(), audit.Entry{
				EventType: audit.EmergencyStop,
				Actor:     operator(),
				Data: map[string]any{
					"stop_id":    stop.ID,
					"project_id": projectID,
					"agent_type": string(agent),
					"reason":     reason,
				},
			})
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s (%s)\n", color.RedString("Emergency stop active:"), projectID, agent, stop.ID)
			return nil
		},
	}
	scope.register(cmd)
	cmd.Flags().StringVarP(&reason, "reason", "r", "manual stop", "Reason recorded with the stop")
	return cmd
}

func estopDeactivateCmd(opts *globalOptions) *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Clear the kill switch for a scope",
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, agent, err := scope.resolve()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			err = store.DeactivateEmergencyStop(ctx, projectID, agent)
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("no active emergency stop for %s/%s", projectID, agent)
			}
			if err != nil {
				return err
			}
			audit.Write(ctx, audit.NewStoreSink(store), quietLogger(), audit.Entry{
				EventType: audit.EmergencyStopClear,
				Actor:     operator(),
				Data: map[string]any{
					"project_id": projectID,
					"agent_type": string(agent),
				},
			})
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s/%s\n", color.GreenString("Emergency stop cleared:"), projectID, agent)
			return nil
		},
	}
	scope.register(cmd)
	return cmd
}

func estopListCmd(opts *globalOptions) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List emergency stops",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			stops, err := store.ListEmergencyStops(ctx, !all)
			if err != nil {
				return err
			}
			return renderStops(cmd.OutOrStdout(), stops)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Include cleared stops")
	return cmd
}
