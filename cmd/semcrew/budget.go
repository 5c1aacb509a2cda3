package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/c360studio/semcrew/audit"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
	"github.com/spf13/cobra"
)

func budgetCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Inspect and set token budgets",
	}
	cmd.AddCommand(budgetShowCmd(opts), budgetSetCmd(opts), budgetResetCmd(opts))
	return cmd
}

func budgetShowCmd(opts *globalOptions) *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show limits and usage for a scope",
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

			b, err := store.GetBudget(ctx, projectID, agent)
			if errors.Is(err, storage.ErrNotFound) {
				fmt.Fprintf(cmd.OutOrStdout(), "No budget configured for %s/%s (unlimited)\n", projectID, agent)
				return nil
			}
			if err != nil {
				return err
			}
			return renderBudget(cmd.OutOrStdout(), b, time.Now())
		},
	}
	scope.register(cmd)
	return cmd
}

func budgetSetCmd(opts *globalOptions) *cobra.Command {
	var (
		scope         scopeFlags
		daily         int
		session       int
		emergencyStop bool
	)
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Set limits for a scope (0 means unlimited)",
		Long: `Set the daily and session token limits of a scope. Flags that are not
given keep their current value. Accumulated usage is never changed.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID, agent, err := scope.resolve()
			if err != nil {
				return err
			}
			if daily < 0 || session < 0 {
				return fmt.Errorf("limits must be >= 0")
			}
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			b, err := store.GetBudget(ctx, projectID, agent)
			switch {
			case errors.Is(err, storage.ErrNotFound):
				b = &workflow.BudgetControl{ProjectID: projectID, AgentType: agent}
			case err != nil:
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("daily") {
				b.DailyTokenLimit = daily
			}
			if flags.Changed("session") {
				b.SessionTokenLimit = session
			}
			if flags.Changed("emergency-stop") {
				b.EmergencyStopEnabled = emergencyStop
			}
			if err := store.SetBudget(ctx, b); err != nil {
				return err
			}
			audit.Write(ctx, audit.NewStoreSink(store), quietLogger(), audit.Entry{
				EventType: audit.BudgetUpdated,
				Actor:     operator(),
				Data: map[string]any{
					"project_id":             projectID,
					"agent_type":             string(agent),
					"daily_token_limit":      b.DailyTokenLimit,
					"session_token_limit":    b.SessionTokenLimit,
					"emergency_stop_enabled": b.EmergencyStopEnabled,
				},
			})
			return renderBudget(cmd.OutOrStdout(), b, time.Now())
		},
	}
	scope.register(cmd)
	cmd.Flags().IntVar(&daily, "daily", 0, "Daily token limit")
	cmd.Flags().IntVar(&session, "session", 0, "Session token limit")
	cmd.Flags().BoolVar(&emergencyStop, "emergency-stop", false, "Activate an emergency stop when a limit is breached")
	return cmd
}

func budgetResetCmd(opts *globalOptions) *cobra.Command {
	var scope scopeFlags
	cmd := &cobra.Command{
		Use:   "reset-session",
		Short: "Zero the session usage counter of a scope",
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

			if err := store.ResetSessionUsage(ctx, projectID, agent); err != nil {
				return err
			}
			audit.Write(ctx, audit.NewStoreSink(store), quietLogger(), audit.Entry{
				EventType: audit.BudgetUpdated,
				Actor:     operator(),
				Data: map[string]any{
					"project_id":    projectID,
					"agent_type":    string(agent),
					"session_reset": true,
				},
			})
			fmt.Fprintf(cmd.OutOrStdout(), "Session usage reset for %s/%s\n", projectID, agent)
			return nil
		},
	}
	scope.register(cmd)
	return cmd
}
