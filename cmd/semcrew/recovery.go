package main

import (
	"errors"
	"fmt"

	"github.com/c360studio/semcrew/storage"
	"github.com/spf13/cobra"
)

func recoveryCmd(opts *globalOptions) *cobra.Command {
	var projectID string
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "List recovery sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			sessions, err := store.ListRecoverySessions(ctx, projectID)
			if err != nil {
				return err
			}
			return renderSessions(cmd.OutOrStdout(), sessions)
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Filter by project")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show a recovery session and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			session, err := store.GetRecoverySession(ctx, args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("recovery session %s not found", args[0])
			}
			if err != nil {
				return err
			}
			return renderSession(cmd.OutOrStdout(), session)
		},
	})
	return cmd
}
