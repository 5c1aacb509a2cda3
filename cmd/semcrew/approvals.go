package main

import (
	"context"
	"errors"
	"fmt"
	"os/user"
	"strings"
	"time"

	"github.com/c360studio/semcrew/audit"
	"github.com/c360studio/semcrew/storage"
	"github.com/c360studio/semcrew/workflow"
	"github.com/spf13/cobra"
)

func approvalsCmd(opts *globalOptions) *cobra.Command {
	var (
		projectID string
		taskID    string
		status    string
	)

	cmd := &cobra.Command{
		Use:     "approvals",
		Aliases: []string{"approval"},
		Short:   "List approval requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			filter := storage.ApprovalFilter{ProjectID: projectID, TaskID: taskID}
			if status != "all" {
				s, err := parseApprovalStatus(status)
				if err != nil {
					return err
				}
				filter.Status = s
			}
			reqs, err := store.ListApprovals(ctx, filter)
			if err != nil {
				return err
			}
			return renderApprovals(cmd.OutOrStdout(), reqs, time.Now())
		},
	}
	cmd.Flags().StringVarP(&projectID, "project", "p", "", "Filter by project")
	cmd.Flags().StringVar(&taskID, "task", "", "Filter by task")
	cmd.Flags().StringVarP(&status, "status", "s", string(workflow.ApprovalPending), "Status filter (pending, approved, rejected, expired, all)")

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Show one approval request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			req, err := store.GetApproval(ctx, args[0])
			if errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("approval %s not found", args[0])
			}
			if err != nil {
				return err
			}
			return renderApproval(cmd.OutOrStdout(), req)
		},
	})

	return cmd
}

// decideCmd builds the approve and reject commands.
func decideCmd(opts *globalOptions, approve bool) *cobra.Command {
	var comment string

	use, short, status := "reject <id>", "Reject a pending approval request", workflow.ApprovalRejected
	if approve {
		use, short, status = "approve <id>", "Approve a pending approval request", workflow.ApprovalApproved
	}

	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if !approve && comment == "" {
				return fmt.Errorf("a rejection needs a reason (--comment)")
			}
			store, _, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.Close()

			req, err := decideApproval(ctx, store, args[0], status, comment, operator())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", approvalStatus(req.Status), req.ID, req.RequestType)
			return nil
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "Comment recorded with the decision")
	return cmd
}

// decideApproval resolves a request and writes the audit entry. A running
// serve process picks the decision up on its next poll.
func decideApproval(ctx context.Context, store *storage.SQLite, id string, status workflow.ApprovalStatus, comment, actor string) (*workflow.ApprovalRequest, error) {
	req, err := store.DecideApproval(ctx, id, status, comment)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, fmt.Errorf("approval %s not found", id)
	case errors.Is(err, storage.ErrInvalidTransition):
		current, getErr := store.GetApproval(ctx, id)
		if getErr != nil {
			return nil, err
		}
		return nil, fmt.Errorf("approval %s is already %s", id, current.Status)
	case err != nil:
		return nil, err
	}

	audit.Write(ctx, audit.NewStoreSink(store), quietLogger(), audit.Entry{
		EventType: audit.ApprovalDecided,
		Actor:     actor,
		Data: map[string]any{
			"approval_id":  req.ID,
			"project_id":   req.ProjectID,
			"task_id":      req.TaskID,
			"request_type": req.RequestType,
			"status":       string(req.Status),
			"comment":      comment,
		},
	})
	return req, nil
}

func parseApprovalStatus(s string) (workflow.ApprovalStatus, error) {
	switch st := workflow.ApprovalStatus(strings.ToLower(s)); st {
	case workflow.ApprovalPending, workflow.ApprovalApproved, workflow.ApprovalRejected, workflow.ApprovalExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown approval status %q", s)
}

// operator names the human running the CLI for the audit trail.
func operator() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return "cli:" + u.Username
	}
	return "cli"
}
