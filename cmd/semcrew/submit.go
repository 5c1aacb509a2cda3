package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/workflow"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
)

// taskPublisher is the slice of jetstream.JetStream that submit needs.
type taskPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

func submitCmd(opts *globalOptions) *cobra.Command {
	var (
		req      workflow.TaskRequest
		fromFile string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a task request for a running serve process",
		Long: `Submit publishes a task request to the intake stream. The request is
validated locally first; a serve process with NATS enabled picks it up.

Either pass the fields as flags or give a JSON request with --file.`,
		Example: `  semcrew submit -p 3f0c... -a coder -i "Implement the login handler"
  semcrew submit --file request.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if fromFile != "" {
				data, err := os.ReadFile(fromFile)
				if err != nil {
					return fmt.Errorf("read request: %w", err)
				}
				req = workflow.TaskRequest{}
				if err := json.Unmarshal(data, &req); err != nil {
					return fmt.Errorf("decode request: %w", err)
				}
			}
			if req.TaskID == "" {
				req.TaskID = uuid.New().String()
			}
			if err := req.Validate(); err != nil {
				return fmt.Errorf("invalid request: %w", err)
			}

			ctx := cmd.Context()
			logger := quietLogger()
			cfg, err := opts.loadConfig(logger)
			if err != nil {
				return err
			}
			if !cfg.NATS.Enabled() {
				return fmt.Errorf("submit needs nats.url (or SEMCREW_NATS_URL) to be set")
			}

			nc, err := connectToNATS(ctx, cfg.NATS, logger)
			if err != nil {
				return err
			}
			defer nc.Close(ctx)

			js, err := nc.JetStream()
			if err != nil {
				return fmt.Errorf("get JetStream context: %w", err)
			}
			if err := events.EnsureStreams(ctx, js, cfg.NATS.SubjectPrefix); err != nil {
				return fmt.Errorf("ensure streams: %w", err)
			}

			ack, err := publishTask(ctx, js, cfg.Intake.Subject, &req)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Queued task %s (stream %s, seq %d)\n", req.TaskID, ack.Stream, ack.Sequence)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.TaskID, "task", "", "Task ID (UUID, generated when empty)")
	flags.StringVarP(&req.ProjectID, "project", "p", "", "Project ID (UUID)")
	flags.StringVarP(&req.AgentType, "agent", "a", "", "Agent type (analyst, architect, coder, tester, deployer)")
	flags.StringVarP(&req.Instructions, "instructions", "i", "", "Instructions for the agent")
	flags.StringSliceVar(&req.ContextIDs, "context", nil, "Context artifact IDs to hand to the agent")
	flags.StringVar(&req.FromAgent, "from", "", "Agent handing off to this task")
	flags.StringSliceVar(&req.ExpectedOutputs, "expect", nil, "Expected outputs")
	flags.IntVar(&req.Priority, "priority", 0, "Request priority")
	flags.IntVar(&req.EstimatedTokens, "tokens", 0, "Estimated token usage")
	flags.StringVarP(&fromFile, "file", "f", "", "Read the request from a JSON file")
	return cmd
}

// publishTask writes req to subject. The task ID doubles as the JetStream
// message ID so a resubmit inside the duplicate window is dropped.
func publishTask(ctx context.Context, js taskPublisher, subject string, req *workflow.TaskRequest) (*jetstream.PubAck, error) {
	if subject == "" {
		subject = events.TaskRequestSubject
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	ack, err := js.Publish(ctx, subject, data, jetstream.WithMsgID(req.TaskID))
	if err != nil {
		return nil, fmt.Errorf("publish task request: %w", err)
	}
	return ack, nil
}
