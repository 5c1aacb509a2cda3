//go:build integration

package intake

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/c360studio/semcrew/events"
	"github.com/c360studio/semcrew/workflow"
	"github.com/c360studio/semstreams/natsclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumer_ProcessesPublishedRequests(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	js, err := tc.Client.JetStream()
	require.NoError(t, err)
	require.NoError(t, events.EnsureStreams(ctx, js, ""))

	proc := &fakeProcessor{}
	cfg := DefaultConfig()
	cfg.FetchWait = 200 * time.Millisecond
	c := New(js, proc, cfg)
	require.NoError(t, c.Start(ctx))
	defer c.Stop()

	for _, id := range []string{"task-a", "task-b", "task-c"} {
		data, err := json.Marshal(workflow.TaskRequest{
			TaskID:       id,
			ProjectID:    "proj",
			AgentType:    "analyst",
			Instructions: "Gather requirements",
		})
		require.NoError(t, err)
		_, err = js.Publish(ctx, events.TaskRequestSubject, data)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return proc.calls.Load() == 3 }, 10*time.Second, 50*time.Millisecond)

	// Acked requests leave the work queue.
	stream, err := js.Stream(ctx, events.TasksStream)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		info, err := stream.Info(ctx)
		return err == nil && info.State.Msgs == 0
	}, 5*time.Second, 50*time.Millisecond)
}
