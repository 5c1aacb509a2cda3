package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamPublisher is the subset of jetstream.JetStream used to republish events.
type StreamPublisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSSubscriber republishes events as JSON on JetStream. Publish errors are
// returned so HIGH and CRITICAL events are retried by the bus; the event ID
// is the JetStream message ID, so a retried publish is deduplicated.
type NATSSubscriber struct {
	js     StreamPublisher
	prefix string
}

// NewNATSSubscriber creates a subscriber publishing under prefix.
func NewNATSSubscriber(js StreamPublisher, prefix string) *NATSSubscriber {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &NATSSubscriber{js: js, prefix: prefix}
}

// Deliver publishes ev.
func (n *NATSSubscriber) Deliver(ctx context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := Subject(n.prefix, ev)
	if _, err := n.js.Publish(ctx, subject, data, jetstream.WithMsgID(ev.ID)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// StreamCreator is the subset of jetstream.JetStream used to declare streams.
type StreamCreator interface {
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// EnsureStreams declares the events and task request streams.
func EnsureStreams(ctx context.Context, js StreamCreator, prefix string) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	streams := []jetstream.StreamConfig{
		{
			Name:     EventsStream,
			Subjects: []string{prefix + ".>"},
			Storage:  jetstream.FileStorage,
		},
		{
			Name:      TasksStream,
			Subjects:  []string{TaskRequestSubject},
			Storage:   jetstream.FileStorage,
			Retention: jetstream.WorkQueuePolicy,
		},
	}
	for _, cfg := range streams {
		if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("create stream %s: %w", cfg.Name, err)
		}
	}
	return nil
}
