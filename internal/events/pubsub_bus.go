package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubBus publishes every event to a Google Cloud Pub/Sub topic and fans it
// out to local subscribers through the embedded Bus.
//
// Messages for the same job share an ordering key so downstream consumers see
// a job's lifecycle in order.
type PubSubBus struct {
	*Bus

	client *pubsub.Client
	topic  *pubsub.Topic
}

// NewPubSubBus connects to projectID and creates topicID if it is missing.
func NewPubSubBus(ctx context.Context, projectID, topicID string) (*PubSubBus, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic", topicID)
	}
	topic.EnableMessageOrdering = true

	slog.Info("Connected to Pub/Sub topic", "project", projectID, "topic", topicID)
	return &PubSubBus{
		Bus:    NewBus(),
		client: client,
		topic:  topic,
	}, nil
}

// Emit publishes to Pub/Sub, then to local subscribers.
func (pb *PubSubBus) Emit(eventType, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, subject, data)
	pb.publish(event)
	pb.Bus.Publish(event)
}

func (pb *PubSubBus) publish(event *CloudEvent) {
	msg, err := Message(event)
	if err != nil {
		slog.Warn("Failed to marshal event", "id", event.ID, "error", err)
		return
	}

	result := pb.topic.Publish(context.Background(), msg)
	go func() {
		serverID, err := result.Get(context.Background())
		if err != nil {
			slog.Warn("Pub/Sub publish failed", "id", event.ID, "type", event.Type, "error", err)
			// Ordered publishing pauses the key after a failure.
			pb.topic.ResumePublish(msg.OrderingKey)
			return
		}
		slog.Debug("Published event", "id", event.ID, "msg_id", serverID, "type", event.Type)
	}()
}

// Message converts event into a Pub/Sub message whose attributes carry the
// CloudEvents metadata (binary-mode attribute names).
func Message(event *CloudEvent) (*pubsub.Message, error) {
	payload, err := event.JSON()
	if err != nil {
		return nil, err
	}
	return &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-subject":     event.Subject,
		},
		OrderingKey: event.Subject,
	}, nil
}

// Close flushes pending messages and closes the client.
func (pb *PubSubBus) Close() error {
	pb.topic.Stop()
	return pb.client.Close()
}

var _ Emitter = (*PubSubBus)(nil)
