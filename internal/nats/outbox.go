package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/botdesk/messaging-engine/internal/model"
)

const (
	// StreamName is the name of the durable outbox stream.
	StreamName = "MESSAGING"

	// SubjectPrefix is the prefix for all outbox subjects.
	SubjectPrefix = "eng"
)

// Outbox persists engine records to JetStream. It is the durable side of the
// realtime gateway: dashboards that miss fanout events catch up by reading
// the stream from a sequence.
type Outbox struct {
	client *Client
}

// NewOutbox creates a new outbox over an established client.
func NewOutbox(client *Client) *Outbox {
	return &Outbox{client: client}
}

// EnsureStream ensures the outbox stream exists with proper configuration.
func (o *Outbox) EnsureStream(ctx context.Context) error {
	js := o.client.JetStream()

	_, err := js.Stream(ctx, StreamName)
	if err == nil {
		return nil // Stream already exists
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024 * 1024,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Messages, safety events and state transitions",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}

	return nil
}

// MessageSubject returns the subject for a conversation message.
func MessageSubject(tenantID, accountID, conversationID string, sender model.SenderKind) string {
	return fmt.Sprintf("%s.%s.%s.%s.msg.%s", SubjectPrefix, tenantID, accountID, conversationID, sender)
}

// SafetySubject returns the subject for a safety event.
func SafetySubject(tenantID, accountID string, eventType model.SafetyEventType) string {
	return fmt.Sprintf("%s.%s.%s.safety.%s", SubjectPrefix, tenantID, accountID, eventType)
}

// StateSubject returns the subject for a connection state transition.
func StateSubject(tenantID, accountID string) string {
	return fmt.Sprintf("%s.%s.%s.state", SubjectPrefix, tenantID, accountID)
}

// SaveMessage appends a message record to the stream.
func (o *Outbox) SaveMessage(ctx context.Context, msg *model.Message) (uint64, error) {
	subject := MessageSubject(msg.TenantID, msg.AccountID, msg.ConversationID, msg.Sender)
	return o.publish(ctx, subject, msg)
}

// SaveSafetyEvent appends a safety audit entry to the stream.
func (o *Outbox) SaveSafetyEvent(ctx context.Context, ev *model.SafetyEvent) (uint64, error) {
	subject := SafetySubject(ev.TenantID, ev.AccountID, ev.Type)
	return o.publish(ctx, subject, ev)
}

// SaveStateChange appends a connection state transition to the stream.
func (o *Outbox) SaveStateChange(ctx context.Context, tenantID, accountID string, payload *model.StateChangePayload) (uint64, error) {
	return o.publish(ctx, StateSubject(tenantID, accountID), payload)
}

func (o *Outbox) publish(ctx context.Context, subject string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal record: %w", err)
	}

	ack, err := o.client.JetStream().Publish(ctx, subject, data)
	if err != nil {
		return 0, fmt.Errorf("failed to publish record: %w", err)
	}

	return ack.Sequence, nil
}

// GetMessages retrieves conversation messages starting after a sequence.
// This is the pull-based catch-up query used by reconnecting dashboards.
func (o *Outbox) GetMessages(ctx context.Context, tenantID, accountID, conversationID string, afterSequence uint64, limit int) ([]model.Message, uint64, bool, error) {
	js := o.client.JetStream()

	filterSubject := fmt.Sprintf("%s.%s.%s.%s.msg.>", SubjectPrefix, tenantID, accountID, conversationID)

	consumerConfig := jetstream.ConsumerConfig{
		FilterSubject: filterSubject,
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	}

	if afterSequence > 0 {
		consumerConfig.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerConfig.OptStartSeq = afterSequence + 1
	}

	consumer, err := js.CreateConsumer(ctx, StreamName, consumerConfig)
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to create consumer: %w", err)
	}

	var messages []model.Message
	var lastSequence uint64

	batch, err := consumer.Fetch(limit, jetstream.FetchMaxWait(2*time.Second))
	if err != nil {
		return nil, 0, false, fmt.Errorf("failed to fetch messages: %w", err)
	}

	for msg := range batch.Messages() {
		var message model.Message
		if err := json.Unmarshal(msg.Data(), &message); err != nil {
			continue
		}

		meta, err := msg.Metadata()
		if err == nil {
			message.Sequence = meta.Sequence.Stream
			lastSequence = meta.Sequence.Stream
		}

		messages = append(messages, message)
	}

	if batch.Error() != nil && batch.Error() != context.DeadlineExceeded {
		return nil, 0, false, fmt.Errorf("batch error: %w", batch.Error())
	}

	hasMore := len(messages) == limit

	return messages, lastSequence, hasMore, nil
}
