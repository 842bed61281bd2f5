// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

// Package bus carries pipeline lifecycle notifications between the
// streaming processor, the batch scheduler, and the aggregation
// coordinator over Watermill's in-process gochannel Pub/Sub.
//
// Delivery is at-least-once per subscriber within the process; there is
// no cross-process guarantee.
package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"

	"github.com/agorahq/agora-analytics/internal/event"
)

// Topics for pipeline notifications.
const (
	TopicEventProcessed  = "analytics.event.processed"
	TopicProcessingError = "analytics.event.error"
	TopicJobCompleted    = "analytics.job.completed"
	TopicJobError        = "analytics.job.error"
)

// EventProcessed is published after the streaming processor finishes one
// event.
type EventProcessed struct {
	Event     event.Event   `json:"event"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// ProcessingError is published when event processing fails. Event is nil
// for failures not tied to a single event.
type ProcessingError struct {
	Source    string       `json:"source"` // streaming, batch, aggregation
	Error     string       `json:"error"`
	Event     *event.Event `json:"event,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// JobCompleted is published after a batch job run succeeds.
type JobCompleted struct {
	Job       string        `json:"job"`
	Period    string        `json:"period"` // daily, weekly, monthly, cleanup
	PeriodKey string        `json:"period_key,omitempty"`
	Elapsed   time.Duration `json:"elapsed"`
	Timestamp time.Time     `json:"timestamp"`
}

// JobError is published after a batch job run fails.
type JobError struct {
	Job       string    `json:"job"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus is the in-process notification bus.
type Bus struct {
	pubsub *gochannel.GoChannel
}

// New creates a bus with a buffered output channel per subscriber.
func New() *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			newWatermillLogger(),
		),
	}
}

// Subscribe returns a channel of raw messages for the topic. Messages must
// be Acked by the consumer.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	return ch, nil
}

// Close shuts the bus down, closing all subscriber channels.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

func (b *Bus) publish(topic string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.pubsub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// PublishEventProcessed publishes an eventProcessed notification.
func (b *Bus) PublishEventProcessed(n EventProcessed) error {
	return b.publish(TopicEventProcessed, n)
}

// PublishProcessingError publishes a processingError notification.
func (b *Bus) PublishProcessingError(n ProcessingError) error {
	return b.publish(TopicProcessingError, n)
}

// PublishJobCompleted publishes a jobCompleted notification.
func (b *Bus) PublishJobCompleted(n JobCompleted) error {
	return b.publish(TopicJobCompleted, n)
}

// PublishJobError publishes a jobError notification.
func (b *Bus) PublishJobError(n JobError) error {
	return b.publish(TopicJobError, n)
}

// DecodeEventProcessed decodes an eventProcessed message payload.
func DecodeEventProcessed(msg *message.Message) (*EventProcessed, error) {
	var n EventProcessed
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return nil, fmt.Errorf("decode eventProcessed: %w", err)
	}
	return &n, nil
}

// DecodeProcessingError decodes a processingError message payload.
func DecodeProcessingError(msg *message.Message) (*ProcessingError, error) {
	var n ProcessingError
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return nil, fmt.Errorf("decode processingError: %w", err)
	}
	return &n, nil
}

// DecodeJobCompleted decodes a jobCompleted message payload.
func DecodeJobCompleted(msg *message.Message) (*JobCompleted, error) {
	var n JobCompleted
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return nil, fmt.Errorf("decode jobCompleted: %w", err)
	}
	return &n, nil
}

// DecodeJobError decodes a jobError message payload.
func DecodeJobError(msg *message.Message) (*JobError, error) {
	var n JobError
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		return nil, fmt.Errorf("decode jobError: %w", err)
	}
	return &n, nil
}
