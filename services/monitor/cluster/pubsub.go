// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cluster

import (
	"context"
	"fmt"
	"log/slog"

	"cloud.google.com/go/pubsub"
)

// PubSubBus carries cluster messages over a Google Cloud Pub/Sub topic.
// Every instance publishes to the shared topic and consumes its own
// per-instance subscription, so each broadcast reaches all peers
// (sender included) with Pub/Sub's at-least-once semantics.
type PubSubBus struct {
	client       *pubsub.Client
	topic        *pubsub.Topic
	subscription *pubsub.Subscription
	logger       *slog.Logger
}

// NewPubSubBus connects to the project's cluster topic and this
// instance's subscription. Both must already exist; creating them is a
// deployment concern, not a runtime one.
func NewPubSubBus(ctx context.Context, projectID, topicID, subscriptionID string, logger *slog.Logger) (*PubSubBus, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("create pubsub client: %w", err)
	}
	return &PubSubBus{
		client:       client,
		topic:        client.Topic(topicID),
		subscription: client.Subscription(subscriptionID),
		logger:       logger,
	}, nil
}

// Broadcast publishes m to the cluster topic and waits for the publish
// to be accepted.
func (b *PubSubBus) Broadcast(ctx context.Context, m Message) error {
	data, err := m.Encode()
	if err != nil {
		return fmt.Errorf("encode cluster message: %w", err)
	}
	res := b.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"kind":     m.Kind,
			"instance": m.Instance,
		},
	})
	if _, err := res.Get(ctx); err != nil {
		return fmt.Errorf("publish cluster message: %w", err)
	}
	return nil
}

// Subscribe starts a receive loop delivering decoded messages to fn.
// Undecodable messages are acked and dropped; redelivering them would
// never help.
func (b *PubSubBus) Subscribe(ctx context.Context, fn func(Message)) (func(), error) {
	recvCtx, cancel := context.WithCancel(ctx)
	go func() {
		err := b.subscription.Receive(recvCtx, func(ctx context.Context, pm *pubsub.Message) {
			m, err := DecodeMessage(pm.Data)
			if err != nil {
				b.logger.Warn("dropping undecodable cluster message", "error", err)
				pm.Ack()
				return
			}
			fn(m)
			pm.Ack()
		})
		if err != nil && recvCtx.Err() == nil {
			b.logger.Error("cluster subscription receive loop ended", "error", err)
		}
	}()
	return cancel, nil
}

// Close releases the Pub/Sub client.
func (b *PubSubBus) Close() error {
	b.topic.Stop()
	return b.client.Close()
}
