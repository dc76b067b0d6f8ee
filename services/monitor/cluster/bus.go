// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cluster keeps cooperating monitor instances coordinated: one
// instance owns the live event subscription, and configuration changes
// made through any instance fan out to every peer.
package cluster

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Message kinds carried on the bus.
const (
	KindAnnounce    = "announce"
	KindLeave       = "leave"
	KindReconfigure = "reconfigure"
)

// Message is one peer-to-peer notification. The bus provides
// at-least-once delivery with no ordering guarantee across senders, so
// every handler must be idempotent.
type Message struct {
	Kind     string    `json:"kind"`
	Instance string    `json:"instance"`
	SentAt   time.Time `json:"sent_at"`
}

// Encode serializes the message for transport.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage deserializes a transported message.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}

// Bus is the messaging collaborator. Broadcast delivers to every
// subscribed instance, including the sender.
type Bus interface {
	Broadcast(ctx context.Context, m Message) error
	Subscribe(ctx context.Context, fn func(Message)) (cancel func(), err error)
}

// InMemoryBus is a process-local Bus for tests and single-instance
// deployments. Delivery is synchronous and includes the sender.
type InMemoryBus struct {
	mu       sync.Mutex
	handlers map[int]func(Message)
	nextID   int
}

// NewInMemoryBus creates an empty in-memory bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{handlers: make(map[int]func(Message))}
}

// Broadcast delivers m to every subscriber.
func (b *InMemoryBus) Broadcast(ctx context.Context, m Message) error {
	b.mu.Lock()
	fns := make([]func(Message), 0, len(b.handlers))
	for _, fn := range b.handlers {
		fns = append(fns, fn)
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
	return nil
}

// Subscribe registers fn until the returned cancel runs.
func (b *InMemoryBus) Subscribe(ctx context.Context, fn func(Message)) (func(), error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers[id] = fn
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.handlers, id)
		b.mu.Unlock()
	}, nil
}
