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
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ownershipGauge is 1 while this instance owns the subscription.
	ownershipGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "uploadwatch",
		Subsystem: "cluster",
		Name:      "subscription_owner",
		Help:      "1 when this instance owns the event subscription",
	})

	// peersGauge tracks the number of live peers in the view,
	// including this instance.
	peersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "uploadwatch",
		Subsystem: "cluster",
		Name:      "peers",
		Help:      "Live cluster members known to this instance",
	})

	// reconfigures counts received reconfigure notifications.
	reconfigures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "uploadwatch",
		Subsystem: "cluster",
		Name:      "reconfigures_total",
		Help:      "Reconfigure notifications received",
	})
)

// View is a point-in-time picture of cluster membership: every known
// peer (this instance included) and when it was last heard from.
type View struct {
	Self  string
	Peers map[string]time.Time
}

// Members returns the peer identifiers in sorted order.
func (v View) Members() []string {
	out := make([]string, 0, len(v.Peers))
	for id := range v.Peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// OwnerFunc decides which cluster member owns the event subscription
// given a membership view. It must be deterministic: every instance
// applies it to its own view and they converge as the views do. It is
// a plug point so the heuristic can be replaced by a real consensus
// mechanism without touching the subscription.
type OwnerFunc func(View) string

// LowestIDOwner picks the lexically lowest live member. The default.
func LowestIDOwner(v View) string {
	members := v.Members()
	if len(members) == 0 {
		return ""
	}
	return members[0]
}

// CoordinatorConfig holds the coordination timing knobs.
type CoordinatorConfig struct {
	// AnnounceInterval is how often this instance re-announces itself.
	AnnounceInterval time.Duration

	// PeerTTL is how long a peer stays in the view after its last
	// announcement. Must comfortably exceed AnnounceInterval.
	PeerTTL time.Duration
}

// DefaultCoordinatorConfig announces every 30 seconds and forgets
// peers silent for 90.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		AnnounceInterval: 30 * time.Second,
		PeerTTL:          90 * time.Second,
	}
}

// Coordinator maintains the cluster view over the bus and keeps
// exactly one member (usually) attached to the event subscription.
//
// Ownership is best-effort, not consensus: loss or gain is detected at
// the next announcement window, and two instances can briefly both
// believe they own the subscription during a partition or restart
// race. Everything downstream of an event must tolerate duplicate
// processing.
type Coordinator struct {
	bus    Bus
	self   string
	config CoordinatorConfig
	owner  OwnerFunc
	logger *slog.Logger

	// OnOwnershipChange fires when this instance gains (true) or loses
	// (false) the subscription. Set before Start.
	OnOwnershipChange func(isOwner bool)

	// OnReconfigure fires on every reconfigure notification, the
	// sender's own included. Reload must be idempotent. Set before
	// Start.
	OnReconfigure func()

	mu          sync.Mutex
	peers       map[string]time.Time
	isOwner     bool
	unsubscribe func()
	done        chan struct{}
	running     bool
}

// NewCoordinator creates a coordinator for this instance. A nil owner
// function falls back to LowestIDOwner.
func NewCoordinator(bus Bus, instanceID string, owner OwnerFunc, config CoordinatorConfig, logger *slog.Logger) *Coordinator {
	if owner == nil {
		owner = LowestIDOwner
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		bus:    bus,
		self:   instanceID,
		config: config,
		owner:  owner,
		logger: logger,
		peers:  make(map[string]time.Time),
	}
}

// Start subscribes to the bus, announces this instance, and launches
// the periodic announce/prune loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.done = make(chan struct{})
	c.mu.Unlock()

	unsub, err := c.bus.Subscribe(ctx, c.handle)
	if err != nil {
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.unsubscribe = unsub
	c.mu.Unlock()

	// Count ourselves immediately so a single instance becomes owner
	// without waiting for its own announcement to round-trip.
	c.observe(c.self, time.Now())
	c.announce(ctx)

	go c.loop(ctx)
	c.logger.Info("cluster coordinator started",
		"instance", c.self, "announce_interval", c.config.AnnounceInterval.String())
	return nil
}

// Stop broadcasts a leave message, detaches from the bus, and halts
// the loop. The final ownership-change callback (if any) fires before
// Stop returns.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	close(c.done)
	unsub := c.unsubscribe
	c.mu.Unlock()

	if err := c.bus.Broadcast(ctx, Message{Kind: KindLeave, Instance: c.self, SentAt: time.Now()}); err != nil {
		c.logger.Warn("failed to broadcast leave", "error", err)
	}
	if unsub != nil {
		unsub()
	}
	c.setOwner(false)
	c.logger.Info("cluster coordinator stopped", "instance", c.self)
}

// BroadcastReconfigure tells every peer (this instance included) to
// reload configuration from the shared persisted state. Delivery is
// at-least-once; reload is idempotent so duplicates are harmless.
func (c *Coordinator) BroadcastReconfigure(ctx context.Context) error {
	return c.bus.Broadcast(ctx, Message{Kind: KindReconfigure, Instance: c.self, SentAt: time.Now()})
}

// IsOwner reports whether this instance currently holds the
// subscription.
func (c *Coordinator) IsOwner() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isOwner
}

// CurrentView returns a copy of the membership view.
func (c *Coordinator) CurrentView() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	peers := make(map[string]time.Time, len(c.peers))
	for id, at := range c.peers {
		peers[id] = at
	}
	return View{Self: c.self, Peers: peers}
}

func (c *Coordinator) loop(ctx context.Context) {
	ticker := time.NewTicker(c.config.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.observe(c.self, time.Now())
			c.announce(ctx)
			c.prune()
		}
	}
}

func (c *Coordinator) announce(ctx context.Context) {
	err := c.bus.Broadcast(ctx, Message{Kind: KindAnnounce, Instance: c.self, SentAt: time.Now()})
	if err != nil {
		// Transient: the next announcement window retries implicitly.
		c.logger.Warn("failed to broadcast announcement", "error", err)
	}
}

func (c *Coordinator) handle(m Message) {
	switch m.Kind {
	case KindAnnounce:
		c.observe(m.Instance, time.Now())
	case KindLeave:
		c.forget(m.Instance)
	case KindReconfigure:
		reconfigures.Inc()
		c.logger.Info("reconfigure notification received", "from", m.Instance)
		if c.OnReconfigure != nil {
			c.OnReconfigure()
		}
	}
}

func (c *Coordinator) observe(id string, at time.Time) {
	c.mu.Lock()
	c.peers[id] = at
	c.mu.Unlock()
	c.recompute()
}

func (c *Coordinator) forget(id string) {
	if id == c.self {
		return
	}
	c.mu.Lock()
	delete(c.peers, id)
	c.mu.Unlock()
	c.recompute()
}

func (c *Coordinator) prune() {
	cutoff := time.Now().Add(-c.config.PeerTTL)
	c.mu.Lock()
	for id, at := range c.peers {
		if id != c.self && at.Before(cutoff) {
			delete(c.peers, id)
			c.logger.Info("peer expired from cluster view", "peer", id)
		}
	}
	c.mu.Unlock()
	c.recompute()
}

func (c *Coordinator) recompute() {
	view := c.CurrentView()
	peersGauge.Set(float64(len(view.Peers)))
	c.setOwner(c.owner(view) == c.self)
}

func (c *Coordinator) setOwner(owner bool) {
	c.mu.Lock()
	changed := c.isOwner != owner
	c.isOwner = owner
	cb := c.OnOwnershipChange
	c.mu.Unlock()
	if !changed {
		return
	}
	if owner {
		ownershipGauge.Set(1)
		c.logger.Info("this instance now owns the event subscription", "instance", c.self)
	} else {
		ownershipGauge.Set(0)
		c.logger.Info("this instance no longer owns the event subscription", "instance", c.self)
	}
	if cb != nil {
		cb(owner)
	}
}
