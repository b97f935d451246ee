// Package channels defines the adapter contract that connects chat
// platforms to the gateway, plus a registry for lifecycle management.
package channels

import (
	"context"
	"sync"

	"github.com/owliabot/owliabot/pkg/models"
)

// Handler receives inbound messages from an adapter. Adapters call it
// synchronously from their receive loop; implementations that do slow
// work should dispatch to their own goroutines.
type Handler func(ctx context.Context, msg *models.InboundMessage) error

// Adapter is one chat platform connection. An adapter also serves as
// the gateway's outbound sender for its channel.
type Adapter interface {
	// Start connects and begins delivering inbound messages to the
	// handler. It returns once the connection is established; the
	// receive loop runs until Stop or context cancellation.
	Start(ctx context.Context) error

	// Stop disconnects and releases resources.
	Stop(ctx context.Context) error

	// SendMessage delivers an outbound message.
	SendMessage(ctx context.Context, msg models.OutboundMessage) error

	// SetTyping toggles the platform's typing indicator.
	SetTyping(ctx context.Context, conversationID string, on bool) error

	// Type identifies the channel.
	Type() models.ChannelType
}

// Registry holds the active adapters.
type Registry struct {
	mu       sync.RWMutex
	adapters map[models.ChannelType]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[models.ChannelType]Adapter)}
}

// Register adds an adapter, replacing any previous one for the same
// channel.
func (r *Registry) Register(adapter Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[adapter.Type()] = adapter
}

func (r *Registry) Get(channel models.ChannelType) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.adapters[channel]
	return adapter, ok
}

func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

// StartAll starts every adapter, stopping the ones already started if
// a later one fails.
func (r *Registry) StartAll(ctx context.Context) error {
	started := make([]Adapter, 0)
	for _, adapter := range r.All() {
		if err := adapter.Start(ctx); err != nil {
			for _, s := range started {
				_ = s.Stop(ctx)
			}
			return err
		}
		started = append(started, adapter)
	}
	return nil
}

// StopAll stops every adapter, returning the last error seen.
func (r *Registry) StopAll(ctx context.Context) error {
	var lastErr error
	for _, adapter := range r.All() {
		if err := adapter.Stop(ctx); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// RouteCache remembers which platform conversation an inbound message
// came from so replies to the shared DM conversation id can find their
// way back to a concrete chat.
type RouteCache struct {
	mu     sync.RWMutex
	routes map[string]string
}

func NewRouteCache() *RouteCache {
	return &RouteCache{routes: make(map[string]string)}
}

func (c *RouteCache) Set(conversationID, platformID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.routes[conversationID] = platformID
}

func (c *RouteCache) Get(conversationID string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.routes[conversationID]
	return id, ok
}
