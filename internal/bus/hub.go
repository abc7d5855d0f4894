// Package bus is the group pub/sub used by chat rooms and admin
// notifications. Hub fans out in-process; RedisBackbone stretches the same
// contract across nodes.
package bus

import (
	"context"
	"strings"
	"sync"
)

// Bus is the group pub/sub contract.
type Bus interface {
	Join(group string, sub *Subscriber)
	Leave(group string, sub *Subscriber)
	Publish(ctx context.Context, group string, ev Event) error
}

// Hub delivers in-process. Publish never blocks on a subscriber.
type Hub struct {
	mu     sync.Mutex
	groups map[string]map[*Subscriber]struct{}
	onDrop func(n int)
}

var _ Bus = (*Hub)(nil)

// NewHub builds a hub. onDrop, when set, observes drop-oldest evictions.
func NewHub(onDrop func(n int)) *Hub {
	return &Hub{
		groups: make(map[string]map[*Subscriber]struct{}),
		onDrop: onDrop,
	}
}

func (h *Hub) Join(group string, sub *Subscriber) {
	group = strings.TrimSpace(group)
	if group == "" || sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	if members == nil {
		members = make(map[*Subscriber]struct{})
		h.groups[group] = members
	}
	members[sub] = struct{}{}
}

func (h *Hub) Leave(group string, sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.groups[group]
	if members == nil {
		return
	}
	delete(members, sub)
	if len(members) == 0 {
		delete(h.groups, group)
	}
}

// Publish hands ev to every current member exactly once. The hub lock is held
// across the non-blocking deliveries so members see one order per group.
func (h *Hub) Publish(ctx context.Context, group string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dropped := 0
	h.mu.Lock()
	for sub := range h.groups[group] {
		dropped += sub.deliver(ev)
	}
	h.mu.Unlock()
	if dropped > 0 && h.onDrop != nil {
		h.onDrop(dropped)
	}
	return nil
}

// Members reports the member count of group.
func (h *Hub) Members(group string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.groups[group])
}
