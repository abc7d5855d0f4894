package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultGuardTTL = 72 * time.Hour

// EventStore is the slice of the redis client the guard needs.
type EventStore interface {
	SetNX(context.Context, string, any, time.Duration) (bool, error)
	Del(context.Context, ...string) error
	GatewayEventKey(eventID string) string
}

// EventGuard remembers provider event ids so replays short-circuit before
// touching the database. It is an optimisation only; the order state machine
// is what makes replays harmless.
type EventGuard struct {
	store EventStore
	ttl   time.Duration
}

func NewEventGuard(store EventStore, ttl time.Duration) (*EventGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if ttl == 0 {
		ttl = defaultGuardTTL
	}
	return &EventGuard{store: store, ttl: ttl}, nil
}

// CheckAndMark records eventID and reports whether it had been seen before.
func (g *EventGuard) CheckAndMark(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	set, err := g.store.SetNX(ctx, g.store.GatewayEventKey(eventID), "1", g.ttl)
	if err != nil {
		return false, fmt.Errorf("set event key: %w", err)
	}
	return !set, nil
}

// Forget clears eventID so a provider retry is processed again.
func (g *EventGuard) Forget(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return g.store.Del(ctx, g.store.GatewayEventKey(eventID))
}
