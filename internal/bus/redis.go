package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/sppix/storefront-backend/pkg/logger"
)

// redisTransport is the subset of pkg/redis.Client the backbone uses.
type redisTransport interface {
	Publish(ctx context.Context, channel string, payload any) error
	PSubscribe(ctx context.Context, patterns ...string) (*redis.PubSub, error)
}

type wireMessage struct {
	Group string `json:"group"`
	Event Event  `json:"event"`
}

// RedisBackbone publishes through Redis channels "<prefix>:<group>" and
// fans every received message into the local hub, so each node delivers to
// its own members. Join and Leave stay local.
type RedisBackbone struct {
	local  *Hub
	client redisTransport
	prefix string
	logg   *logger.Logger
}

var _ Bus = (*RedisBackbone)(nil)

func NewRedisBackbone(local *Hub, client redisTransport, prefix string, logg *logger.Logger) *RedisBackbone {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "sppix:bus"
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &RedisBackbone{local: local, client: client, prefix: prefix, logg: logg}
}

func (b *RedisBackbone) Join(group string, sub *Subscriber) {
	b.local.Join(group, sub)
}

func (b *RedisBackbone) Leave(group string, sub *Subscriber) {
	b.local.Leave(group, sub)
}

// Publish sends ev through Redis. When Redis refuses the message it is still
// delivered to local members and the error is returned.
func (b *RedisBackbone) Publish(ctx context.Context, group string, ev Event) error {
	payload, err := json.Marshal(wireMessage{Group: group, Event: ev})
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel(group), payload); err != nil {
		_ = b.local.Publish(ctx, group, ev)
		return err
	}
	return nil
}

// Run receives from Redis until ctx is done.
func (b *RedisBackbone) Run(ctx context.Context) error {
	ps, err := b.client.PSubscribe(ctx, b.prefix+":*")
	if err != nil {
		return err
	}
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		return err
	}
	b.logg.Info(ctx, "bus.redis_subscribed")

	ch := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("bus: redis subscription closed")
			}
			b.dispatch(ctx, msg.Payload)
		}
	}
}

func (b *RedisBackbone) dispatch(ctx context.Context, payload string) {
	var msg wireMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil || msg.Group == "" {
		b.logg.Warn(b.logg.WithField(ctx, "payload_bytes", len(payload)), "bus.redis_message_invalid")
		return
	}
	_ = b.local.Publish(ctx, msg.Group, msg.Event)
}

func (b *RedisBackbone) channel(group string) string {
	return b.prefix + ":" + group
}
