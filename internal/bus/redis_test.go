package bus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
)

type recordingTransport struct {
	channel string
	payload []byte
	err     error
}

func (r *recordingTransport) Publish(ctx context.Context, channel string, payload any) error {
	r.channel = channel
	r.payload, _ = payload.([]byte)
	return r.err
}

func (r *recordingTransport) PSubscribe(ctx context.Context, patterns ...string) (*redis.PubSub, error) {
	return nil, errors.New("not supported")
}

func TestRedisBackbonePublishesThroughChannel(t *testing.T) {
	transport := &recordingTransport{}
	hub := NewHub(nil)
	local := NewSubscriber("a", 4)
	b := NewRedisBackbone(hub, transport, "sppix:bus:", nil)
	b.Join(ChatGroup("r1"), local)

	if err := b.Publish(context.Background(), ChatGroup("r1"), MustEvent(TypeChatMessage, map[string]any{"content": "hi"})); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if transport.channel != "sppix:bus:chat:r1" {
		t.Fatalf("unexpected channel %q", transport.channel)
	}
	if len(local.Drain()) != 0 {
		t.Fatal("local delivery must wait for the redis echo")
	}

	b.dispatch(context.Background(), string(transport.payload))
	events := local.Drain()
	if len(events) != 1 || events[0].Field("content") != "hi" {
		t.Fatalf("unexpected events after echo %+v", events)
	}
}

func TestRedisBackboneFallsBackToLocalOnError(t *testing.T) {
	transport := &recordingTransport{err: errors.New("redis down")}
	hub := NewHub(nil)
	local := NewSubscriber("a", 4)
	b := NewRedisBackbone(hub, transport, "", nil)
	b.Join(GroupAdminBroadcast, local)

	err := b.Publish(context.Background(), GroupAdminBroadcast, MustEvent(TypeDataUpdate, nil))
	if err == nil {
		t.Fatal("expected redis error to surface")
	}
	if len(local.Drain()) != 1 {
		t.Fatal("expected local delivery despite redis failure")
	}
}

func TestRedisBackboneIgnoresGarbage(t *testing.T) {
	hub := NewHub(nil)
	local := NewSubscriber("a", 4)
	b := NewRedisBackbone(hub, &recordingTransport{}, "", nil)
	b.Join(GroupAdminBroadcast, local)

	b.dispatch(context.Background(), "not json")
	raw, _ := json.Marshal(wireMessage{Event: MustEvent(TypeDataUpdate, nil)})
	b.dispatch(context.Background(), string(raw))
	if len(local.Drain()) != 0 {
		t.Fatal("expected invalid messages to be dropped")
	}
}
