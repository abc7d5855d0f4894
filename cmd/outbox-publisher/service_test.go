package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/sppix/storefront-backend/pkg/config"
	"github.com/sppix/storefront-backend/pkg/db"
	"github.com/sppix/storefront-backend/pkg/db/dbtest"
	"github.com/sppix/storefront-backend/pkg/db/models"
	"github.com/sppix/storefront-backend/pkg/enums"
	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/outbox"
	"github.com/sppix/storefront-backend/pkg/outbox/payloads"
	"github.com/sppix/storefront-backend/pkg/outbox/registry"
)

func TestServiceProcessBatchContinuesAfterFailure(t *testing.T) {
	repo := &fakeRepo{
		events: []models.OutboxEvent{
			newEvent(t, enums.EventOrderCreated, "11", 0),
			newEvent(t, enums.EventOrderPaid, "12", 0),
		},
	}
	pub := &fakePublisher{
		results: []publishResult{
			fakePublishResult{err: errors.New("transient")},
			fakePublishResult{},
		},
	}
	service := newTestService(t, repo, pub, &fakeRegistry{resolved: lifecycleResolved()}, nil)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected batch to report processed")
	}
	if got := len(repo.failed); got != 1 {
		t.Fatalf("unexpected number of failed rows: %d", got)
	}
	if got := len(repo.published); got != 1 {
		t.Fatalf("unexpected number of published rows: %d", got)
	}
	if repo.failed[0] != repo.events[0].ID {
		t.Fatalf("failed row recorded wrong ID")
	}
	if repo.published[0] != repo.events[1].ID {
		t.Fatalf("published row recorded wrong ID")
	}
}

func TestPublishCarriesAggregateAttributes(t *testing.T) {
	event := newEvent(t, enums.EventOrderCancelled, "42", 0)
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{}}}
	service := newTestService(t, repo, pub, &fakeRegistry{resolved: lifecycleResolved()}, nil)

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(pub.sent) != 1 {
		t.Fatalf("expected one message, got %d", len(pub.sent))
	}
	attrs := pub.sent[0].Attributes
	if attrs["aggregate_id"] != "42" || attrs["event_type"] != string(enums.EventOrderCancelled) {
		t.Fatalf("unexpected attributes %v", attrs)
	}
	if attrs["event_id"] != event.ID {
		t.Fatalf("expected event id %s, got %s", event.ID, attrs["event_id"])
	}
}

func TestProcessBatchHoldsLaterEventsForFailedOrder(t *testing.T) {
	created := newEvent(t, enums.EventOrderCreated, "42", 0)
	paid := newEvent(t, enums.EventOrderPaid, "42", 0)
	other := newEvent(t, enums.EventOrderCreated, "43", 0)
	repo := &fakeRepo{events: []models.OutboxEvent{created, paid, other}}
	pub := &fakePublisher{
		results: []publishResult{
			fakePublishResult{err: errors.New("unavailable")},
			fakePublishResult{},
		},
	}
	service := newTestService(t, repo, pub, &fakeRegistry{resolved: lifecycleResolved()}, &config.OutboxConfig{
		BatchSize:   3,
		MaxAttempts: 5,
	})

	if _, err := service.processBatch(context.Background()); err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if len(pub.sent) != 2 {
		t.Fatalf("expected paid event to be held back, sent %d", len(pub.sent))
	}
	if pub.sent[0].OrderingKey != "order:42" || pub.sent[1].OrderingKey != "order:43" {
		t.Fatalf("unexpected ordering keys %q %q", pub.sent[0].OrderingKey, pub.sent[1].OrderingKey)
	}
	if len(pub.resumed) != 1 || pub.resumed[0] != "order:42" {
		t.Fatalf("expected failed key to be resumed, got %v", pub.resumed)
	}
	if len(repo.failed) != 1 || repo.failed[0] != created.ID {
		t.Fatalf("expected only the created event marked failed, got %v", repo.failed)
	}
	if len(repo.published) != 1 || repo.published[0] != other.ID {
		t.Fatalf("expected the other order to publish, got %v", repo.published)
	}
}

func TestServiceProcessBatchParksNonRetryable(t *testing.T) {
	event := newEvent(t, enums.EventOrderCreated, "13", 0)
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	resolver := &fakeRegistry{err: registry.NewNonRetryableError(errors.New("invalid payload"))}
	service := newTestService(t, repo, &fakePublisher{}, resolver, nil)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected batch to report processed")
	}
	if got := len(repo.terminal); got != 1 {
		t.Fatalf("expected terminal row, got %d", got)
	}
	if repo.terminal[0] != event.ID {
		t.Fatalf("terminal row mismatch: %s", repo.terminal[0])
	}
	if len(repo.published) != 0 {
		t.Fatalf("non-retryable row must not be published")
	}
}

func TestServiceProcessBatchParksAtMaxAttempts(t *testing.T) {
	event := newEvent(t, enums.EventOrderCreated, "14", 1)
	repo := &fakeRepo{events: []models.OutboxEvent{event}}
	pub := &fakePublisher{
		results: []publishResult{
			fakePublishResult{err: errors.New("transient")},
		},
	}
	service := newTestService(t, repo, pub, &fakeRegistry{resolved: lifecycleResolved()}, &config.OutboxConfig{
		BatchSize:      1,
		PollIntervalMS: 100,
		MaxAttempts:    2,
	})

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch returned error: %v", err)
	}
	if !processed {
		t.Fatalf("expected batch to report processed")
	}
	if got := len(repo.terminal); got != 1 {
		t.Fatalf("expected terminal row, got %d", got)
	}
	if len(repo.failed) != 0 {
		t.Fatalf("terminal row must not also be marked failed")
	}
}

func TestProcessBatchAgainstRepository(t *testing.T) {
	conn := dbtest.Open(t)
	repo := outbox.NewRepository(conn)
	emitter := outbox.NewService(repo, logger.Nop())
	err := conn.Transaction(func(tx *gorm.DB) error {
		return emitter.Emit(context.Background(), tx, outbox.DomainEvent{
			EventType:     enums.EventOrderPaid,
			AggregateType: enums.AggregateOrder,
			AggregateID:   "77",
			Data: payloads.PaymentRecordedEvent{
				OrderLifecycleEvent: payloads.OrderLifecycleEvent{OrderID: 77, PaymentState: enums.PaymentStatePaid},
				Amount:              "10.00",
			},
		})
	})
	if err != nil {
		t.Fatalf("emit: %v", err)
	}

	resolver, err := registry.NewEventRegistry(config.PubSubConfig{LifecycleTopic: "lifecycle"})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	pub := &fakePublisher{results: []publishResult{fakePublishResult{}}}
	service, err := NewService(ServiceParams{
		Config:           &config.Config{},
		Logger:           logger.Nop(),
		DB:               db.FromGorm(conn),
		PubSub:           &fakePubSubClient{},
		Repository:       repo,
		Registry:         resolver,
		PublisherFactory: func(topic string) publisher { return pub },
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	processed, err := service.processBatch(context.Background())
	if err != nil || !processed {
		t.Fatalf("expected processed batch, got %v %v", processed, err)
	}
	rows, err := repo.ListForAggregate("77")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 || rows[0].PublishedAt == nil {
		t.Fatalf("expected published row, got %+v", rows)
	}

	processed, err = service.processBatch(context.Background())
	if err != nil || processed {
		t.Fatalf("expected empty second batch, got %v %v", processed, err)
	}
}

func TestNextBackoffCaps(t *testing.T) {
	if got := nextBackoff(0, time.Second, 10*time.Second); got != 2*time.Second {
		t.Fatalf("expected 2s, got %s", got)
	}
	if got := nextBackoff(8*time.Second, time.Second, 10*time.Second); got != 10*time.Second {
		t.Fatalf("expected cap, got %s", got)
	}
}

func newTestService(t *testing.T, repo outboxRepository, pub publisher, resolver registryResolver, outboxCfgOverride *config.OutboxConfig) *Service {
	t.Helper()
	outboxCfg := config.OutboxConfig{
		BatchSize:      2,
		PollIntervalMS: 100,
		MaxAttempts:    5,
	}
	if outboxCfgOverride != nil {
		outboxCfg = *outboxCfgOverride
	}
	logg := logger.New(logger.Options{
		ServiceName: "outbox-publisher-test",
		Output:      io.Discard,
	})
	service, err := NewService(ServiceParams{
		Config:           &config.Config{Outbox: outboxCfg},
		Logger:           logg,
		DB:               &fakeDB{},
		PubSub:           &fakePubSubClient{},
		Repository:       repo,
		Registry:         resolver,
		PublisherFactory: func(_ string) publisher { return pub },
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func newEvent(tb testing.TB, eventType enums.OutboxEventType, aggregateID string, attempts int) models.OutboxEvent {
	tb.Helper()
	id := uuid.NewString()
	return models.OutboxEvent{
		ID:            id,
		EventType:     eventType,
		AggregateType: enums.AggregateOrder,
		AggregateID:   aggregateID,
		Payload:       mustEnvelopePayload(tb, id),
		AttemptCount:  attempts,
		CreatedAt:     time.Now(),
	}
}

func lifecycleResolved() *registry.ResolvedEvent {
	return &registry.ResolvedEvent{
		Descriptor: registry.EventDescriptor{
			Topic:         "lifecycle-topic",
			AggregateType: enums.AggregateOrder,
		},
		Payload: &payloads.OrderLifecycleEvent{},
	}
}

func mustEnvelopePayload(tb testing.TB, eventID string) json.RawMessage {
	tb.Helper()
	env := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    eventID,
		OccurredAt: time.Now(),
		Data:       json.RawMessage(`{"order_id":1}`),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		tb.Fatalf("marshal envelope: %v", err)
	}
	return payload
}

type fakeRepo struct {
	events    []models.OutboxEvent
	published []string
	failed    []string
	terminal  []string
}

func (f *fakeRepo) FetchUnpublishedForPublish(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	return f.events, nil
}

func (f *fakeRepo) MarkPublishedTx(tx *gorm.DB, id string) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(tx *gorm.DB, id string, err error) error {
	f.failed = append(f.failed, id)
	return nil
}

func (f *fakeRepo) MarkTerminalTx(tx *gorm.DB, id string, err error, terminalAttempts int) error {
	f.terminal = append(f.terminal, id)
	return nil
}

type fakeDB struct{}

func (f *fakeDB) Ping(context.Context) error {
	return nil
}

func (f *fakeDB) WithTx(_ context.Context, fn func(*gorm.DB) error) error {
	return fn(nil)
}

type fakePubSubClient struct{}

func (f *fakePubSubClient) Ping(context.Context) error {
	return nil
}

func (f *fakePubSubClient) Publisher(name string) *gcppubsub.Publisher {
	return nil
}

type fakePublisher struct {
	results []publishResult
	sent    []*gcppubsub.Message
	resumed []string
}

func (f *fakePublisher) ResumePublish(key string) {
	f.resumed = append(f.resumed, key)
}

func (f *fakePublisher) Publish(_ context.Context, msg *gcppubsub.Message) publishResult {
	f.sent = append(f.sent, msg)
	if len(f.results) == 0 {
		return nil
	}
	result := f.results[0]
	f.results = f.results[1:]
	return result
}

type fakePublishResult struct {
	err error
}

func (f fakePublishResult) Get(context.Context) (string, error) {
	return "", f.err
}

type fakeRegistry struct {
	resolved *registry.ResolvedEvent
	err      error
}

func (f *fakeRegistry) Resolve(event models.OutboxEvent) (*registry.ResolvedEvent, error) {
	if f.resolved == nil {
		return nil, f.err
	}
	resolved := *f.resolved
	resolved.Descriptor.AggregateType = event.AggregateType
	resolved.Envelope.EventID = event.ID
	resolved.Envelope.OccurredAt = time.Now()
	return &resolved, f.err
}
