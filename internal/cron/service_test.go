package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sppix/storefront-backend/pkg/logger"
)

type fakeLocker struct {
	held     map[string]bool
	acquired []string
	released []string
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: map[string]bool{}}
}

func (f *fakeLocker) Acquire(_ context.Context, job string) (func(context.Context) error, bool, error) {
	if f.held[job] {
		return nil, false, nil
	}
	f.held[job] = true
	f.acquired = append(f.acquired, job)
	return func(context.Context) error {
		delete(f.held, job)
		f.released = append(f.released, job)
		return nil
	}, true, nil
}

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

func newTestCronService(t *testing.T, registry *Registry, locker Locker) (*Service, *time.Time) {
	t.Helper()
	service, err := NewService(ServiceParams{
		Logger:   logger.Nop(),
		Registry: registry,
		Locker:   locker,
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	service.now = func() time.Time { return now }
	return service, &now
}

func TestServiceRunsAllJobsEvenOnFailure(t *testing.T) {
	success := &testJob{name: "success"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	locker := newFakeLocker()
	service, _ := newTestCronService(t, NewRegistry().Register(success, 0).Register(failure, 0), locker)

	service.runDue(context.Background())

	if success.runs != 1 || failure.runs != 1 {
		t.Fatalf("expected both jobs to run once, got %d and %d", success.runs, failure.runs)
	}
	if len(locker.released) != 2 {
		t.Fatalf("expected both leases released, got %v", locker.released)
	}
}

func TestServiceHonoursCadence(t *testing.T) {
	reaper := &testJob{name: "order-ttl"}
	retention := &testJob{name: "outbox-retention"}
	registry := NewRegistry().
		Register(reaper, 15*time.Minute).
		Register(retention, 24*time.Hour)
	service, now := newTestCronService(t, registry, newFakeLocker())
	if service.tick != 15*time.Minute {
		t.Fatalf("expected tick from shortest cadence, got %s", service.tick)
	}

	ctx := context.Background()
	service.runDue(ctx)
	*now = now.Add(15 * time.Minute)
	service.runDue(ctx)
	*now = now.Add(5 * time.Minute)
	service.runDue(ctx)

	if reaper.runs != 2 {
		t.Fatalf("expected reaper to run twice, ran %d", reaper.runs)
	}
	if retention.runs != 1 {
		t.Fatalf("expected retention to run once, ran %d", retention.runs)
	}

	*now = now.Add(24 * time.Hour)
	service.runDue(ctx)
	if retention.runs != 2 {
		t.Fatalf("expected retention to run again after a day, ran %d", retention.runs)
	}
}

func TestServiceSkipsJobHeldElsewhere(t *testing.T) {
	job := &testJob{name: "order-ttl"}
	locker := newFakeLocker()
	locker.held["order-ttl"] = true
	service, now := newTestCronService(t, NewRegistry().Register(job, time.Minute), locker)

	service.runDue(context.Background())
	if job.runs != 0 {
		t.Fatalf("held job must not run, ran %d", job.runs)
	}

	delete(locker.held, "order-ttl")
	service.runDue(context.Background())
	if job.runs != 0 {
		t.Fatalf("contended job waits a full cadence, ran %d", job.runs)
	}

	*now = now.Add(time.Minute)
	service.runDue(context.Background())
	if job.runs != 1 {
		t.Fatalf("expected job to run once the cadence elapsed, ran %d", job.runs)
	}
}

func TestServiceRunStopsOnCancel(t *testing.T) {
	job := &testJob{name: "once"}
	service, _ := newTestCronService(t, NewRegistry().Register(job, time.Hour), newFakeLocker())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := service.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("cancelled service must not start jobs, ran %d", job.runs)
	}
}
