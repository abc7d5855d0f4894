package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sppix/storefront-backend/pkg/logger"
	"github.com/sppix/storefront-backend/pkg/metrics"
)

const defaultTick = time.Minute

// ServiceParams configure the cron service. Tick defaults to the shortest
// registered cadence.
type ServiceParams struct {
	Logger   *logger.Logger
	Registry *Registry
	Locker   Locker
	Metrics  *metrics.CronJobMetrics
	Tick     time.Duration
}

// Service wakes every tick and runs the jobs whose cadence has elapsed.
type Service struct {
	logg     *logger.Logger
	registry *Registry
	locker   Locker
	metrics  *metrics.CronJobMetrics
	tick     time.Duration
	now      func() time.Time

	mu      sync.Mutex
	lastRun map[string]time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Locker == nil {
		return nil, fmt.Errorf("locker required")
	}
	registry := params.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	tick := params.Tick
	if tick <= 0 {
		tick = registry.shortest()
	}
	if tick <= 0 {
		tick = defaultTick
	}
	return &Service{
		logg:     params.Logger,
		registry: registry,
		locker:   params.Locker,
		metrics:  params.Metrics,
		tick:     tick,
		now:      time.Now,
		lastRun:  make(map[string]time.Time),
	}, nil
}

// Run executes due jobs immediately and then on every tick until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	s.runDue(ctx)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logg.Info(ctx, "cron service context canceled")
			return ctx.Err()
		case <-ticker.C:
			s.runDue(ctx)
		}
	}
}

func (s *Service) runDue(ctx context.Context) {
	for _, sched := range s.registry.Schedules() {
		if ctx.Err() != nil {
			return
		}
		if !s.due(sched) {
			continue
		}
		s.runJob(ctx, sched.Job)
	}
}

func (s *Service) due(sched Schedule) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	last, ok := s.lastRun[sched.Job.Name()]
	if !ok || sched.Every == 0 {
		return true
	}
	return s.now().Sub(last) >= sched.Every
}

func (s *Service) markRun(job string, at time.Time) {
	s.mu.Lock()
	s.lastRun[job] = at
	s.mu.Unlock()
}

func (s *Service) runJob(ctx context.Context, job Job) {
	name := job.Name()
	jobCtx := s.logg.WithFields(ctx, map[string]any{"job": name, "event": "cron.job"})

	release, ok, err := s.locker.Acquire(jobCtx, name)
	if err != nil {
		s.logg.Error(jobCtx, "cron lock acquire failed", err)
		s.metrics.IncFailure(name)
		return
	}
	if !ok {
		// Another replica has it; wait out a full cadence before trying again.
		s.markRun(name, s.now())
		s.logg.Debug(jobCtx, "job held by another replica; skipping")
		s.metrics.AddItems(name, "lock_contended", 1)
		return
	}
	defer func() {
		if err := release(context.WithoutCancel(jobCtx)); err != nil {
			s.logg.Error(jobCtx, "failed to release cron lock", err)
		}
	}()

	start := s.now()
	s.markRun(name, start)
	s.logg.Info(jobCtx, "job start")
	err = job.Run(jobCtx)
	duration := s.now().Sub(start)
	s.metrics.ObserveDuration(name, duration)
	jobCtx = s.logg.WithField(jobCtx, "duration_ms", duration.Milliseconds())
	if err != nil {
		s.logg.Error(jobCtx, "job failed", err)
		s.metrics.IncFailure(name)
		return
	}
	s.logg.Info(jobCtx, "job completed")
	s.metrics.IncSuccess(name)
}
