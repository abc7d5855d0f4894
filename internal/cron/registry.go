package cron

import (
	"context"
	"time"
)

// Job is one unit of scheduled maintenance.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Schedule pairs a job with its cadence. A zero Every runs the job on each
// tick of the service.
type Schedule struct {
	Job   Job
	Every time.Duration
}

// Registry holds the schedules the worker runs, in registration order.
type Registry struct {
	schedules []Schedule
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds job with the given cadence. Nil jobs are ignored.
func (r *Registry) Register(job Job, every time.Duration) *Registry {
	if job == nil {
		return r
	}
	if every < 0 {
		every = 0
	}
	r.schedules = append(r.schedules, Schedule{Job: job, Every: every})
	return r
}

func (r *Registry) Schedules() []Schedule {
	out := make([]Schedule, len(r.schedules))
	copy(out, r.schedules)
	return out
}

// shortest returns the smallest non-zero cadence, or 0 when none is set.
func (r *Registry) shortest() time.Duration {
	var min time.Duration
	for _, s := range r.schedules {
		if s.Every > 0 && (min == 0 || s.Every < min) {
			min = s.Every
		}
	}
	return min
}
