// Tianji Coordinator - Distributed Coordination and Caching Layer
// Copyright 2026 Tianji Contributors
// SPDX-License-Identifier: Apache-2.0
// https://github.com/msgbyte/tianji-coord

// Package scheduler runs the coordinator's cron jobs (replication sync,
// quota daily reset) as a supervised service.
package scheduler

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/msgbyte/tianji-coord/internal/logging"
)

// Job is a named unit of scheduled work. Jobs receive a context canceled
// when the scheduler stops; they are expected to skip gracefully when
// another instance is already doing the work.
type Job struct {
	Name     string
	Schedule string // standard 5-field cron expression
	Run      func(ctx context.Context) error
}

// Scheduler runs registered jobs on their cron schedules.
type Scheduler struct {
	jobs []Job
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a job. Must be called before Serve.
func (s *Scheduler) Add(job Job) {
	s.jobs = append(s.jobs, job)
}

// Serve implements suture.Service: it starts the cron runner, blocks until
// ctx is canceled, then waits for in-flight jobs to finish.
func (s *Scheduler) Serve(ctx context.Context) error {
	c := cron.New()

	for _, job := range s.jobs {
		if _, err := c.AddFunc(job.Schedule, s.wrap(ctx, job)); err != nil {
			return fmt.Errorf("schedule %s (%q): %w", job.Name, job.Schedule, err)
		}
		logging.Info().Str("job", job.Name).Str("schedule", job.Schedule).Msg("Job scheduled")
	}

	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}

// wrap adds panic recovery and error logging around a job. A failing job
// must never take down the scheduler.
func (s *Scheduler) wrap(ctx context.Context, job Job) func() {
	return func() {
		defer func() {
			if r := recover(); r != nil {
				logging.Error().Interface("panic", r).Str("job", job.Name).Msg("Job panicked")
			}
		}()

		if err := job.Run(ctx); err != nil {
			logging.Error().Err(err).Str("job", job.Name).Msg("Job failed")
		}
	}
}
