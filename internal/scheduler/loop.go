// Package scheduler contains the coordinating loop: it sleeps until the
// next trigger or the poll ceiling, claims due tasks, and hands them to
// the dispatcher with their already-computed next trigger.
package scheduler

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"hookflow/internal/dispatch"
	"hookflow/internal/domain"
	"hookflow/internal/store"
	"hookflow/internal/wake"
)

// errorPause is how long the loop waits before retrying after a storage
// error while unhealthy.
const errorPause = 5 * time.Second

type Loop struct {
	store       store.Store
	disp        *dispatch.Dispatcher
	wake        *wake.Signal
	pollCeiling time.Duration

	healthy atomic.Bool
	now     func() time.Time
}

func New(st store.Store, d *dispatch.Dispatcher, w *wake.Signal, pollCeiling time.Duration) *Loop {
	if pollCeiling <= 0 {
		pollCeiling = time.Minute
	}
	l := &Loop{store: st, disp: d, wake: w, pollCeiling: pollCeiling, now: time.Now}
	l.healthy.Store(true)
	return l
}

// Healthy reports whether the loop has a working storage connection.
// It turns false after a non-transient storage error and back on once a
// cycle succeeds again.
func (l *Loop) Healthy() bool { return l.healthy.Load() }

// Run drives the loop until ctx is cancelled. After cancellation no new
// claims are made; in-flight dispatches are the dispatcher's to drain.
func (l *Loop) Run(ctx context.Context) {
	log.Info().Dur("poll_ceiling", l.pollCeiling).Msg("scheduler loop started")
	for {
		timer := time.NewTimer(l.nextWait(ctx))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Info().Msg("scheduler loop stopped")
			return
		case <-timer.C:
		case <-l.wake.C():
			timer.Stop()
		}
		// Clear any signal raised while the timer was firing, so it
		// coalesces into this cycle instead of forcing another.
		l.wake.Drain()
		l.runCycle(ctx)
	}
}

// nextWait computes min(earliest active trigger, poll ceiling) from now.
func (l *Loop) nextWait(ctx context.Context) time.Duration {
	next, ok, err := l.store.NextTriggerAt(ctx)
	if err != nil {
		// A cancelled run context is shutdown, not a storage failure; the
		// caller's select exits on ctx.Done before this wait matters.
		if ctx.Err() != nil {
			return errorPause
		}
		if !store.IsTransient(err) {
			l.healthy.Store(false)
		}
		log.Error().Err(err).Msg("failed to query next trigger")
		return errorPause
	}
	wait := l.pollCeiling
	if ok {
		if until := next.Sub(l.now()); until < wait {
			wait = until
		}
	}
	if wait < 0 {
		wait = 0
	}
	return wait
}

func (l *Loop) runCycle(ctx context.Context) {
	now := l.now().UTC()
	tasks, err := l.store.ClaimDue(ctx, now)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if store.IsTransient(err) {
			log.Warn().Err(err).Msg("claim contention, retrying on next wake")
			return
		}
		l.healthy.Store(false)
		log.Error().Err(err).Msg("storage unavailable, scheduler pausing")
		return
	}
	l.healthy.Store(true)

	for i, t := range tasks {
		job := dispatch.Job{Task: t}
		if t.Kind == domain.KindInterval {
			next := NextTrigger(t.TriggerAt, t.IntervalSeconds, now)
			job.NextTriggerAt = &next
		}
		if err := l.disp.Submit(ctx, job); err != nil {
			// Shutdown while the queue is full: hand the unsubmitted
			// claims back so the next startup or wake retries them.
			l.releaseClaims(tasks[i:])
			return
		}
		log.Debug().Str("task_id", t.ID).Str("name", t.Name).Msg("claimed task submitted")
	}
}

func (l *Loop) releaseClaims(tasks []domain.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, t := range tasks {
		if err := l.store.ReleaseClaim(ctx, t.ID); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to release unsubmitted claim")
		}
	}
}

// NextTrigger returns the smallest old + k*interval (k >= 1) strictly
// after now. Skip-ahead: after downtime a task fires once and jumps to
// the next future tick instead of bursting every missed one.
func NextTrigger(old time.Time, intervalSeconds int64, now time.Time) time.Time {
	interval := time.Duration(intervalSeconds) * time.Second
	next := old.Add(interval)
	if next.After(now) {
		return next
	}
	k := int64(now.Sub(old)/interval) + 1
	next = old.Add(time.Duration(k) * interval)
	if !next.After(now) {
		next = next.Add(interval)
	}
	return next
}
