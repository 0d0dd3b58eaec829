// Package scanner discovers due ROOT tasks and claims them for
// dispatch. Replicas run without coordination; the store's conditional
// update guarantees a fire instance is dispatched at most once.
package scanner

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"chainrun/internal/cronexpr"
	"chainrun/internal/dispatch"
	"chainrun/internal/domain"
	"chainrun/internal/store"
)

type Scanner struct {
	store     store.Store
	disp      *dispatch.Dispatcher
	period    time.Duration
	lookahead time.Duration
	stop      chan struct{}
}

func New(st store.Store, disp *dispatch.Dispatcher, period, lookahead time.Duration) *Scanner {
	if lookahead < period {
		// A lookahead shorter than the scan period would miss fires
		// landing between ticks.
		lookahead = period
	}
	return &Scanner{
		store:     st,
		disp:      disp,
		period:    period,
		lookahead: lookahead,
		stop:      make(chan struct{}),
	}
}

func (s *Scanner) Start(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()

	log.Info().Dur("period", s.period).Dur("lookahead", s.lookahead).Msg("scanner started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Scan(ctx, now)
		}
	}
}

func (s *Scanner) Stop() { close(s.stop) }

// Scan runs one tick: list candidates in the lookahead window,
// re-check due-ness, claim, dispatch.
func (s *Scanner) Scan(ctx context.Context, now time.Time) {
	tasks, err := s.store.ListDueRootTasks(ctx, now, now.Add(s.lookahead))
	if err != nil {
		log.Error().Err(err).Msg("failed to list due tasks")
		return
	}
	if len(tasks) == 0 {
		return
	}
	log.Info().Int("count", len(tasks)).Msg("found due task candidates")

	for _, task := range tasks {
		if !s.isDue(task, now) {
			continue
		}
		if err := s.claimAndDispatch(ctx, task); err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Msg("failed to dispatch due task")
		}
	}
}

// isDue re-validates a candidate locally. The stored
// next_execution_time can be stale relative to the cron expression, so
// tasks carrying one get their next fire recomputed from the last
// execution.
func (s *Scanner) isDue(task domain.Task, now time.Time) bool {
	horizon := now.Add(s.lookahead)
	if task.CronExpression != "" {
		base := now
		if task.LastExecutedAt != nil {
			base = *task.LastExecutedAt
		}
		next, err := cronexpr.Next(task.CronExpression, base)
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("unschedulable cron expression")
			return false
		}
		return !next.After(horizon)
	}
	return task.NextExecutionTime != nil && !task.NextExecutionTime.After(horizon)
}

func (s *Scanner) claimAndDispatch(ctx context.Context, task domain.Task) error {
	observed := *task.NextExecutionTime

	// The claim advances next_execution_time past this fire instance.
	// The replacement is evaluated from the observed fire time, which
	// guarantees a value strictly after it: a recomputation from "now"
	// would often yield the stored value itself (the due slot lies
	// ahead of now inside the lookahead window) and the conditional
	// write would never flip. If the expression no longer yields a
	// fire time, the slot is cleared and an operator-visible gap
	// remains.
	var next *time.Time
	if task.CronExpression != "" {
		t, err := cronexpr.Next(task.CronExpression, observed)
		if err == nil {
			next = &t
		} else {
			log.Warn().Err(err).Str("task_id", task.ID).Msg("cannot compute next fire time")
		}
	}

	claimed, err := s.store.ClaimDue(ctx, task.ID, observed, next)
	if err != nil {
		return err
	}
	if !claimed {
		// Expected when another replica won the race.
		log.Debug().Str("task_id", task.ID).Msg("lost claim race, skipping")
		return nil
	}

	log.Info().Str("task_id", task.ID).Str("priority", string(task.Priority)).Msg("claimed due task")
	return s.disp.Enqueue(task, 0)
}
