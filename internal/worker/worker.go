// Package worker polls the priority lanes and executes task HTTP
// calls. Each lane has its own poll cadence; higher priority lanes are
// checked more often, bounding dispatch-to-execution latency by
// priority.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"chainrun/internal/cronexpr"
	"chainrun/internal/dispatch"
	"chainrun/internal/domain"
	"chainrun/internal/queue"
	"chainrun/internal/store"
)

// maxBodyBytes bounds the response or error body persisted on an
// execution record.
const maxBodyBytes = 4096

// transportFailureCode is the chain-matching sentinel for attempts
// that produced no HTTP response at all.
const transportFailureCode = 0

// maxRetryDelaySeconds bounds the advisory backoff delay (30 days).
const maxRetryDelaySeconds = 30 * 24 * 60 * 60

type Config struct {
	HighPoll    time.Duration
	NormalPoll  time.Duration
	LowPoll     time.Duration
	Visibility  time.Duration
	CallTimeout time.Duration
	MaxMessages int
}

func (c *Config) defaults() {
	if c.HighPoll <= 0 {
		c.HighPoll = 5 * time.Second
	}
	if c.NormalPoll <= 0 {
		c.NormalPoll = 10 * time.Second
	}
	if c.LowPoll <= 0 {
		c.LowPoll = 20 * time.Second
	}
	if c.Visibility <= 0 {
		c.Visibility = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = 10
	}
}

type Worker struct {
	store  store.Store
	q      *queue.Queue
	disp   *dispatch.Dispatcher
	client *http.Client
	cfg    Config
	stop   chan struct{}
}

func New(st store.Store, q *queue.Queue, disp *dispatch.Dispatcher, cfg Config) *Worker {
	cfg.defaults()
	return &Worker{
		store:  st,
		q:      q,
		disp:   disp,
		client: &http.Client{Timeout: cfg.CallTimeout},
		cfg:    cfg,
		stop:   make(chan struct{}),
	}
}

// Run starts the three lane poll loops and blocks until ctx is done or
// Stop is called.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	lanes := []struct {
		name  string
		every time.Duration
	}{
		{queue.LaneHigh, w.cfg.HighPoll},
		{queue.LaneNormal, w.cfg.NormalPoll},
		{queue.LaneLow, w.cfg.LowPoll},
	}
	for _, l := range lanes {
		wg.Add(1)
		go func(lane string, every time.Duration) {
			defer wg.Done()
			w.pollLane(ctx, lane, every)
		}(l.name, l.every)
	}
	wg.Wait()
}

func (w *Worker) Stop() { close(w.stop) }

func (w *Worker) pollLane(ctx context.Context, lane string, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	log.Info().Str("lane", lane).Dur("every", every).Msg("lane poll loop started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-t.C:
			w.drainLane(ctx, lane)
		}
	}
}

func (w *Worker) drainLane(ctx context.Context, lane string) {
	msgs, err := w.q.Receive(lane, w.cfg.MaxMessages, w.cfg.Visibility, 0)
	if err != nil {
		log.Error().Err(err).Str("lane", lane).Msg("failed to receive messages")
		return
	}
	for _, msg := range msgs {
		if err := w.Process(ctx, msg); err != nil {
			// Leave the message leased; it reappears after the
			// visibility timeout for another attempt.
			log.Error().Err(err).Str("lane", lane).Str("group", msg.Group).Msg("message processing failed")
			continue
		}
		if err := w.q.Delete(lane, msg.Receipt); err != nil {
			log.Error().Err(err).Str("lane", lane).Msg("failed to ack message")
		}
	}
}

// Process runs one delivered message end to end: record the attempt,
// call the endpoint, persist the outcome, update stats, follow a chain
// edge, schedule a retry on failure and recompute the cron slot.
func (w *Worker) Process(ctx context.Context, msg queue.Message) error {
	var env dispatch.Envelope
	if err := json.Unmarshal(msg.Body, &env); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}
	task := env.Task
	now := time.Now()

	exec := domain.TaskExecution{
		ID:            "exe_" + uuid.NewString(),
		TaskID:        task.ID,
		ExecutionTime: now,
		Status:        domain.ExecRunning,
		RetryCount:    env.Attempt,
	}
	if err := w.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("record running execution: %w", err)
	}

	log.Info().Str("task_id", task.ID).Str("method", task.Method).
		Str("endpoint", task.Endpoint).Int("attempt", env.Attempt).Msg("executing task")

	code, body, callErr := w.call(ctx, task)

	var success bool
	chainCode := transportFailureCode
	switch {
	case callErr != nil:
		exec.Status = domain.ExecFailed
		exec.Error = truncate(callErr.Error())
		log.Warn().Err(callErr).Str("task_id", task.ID).Msg("task call failed")
	case code >= 200 && code < 300:
		exec.Status = domain.ExecCompleted
		exec.StatusCode = &code
		exec.Response = truncate(body)
		success = true
		chainCode = code
		log.Info().Str("task_id", task.ID).Int("status", code).Msg("task completed")
	default:
		// Non-2xx responses are failures, but their status code still
		// drives chain matching.
		exec.Status = domain.ExecFailed
		exec.StatusCode = &code
		exec.Error = truncate(body)
		chainCode = code
		log.Warn().Str("task_id", task.ID).Int("status", code).Msg("task returned error status")
	}

	if err := w.store.SaveExecution(ctx, exec); err != nil {
		return fmt.Errorf("record execution outcome: %w", err)
	}
	if err := w.store.UpdateStats(ctx, task.ID, !success, now); err != nil {
		return fmt.Errorf("update task stats: %w", err)
	}
	task.LastExecutedAt = &now

	w.resolveChain(ctx, task, chainCode)

	if !success {
		if err := w.maybeRetry(ctx, task, exec, now); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
	}

	w.rescheduleCron(ctx, task)
	return nil
}

func (w *Worker) call(ctx context.Context, task domain.Task) (int, string, error) {
	cctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()

	var body io.Reader
	if len(task.Body) > 0 {
		body = bytes.NewReader(task.Body)
	}
	method := task.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(cctx, method, task.Endpoint, body)
	if err != nil {
		return 0, "", fmt.Errorf("build request: %w", err)
	}
	for k, v := range task.Headers {
		req.Header.Set(k, v)
	}
	if len(task.Body) > 0 && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes+1))
	if err != nil {
		return 0, "", fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, string(respBody), nil
}

// maybeRetry applies the retry policy: eligible while the attempt's
// retry counter is below the task's max. The retry is re-enqueued
// immediately; NextRetry is recorded for observability but actual
// re-delivery timing is governed by queue polling.
func (w *Worker) maybeRetry(ctx context.Context, task domain.Task, exec domain.TaskExecution, now time.Time) error {
	if task.MaxRetries <= 0 || exec.RetryCount >= task.MaxRetries {
		return nil
	}

	retryCount := exec.RetryCount + 1
	delay := task.RetryDelaySeconds
	if delay <= 0 {
		delay = 60
	}
	// Caps keep the doubling from overflowing into a retry scheduled
	// in the past; the advisory delay is already enormous up there.
	if delay > maxRetryDelaySeconds {
		delay = maxRetryDelaySeconds
	}
	if task.ExponentialBackoff {
		shift := retryCount - 1
		if shift > 20 {
			shift = 20
		}
		delay <<= shift
		if delay > maxRetryDelaySeconds {
			delay = maxRetryDelaySeconds
		}
	}
	nextRetry := now.Add(time.Duration(delay) * time.Second)

	exec.RetryCount = retryCount
	exec.NextRetry = &nextRetry
	exec.Status = domain.ExecRetryScheduled
	if err := w.store.SaveExecution(ctx, exec); err != nil {
		return err
	}

	log.Info().Str("task_id", task.ID).Int("retry", retryCount).Int("of", task.MaxRetries).
		Int("delay_seconds", delay).Time("next_retry", nextRetry).Msg("retry scheduled")

	return w.disp.Enqueue(task, retryCount)
}

// resolveChain follows at most one continuation edge: the first edge
// matching the status code, in stored order. A broken reference is
// logged and skipped.
func (w *Worker) resolveChain(ctx context.Context, task domain.Task, code int) {
	for _, edge := range task.Chains {
		if edge.StatusCode != code {
			continue
		}
		next, err := w.store.GetTask(ctx, task.OwnerID, edge.NextTaskID)
		if err != nil {
			log.Warn().Err(err).Str("task_id", task.ID).Str("next_task_id", edge.NextTaskID).
				Msg("chain target not found")
			return
		}
		log.Info().Str("task_id", task.ID).Str("next_task_id", next.ID).Int("status", code).
			Msg("following chain edge")
		if err := w.disp.Enqueue(next, 0); err != nil {
			log.Error().Err(err).Str("next_task_id", next.ID).Msg("failed to enqueue chained task")
		}
		return
	}
}

// rescheduleCron advances the task's next fire time from the execution
// that just finished. An unschedulable expression leaves the task
// without a slot; the gap is operator-visible through the logs.
func (w *Worker) rescheduleCron(ctx context.Context, task domain.Task) {
	if task.CronExpression == "" {
		return
	}
	base := time.Now()
	if task.LastExecutedAt != nil {
		base = *task.LastExecutedAt
	}
	next, err := cronexpr.Next(task.CronExpression, base)
	if err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Msg("cannot reschedule task")
		return
	}
	if err := w.store.UpdateNextExecution(ctx, task.ID, &next); err != nil {
		log.Error().Err(err).Str("task_id", task.ID).Msg("failed to persist next execution time")
		return
	}
	log.Info().Str("task_id", task.ID).Time("next", next).Msg("next execution scheduled")
}

func truncate(s string) string {
	if len(s) > maxBodyBytes {
		return s[:maxBodyBytes]
	}
	return s
}
