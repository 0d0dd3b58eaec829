package worker_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"chainrun/internal/dispatch"
	"chainrun/internal/domain"
	"chainrun/internal/queue"
	"chainrun/internal/store"
	"chainrun/internal/worker"
)

type fixture struct {
	st   store.Store
	q    *queue.Queue
	disp *dispatch.Dispatcher
	w    *worker.Worker
}

func setup(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)",
		filepath.Join(dir, "store.db"))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := store.EnsureSchema(db); err != nil {
		t.Fatal(err)
	}
	st := store.NewSQLiteStore(db)

	q, err := queue.Open(filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	disp := dispatch.New(q)
	return &fixture{
		st:   st,
		q:    q,
		disp: disp,
		w:    worker.New(st, q, disp, worker.Config{CallTimeout: 5 * time.Second}),
	}
}

func (f *fixture) message(t *testing.T, task domain.Task, attempt int) queue.Message {
	t.Helper()
	body, err := json.Marshal(dispatch.Envelope{Task: task, Attempt: attempt})
	if err != nil {
		t.Fatal(err)
	}
	return queue.Message{Lane: dispatch.LaneFor(task.Priority), Group: task.ID, Body: body}
}

func (f *fixture) createTask(t *testing.T, task domain.Task) domain.Task {
	t.Helper()
	ctx := context.Background()
	if task.OwnerID == "" {
		task.OwnerID = "owner"
	}
	id, err := f.st.CreateTask(ctx, task)
	if err != nil {
		t.Fatal(err)
	}
	created, err := f.st.GetTask(ctx, task.OwnerID, id)
	if err != nil {
		t.Fatal(err)
	}
	return created
}

func TestProcessSuccess(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	var gotMethod, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Token")
		w.WriteHeader(200)
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	task := f.createTask(t, domain.Task{
		Name:           "ping",
		Endpoint:       srv.URL,
		Method:         "POST",
		Headers:        map[string]string{"X-Token": "secret"},
		Body:           []byte(`{"k":"v"}`),
		CronExpression: "*/1 * * * *",
		Priority:       domain.PriorityHigh,
		Type:           domain.TaskRoot,
	})

	if err := f.w.Process(ctx, f.message(t, task, 0)); err != nil {
		t.Fatal(err)
	}
	if gotMethod != "POST" || gotHeader != "secret" {
		t.Fatalf("request not built from task: method=%q header=%q", gotMethod, gotHeader)
	}

	execs, err := f.st.ListExecutions(ctx, task.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	exec := execs[0]
	if exec.Status != domain.ExecCompleted {
		t.Fatalf("execution status = %s, want COMPLETED", exec.Status)
	}
	if exec.StatusCode == nil || *exec.StatusCode != 200 {
		t.Fatalf("status code = %v, want 200", exec.StatusCode)
	}
	if exec.Response != `{"ok":true}` {
		t.Fatalf("response = %q", exec.Response)
	}

	got, err := f.st.GetTask(ctx, "owner", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 1 || got.FailureCount != 0 {
		t.Fatalf("stats = %d/%d, want 1/0", got.ExecutionCount, got.FailureCount)
	}
	if got.LastExecutedAt == nil {
		t.Fatal("last executed at not set")
	}
	if got.NextExecutionTime == nil || !got.NextExecutionTime.After(*got.LastExecutedAt) {
		t.Fatalf("next execution %v not after last execution %v", got.NextExecutionTime, got.LastExecutedAt)
	}
	// Minute-resolution cron: next fire lands within a minute.
	if got.NextExecutionTime.Sub(*got.LastExecutedAt) > time.Minute {
		t.Fatalf("next execution too far out: %v", got.NextExecutionTime)
	}
}

func TestProcessErrorStatusSchedulesRetry(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", 500)
	}))
	defer srv.Close()

	task := f.createTask(t, domain.Task{
		Name:              "flaky",
		Endpoint:          srv.URL,
		Priority:          domain.PriorityNormal,
		Type:              domain.TaskChained,
		MaxRetries:        2,
		RetryDelaySeconds: 10,
	})

	if err := f.w.Process(ctx, f.message(t, task, 0)); err != nil {
		t.Fatal(err)
	}

	execs, err := f.st.ListExecutions(ctx, task.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	exec := execs[0]
	if exec.Status != domain.ExecRetryScheduled {
		t.Fatalf("status = %s, want RETRY_SCHEDULED", exec.Status)
	}
	if exec.StatusCode == nil || *exec.StatusCode != 500 {
		t.Fatalf("status code = %v, want 500", exec.StatusCode)
	}
	if exec.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", exec.RetryCount)
	}
	if exec.NextRetry == nil || exec.NextRetry.Sub(exec.ExecutionTime) != 10*time.Second {
		t.Fatalf("next retry = %v, want execution time + 10s", exec.NextRetry)
	}

	got, err := f.st.GetTask(ctx, "owner", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.FailureCount != 1 {
		t.Fatalf("failure count = %d, want 1", got.FailureCount)
	}

	// The retry was re-enqueued immediately with the bumped attempt.
	msgs, err := f.q.Receive(queue.LaneNormal, 10, time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d queued retries, want 1", len(msgs))
	}
	var env dispatch.Envelope
	if err := json.Unmarshal(msgs[0].Body, &env); err != nil {
		t.Fatal(err)
	}
	if env.Task.ID != task.ID || env.Attempt != 1 {
		t.Fatalf("unexpected retry envelope: attempt=%d task=%s", env.Attempt, env.Task.ID)
	}
}

func TestExponentialBackoffBound(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	// Nothing listens here: every attempt is a transport failure.
	task := f.createTask(t, domain.Task{
		Name:               "doomed",
		Endpoint:           "http://127.0.0.1:1",
		Priority:           domain.PriorityNormal,
		Type:               domain.TaskChained,
		MaxRetries:         2,
		RetryDelaySeconds:  10,
		ExponentialBackoff: true,
	})

	if err := f.disp.Enqueue(task, 0); err != nil {
		t.Fatal(err)
	}

	// Drive the retry loop to exhaustion.
	for i := 0; i < 3; i++ {
		msgs, err := f.q.Receive(queue.LaneNormal, 1, time.Minute, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(msgs) != 1 {
			t.Fatalf("attempt %d: got %d messages, want 1", i, len(msgs))
		}
		if err := f.w.Process(ctx, msgs[0]); err != nil {
			t.Fatal(err)
		}
		if err := f.q.Delete(queue.LaneNormal, msgs[0].Receipt); err != nil {
			t.Fatal(err)
		}
	}

	// retryCount(2) is not < maxRetries(2): nothing further queued.
	msgs, err := f.q.Receive(queue.LaneNormal, 10, time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("retry scheduled past the bound: %+v", msgs)
	}

	execs, err := f.st.ListExecutions(ctx, task.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 3 {
		t.Fatalf("got %d executions, want 3", len(execs))
	}

	var delays []time.Duration
	finalFailed := false
	for _, e := range execs {
		switch e.Status {
		case domain.ExecRetryScheduled:
			if e.NextRetry == nil {
				t.Fatalf("retry-scheduled execution missing next retry: %+v", e)
			}
			delays = append(delays, e.NextRetry.Sub(e.ExecutionTime))
		case domain.ExecFailed:
			finalFailed = true
			if e.RetryCount != 2 {
				t.Fatalf("final attempt retry count = %d, want 2", e.RetryCount)
			}
		default:
			t.Fatalf("unexpected execution status %s", e.Status)
		}
	}
	if !finalFailed {
		t.Fatal("final attempt should remain FAILED")
	}
	if len(delays) != 2 {
		t.Fatalf("got %d scheduled retries, want 2", len(delays))
	}
	// D·2^(k-1): 10s then 20s.
	if delays[0] != 20*time.Second && delays[1] != 20*time.Second {
		t.Fatalf("missing doubled delay: %v", delays)
	}
	if delays[0]+delays[1] != 30*time.Second {
		t.Fatalf("delays = %v, want {10s, 20s}", delays)
	}

	got, err := f.st.GetTask(ctx, "owner", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.ExecutionCount != 3 || got.FailureCount != 3 {
		t.Fatalf("stats = %d/%d, want 3/3", got.ExecutionCount, got.FailureCount)
	}
}

func TestDeepRetryDelayStaysPositive(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	task := f.createTask(t, domain.Task{
		Name:               "deep",
		Endpoint:           "http://127.0.0.1:1",
		Priority:           domain.PriorityNormal,
		Type:               domain.TaskChained,
		MaxRetries:         100,
		RetryDelaySeconds:  10,
		ExponentialBackoff: true,
	})

	// An attempt deep into the retry chain: doubling the delay naively
	// would overflow and schedule a retry in the past.
	if err := f.w.Process(ctx, f.message(t, task, 70)); err != nil {
		t.Fatal(err)
	}

	execs, err := f.st.ListExecutions(ctx, task.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	exec := execs[0]
	if exec.Status != domain.ExecRetryScheduled || exec.RetryCount != 71 {
		t.Fatalf("unexpected execution: status=%s retry=%d", exec.Status, exec.RetryCount)
	}
	if exec.NextRetry == nil || !exec.NextRetry.After(exec.ExecutionTime) {
		t.Fatalf("next retry %v not after execution time %v", exec.NextRetry, exec.ExecutionTime)
	}
}

func TestChainFirstMatchWins(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "server error", 500)
	}))
	defer srv.Close()

	taskB := f.createTask(t, domain.Task{
		Name: "b", Endpoint: "https://example.com/b",
		Priority: domain.PriorityHigh, Type: domain.TaskChained,
	})
	taskC := f.createTask(t, domain.Task{
		Name: "c", Endpoint: "https://example.com/c",
		Priority: domain.PriorityLow, Type: domain.TaskChained,
	})

	taskA := f.createTask(t, domain.Task{
		Name:     "a",
		Endpoint: srv.URL,
		Priority: domain.PriorityNormal,
		Type:     domain.TaskChained,
		Chains: []domain.TaskChain{
			{StatusCode: 404, NextTaskID: "tsk_missing"},
			{StatusCode: 500, NextTaskID: taskB.ID},
			{StatusCode: 500, NextTaskID: taskC.ID},
		},
	})

	if err := f.w.Process(ctx, f.message(t, taskA, 0)); err != nil {
		t.Fatal(err)
	}

	// B is the first matching edge: dispatched once, to its own lane,
	// under its own group key.
	msgs, err := f.q.Receive(queue.LaneHigh, 10, time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("high lane has %d messages, want 1", len(msgs))
	}
	var env dispatch.Envelope
	if err := json.Unmarshal(msgs[0].Body, &env); err != nil {
		t.Fatal(err)
	}
	if env.Task.ID != taskB.ID {
		t.Fatalf("chained task = %s, want %s", env.Task.ID, taskB.ID)
	}
	if msgs[0].Group != taskB.ID {
		t.Fatalf("group key = %q, want %q", msgs[0].Group, taskB.ID)
	}

	// C matches too but only the first edge is followed.
	low, err := f.q.Receive(queue.LaneLow, 10, time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(low) != 0 {
		t.Fatalf("second matching edge followed: %+v", low)
	}
}

func TestBrokenChainIsNotFatal(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(200)
	}))
	defer srv.Close()

	task := f.createTask(t, domain.Task{
		Name:     "dangling",
		Endpoint: srv.URL,
		Priority: domain.PriorityNormal,
		Type:     domain.TaskChained,
		Chains:   []domain.TaskChain{{StatusCode: 200, NextTaskID: "tsk_gone"}},
	})

	if err := f.w.Process(ctx, f.message(t, task, 0)); err != nil {
		t.Fatal(err)
	}

	for _, lane := range queue.Lanes {
		n, err := f.q.Pending(lane)
		if err != nil {
			t.Fatal(err)
		}
		if n != 0 {
			t.Fatalf("lane %s has %d messages after broken chain", lane, n)
		}
	}
}

func TestTransportFailureRecordsError(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	task := f.createTask(t, domain.Task{
		Name:     "unreachable",
		Endpoint: "http://127.0.0.1:1",
		Priority: domain.PriorityNormal,
		Type:     domain.TaskChained,
	})

	if err := f.w.Process(ctx, f.message(t, task, 0)); err != nil {
		t.Fatal(err)
	}

	execs, err := f.st.ListExecutions(ctx, task.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(execs) != 1 {
		t.Fatalf("got %d executions, want 1", len(execs))
	}
	exec := execs[0]
	if exec.Status != domain.ExecFailed {
		t.Fatalf("status = %s, want FAILED", exec.Status)
	}
	if exec.StatusCode != nil {
		t.Fatalf("transport failure should have no status code, got %v", *exec.StatusCode)
	}
	if exec.Error == "" {
		t.Fatal("transport error message not recorded")
	}
}
