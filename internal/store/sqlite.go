// Package store persists tasks, chain edges and execution records in
// SQLite. Timestamps are stored as unix milliseconds so the claim's
// conditional update compares exact values.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chainrun/internal/domain"
)

var ErrNotFound = errors.New("not found")

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  owner_id TEXT NOT NULL,
  name TEXT NOT NULL,
  endpoint TEXT NOT NULL,
  method TEXT NOT NULL,
  headers TEXT NOT NULL DEFAULT '{}',
  body BLOB,
  cron_expression TEXT NOT NULL DEFAULT '',
  priority TEXT NOT NULL CHECK(priority IN ('HIGH','NORMAL','LOW')) DEFAULT 'NORMAL',
  task_type TEXT NOT NULL CHECK(task_type IN ('ROOT','CHAINED')) DEFAULT 'ROOT',
  max_retries INTEGER NOT NULL DEFAULT 0,
  retry_delay_seconds INTEGER NOT NULL DEFAULT 60,
  exponential_backoff INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL DEFAULT 'ACTIVE',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  last_executed_at INTEGER,
  execution_count INTEGER NOT NULL DEFAULT 0,
  failure_count INTEGER NOT NULL DEFAULT 0,
  next_execution_time INTEGER
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, task_type, next_execution_time);
CREATE INDEX IF NOT EXISTS idx_tasks_owner ON tasks(owner_id, created_at DESC);
CREATE TABLE IF NOT EXISTS task_chains (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  position INTEGER NOT NULL,
  status_code INTEGER NOT NULL,
  next_task_id TEXT NOT NULL,
  FOREIGN KEY(task_id) REFERENCES tasks(id)
);
CREATE INDEX IF NOT EXISTS idx_chains_task ON task_chains(task_id, position);
CREATE TABLE IF NOT EXISTS task_executions (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  execution_time INTEGER NOT NULL,
  status TEXT NOT NULL,
  status_code INTEGER,
  response TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  next_retry INTEGER
);
CREATE INDEX IF NOT EXISTS idx_executions_task ON task_executions(task_id, execution_time DESC);
`
	_, err := db.Exec(schema)
	return err
}

type Store interface {
	CreateTask(ctx context.Context, t domain.Task) (string, error)
	GetTask(ctx context.Context, ownerID, id string) (domain.Task, error)
	ListTasks(ctx context.Context, ownerID string, limit int) ([]domain.Task, error)
	DeleteTask(ctx context.Context, ownerID, id string) error
	AddChain(ctx context.Context, c domain.TaskChain) (string, error)

	// ListDueRootTasks returns ACTIVE ROOT tasks whose stored
	// next_execution_time falls within [from, until).
	ListDueRootTasks(ctx context.Context, from, until time.Time) ([]domain.Task, error)

	// ClaimDue atomically advances next_execution_time from observed to
	// next. It returns false when the stored value no longer equals
	// observed, meaning another replica claimed this fire instance.
	ClaimDue(ctx context.Context, id string, observed time.Time, next *time.Time) (bool, error)

	UpdateStats(ctx context.Context, id string, failed bool, executedAt time.Time) error
	UpdateNextExecution(ctx context.Context, id string, next *time.Time) error

	SaveExecution(ctx context.Context, e domain.TaskExecution) error
	GetExecution(ctx context.Context, id string) (domain.TaskExecution, error)
	ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.TaskExecution, error)
}

type sqliteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) Store { return &sqliteStore{db: db} }

func msOf(t time.Time) int64 { return t.UnixMilli() }

func msPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func timeOf(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := timeOf(ms.Int64)
	return &t
}

func (s *sqliteStore) CreateTask(ctx context.Context, t domain.Task) (string, error) {
	id := t.ID
	if id == "" {
		id = "tsk_" + uuid.NewString()
	}
	if t.Priority == "" {
		t.Priority = domain.PriorityNormal
	}
	if t.Type == "" {
		t.Type = domain.TaskRoot
	}
	if t.Status == "" {
		t.Status = domain.TaskActive
	}
	if t.Method == "" {
		t.Method = "GET"
	}
	headers, err := json.Marshal(t.Headers)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
INSERT INTO tasks (id,owner_id,name,endpoint,method,headers,body,cron_expression,priority,task_type,
  max_retries,retry_delay_seconds,exponential_backoff,status,created_at,updated_at,
  last_executed_at,execution_count,failure_count,next_execution_time)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,0,0,?)
`, id, t.OwnerID, t.Name, t.Endpoint, t.Method, string(headers), []byte(t.Body), t.CronExpression,
		string(t.Priority), string(t.Type), t.MaxRetries, t.RetryDelaySeconds, t.ExponentialBackoff,
		t.Status, msOf(now), msOf(now), msPtr(t.LastExecutedAt), msPtr(t.NextExecutionTime))
	if err != nil {
		return "", err
	}

	for i, c := range t.Chains {
		c.TaskID = id
		if _, err := s.addChainAt(ctx, c, i); err != nil {
			return "", err
		}
	}
	return id, nil
}

const taskCols = `id,owner_id,name,endpoint,method,headers,body,cron_expression,priority,task_type,
max_retries,retry_delay_seconds,exponential_backoff,status,created_at,updated_at,
last_executed_at,execution_count,failure_count,next_execution_time`

func (s *sqliteStore) scanTask(row interface{ Scan(...any) error }) (domain.Task, error) {
	var (
		t                 domain.Task
		headers           string
		body              []byte
		created, updated  int64
		lastExec, nextRun sql.NullInt64
	)
	err := row.Scan(&t.ID, &t.OwnerID, &t.Name, &t.Endpoint, &t.Method, &headers, &body,
		&t.CronExpression, &t.Priority, &t.Type, &t.MaxRetries, &t.RetryDelaySeconds,
		&t.ExponentialBackoff, &t.Status, &created, &updated, &lastExec,
		&t.ExecutionCount, &t.FailureCount, &nextRun)
	if err == sql.ErrNoRows {
		return domain.Task{}, ErrNotFound
	}
	if err != nil {
		return domain.Task{}, err
	}
	if headers != "" && headers != "{}" {
		if err := json.Unmarshal([]byte(headers), &t.Headers); err != nil {
			return domain.Task{}, fmt.Errorf("unmarshal headers for %s: %w", t.ID, err)
		}
	}
	t.Body = body
	t.CreatedAt = timeOf(created)
	t.UpdatedAt = timeOf(updated)
	t.LastExecutedAt = timePtr(lastExec)
	t.NextExecutionTime = timePtr(nextRun)
	return t, nil
}

func (s *sqliteStore) loadChains(ctx context.Context, taskID string) ([]domain.TaskChain, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,task_id,status_code,next_task_id FROM task_chains WHERE task_id=? ORDER BY position`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chains []domain.TaskChain
	for rows.Next() {
		var c domain.TaskChain
		if err := rows.Scan(&c.ID, &c.TaskID, &c.StatusCode, &c.NextTaskID); err != nil {
			return nil, err
		}
		chains = append(chains, c)
	}
	return chains, rows.Err()
}

func (s *sqliteStore) GetTask(ctx context.Context, ownerID, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE id=? AND owner_id=?`, id, ownerID)
	t, err := s.scanTask(row)
	if err != nil {
		return domain.Task{}, err
	}
	t.Chains, err = s.loadChains(ctx, t.ID)
	return t, err
}

func (s *sqliteStore) ListTasks(ctx context.Context, ownerID string, limit int) ([]domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE owner_id=? ORDER BY created_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *sqliteStore) DeleteTask(ctx context.Context, ownerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=? AND owner_id=?`, id, ownerID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_chains WHERE task_id=?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AddChain(ctx context.Context, c domain.TaskChain) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position)+1,0) FROM task_chains WHERE task_id=?`, c.TaskID)
	var pos int
	if err := row.Scan(&pos); err != nil {
		return "", err
	}
	return s.addChainAt(ctx, c, pos)
}

func (s *sqliteStore) addChainAt(ctx context.Context, c domain.TaskChain, pos int) (string, error) {
	id := c.ID
	if id == "" {
		id = "chn_" + uuid.NewString()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_chains (id,task_id,position,status_code,next_task_id) VALUES (?,?,?,?,?)`,
		id, c.TaskID, pos, c.StatusCode, c.NextTaskID)
	return id, err
}

func (s *sqliteStore) ListDueRootTasks(ctx context.Context, from, until time.Time) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+taskCols+` FROM tasks
WHERE status=? AND task_type=? AND next_execution_time IS NOT NULL
  AND next_execution_time >= ? AND next_execution_time < ?
ORDER BY next_execution_time`,
		domain.TaskActive, string(domain.TaskRoot), msOf(from), msOf(until))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := s.scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range tasks {
		tasks[i].Chains, err = s.loadChains(ctx, tasks[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

func (s *sqliteStore) ClaimDue(ctx context.Context, id string, observed time.Time, next *time.Time) (bool, error) {
	// Single conditional update: the compare and the advance happen in
	// one statement, so racing replicas cannot both win.
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET next_execution_time=?, updated_at=?
WHERE id=? AND next_execution_time=?`,
		msPtr(next), msOf(time.Now()), id, msOf(observed))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqliteStore) UpdateStats(ctx context.Context, id string, failed bool, executedAt time.Time) error {
	fail := 0
	if failed {
		fail = 1
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE tasks SET execution_count=execution_count+1, failure_count=failure_count+?,
  last_executed_at=?, updated_at=? WHERE id=?`,
		fail, msOf(executedAt), msOf(time.Now()), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) UpdateNextExecution(ctx context.Context, id string, next *time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE tasks SET next_execution_time=?, updated_at=? WHERE id=?`,
		msPtr(next), msOf(time.Now()), id)
	return err
}

func (s *sqliteStore) SaveExecution(ctx context.Context, e domain.TaskExecution) error {
	var code any
	if e.StatusCode != nil {
		code = *e.StatusCode
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_executions (id,task_id,execution_time,status,status_code,response,error,retry_count,next_retry)
VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status, status_code=excluded.status_code, response=excluded.response,
  error=excluded.error, retry_count=excluded.retry_count, next_retry=excluded.next_retry`,
		e.ID, e.TaskID, msOf(e.ExecutionTime), e.Status, code, e.Response, e.Error,
		e.RetryCount, msPtr(e.NextRetry))
	return err
}

func (s *sqliteStore) GetExecution(ctx context.Context, id string) (domain.TaskExecution, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,task_id,execution_time,status,status_code,response,error,retry_count,next_retry
FROM task_executions WHERE id=?`, id)
	return scanExecution(row)
}

func (s *sqliteStore) ListExecutions(ctx context.Context, taskID string, limit int) ([]domain.TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id,task_id,execution_time,status,status_code,response,error,retry_count,next_retry
FROM task_executions WHERE task_id=? ORDER BY execution_time DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []domain.TaskExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

func scanExecution(row interface{ Scan(...any) error }) (domain.TaskExecution, error) {
	var (
		e         domain.TaskExecution
		execTime  int64
		code      sql.NullInt64
		nextRetry sql.NullInt64
	)
	err := row.Scan(&e.ID, &e.TaskID, &execTime, &e.Status, &code, &e.Response, &e.Error,
		&e.RetryCount, &nextRetry)
	if err == sql.ErrNoRows {
		return domain.TaskExecution{}, ErrNotFound
	}
	if err != nil {
		return domain.TaskExecution{}, err
	}
	e.ExecutionTime = timeOf(execTime)
	if code.Valid {
		c := int(code.Int64)
		e.StatusCode = &c
	}
	e.NextRetry = timePtr(nextRetry)
	return e, nil
}
