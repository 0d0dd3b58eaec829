package domain

import (
	"encoding/json"
	"time"
)

type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityNormal Priority = "NORMAL"
	PriorityLow    Priority = "LOW"
)

type TaskType string

const (
	// TaskRoot is a cron-driven task, discoverable by the scanner.
	TaskRoot TaskType = "ROOT"
	// TaskChained is reachable only through another task's chain edge.
	TaskChained TaskType = "CHAINED"
)

const (
	TaskActive = "ACTIVE"
	TaskPaused = "PAUSED"
)

const (
	ExecRunning        = "RUNNING"
	ExecCompleted      = "COMPLETED"
	ExecFailed         = "FAILED"
	ExecRetryScheduled = "RETRY_SCHEDULED"
)

type Task struct {
	ID                 string            `json:"id"`
	OwnerID            string            `json:"owner_id"`
	Name               string            `json:"name"`
	Endpoint           string            `json:"endpoint"`
	Method             string            `json:"method"`
	Headers            map[string]string `json:"headers,omitempty"`
	Body               json.RawMessage   `json:"body,omitempty"`
	CronExpression     string            `json:"cron_expression,omitempty"`
	Priority           Priority          `json:"priority"`
	Type               TaskType          `json:"task_type"`
	MaxRetries         int               `json:"max_retries"`
	RetryDelaySeconds  int               `json:"retry_delay_seconds"`
	ExponentialBackoff bool              `json:"exponential_backoff"`
	Status             string            `json:"status"`
	CreatedAt          time.Time         `json:"created_at"`
	UpdatedAt          time.Time         `json:"updated_at"`
	LastExecutedAt     *time.Time        `json:"last_executed_at,omitempty"`
	ExecutionCount     int               `json:"execution_count"`
	FailureCount       int               `json:"failure_count"`
	NextExecutionTime  *time.Time        `json:"next_execution_time,omitempty"`
	Chains             []TaskChain       `json:"chains,omitempty"`
}

// TaskChain is a continuation edge: when an execution of the owning
// task finishes with StatusCode, the task identified by NextTaskID is
// dispatched. Edges are evaluated in stored order, first match wins.
type TaskChain struct {
	ID         string `json:"id"`
	TaskID     string `json:"task_id"`
	StatusCode int    `json:"status_code"`
	NextTaskID string `json:"next_task_id"`
}

// TaskExecution records one attempt at a task. It is created RUNNING
// and transitions exactly once to COMPLETED, FAILED or RETRY_SCHEDULED.
type TaskExecution struct {
	ID            string     `json:"id"`
	TaskID        string     `json:"task_id"`
	ExecutionTime time.Time  `json:"execution_time"`
	Status        string     `json:"status"`
	StatusCode    *int       `json:"status_code,omitempty"`
	Response      string     `json:"response,omitempty"`
	Error         string     `json:"error,omitempty"`
	RetryCount    int        `json:"retry_count"`
	NextRetry     *time.Time `json:"next_retry,omitempty"`
}
