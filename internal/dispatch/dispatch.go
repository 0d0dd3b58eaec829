// Package dispatch routes task snapshots into the priority lanes.
package dispatch

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"chainrun/internal/domain"
	"chainrun/internal/queue"
)

// Envelope wraps the task snapshot a worker executes. Attempt is the
// retry counter carried across re-enqueues; the first dispatch of a
// fire instance is attempt 0.
type Envelope struct {
	Task    domain.Task `json:"task"`
	Attempt int         `json:"attempt"`
}

type Dispatcher struct {
	q *queue.Queue
}

func New(q *queue.Queue) *Dispatcher { return &Dispatcher{q: q} }

// Enqueue sends a task snapshot to the lane matching its priority.
// The group key is the task id, so all messages for one task are
// delivered in send order. The dedup key is timestamp-qualified so
// retries and chain dispatches are never collapsed by the queue's
// dedup window.
func (d *Dispatcher) Enqueue(task domain.Task, attempt int) error {
	body, err := json.Marshal(Envelope{Task: task, Attempt: attempt})
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	lane := LaneFor(task.Priority)
	dedup := fmt.Sprintf("%s-%d", task.ID, time.Now().UnixNano())
	if err := d.q.Send(lane, body, task.ID, dedup); err != nil {
		return fmt.Errorf("send task %s to %s lane: %w", task.ID, lane, err)
	}
	log.Info().Str("task_id", task.ID).Str("lane", lane).Int("attempt", attempt).Msg("task enqueued")
	return nil
}

// LaneFor maps a task priority to its lane.
func LaneFor(p domain.Priority) string {
	switch p {
	case domain.PriorityHigh:
		return queue.LaneHigh
	case domain.PriorityNormal:
		return queue.LaneNormal
	case domain.PriorityLow:
		return queue.LaneLow
	default:
		log.Warn().Str("priority", string(p)).Msg("unknown priority, using normal lane")
		return queue.LaneNormal
	}
}
