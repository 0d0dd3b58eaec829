package dispatch_test

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"chainrun/internal/dispatch"
	"chainrun/internal/domain"
	"chainrun/internal/queue"
)

func TestLaneFor(t *testing.T) {
	cases := []struct {
		p    domain.Priority
		want string
	}{
		{domain.PriorityHigh, queue.LaneHigh},
		{domain.PriorityNormal, queue.LaneNormal},
		{domain.PriorityLow, queue.LaneLow},
		{domain.Priority("BOGUS"), queue.LaneNormal},
		{domain.Priority(""), queue.LaneNormal},
	}
	for _, c := range cases {
		if got := dispatch.LaneFor(c.p); got != c.want {
			t.Fatalf("LaneFor(%q) = %q, want %q", c.p, got, c.want)
		}
	}
}

func TestEnqueueRepeatedSendsAreNotCollapsed(t *testing.T) {
	q, err := queue.Open(filepath.Join(t.TempDir(), "queue.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	d := dispatch.New(q)
	task := domain.Task{ID: "tsk_1", Priority: domain.PriorityHigh}

	// A retry and a near-simultaneous chain dispatch of the same task
	// must both survive the dedup window.
	if err := d.Enqueue(task, 0); err != nil {
		t.Fatal(err)
	}
	if err := d.Enqueue(task, 1); err != nil {
		t.Fatal(err)
	}

	n, err := q.Pending(queue.LaneHigh)
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("pending = %d, want 2", n)
	}

	// Delivered in send order under the shared group key.
	msgs, err := q.Receive(queue.LaneHigh, 1, time.Minute, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	var env dispatch.Envelope
	if err := json.Unmarshal(msgs[0].Body, &env); err != nil {
		t.Fatal(err)
	}
	if env.Attempt != 0 {
		t.Fatalf("first delivery attempt = %d, want 0", env.Attempt)
	}
}
