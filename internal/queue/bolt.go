// Package queue is a durable three-lane dispatch queue on bbolt.
//
// Each lane delivers at-least-once with a visibility timeout: a
// received message is hidden until it is deleted or its lease expires.
// Messages carry an ordering-group key; a lane never delivers a second
// message for a group while one is in flight, so per-group send order
// is preserved. A deduplication window drops repeated sends with the
// same dedup key.
package queue

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

const (
	LaneHigh   = "high"
	LaneNormal = "normal"
	LaneLow    = "low"
)

// Lanes lists all lanes in priority order.
var Lanes = []string{LaneHigh, LaneNormal, LaneLow}

const DedupWindow = 5 * time.Minute

// ErrUnknownReceipt reports a delete for a lease that no longer
// exists, usually because it expired and the message was redelivered.
var ErrUnknownReceipt = errors.New("unknown receipt")

type Message struct {
	Lane    string
	Group   string
	Dedup   string
	Body    []byte
	Receipt string
}

// record is the stored form of a message in the pending bucket.
type record struct {
	Group      string `json:"group"`
	Dedup      string `json:"dedup"`
	Body       []byte `json:"body"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// leased is the stored form of an in-flight message, keyed by receipt.
type leased struct {
	Key      []byte `json:"key"` // original pending key, reused on requeue
	Group    string `json:"group"`
	Dedup    string `json:"dedup"`
	Body     []byte `json:"body"`
	Deadline int64  `json:"deadline"` // unix milli
}

type Queue struct {
	db *bbolt.DB
}

func Open(path string) (*Queue, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	q := &Queue{db: db}
	if err := q.init(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) init() error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		for _, lane := range Lanes {
			for _, sub := range []string{"pending", "inflight", "groups", "dedup"} {
				if _, err := tx.CreateBucketIfNotExists([]byte(lane + "/" + sub)); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (q *Queue) Close() error { return q.db.Close() }

func bucket(tx *bbolt.Tx, lane, sub string) (*bbolt.Bucket, error) {
	b := tx.Bucket([]byte(lane + "/" + sub))
	if b == nil {
		return nil, fmt.Errorf("unknown lane %q", lane)
	}
	return b, nil
}

// Send appends a message to the lane. A send whose dedup key was seen
// within the dedup window is silently dropped.
func (q *Queue) Send(lane string, body []byte, group, dedup string) error {
	now := time.Now()
	return q.db.Update(func(tx *bbolt.Tx) error {
		pending, err := bucket(tx, lane, "pending")
		if err != nil {
			return err
		}
		dedups, err := bucket(tx, lane, "dedup")
		if err != nil {
			return err
		}

		pruneDedup(dedups, now)
		if dedup != "" {
			if v := dedups.Get([]byte(dedup)); v != nil {
				return nil
			}
			if err := dedups.Put([]byte(dedup), i64b(now.UnixMilli())); err != nil {
				return err
			}
		}

		seq, err := pending.NextSequence()
		if err != nil {
			return err
		}
		rec, err := json.Marshal(record{Group: group, Dedup: dedup, Body: body, EnqueuedAt: now.UnixMilli()})
		if err != nil {
			return err
		}
		return pending.Put(i64b(int64(seq)), rec)
	})
}

// Receive returns up to max messages from the lane, leasing each for
// the visibility duration. Expired leases are swept first so crashed
// consumers' messages become deliverable again. When the lane is empty
// and wait is positive, Receive polls until a message arrives or wait
// elapses.
func (q *Queue) Receive(lane string, max int, visibility, wait time.Duration) ([]Message, error) {
	deadline := time.Now().Add(wait)
	for {
		msgs, err := q.receiveOnce(lane, max, visibility)
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		time.Sleep(200 * time.Millisecond)
	}
}

func (q *Queue) receiveOnce(lane string, max int, visibility time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	now := time.Now()
	var msgs []Message
	err := q.db.Update(func(tx *bbolt.Tx) error {
		pending, err := bucket(tx, lane, "pending")
		if err != nil {
			return err
		}
		inflight, err := bucket(tx, lane, "inflight")
		if err != nil {
			return err
		}
		groups, err := bucket(tx, lane, "groups")
		if err != nil {
			return err
		}

		if _, err := sweepExpired(pending, inflight, groups, now); err != nil {
			return err
		}

		c := pending.Cursor()
		var taken [][]byte
		for k, v := c.First(); k != nil && len(msgs) < max; k, v = c.Next() {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode pending record: %w", err)
			}
			// A group with an in-flight message keeps its later
			// messages queued to preserve order.
			if rec.Group != "" && groups.Get([]byte(rec.Group)) != nil {
				continue
			}

			receipt := uuid.NewString()
			l, err := json.Marshal(leased{
				Key:      append([]byte(nil), k...),
				Group:    rec.Group,
				Dedup:    rec.Dedup,
				Body:     rec.Body,
				Deadline: now.Add(visibility).UnixMilli(),
			})
			if err != nil {
				return err
			}
			if err := inflight.Put([]byte(receipt), l); err != nil {
				return err
			}
			if rec.Group != "" {
				if err := groups.Put([]byte(rec.Group), []byte(receipt)); err != nil {
					return err
				}
			}
			taken = append(taken, append([]byte(nil), k...))
			msgs = append(msgs, Message{
				Lane: lane, Group: rec.Group, Dedup: rec.Dedup,
				Body: rec.Body, Receipt: receipt,
			})
		}
		for _, k := range taken {
			if err := pending.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return msgs, nil
}

// Delete acknowledges a received message, removing it permanently.
func (q *Queue) Delete(lane, receipt string) error {
	return q.db.Update(func(tx *bbolt.Tx) error {
		inflight, err := bucket(tx, lane, "inflight")
		if err != nil {
			return err
		}
		groups, err := bucket(tx, lane, "groups")
		if err != nil {
			return err
		}
		v := inflight.Get([]byte(receipt))
		if v == nil {
			return fmt.Errorf("receipt %s: %w", receipt, ErrUnknownReceipt)
		}
		var l leased
		if err := json.Unmarshal(v, &l); err != nil {
			return err
		}
		if l.Group != "" {
			if err := groups.Delete([]byte(l.Group)); err != nil {
				return err
			}
		}
		return inflight.Delete([]byte(receipt))
	})
}

// RecoverExpired requeues every expired in-flight message across all
// lanes and returns how many were recovered.
func (q *Queue) RecoverExpired(now time.Time) (int, error) {
	total := 0
	err := q.db.Update(func(tx *bbolt.Tx) error {
		for _, lane := range Lanes {
			pending, err := bucket(tx, lane, "pending")
			if err != nil {
				return err
			}
			inflight, err := bucket(tx, lane, "inflight")
			if err != nil {
				return err
			}
			groups, err := bucket(tx, lane, "groups")
			if err != nil {
				return err
			}
			n, err := sweepExpired(pending, inflight, groups, now)
			if err != nil {
				return err
			}
			total += n
		}
		return nil
	})
	return total, err
}

// Pending reports the number of queued messages in a lane.
func (q *Queue) Pending(lane string) (int, error) {
	n := 0
	err := q.db.View(func(tx *bbolt.Tx) error {
		pending, err := bucket(tx, lane, "pending")
		if err != nil {
			return err
		}
		n = pending.Stats().KeyN
		return nil
	})
	return n, err
}

// sweepExpired moves lapsed leases back to pending at their original
// keys, so recovered messages keep their place in group order.
func sweepExpired(pending, inflight, groups *bbolt.Bucket, now time.Time) (int, error) {
	type expired struct {
		receipt []byte
		l       leased
	}
	var found []expired
	c := inflight.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		var l leased
		if err := json.Unmarshal(v, &l); err != nil {
			return 0, err
		}
		if now.UnixMilli() >= l.Deadline {
			found = append(found, expired{receipt: append([]byte(nil), k...), l: l})
		}
	}
	for _, e := range found {
		rec, err := json.Marshal(record{Group: e.l.Group, Dedup: e.l.Dedup, Body: e.l.Body, EnqueuedAt: now.UnixMilli()})
		if err != nil {
			return 0, err
		}
		if err := pending.Put(e.l.Key, rec); err != nil {
			return 0, err
		}
		if e.l.Group != "" {
			if err := groups.Delete([]byte(e.l.Group)); err != nil {
				return 0, err
			}
		}
		if err := inflight.Delete(e.receipt); err != nil {
			return 0, err
		}
	}
	return len(found), nil
}

func pruneDedup(dedups *bbolt.Bucket, now time.Time) {
	cutoff := now.Add(-DedupWindow).UnixMilli()
	c := dedups.Cursor()
	var stale [][]byte
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if len(v) == 8 && int64(binary.BigEndian.Uint64(v)) < cutoff {
			stale = append(stale, append([]byte(nil), k...))
		}
	}
	for _, k := range stale {
		_ = dedups.Delete(k)
	}
}

func i64b(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}
