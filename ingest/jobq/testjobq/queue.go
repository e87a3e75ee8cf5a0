// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

// Package testjobq implements an in-memory queue for tests.
package testjobq

import (
	"context"
	"sync"
	"time"

	"storj.io/common/uuid"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
)

type delivery struct {
	id       int64
	queue    string
	message  jobq.Message
	receipt  uuid.UUID
	inFlight bool
}

// Queue is an in-memory jobq.Queue that records operations.
type Queue struct {
	mu     sync.Mutex
	nextID int64

	deliveries []*delivery

	// Extensions records every ChangeVisibility duration, in order.
	Extensions []time.Duration
	// Deleted counts acknowledged deliveries.
	Deleted int
}

// New creates an empty test queue.
func New() *Queue { return &Queue{} }

// SendBackfillIngest implements jobq.Queue.
func (q *Queue) SendBackfillIngest(ctx context.Context, cfg jobs.Config) error {
	body, err := jobs.Marshal(cfg)
	if err != nil {
		return err
	}
	q.push(jobq.QueueIngest, jobq.Message{
		Body: body,
		Lane: jobq.Lane(cfg.Tenant(), ""),
	})
	return nil
}

// SendIngestWebhook implements jobq.Queue.
func (q *Queue) SendIngestWebhook(ctx context.Context, body []byte, headers map[string]string, tenant uuid.UUID, src source.Source, groupID, dedupID string) error {
	q.mu.Lock()
	for _, d := range q.deliveries {
		if dedupID != "" && d.message.DedupID == dedupID {
			q.mu.Unlock()
			return nil
		}
	}
	q.mu.Unlock()
	q.push(jobq.QueueWebhook, jobq.Message{
		Body:       body,
		Attributes: headers,
		Lane:       groupID,
		DedupID:    dedupID,
	})
	return nil
}

// Receive implements jobq.Queue.
func (q *Queue) Receive(ctx context.Context, queue string) (jobq.Message, jobq.Handle, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, d := range q.deliveries {
		if d.queue != queue || d.inFlight {
			continue
		}
		if q.laneBusy(d) {
			continue
		}
		d.inFlight = true
		d.message.ReceiveCount++
		receipt, err := uuid.New()
		if err != nil {
			return jobq.Message{}, jobq.Handle{}, err
		}
		d.receipt = receipt
		return d.message, jobq.Handle{ID: d.id, Receipt: receipt}, nil
	}
	return jobq.Message{}, jobq.Handle{}, jobq.ErrEmpty.New("%s", queue)
}

// Delete implements jobq.Queue.
func (q *Queue) Delete(ctx context.Context, handle jobq.Handle) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, d := range q.deliveries {
		if d.id == handle.ID {
			if d.receipt != handle.Receipt {
				return jobq.ErrStaleHandle.New("delivery %d", handle.ID)
			}
			q.deliveries = append(q.deliveries[:i], q.deliveries[i+1:]...)
			q.Deleted++
			return nil
		}
	}
	return jobq.ErrStaleHandle.New("delivery %d", handle.ID)
}

// ChangeVisibility implements jobq.Queue. The message goes back to the
// queue immediately so tests can drive redelivery without clocks.
func (q *Queue) ChangeVisibility(ctx context.Context, handle jobq.Handle, timeout time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, d := range q.deliveries {
		if d.id == handle.ID {
			if d.receipt != handle.Receipt {
				return jobq.ErrStaleHandle.New("delivery %d", handle.ID)
			}
			q.Extensions = append(q.Extensions, timeout)
			d.inFlight = false
			return nil
		}
	}
	return jobq.ErrStaleHandle.New("delivery %d", handle.ID)
}

// Requeue makes every in-flight delivery visible again, as if its
// visibility lapsed.
func (q *Queue) Requeue() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, d := range q.deliveries {
		d.inFlight = false
	}
}

// Len returns how many messages sit in the named queue.
func (q *Queue) Len(queue string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, d := range q.deliveries {
		if d.queue == queue {
			n++
		}
	}
	return n
}

// Messages returns copies of the messages currently in the named queue,
// in order.
func (q *Queue) Messages(queue string) []jobq.Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	var messages []jobq.Message
	for _, d := range q.deliveries {
		if d.queue == queue {
			messages = append(messages, d.message)
		}
	}
	return messages
}

// Bodies returns the bodies currently in the named queue, in order.
func (q *Queue) Bodies(queue string) [][]byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	var bodies [][]byte
	for _, d := range q.deliveries {
		if d.queue == queue {
			bodies = append(bodies, append([]byte(nil), d.message.Body...))
		}
	}
	return bodies
}

func (q *Queue) push(queue string, message jobq.Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	if message.JobID.IsZero() {
		jobID, err := uuid.New()
		if err == nil {
			message.JobID = jobID
		}
	}
	q.deliveries = append(q.deliveries, &delivery{
		id:      q.nextID,
		queue:   queue,
		message: message,
	})
}

func (q *Queue) laneBusy(candidate *delivery) bool {
	for _, d := range q.deliveries {
		if d.queue == candidate.queue && d.message.Lane == candidate.message.Lane && d.inFlight {
			return true
		}
	}
	return false
}
