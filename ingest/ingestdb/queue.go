// Copyright (C) 2025 Storj Labs, Inc.
// See LICENSE for copying information.

package ingestdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"storj.io/common/memory"
	"storj.io/common/uuid"
	"storj.io/inlet/ingest/jobq"
	"storj.io/inlet/ingest/jobs"
	"storj.io/inlet/ingest/source"
	"storj.io/inlet/shared/dbutil/txutil"
	"storj.io/inlet/shared/tagsql"
)

// QueueConfig configures the persistent job queue.
type QueueConfig struct {
	Visibility      time.Duration `help:"how long a received message stays invisible before redelivery" default:"10m"`
	MaxReceiveCount int           `help:"deliveries after which a message moves to the dead letter table" default:"5"`
	DedupWindow     time.Duration `help:"window within which sends with the same deduplication id collapse" default:"5m"`
	MaxInlineSize   memory.Size   `help:"bodies over this size are offloaded to the payload store" default:"256KiB"`
}

// Queue implements jobq.Queue on the control database.
//
// Messages are FIFO within a lane: a message is deliverable only while it
// is the oldest remaining message of its lane, so an in-flight or
// redeliverable head blocks the rest of the lane. Exhausted messages keep
// blocking until the dead-letter sweeper moves them out.
type Queue struct {
	log      *zap.Logger
	db       tagsql.DB
	config   QueueConfig
	payloads jobq.PayloadStore

	nowFn func() time.Time
}

var _ jobq.Queue = (*Queue)(nil)

// NewQueue creates a queue on the control database. The payload store may
// be nil when no object store is configured; oversized sends then fail.
func NewQueue(log *zap.Logger, db *DB, config QueueConfig, payloads jobq.PayloadStore) *Queue {
	return &Queue{
		log:      log,
		db:       db.db,
		config:   config,
		payloads: payloads,
	}
}

// SendBackfillIngest implements jobq.Queue.
func (queue *Queue) SendBackfillIngest(ctx context.Context, cfg jobs.Config) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := jobs.Marshal(cfg)
	if err != nil {
		return Error.Wrap(err)
	}
	return queue.send(ctx, jobq.QueueIngest, jobq.Lane(cfg.Tenant(), ""), "", body, nil)
}

// SendScheduled sends a job on the ingest queue with a deduplication id,
// so that concurrent scheduler replicas enqueue one job per window.
func (queue *Queue) SendScheduled(ctx context.Context, cfg jobs.Config, dedupID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	body, err := jobs.Marshal(cfg)
	if err != nil {
		return Error.Wrap(err)
	}
	return queue.send(ctx, jobq.QueueIngest, jobq.Lane(cfg.Tenant(), ""), dedupID, body, nil)
}

// SendIngestWebhook implements jobq.Queue.
func (queue *Queue) SendIngestWebhook(ctx context.Context, body []byte, headers map[string]string, tenant uuid.UUID, src source.Source, groupID, dedupID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	lane := groupID
	if lane == "" {
		lane = jobq.Lane(tenant, "")
	}
	return queue.send(ctx, jobq.QueueWebhook, lane, dedupID, body, headers)
}

func (queue *Queue) send(ctx context.Context, queueName, lane, dedupID string, body []byte, attributes map[string]string) (err error) {
	defer mon.Task()(&ctx)(&err)

	jobID, err := uuid.New()
	if err != nil {
		return Error.Wrap(err)
	}
	now := queue.now()

	var payloadKey sql.NullString
	if int64(len(body)) > queue.config.MaxInlineSize.Int64() {
		if queue.payloads == nil {
			return Error.New("message body of %d bytes exceeds the %s limit and no payload store is configured",
				len(body), queue.config.MaxInlineSize)
		}
		key := jobID.String()
		if err := queue.payloads.Put(ctx, key, body); err != nil {
			return Error.Wrap(err)
		}
		body = jobq.PointerBody(key)
		payloadKey = sql.NullString{String: key, Valid: true}
		mon.Meter("jobq_payload_offloaded").Mark(1)
	}

	attributesParam, err := marshalAttributes(attributes)
	if err != nil {
		return Error.Wrap(err)
	}
	var dedupParam sql.NullString
	if dedupID != "" {
		dedupParam = sql.NullString{String: dedupID, Valid: true}
	}

	deduplicated := false
	err = txutil.WithTx(ctx, queue.db, nil, func(ctx context.Context, tx tagsql.Tx) error {
		if dedupID != "" {
			// The upsert refreshes stale dedup rows; a fresh conflicting
			// row defeats the WHERE and affects nothing.
			result, err := tx.ExecContext(ctx, `
				INSERT INTO job_queue_dedup (queue, dedup_id, inserted_at)
				VALUES ($1, $2, $3)
				ON CONFLICT (queue, dedup_id) DO UPDATE
				SET inserted_at = EXCLUDED.inserted_at
				WHERE job_queue_dedup.inserted_at <= $4
			`, queueName, dedupID, now, now.Add(-queue.config.DedupWindow))
			if err != nil {
				return Error.Wrap(err)
			}
			affected, err := result.RowsAffected()
			if err != nil {
				return Error.Wrap(err)
			}
			if affected == 0 {
				deduplicated = true
				return nil
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO job_queue (job_uid, queue, lane, dedup_id, body, attributes, payload_key, inserted_at, visible_after)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8, $8)
		`, jobID, queueName, lane, dedupParam, body, attributesParam, payloadKey, now)
		return Error.Wrap(err)
	})
	if err != nil {
		return err
	}
	if deduplicated {
		// A payload offloaded for a suppressed send stays behind; the
		// orphan sweeper removes it after the retention.
		mon.Meter("jobq_deduplicated").Mark(1)
		return nil
	}
	mon.Meter("jobq_enqueued").Mark(1)
	return nil
}

// Receive implements jobq.Queue. The candidate must be visible, under the
// receive limit, and the head of its lane; SKIP LOCKED keeps concurrent
// receivers off the same row.
func (queue *Queue) Receive(ctx context.Context, queueName string) (_ jobq.Message, _ jobq.Handle, err error) {
	defer mon.Task()(&ctx)(&err)

	receipt, err := uuid.New()
	if err != nil {
		return jobq.Message{}, jobq.Handle{}, Error.Wrap(err)
	}
	now := queue.now()

	var (
		message    jobq.Message
		handle     jobq.Handle
		dedupID    sql.NullString
		attributes []byte
		payloadKey sql.NullString
	)
	err = queue.db.QueryRowContext(ctx, `
		WITH next_message AS (
			SELECT id
			FROM job_queue jq
			WHERE jq.queue = $1
				AND jq.visible_after <= $2
				AND jq.receive_count < $3
				AND NOT EXISTS (
					SELECT 1 FROM job_queue prior
					WHERE prior.queue = jq.queue
						AND prior.lane = jq.lane
						AND (prior.inserted_at, prior.id) < (jq.inserted_at, jq.id)
				)
			ORDER BY jq.inserted_at, jq.id
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE job_queue jq
		SET visible_after = $4,
			receive_count = jq.receive_count + 1,
			receipt = $5
		FROM next_message
		WHERE jq.id = next_message.id
		RETURNING jq.id, jq.job_uid, jq.lane, jq.dedup_id, jq.attributes, jq.payload_key, jq.receive_count, jq.body
	`, queueName, now, queue.config.MaxReceiveCount, now.Add(queue.config.Visibility), receipt).Scan(
		&handle.ID, &message.JobID, &message.Lane, &dedupID,
		&attributes, &payloadKey, &message.ReceiveCount, &message.Body,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return jobq.Message{}, jobq.Handle{}, jobq.ErrEmpty.New("%s", queueName)
	}
	if err != nil {
		return jobq.Message{}, jobq.Handle{}, Error.Wrap(err)
	}
	handle.Receipt = receipt
	message.DedupID = dedupID.String

	if payloadKey.Valid {
		if queue.payloads == nil {
			return jobq.Message{}, jobq.Handle{}, Error.New(
				"message %d references offloaded payload %q and no payload store is configured", handle.ID, payloadKey.String)
		}
		// On failure the claim stands and the message returns after the
		// visibility lapses.
		body, err := queue.payloads.Get(ctx, payloadKey.String)
		if err != nil {
			return jobq.Message{}, jobq.Handle{}, Error.Wrap(err)
		}
		message.Body = body
	}
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &message.Attributes); err != nil {
			return jobq.Message{}, jobq.Handle{}, Error.Wrap(err)
		}
	}

	mon.Meter("jobq_dequeued").Mark(1)
	return message, handle, nil
}

// Delete implements jobq.Queue.
func (queue *Queue) Delete(ctx context.Context, handle jobq.Handle) (err error) {
	defer mon.Task()(&ctx)(&err)

	var payloadKey sql.NullString
	err = queue.db.QueryRowContext(ctx, `
		DELETE FROM job_queue WHERE id = $1 AND receipt = $2
		RETURNING payload_key
	`, handle.ID, handle.Receipt).Scan(&payloadKey)
	if errors.Is(err, sql.ErrNoRows) {
		return jobq.ErrStaleHandle.New("delivery %d", handle.ID)
	}
	if err != nil {
		return Error.Wrap(err)
	}

	if payloadKey.Valid && queue.payloads != nil {
		if err := queue.payloads.Delete(ctx, payloadKey.String); err != nil {
			// The orphan sweeper picks it up later.
			queue.log.Warn("failed to delete offloaded payload",
				zap.String("key", payloadKey.String), zap.Error(err))
		}
	}
	mon.Meter("jobq_acked").Mark(1)
	return nil
}

// ChangeVisibility implements jobq.Queue.
func (queue *Queue) ChangeVisibility(ctx context.Context, handle jobq.Handle, timeout time.Duration) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := queue.db.ExecContext(ctx, `
		UPDATE job_queue SET visible_after = $3
		WHERE id = $1 AND receipt = $2
	`, handle.ID, handle.Receipt, queue.now().Add(timeout))
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return jobq.ErrStaleHandle.New("delivery %d", handle.ID)
	}
	mon.Meter("jobq_visibility_changed").Mark(1)
	return nil
}

// SweepExhausted moves messages past the receive limit to the dead letter
// table, unblocking their lanes. Run periodically.
func (queue *Queue) SweepExhausted(ctx context.Context) (moved int64, err error) {
	defer mon.Task()(&ctx)(&err)

	now := queue.now()
	result, err := queue.db.ExecContext(ctx, `
		WITH exhausted AS (
			DELETE FROM job_queue
			WHERE id IN (
				SELECT id FROM job_queue
				WHERE receive_count >= $1 AND visible_after <= $2
				FOR UPDATE SKIP LOCKED
			)
			RETURNING id, job_uid, queue, lane, dedup_id, body, attributes, payload_key, inserted_at, receive_count
		)
		INSERT INTO job_queue_dead (id, job_uid, queue, lane, dedup_id, body, attributes, payload_key, inserted_at, dead_since, receive_count)
		SELECT id, job_uid, queue, lane, dedup_id, body, attributes, payload_key, inserted_at, $2, receive_count
		FROM exhausted
	`, queue.config.MaxReceiveCount, now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	moved, err = result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if moved > 0 {
		mon.Meter("jobq_dead_lettered").Mark(int(moved))
	}
	return moved, nil
}

// DeleteExpiredDedup drops deduplication rows past the window. Run
// periodically.
func (queue *Queue) DeleteExpiredDedup(ctx context.Context) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := queue.db.ExecContext(ctx, `
		DELETE FROM job_queue_dedup WHERE inserted_at <= $1
	`, queue.now().Add(-queue.config.DedupWindow))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	removed, err = result.RowsAffected()
	return removed, Error.Wrap(err)
}

// DeadMessage is one message in the dead letter table.
type DeadMessage struct {
	ID           int64
	JobID        uuid.UUID
	Queue        string
	Lane         string
	DedupID      string
	Body         []byte
	InsertedAt   time.Time
	DeadSince    time.Time
	ReceiveCount int
}

// ListDead returns dead-lettered messages of a queue, oldest first.
func (queue *Queue) ListDead(ctx context.Context, queueName string, limit int) (_ []DeadMessage, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := queue.db.QueryContext(ctx, `
		SELECT id, job_uid, queue, lane, dedup_id, body, inserted_at, dead_since, receive_count
		FROM job_queue_dead
		WHERE queue = $1
		ORDER BY dead_since, id
		LIMIT $2
	`, queueName, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var dead []DeadMessage
	for rows.Next() {
		var msg DeadMessage
		var dedupID sql.NullString
		if err := rows.Scan(&msg.ID, &msg.JobID, &msg.Queue, &msg.Lane, &dedupID,
			&msg.Body, &msg.InsertedAt, &msg.DeadSince, &msg.ReceiveCount); err != nil {
			return nil, Error.Wrap(err)
		}
		msg.DedupID = dedupID.String
		dead = append(dead, msg)
	}
	return dead, Error.Wrap(rows.Err())
}

// RedriveDead moves every dead-lettered message of a queue back into it
// with a fresh receive budget. The original insertion time is kept, so
// redriven messages return to the head of their lanes.
func (queue *Queue) RedriveDead(ctx context.Context, queueName string) (moved int64, err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := queue.db.ExecContext(ctx, `
		WITH moved AS (
			DELETE FROM job_queue_dead
			WHERE queue = $1
			RETURNING job_uid, queue, lane, dedup_id, body, attributes, payload_key, inserted_at
		)
		INSERT INTO job_queue (job_uid, queue, lane, dedup_id, body, attributes, payload_key, inserted_at, visible_after, receive_count)
		SELECT job_uid, queue, lane, dedup_id, body, attributes, payload_key, inserted_at, $2, 0
		FROM moved
	`, queueName, queue.now())
	if err != nil {
		return 0, Error.Wrap(err)
	}
	moved, err = result.RowsAffected()
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if moved > 0 {
		mon.Meter("jobq_redriven").Mark(int(moved))
	}
	return moved, nil
}

// PurgeDead removes dead-lettered messages older than the given age,
// together with their offloaded payloads.
func (queue *Queue) PurgeDead(ctx context.Context, olderThan time.Duration) (removed int64, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := queue.db.QueryContext(ctx, `
		DELETE FROM job_queue_dead WHERE dead_since <= $1
		RETURNING payload_key
	`, queue.now().Add(-olderThan))
	if err != nil {
		return 0, Error.Wrap(err)
	}
	var payloadKeys []string
	err = func() (err error) {
		defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()
		for rows.Next() {
			var payloadKey sql.NullString
			if err := rows.Scan(&payloadKey); err != nil {
				return Error.Wrap(err)
			}
			removed++
			if payloadKey.Valid {
				payloadKeys = append(payloadKeys, payloadKey.String)
			}
		}
		return Error.Wrap(rows.Err())
	}()
	if err != nil {
		return removed, err
	}

	for _, key := range payloadKeys {
		if queue.payloads == nil {
			break
		}
		if err := queue.payloads.Delete(ctx, key); err != nil {
			queue.log.Warn("failed to delete offloaded payload",
				zap.String("key", key), zap.Error(err))
		}
	}
	return removed, nil
}

// PayloadReferenced reports whether any queue or dead-letter row still
// points at the offloaded payload. The orphan sweeper calls this before
// removing aged payloads.
func (queue *Queue) PayloadReferenced(ctx context.Context, key string) (referenced bool, err error) {
	defer mon.Task()(&ctx)(&err)

	err = queue.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM job_queue WHERE payload_key = $1)
			OR EXISTS (SELECT 1 FROM job_queue_dead WHERE payload_key = $1)
	`, key).Scan(&referenced)
	return referenced, Error.Wrap(err)
}

// QueueStats counts the messages of one queue.
type QueueStats struct {
	Visible  int64
	InFlight int64
	Dead     int64
}

// Stats returns current message counts of a queue.
func (queue *Queue) Stats(ctx context.Context, queueName string) (stats QueueStats, err error) {
	defer mon.Task()(&ctx)(&err)

	now := queue.now()
	err = queue.db.QueryRowContext(ctx, `
		SELECT
			count(*) FILTER (WHERE visible_after <= $2),
			count(*) FILTER (WHERE visible_after > $2)
		FROM job_queue WHERE queue = $1
	`, queueName, now).Scan(&stats.Visible, &stats.InFlight)
	if err != nil {
		return QueueStats{}, Error.Wrap(err)
	}
	err = queue.db.QueryRowContext(ctx, `
		SELECT count(*) FROM job_queue_dead WHERE queue = $1
	`, queueName).Scan(&stats.Dead)
	return stats, Error.Wrap(err)
}

// TestingSetNow overrides the queue's clock, so tests can step through
// visibility windows without sleeping.
func (queue *Queue) TestingSetNow(now func() time.Time) {
	queue.nowFn = now
}

func (queue *Queue) now() time.Time {
	if queue.nowFn != nil {
		return queue.nowFn()
	}
	return time.Now()
}

func marshalAttributes(attributes map[string]string) (sql.NullString, error) {
	if len(attributes) == 0 {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(attributes)
	if err != nil {
		return sql.NullString{}, errs.Wrap(err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}
