// Copyright 2025 James Ross
// Package workqueue is the Redis-backed stand-in for the remote SQS-like
// work queue and tile-index queue the backend client hands the engine after
// a successful join: long-poll receive, explicit delete, at-least-once
// delivery via a visibility timeout, built on BRPOPLPUSH, a per-worker
// processing list, and a heartbeat key.
package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by GetTask when the long-poll wait elapses with
// nothing to receive.
var ErrEmpty = errors.New("workqueue: empty")

type envelope struct {
	ID   string          `json:"id"`
	Body json.RawMessage `json:"body"`
}

// RedisQueue is a work-queue handle built on a single Redis list plus a
// per-worker processing list and heartbeat key.
type RedisQueue struct {
	rdb        *redis.Client
	queueKey   string
	workerID   string
	visibility time.Duration
}

// Config names the Redis keys one RedisQueue instance operates over.
type Config struct {
	QueueKey          string
	WorkerID          string
	VisibilityTimeout time.Duration
}

// NewRedisQueue builds a queue handle scoped to one worker's processing
// list. Every worker in a job gets its own RedisQueue pointed at the same
// QueueKey but a distinct WorkerID.
func NewRedisQueue(rdb *redis.Client, cfg Config) *RedisQueue {
	vis := cfg.VisibilityTimeout
	if vis <= 0 {
		vis = 30 * time.Second
	}
	return &RedisQueue{rdb: rdb, queueKey: cfg.QueueKey, workerID: cfg.WorkerID, visibility: vis}
}

// QueueKey returns the underlying Redis key this handle receives from, so a
// caller can point a Reaper at the same queue.
func (q *RedisQueue) QueueKey() string { return q.queueKey }

func (q *RedisQueue) processingKey() string {
	return fmt.Sprintf("workqueue:worker:%s:processing", q.workerID)
}

func (q *RedisQueue) heartbeatKey() string {
	return fmt.Sprintf("workqueue:worker:%s:heartbeat", q.workerID)
}

// GetTask long-polls queueKey for up to waitTime for one message, moving it
// onto this worker's processing list and refreshing the heartbeat. Returns
// ErrEmpty if nothing arrived within waitTime — the engine's main loop
// treats that exactly like an SQS empty receive.
func (q *RedisQueue) GetTask(ctx context.Context, waitTime time.Duration) (string, string, []byte, error) {
	raw, err := q.rdb.BRPopLPush(ctx, q.queueKey, q.processingKey(), waitTime).Result()
	if err == redis.Nil {
		return "", "", nil, ErrEmpty
	}
	if err != nil {
		return "", "", nil, fmt.Errorf("workqueue: receive: %w", err)
	}
	if err := q.rdb.Set(ctx, q.heartbeatKey(), "1", q.visibility).Err(); err != nil {
		return "", "", nil, fmt.Errorf("workqueue: heartbeat: %w", err)
	}

	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return "", "", nil, fmt.Errorf("workqueue: malformed envelope: %w", err)
	}
	// The receipt handle IS the raw envelope: it identifies this exact
	// processing-list entry for LRem on delete.
	return env.ID, raw, env.Body, nil
}

// DeleteTask removes receiptHandle from the processing list and clears the
// heartbeat, the Redis analogue of SQS's delete_message.
func (q *RedisQueue) DeleteTask(ctx context.Context, receiptHandle string) error {
	if err := q.rdb.LRem(ctx, q.processingKey(), 1, receiptHandle).Err(); err != nil {
		return fmt.Errorf("workqueue: delete: %w", err)
	}
	return q.rdb.Del(ctx, q.heartbeatKey()).Err()
}

// PutTask enqueues a new message onto this queue, used for the tile-index
// queue write-back after a successful volumetric upload.
func (q *RedisQueue) PutTask(ctx context.Context, body []byte) error {
	env := envelope{ID: uuid.NewString(), Body: body}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("workqueue: marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.queueKey, raw).Err(); err != nil {
		return fmt.Errorf("workqueue: enqueue: %w", err)
	}
	return nil
}

// Enqueue is a test/fixture helper: push a ready-made envelope directly,
// bypassing PutTask's fresh-uuid assignment, so tests can control msg ids.
func Enqueue(ctx context.Context, rdb *redis.Client, queueKey, id string, body []byte) error {
	env := envelope{ID: id, Body: body}
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("workqueue: marshal envelope: %w", err)
	}
	return rdb.LPush(ctx, queueKey, raw).Err()
}
