// Copyright 2025 James Ross
package workqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return rdb, mr
}

func TestGetTask_EmptyQueueReturnsErrEmpty(t *testing.T) {
	rdb, _ := newTestRedis(t)
	q := NewRedisQueue(rdb, Config{QueueKey: "workqueue:upload", WorkerID: "w1"})

	_, _, _, err := q.GetTask(context.Background(), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrEmpty)
}

func TestGetTask_ReceivesEnqueuedMessage(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ctx := context.Background()
	queueKey := "workqueue:upload"

	require.NoError(t, Enqueue(ctx, rdb, queueKey, "msg-1", []byte(`{"tile_key":"k"}`)))

	q := NewRedisQueue(rdb, Config{QueueKey: queueKey, WorkerID: "w1"})
	msgID, receipt, body, err := q.GetTask(ctx, time.Second)
	require.NoError(t, err)
	require.Equal(t, "msg-1", msgID)
	require.NotEmpty(t, receipt)
	require.JSONEq(t, `{"tile_key":"k"}`, string(body))

	n, err := rdb.LLen(ctx, "workqueue:worker:w1:processing").Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestDeleteTask_RemovesFromProcessingAndClearsHeartbeat(t *testing.T) {
	rdb, mr := newTestRedis(t)
	ctx := context.Background()
	queueKey := "workqueue:upload"
	require.NoError(t, Enqueue(ctx, rdb, queueKey, "msg-1", []byte(`{"tile_key":"k"}`)))

	q := NewRedisQueue(rdb, Config{QueueKey: queueKey, WorkerID: "w1"})
	_, receipt, _, err := q.GetTask(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.DeleteTask(ctx, receipt))

	n, err := rdb.LLen(ctx, "workqueue:worker:w1:processing").Result()
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	require.False(t, mr.Exists("workqueue:worker:w1:heartbeat"))
}

func TestPutTask_EnqueuesOntoQueue(t *testing.T) {
	rdb, _ := newTestRedis(t)
	ctx := context.Background()
	queueKey := "workqueue:tile-index"
	q := NewRedisQueue(rdb, Config{QueueKey: queueKey, WorkerID: "w1"})

	require.NoError(t, q.PutTask(ctx, []byte(`{"done":true}`)))

	n, err := rdb.LLen(ctx, queueKey).Result()
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}
