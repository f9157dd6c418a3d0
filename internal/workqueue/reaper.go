// Copyright 2025 James Ross
package workqueue

import (
	"context"
	"strings"
	"time"

	"github.com/flyingrobots/ingest-engine/internal/obs"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Reaper periodically requeues processing-list entries whose owning
// worker's heartbeat has expired, giving the Redis-backed queue the same
// "message becomes visible again" guarantee the real remote queue's
// visibility timeout provides.
type Reaper struct {
	rdb      *redis.Client
	queueKey string
	log      *zap.Logger
	interval time.Duration
}

// NewReaper builds a reaper that, every interval, scans every worker
// processing list (workqueue:worker:*:processing, whichever queue it was
// filled from) and requeues abandoned entries onto queueKey.
func NewReaper(rdb *redis.Client, queueKey string, interval time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Reaper{rdb: rdb, queueKey: queueKey, interval: interval, log: log}
}

// Run blocks, scanning on a ticker until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ScanOnce(ctx)
		}
	}
}

// ScanOnce performs one reaper pass; exported so tests can drive it
// deterministically instead of waiting on the ticker.
func (r *Reaper) ScanOnce(ctx context.Context) {
	var cursor uint64
	for {
		keys, cur, err := r.rdb.Scan(ctx, cursor, "workqueue:worker:*:processing", 100).Result()
		if err != nil {
			r.log.Warn("reaper scan error", zap.Error(err))
			return
		}
		cursor = cur
		for _, plist := range keys {
			r.requeueIfAbandoned(ctx, plist)
		}
		if cursor == 0 {
			return
		}
	}
}

func (r *Reaper) requeueIfAbandoned(ctx context.Context, processingKey string) {
	// workqueue:worker:<id>:processing -> workqueue:worker:<id>:heartbeat
	parts := strings.Split(processingKey, ":")
	if len(parts) < 4 {
		return
	}
	workerID := parts[2]
	hbKey := "workqueue:worker:" + workerID + ":heartbeat"

	exists, err := r.rdb.Exists(ctx, hbKey).Result()
	if err != nil {
		r.log.Warn("reaper heartbeat check error", zap.Error(err))
		return
	}
	if exists == 1 {
		return // worker still alive
	}

	for {
		payload, err := r.rdb.RPop(ctx, processingKey).Result()
		if err == redis.Nil {
			return
		}
		if err != nil {
			r.log.Warn("reaper rpop error", zap.Error(err))
			return
		}
		if err := r.rdb.LPush(ctx, r.queueKey, payload).Err(); err != nil {
			r.log.Error("requeue failed", zap.Error(err), zap.String("processing_key", processingKey))
			return
		}
		obs.ReaperRecovered.Inc()
		r.log.Warn("requeued abandoned task", zap.String("worker_id", workerID))
	}
}
