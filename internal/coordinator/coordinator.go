// Copyright 2025 James Ross
// Package coordinator implements the parent process: job setup
// (create/join), spawning and supervising N workers, polling job progress,
// handling user-initiated cancellation, and triggering job completion.
// Workers run as goroutines rather than OS processes.
package coordinator

import (
	"container/ring"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/ingest-engine/internal/backend"
	"github.com/flyingrobots/ingest-engine/internal/config"
	"github.com/flyingrobots/ingest-engine/internal/obs"
	"github.com/flyingrobots/ingest-engine/internal/worker"
	"github.com/flyingrobots/ingest-engine/internal/workqueue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Backend is the subset of backend.Client the coordinator drives directly;
// workers get their own narrower worker.Joiner view.
type Backend interface {
	Create(ctx context.Context, configDoc interface{}) (string, error)
	Join(ctx context.Context, jobID, workerID string) (backend.JoinResult, error)
	Cancel(ctx context.Context, jobID string) error
	Complete(ctx context.Context, jobID string) (backend.CompletionState, int, error)
	GetJobStatus(ctx context.Context, jobID string) (backend.JobStatusResult, error)
}

// Coordinator owns the worker pool for one ingest job.
type Coordinator struct {
	be      Backend
	cfg     *config.Config
	plugins func() worker.Plugins // builds a fresh, unconfigured-then-setup Plugins bundle per worker
	mode    worker.Mode
	log     *zap.Logger

	jobID string

	mu      sync.Mutex
	cancels []context.CancelFunc

	rdb        *redis.Client
	reaperOnce sync.Once
	reaperStop context.CancelFunc
}

// WithReaper arms the coordinator to start a workqueue.Reaper, scoped to the
// first worker's upload-queue key, as soon as a worker successfully joins.
// The reaper requeues tasks abandoned by a worker whose heartbeat lapsed,
// giving the Redis-backed queue the same "message visible again" guarantee
// a real remote queue's visibility timeout provides.
func (c *Coordinator) WithReaper(rdb *redis.Client) *Coordinator {
	c.rdb = rdb
	return c
}

// New builds a Coordinator for an ingest job. pluginsFactory is called once
// per spawned worker so each gets its own plugin instances, each set up
// exactly once.
func New(be Backend, cfg *config.Config, pluginsFactory func() worker.Plugins, log *zap.Logger) *Coordinator {
	mode := worker.TileMode
	if cfg.IngestJob.IngestType == "volumetric" {
		mode = worker.VolumetricMode
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{be: be, cfg: cfg, plugins: pluginsFactory, mode: mode, log: log}
}

// CreateJob POSTs the configuration document and records the returned job
// id. Interactive confirmation prompts are a concern for the caller, not
// this package.
func (c *Coordinator) CreateJob(ctx context.Context, configDoc interface{}) (string, error) {
	id, err := c.be.Create(ctx, configDoc)
	if err != nil {
		return "", err
	}
	c.jobID = id
	c.log.Info("created ingest job", obs.String("job_id", id))
	return id, nil
}

// JoinJob attaches the coordinator to an existing job id (the `-j` CLI
// path).
func (c *Coordinator) JoinJob(jobID string) { c.jobID = jobID }

// EstimateJob is a pure function of the configuration's extent and
// tile/chunk size, printed before job creation so an operator can
// sanity-check the scale of what they're about to kick off.
func EstimateJob(cfg *config.Config) (units int64, description string) {
	ext := cfg.IngestJob.Extent
	dx := int64(ext["x"].Size())
	dy := int64(ext["y"].Size())
	dz := int64(ext["z"].Size())
	dt := int64(ext["t"].Size())
	if dt == 0 {
		dt = 1
	}

	if cfg.IngestJob.IngestType == "volumetric" {
		cx, cy, cz := int64(cfg.IngestJob.ChunkSize["x"]), int64(cfg.IngestJob.ChunkSize["y"]), int64(cfg.IngestJob.ChunkSize["z"])
		if cx == 0 || cy == 0 || cz == 0 {
			return 0, "volumetric: chunk_size not configured"
		}
		nChunks := ceilDiv(dx, cx) * ceilDiv(dy, cy) * ceilDiv(dz, cz)
		return nChunks, fmt.Sprintf("%d chunks of %dx%dx%d voxels", nChunks, cx, cy, cz)
	}

	tx, ty := int64(cfg.IngestJob.TileSize["x"]), int64(cfg.IngestJob.TileSize["y"])
	if tx == 0 || ty == 0 {
		return 0, "tile: tile_size not configured"
	}
	nTiles := ceilDiv(dx, tx) * ceilDiv(dy, ty) * dz * dt
	return nTiles, fmt.Sprintf("%d tiles of %dx%d pixels", nTiles, tx, ty)
}

func ceilDiv(a, b int64) int64 {
	if b <= 0 {
		return 0
	}
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Run spawns the configured number of workers, staggered by
// coordinator.spawn_stagger, then blocks in the monitoring loop until every
// worker has exited, then (unless ManualComplete) completes the job.
// Returns when the ingest is fully done, cancelled, or a setup error
// occurs.
func (c *Coordinator) Run(ctx context.Context) error {
	n := c.cfg.Coordinator.ProcessesNB
	if n < 1 {
		n = 1
	}

	var wg sync.WaitGroup
	exitCh := make(chan struct{}, n)
	for i := 0; i < n; i++ {
		wctx, cancel := context.WithCancel(ctx)
		c.mu.Lock()
		c.cancels = append(c.cancels, cancel)
		c.mu.Unlock()

		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			defer func() { exitCh <- struct{}{} }()
			c.runWorker(wctx, idx)
		}(i)

		if i < n-1 {
			time.Sleep(c.cfg.Coordinator.SpawnStagger)
		}
	}

	c.monitor(ctx, n, exitCh)
	wg.Wait()
	if c.reaperStop != nil {
		c.reaperStop()
	}

	if c.cfg.Coordinator.ManualComplete {
		c.log.Info("manual-complete set, leaving job in UPLOADING state", obs.String("job_id", c.jobID))
		return nil
	}
	return c.completeJob(ctx)
}

func (c *Coordinator) runWorker(ctx context.Context, idx int) {
	id := fmt.Sprintf("worker-%d", idx)
	w := worker.New(id, c.jobID, c.mode, c.be, c.cfg.Engine, c.plugins(), c.log)
	if err := w.Join(ctx); err != nil {
		c.log.Error("worker failed initial join", obs.String("worker_id", id), obs.Err(err))
		return
	}
	c.startReaperOnce(w.UploadQueueKey())
	if err := w.Run(ctx); err != nil {
		c.log.Error("worker exited with error", obs.String("worker_id", id), obs.Err(err))
	}
}

// startReaperOnce launches the reaper on the first call that sees a non-empty
// queue key; a no-op if WithReaper was never called.
func (c *Coordinator) startReaperOnce(queueKey string) {
	if c.rdb == nil || queueKey == "" {
		return
	}
	c.reaperOnce.Do(func() {
		reaperCtx, cancel := context.WithCancel(context.Background())
		c.reaperStop = cancel
		reaper := workqueue.NewReaper(c.rdb, queueKey, 5*time.Second, c.log)
		go reaper.Run(reaperCtx)
	})
}

// monitor polls job status every poll_interval, maintains a rolling window
// of queue-depth deltas to report a smoothed tile-rate, logs every
// status_log_interval, and returns once all worker exit signals have
// arrived (or ctx is cancelled).
func (c *Coordinator) monitor(ctx context.Context, n int, exitCh <-chan struct{}) {
	window := ring.New(c.cfg.Coordinator.RateWindowSize)
	var lastCount *int
	exited := 0
	lastLog := time.Now()
	start := time.Now()

	ticker := time.NewTicker(c.cfg.Coordinator.PollInterval)
	defer ticker.Stop()

	for exited < n {
		select {
		case <-ctx.Done():
			return
		case <-exitCh:
			exited++
			if exited >= n {
				return
			}
		case <-ticker.C:
			status, err := c.be.GetJobStatus(ctx, c.jobID)
			if err != nil {
				c.log.Warn("get_job_status failed", obs.Err(err))
				continue
			}
			obs.QueueDepth.Set(float64(status.CurrentMessageCount))

			if lastCount != nil {
				delta := *lastCount - status.CurrentMessageCount
				window.Value = delta
				window = window.Next()
			}
			cur := status.CurrentMessageCount
			lastCount = &cur

			if time.Since(lastLog) > c.cfg.Coordinator.StatusLogInterval {
				lastLog = time.Now()
				rate := averageRate(window)
				obs.TileRate.Set(rate)
				c.log.Info("ingest progress",
					obs.Int("remaining", status.CurrentMessageCount),
					obs.Int("total", status.TotalMessageCount),
					zap.Float64("rate_per_interval", rate),
					zap.Duration("elapsed", time.Since(start)),
				)
			}
		}
	}
}

func averageRate(window *ring.Ring) float64 {
	sum, count := 0.0, 0
	window.Do(func(v interface{}) {
		if v != nil {
			sum += float64(v.(int))
			count++
		}
	})
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// Cancel sends a stop signal to every worker's control channel (here, their
// context) and then calls backend Cancel on the job itself. It does not wait
// for the workers to exit before cancelling the job. Workers observe the
// signal only between tasks: in-flight uploads always run to completion.
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	cancels := append([]context.CancelFunc(nil), c.cancels...)
	c.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	return c.be.Cancel(ctx, c.jobID)
}

// completeJob calls complete and acts on the returned state until DONE.
func (c *Coordinator) completeJob(ctx context.Context) error {
	for {
		state, wait, err := c.be.Complete(ctx, c.jobID)
		if err != nil {
			return fmt.Errorf("coordinator: complete: %w", err)
		}
		switch state {
		case backend.Done:
			c.log.Info("job complete", obs.String("job_id", c.jobID))
			return nil
		case backend.Wait:
			c.log.Info("job waiting on queues, sleeping before retry", zap.Int("wait_seconds", wait))
			if !sleepCtx(ctx, time.Duration(wait)*time.Second) {
				return ctx.Err()
			}
		case backend.Polling:
			if err := c.pollUntilTerminal(ctx); err != nil {
				return err
			}
			return nil
		}
	}
}

func (c *Coordinator) pollUntilTerminal(ctx context.Context) error {
	for {
		status, err := c.be.GetJobStatus(ctx, c.jobID)
		if err != nil {
			return fmt.Errorf("coordinator: poll status: %w", err)
		}
		switch status.JobStatus {
		case backend.Complete, backend.Failed, backend.Deleted:
			return nil
		}
		if !sleepCtx(ctx, c.cfg.Coordinator.PollInterval) {
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

