// Copyright 2025 James Ross
// Package worker implements the per-goroutine task loop: credential
// refresh, task fetch, plugin invocation, upload, error classification,
// and retry bookkeeping. One Worker drives one independent task loop;
// a circuit breaker gates the hostile remote calls and every step logs
// through zap.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/flyingrobots/ingest-engine/internal/backend"
	"github.com/flyingrobots/ingest-engine/internal/breaker"
	"github.com/flyingrobots/ingest-engine/internal/config"
	"github.com/flyingrobots/ingest-engine/internal/cuboid"
	"github.com/flyingrobots/ingest-engine/internal/keycodec"
	"github.com/flyingrobots/ingest-engine/internal/obs"
	"github.com/flyingrobots/ingest-engine/internal/objectstore"
	"github.com/flyingrobots/ingest-engine/internal/reader"
	"github.com/flyingrobots/ingest-engine/internal/retry"
	"github.com/flyingrobots/ingest-engine/internal/workqueue"
	"go.uber.org/zap"
)

// tileMessage is the work-queue wire format for a tile-mode task.
type tileMessage struct {
	TileKey  string `json:"tile_key"`
	ChunkKey string `json:"chunk_key"`
}

// cuboidDescriptor is one entry of a volumetric task's cuboids array.
type cuboidDescriptor struct {
	X   int    `json:"x"`
	Y   int    `json:"y"`
	Z   int    `json:"z"`
	Key string `json:"key"`
}

// chunkMessage is the work-queue wire format for a volumetric-mode task.
type chunkMessage struct {
	ChunkKey string             `json:"chunk_key"`
	Cuboids  []cuboidDescriptor `json:"cuboids"`
}

// Plugins bundles the three configured reader plugins one worker uses. Only
// one of TileReader/ChunkReader is non-nil, matching the ingest mode.
type Plugins struct {
	PathResolver reader.PathResolver
	TileReader   reader.TileReader
	ChunkReader  reader.ChunkReader
}

// Mode names the ingest mode the config document selected.
type Mode int

const (
	TileMode Mode = iota
	VolumetricMode
)

// Joiner is the subset of backend.Client a worker needs to (re)join a job.
// Exists so tests can substitute a fake without standing up real HTTP.
type Joiner interface {
	Join(ctx context.Context, jobID, workerID string) (backend.JoinResult, error)
}

// Worker is one independent task-loop instance: its own credentials,
// work-queue handle, and bucket handles, with no mutable state shared
// across workers. Safe to run as a goroutine: many Workers share one
// process instead of one OS process per worker.
type Worker struct {
	id      string
	jobID   string
	mode    Mode
	backend Joiner
	cfg     config.Engine
	plugins Plugins
	cb      *breaker.CircuitBreaker
	log     *zap.Logger

	join backend.JoinResult

	creds             backend.Credentials
	accessDeniedCount int
	invalidKeyCount   int
}

// New builds a Worker. The caller must call Join before Run.
func New(id, jobID string, mode Mode, be Joiner, cfg config.Engine, plugins Plugins, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	return &Worker{
		id:      id,
		jobID:   jobID,
		mode:    mode,
		backend: be,
		cfg:     cfg,
		plugins: plugins,
		cb:      breaker.New(1*time.Minute, 30*time.Second, 0.5, 10),
		log:     log.With(zap.String("worker_id", id)),
	}
}

// Join calls backend.Join and records credential_create_time. Callers
// invoke this once before Run; Run calls it again whenever credentials
// go stale.
func (w *Worker) Join(ctx context.Context) error {
	jr, err := w.backend.Join(ctx, w.jobID, w.id)
	if err != nil {
		return fmt.Errorf("worker: join: %w", err)
	}
	w.join = jr
	w.creds = jr.Credentials
	if w.creds.CreatedAt.IsZero() {
		w.creds.CreatedAt = time.Now()
	}
	obs.CredentialRejoins.Inc()
	w.log.Info("joined job", obs.String("job_id", w.jobID), obs.String("status", jr.Status.String()))
	return nil
}

// UploadQueueKey returns the Redis key backing the current upload queue
// handle, or "" before the first Join. Lets the coordinator point a reaper
// at the same queue without duplicating join bookkeeping.
func (w *Worker) UploadQueueKey() string {
	if w.join.UploadQueue == nil {
		return ""
	}
	return w.join.UploadQueue.QueueKey()
}

func (w *Worker) credentialsTooOld() bool {
	return w.creds.Age() > w.cfg.CredentialTimeout
}

func (w *Worker) forceRejoinNextCheck() {
	w.creds = backend.Stale()
}

// Run executes the main loop until the queue empties msg_wait_iterations
// times in a row, ctx is cancelled (observed only at task boundaries), or
// a fatal error count is exceeded.
func (w *Worker) Run(ctx context.Context) error {
	waitCnt := 0
	getTaskFailures := 0

	for {
		select {
		case <-ctx.Done():
			w.log.Info("worker stopping: context cancelled")
			return nil
		default:
		}

		if w.credentialsTooOld() {
			w.log.Warn("credentials expiring soon, rejoining")
			if err := w.Join(ctx); err != nil {
				return err
			}
			w.accessDeniedCount = 0
			w.invalidKeyCount = 0
		}

		msgID, receipt, body, err := w.join.UploadQueue.GetTask(ctx, 1*time.Second)
		if err != nil {
			if errors.Is(err, workqueue.ErrEmpty) {
				obs.TasksEmptyPolls.Inc()
				if !sleepCtx(ctx, w.cfg.EmptyPollSleep) {
					return nil
				}
				waitCnt++
				if waitCnt >= w.cfg.MsgWaitIterations {
					w.log.Info("work queue empty past iteration limit, exiting")
					return nil
				}
				continue
			}
			getTaskFailures++
			if getTaskFailures > w.cfg.GetTaskRetryLimit {
				return fmt.Errorf("worker: get_task: %w", &backend.ErrCredentialsInvalid{Attempts: getTaskFailures})
			}
			w.log.Warn("get_task failed, retrying", obs.Err(err), obs.Int("attempt", getTaskFailures))
			if !sleepCtx(ctx, w.cfg.GetTaskRetrySleep) {
				return nil
			}
			continue
		}
		waitCnt = 0
		getTaskFailures = 0
		obs.TasksFetched.Inc()

		// The task runs under a context detached from ctx's cancellation, so
		// a stop signal takes effect at the next task boundary, never
		// mid-upload.
		taskCtx := context.WithoutCancel(ctx)
		var keepGoing bool
		switch w.mode {
		case TileMode:
			keepGoing = w.uploadTile(taskCtx, body, msgID, receipt)
		case VolumetricMode:
			keepGoing = w.uploadChunk(taskCtx, body, msgID, receipt)
		}
		if !keepGoing {
			w.log.Error("worker aborting task loop after fatal upload error count")
			return fmt.Errorf("worker: aborted after repeated upload failures")
		}
	}
}

// uploadTile decodes the tile key, resolves the source path, reads the
// tile, and uploads it with its message id, receipt handle, and job
// metadata attached. Tile-mode tasks are never explicitly deleted by the
// worker: the backend's object-created event handler deletes them once
// the upload lands.
func (w *Worker) uploadTile(ctx context.Context, body []byte, msgID, receiptHandle string) bool {
	var msg tileMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.log.Error("malformed tile task, skipping", obs.Err(err))
		return true
	}
	key, err := keycodec.DecodeTileKey(msg.TileKey)
	if err != nil {
		w.log.Error("malformed tile key, skipping", obs.Err(err), obs.String("tile_key", msg.TileKey))
		return true
	}

	locator, err := w.plugins.PathResolver.Resolve(ctx, key.X, key.Y, key.Z, key.T)
	if err != nil {
		if errors.Is(err, reader.ErrOutOfRange) {
			w.log.Warn("tile indices out of range, skipping", obs.Int("x", key.X), obs.Int("y", key.Y), obs.Int("z", key.Z))
			return true
		}
		w.log.Error("path resolver failed, skipping task", obs.Err(err))
		return true
	}

	payload, err := w.plugins.TileReader.ReadTile(ctx, locator, key.X, key.Y, key.Z, key.T)
	if err != nil {
		w.log.Error("tile reader failed, skipping task", obs.Err(err))
		return true
	}

	metadataBlob, err := json.Marshal(map[string]interface{}{
		"chunk_key":  msg.ChunkKey,
		"ingest_job": w.jobID,
		"parameters": w.join.Params,
		"x_size":     w.cfg.TileSizeX,
		"y_size":     w.cfg.TileSizeY,
	})
	if err != nil {
		w.log.Error("marshal tile metadata failed", obs.Err(err))
		return true
	}
	metadata := map[string]string{
		"message_id":     msgID,
		"receipt_handle": receiptHandle,
		"metadata":       string(metadataBlob),
	}

	if !w.cb.Allow() {
		w.log.Warn("circuit breaker open, waiting for cooldown before uploading tile")
		if !w.waitForBreaker(ctx) {
			w.log.Info("worker stopping: context cancelled while circuit breaker open")
			return true
		}
	}
	start := time.Now()
	err = w.join.TileBucket.Put(ctx, msg.TileKey, payload, metadata)
	w.recordBreaker(err == nil)
	obs.TileUploadDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return w.classifyUploadError(err, msg.TileKey)
	}
	obs.TilesUploaded.Inc()
	w.log.Info("tile uploaded", obs.String("tile_key", msg.TileKey), obs.Int("bytes", len(payload)))
	return true
}

// uploadChunk decodes the chunk key, resolves and reads the chunk,
// normalizes it to TZYX C-contiguous order, then carves/pads/compresses
// and uploads each cuboid in sequence. Only after every cuboid succeeds
// is the source task message deleted.
func (w *Worker) uploadChunk(ctx context.Context, body []byte, msgID, receiptHandle string) bool {
	var msg chunkMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		w.log.Error("malformed chunk task, skipping", obs.Err(err))
		return true
	}
	key, err := keycodec.DecodeChunkKey(msg.ChunkKey)
	if err != nil {
		w.log.Error("malformed chunk key, skipping", obs.Err(err), obs.String("chunk_key", msg.ChunkKey))
		return true
	}

	locator, err := w.plugins.PathResolver.Resolve(ctx, key.X, key.Y, key.Z, key.T)
	if err != nil {
		if errors.Is(err, reader.ErrOutOfRange) {
			w.log.Warn("chunk indices out of range, skipping")
			return true
		}
		w.log.Error("path resolver failed, skipping task", obs.Err(err))
		return true
	}

	arr, err := w.plugins.ChunkReader.ReadChunk(ctx, locator, key.X, key.Y, key.Z)
	if err != nil {
		w.log.Error("chunk reader failed, skipping task", obs.Err(err))
		return true
	}
	vol, err := cuboid.Normalize(arr.Data, cuboid.AxisOrder(arr.Order), arr.ShapeXYZ, arr.HasT, arr.ItemSize)
	if err != nil {
		w.log.Error("chunk normalization failed, skipping task", obs.Err(err))
		return true
	}

	start := time.Now()
	for _, desc := range msg.Cuboids {
		switch w.uploadCuboid(ctx, vol, desc, msg.ChunkKey) {
		case cuboidOK:
		case cuboidTaskFailed:
			// Leave the task message in the queue: it becomes visible again
			// after its visibility timeout and another worker redoes the whole
			// chunk. Remaining cuboids are not attempted.
			w.log.Warn("cuboid upload failed, leaving task for redelivery", obs.String("chunk_key", msg.ChunkKey))
			return true
		case cuboidAbort:
			return false
		}
	}
	obs.ChunkUploadDuration.Observe(time.Since(start).Seconds())

	if w.join.TileIndexQueue != nil {
		indexMsg, err := json.Marshal(map[string]interface{}{"chunk_key": msg.ChunkKey, "num_cuboids": len(msg.Cuboids)})
		if err != nil {
			w.log.Error("marshal tile-index message failed", obs.Err(err))
		} else if err := w.join.TileIndexQueue.PutTask(ctx, indexMsg); err != nil {
			w.log.Error("put_task to tile-index queue failed", obs.Err(err), obs.String("chunk_key", msg.ChunkKey))
		}
	}

	if err := w.deleteTask(ctx, receiptHandle); err != nil {
		w.log.Error("delete_task failed after successful chunk upload", obs.Err(err), obs.String("msg_id", msgID))
	}
	return true
}

// deleteTask deletes the source message with retry.QueueOps' backoff curve,
// since a delete lost to a transient queue error would cause the whole chunk
// to be redone by another worker for nothing.
func (w *Worker) deleteTask(ctx context.Context, receiptHandle string) error {
	for attempt := 1; ; attempt++ {
		err := w.join.UploadQueue.DeleteTask(ctx, receiptHandle)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || retry.QueueOps.Exhausted(attempt) {
			return err
		}
		w.log.Warn("delete_task failed, retrying", obs.Err(err), obs.Int("attempt", attempt))
		delay := retry.QueueOps.Delay(attempt)
		if delay < retry.QueueOps.Seed {
			delay = retry.QueueOps.Seed // floor of 2^4s between delete retries
		}
		if !sleepCtx(ctx, delay) {
			return err
		}
	}
}

// cuboidOutcome is the result of one cuboid upload attempt: uploaded, failed
// in a way that parks the whole task for redelivery, or failed hard enough
// that the worker must abort its loop.
type cuboidOutcome int

const (
	cuboidOK cuboidOutcome = iota
	cuboidTaskFailed
	cuboidAbort
)

func (w *Worker) uploadCuboid(ctx context.Context, vol cuboid.Volume, desc cuboidDescriptor, chunkKey string) cuboidOutcome {
	raw := cuboid.Carve(vol, desc.X, desc.Y, desc.Z)
	compressed, err := cuboid.Compress(raw, vol.ItemSize)
	if err != nil {
		w.log.Error("cuboid compression failed", obs.Err(err))
		return cuboidTaskFailed
	}

	metadataBlob, err := json.Marshal(map[string]interface{}{
		"ingest_job": w.jobID,
		"chunk_key":  chunkKey,
		"parameters": w.join.Params,
	})
	if err != nil {
		w.log.Error("marshal cuboid metadata failed", obs.Err(err))
		return cuboidTaskFailed
	}
	metadata := map[string]string{"metadata": string(metadataBlob)}

	if !w.cb.Allow() {
		w.log.Warn("circuit breaker open, waiting for cooldown before uploading cuboid")
		if !w.waitForBreaker(ctx) {
			w.log.Info("chunk upload interrupted while circuit breaker open, leaving task for redelivery")
			return cuboidTaskFailed
		}
	}
	err = w.join.VolumetricBucket.Put(ctx, desc.Key, compressed, metadata)
	w.recordBreaker(err == nil)
	if err != nil {
		if !w.classifyUploadError(err, desc.Key) {
			return cuboidAbort
		}
		return cuboidTaskFailed
	}
	obs.CuboidsUploaded.Inc()
	w.log.Info("cuboid uploaded", obs.String("key", desc.Key), obs.Int("bytes", len(compressed)))
	return cuboidOK
}

// classifyUploadError classifies an upload failure: an
// AccessDenied error increments a per-worker counter and forces a rejoin
// (escalating to abort after 20 consecutive occurrences); InvalidAccessKeyId
// sleeps 5s and forces a rejoin every 5th occurrence; anything else is
// logged and the worker continues (the message becomes visible again after
// its queue-side visibility timeout, so another worker retries). Returns
// false only when the worker should abort its loop entirely.
func (w *Worker) classifyUploadError(err error, key string) bool {
	var accessDenied *backend.ErrAccessDenied
	var invalidKey *backend.ErrInvalidAccessKeyID
	var code *objectstore.ErrCode
	isAccessDenied := errors.As(err, &accessDenied) || (errors.As(err, &code) && code.Code == "AccessDenied")
	isInvalidKey := errors.As(err, &invalidKey) || (errors.As(err, &code) && code.Code == "InvalidAccessKeyId")
	switch {
	case isAccessDenied:
		obs.AccessDeniedTotal.Inc()
		w.accessDeniedCount++
		w.log.Error("access denied uploading, forcing credential rejoin", obs.String("key", key), obs.Int("count", w.accessDeniedCount))
		w.forceRejoinNextCheck()
		if w.accessDeniedCount >= w.cfg.AccessDeniedLimit {
			w.log.Error("access denied limit reached, aborting worker", obs.Int("limit", w.cfg.AccessDeniedLimit))
			return false
		}
		return true
	case isInvalidKey:
		obs.InvalidAccessKeyTotal.Inc()
		w.invalidKeyCount++
		w.log.Error("invalid access key id uploading", obs.String("key", key), obs.Int("count", w.invalidKeyCount))
		time.Sleep(w.cfg.InvalidKeySleep)
		if w.invalidKeyCount%5 == 0 {
			w.forceRejoinNextCheck()
		}
		if w.invalidKeyCount >= w.cfg.InvalidKeyLimit {
			w.log.Error("invalid access key limit reached, aborting worker", obs.Int("limit", w.cfg.InvalidKeyLimit))
			return false
		}
		return true
	default:
		w.log.Error("upload failed, task will be retried via queue visibility", obs.Err(err), obs.String("key", key))
		return true
	}
}

// breakerPollInterval is how often waitForBreaker rechecks Allow() while
// the breaker is open, independent of the configured queue poll cadence.
const breakerPollInterval = 1 * time.Second

// waitForBreaker blocks until the circuit breaker allows another attempt,
// polling rather than spinning. It never fabricates a successful upload:
// callers only proceed to the real Put once this returns true. Returns
// false only if ctx is cancelled first, leaving the caller's task
// un-uploaded and un-deleted so it is retried once visible again.
func (w *Worker) waitForBreaker(ctx context.Context) bool {
	for !w.cb.Allow() {
		if !sleepCtx(ctx, breakerPollInterval) {
			return false
		}
	}
	return true
}

// recordBreaker feeds an upload outcome back into the circuit breaker and
// mirrors its resulting state onto the breaker gauges/trip counter.
func (w *Worker) recordBreaker(ok bool) {
	prev := w.cb.State()
	w.cb.Record(ok)
	cur := w.cb.State()
	obs.CircuitBreakerState.Set(float64(cur))
	if prev != breaker.Open && cur == breaker.Open {
		obs.CircuitBreakerTrips.Inc()
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
