// Copyright 2025 James Ross
package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/flyingrobots/ingest-engine/internal/backend"
	"github.com/flyingrobots/ingest-engine/internal/config"
	"github.com/flyingrobots/ingest-engine/internal/keycodec"
	"github.com/flyingrobots/ingest-engine/internal/objectstore"
	"github.com/flyingrobots/ingest-engine/internal/reader"
	"github.com/flyingrobots/ingest-engine/internal/workqueue"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type fakeJoiner struct {
	join backend.JoinResult
	err  error
	n    int
}

func (f *fakeJoiner) Join(ctx context.Context, jobID, workerID string) (backend.JoinResult, error) {
	f.n++
	return f.join, f.err
}

type capturingPathResolver struct{}

func (capturingPathResolver) Setup(map[string]interface{}) error { return nil }
func (capturingPathResolver) Resolve(_ context.Context, x, y, z, t int) (string, error) {
	return "tile.bin", nil
}

func newTestQueue(t *testing.T) (*redis.Client, *workqueue.RedisQueue) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := workqueue.NewRedisQueue(rdb, workqueue.Config{QueueKey: "ingest:job-1:upload", WorkerID: "worker-0"})
	return rdb, q
}

func newTestBucket(t *testing.T, handler http.HandlerFunc) *objectstore.Bucket {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b, err := objectstore.New(objectstore.Config{Bucket: "test-bucket", Region: "us-east-1", Endpoint: srv.URL},
		objectstore.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret"}, nil)
	require.NoError(t, err)
	return b
}

func testEngineConfig() config.Engine {
	return config.Engine{
		CredentialTimeout: time.Hour,
		MsgWaitIterations: 1,
		EmptyPollSleep:    10 * time.Millisecond,
		AccessDeniedLimit: 20,
		InvalidKeyLimit:   5,
		InvalidKeySleep:   time.Millisecond,
	}
}

func TestWorker_UploadTile_HappyPath(t *testing.T) {
	var uploadedKey, metaMsgID, metaReceipt, metaBlob string
	bucket := newTestBucket(t, func(w http.ResponseWriter, r *http.Request) {
		uploadedKey = r.URL.Path
		metaMsgID = r.Header.Get("X-Amz-Meta-Message_id")
		metaReceipt = r.Header.Get("X-Amz-Meta-Receipt_handle")
		metaBlob = r.Header.Get("X-Amz-Meta-Metadata")
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	})
	rdb, q := newTestQueue(t)
	defer rdb.Close()

	tileKey := keycodec.EncodeTileKey(keycodec.TileKey{Collection: 1, Experiment: 2, Channel: 3, Resolution: 0, X: 1, Y: 2, Z: 3, T: 0})
	body, err := json.Marshal(tileMessage{TileKey: tileKey, ChunkKey: "chunk-key"})
	require.NoError(t, err)
	require.NoError(t, workqueue.Enqueue(context.Background(), rdb, "ingest:job-1:upload", "msg-1", body))

	fj := &fakeJoiner{join: backend.JoinResult{
		UploadQueue: q,
		TileBucket:  bucket,
	}}

	w := New("worker-0", "job-1", TileMode, fj, testEngineConfig(), Plugins{
		PathResolver: capturingPathResolver{},
		TileReader:   fakeTileReader{payload: []byte("tile-bytes")},
	}, nil)
	require.NoError(t, w.Join(context.Background()))
	require.NoError(t, w.Run(context.Background()))

	require.Contains(t, uploadedKey, tileKey)
	require.Equal(t, "msg-1", metaMsgID)
	require.NotEmpty(t, metaReceipt, "tile metadata must carry the receipt handle for the indexer lambda")
	require.Contains(t, metaBlob, "chunk_key")
}

type fakeTileReader struct{ payload []byte }

func (r fakeTileReader) Setup(map[string]interface{}) error { return nil }
func (r fakeTileReader) ReadTile(_ context.Context, _ string, _, _, _, _ int) ([]byte, error) {
	return r.payload, nil
}

func TestWorker_ClassifyUploadError_AccessDeniedForcesRejoinAndAborts(t *testing.T) {
	w := New("worker-0", "job-1", TileMode, &fakeJoiner{}, config.Engine{AccessDeniedLimit: 2, InvalidKeyLimit: 5}, Plugins{}, nil)
	w.creds = backend.Credentials{CreatedAt: time.Now()}

	ok := w.classifyUploadError(&backend.ErrAccessDenied{Key: "k1"}, "k1")
	require.True(t, ok)
	require.True(t, w.creds.CreatedAt.Equal(backend.StaleCredentialTime), "access denied must force an immediate rejoin on next check")

	w.creds = backend.Credentials{CreatedAt: time.Now()}
	ok = w.classifyUploadError(&backend.ErrAccessDenied{Key: "k1"}, "k1")
	require.False(t, ok, "worker should abort once the access-denied limit is reached")
}

func TestWorker_ClassifyUploadError_InvalidKeySleepsAndContinues(t *testing.T) {
	w := New("worker-0", "job-1", TileMode, &fakeJoiner{}, config.Engine{AccessDeniedLimit: 20, InvalidKeyLimit: 20, InvalidKeySleep: time.Millisecond}, Plugins{}, nil)
	w.creds = backend.Credentials{CreatedAt: time.Now()}

	ok := w.classifyUploadError(&backend.ErrInvalidAccessKeyID{}, "k1")
	require.True(t, ok)
	require.False(t, w.creds.CreatedAt.Equal(backend.StaleCredentialTime), "a single invalid-key error should not force a rejoin")
}

func TestWorker_ClassifyUploadError_GenericErrorContinues(t *testing.T) {
	w := New("worker-0", "job-1", TileMode, &fakeJoiner{}, testEngineConfig(), Plugins{}, nil)
	require.True(t, w.classifyUploadError(context.DeadlineExceeded, "k1"))
}

func TestWorker_Run_ExitsAfterEmptyQueuePastWaitIterations(t *testing.T) {
	_, q := newTestQueue(t)
	fj := &fakeJoiner{join: backend.JoinResult{UploadQueue: q}}
	w := New("worker-0", "job-1", TileMode, fj, config.Engine{
		MsgWaitIterations: 1,
		EmptyPollSleep:    time.Millisecond,
		CredentialTimeout: time.Hour,
	}, Plugins{PathResolver: reader.PathResolver(capturingPathResolver{})}, nil)
	require.NoError(t, w.Join(context.Background()))
	require.NoError(t, w.Run(context.Background()))
}
