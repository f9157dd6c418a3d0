// Copyright 2025 James Ross
package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestClient points a Client at an httptest control plane and a miniredis
// data plane.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	host := strings.TrimPrefix(srv.URL, "http://")
	return New(Options{Protocol: "http", Host: host, Token: "test-token", Redis: rdb})
}

func TestCreate_ReturnsJobID(t *testing.T) {
	var gotAuth, gotAccept string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/latest/ingest/", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "42"})
	}))

	id, err := c.Create(context.Background(), map[string]interface{}{"schema": "x"})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, "Token test-token", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
}

func TestCreate_NonSuccessFailsWithConfigRejected(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "schema unknown"})
	}))

	_, err := c.Create(context.Background(), map[string]interface{}{})
	var rejected *ErrConfigRejected
	require.ErrorAs(t, err, &rejected)
	assert.Contains(t, rejected.Detail, "schema unknown")
}

func TestJoin_BuildsQueueAndBucketHandles(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/latest/ingest/42", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"job_status": int(Uploading),
			"credentials": map[string]string{
				"access_key": "AK", "secret_key": "SK", "session_token": "ST",
			},
			"upload_queue":      "ingest:42:upload",
			"tile_index_queue":  "ingest:42:tile-index",
			"tile_bucket":       "tile-bucket",
			"volumetric_bucket": "cuboid-bucket",
			"region":            "us-east-1",
			"params":            map[string]interface{}{"KVIO_SETTINGS": "x"},
			"tile_count":        128,
		})
	}))

	jr, err := c.Join(context.Background(), "42", "worker-0")
	require.NoError(t, err)
	assert.Equal(t, Uploading, jr.Status)
	assert.Equal(t, "AK", jr.Credentials.AccessKeyID)
	assert.False(t, jr.Credentials.CreatedAt.IsZero())
	require.NotNil(t, jr.UploadQueue)
	assert.Equal(t, "ingest:42:upload", jr.UploadQueue.QueueKey())
	require.NotNil(t, jr.TileIndexQueue)
	require.NotNil(t, jr.TileBucket)
	require.NotNil(t, jr.VolumetricBucket)
	assert.Equal(t, 128, jr.TileCount)
}

func TestJoin_RejoinYieldsSameQueueAndBucketIdentifiers(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"job_status":   int(Uploading),
			"upload_queue": "ingest:42:upload",
			"region":       "us-east-1",
		})
	}))

	first, err := c.Join(context.Background(), "42", "worker-0")
	require.NoError(t, err)
	second, err := c.Join(context.Background(), "42", "worker-0")
	require.NoError(t, err)
	assert.Equal(t, first.UploadQueue.QueueKey(), second.UploadQueue.QueueKey())
}

func TestJoin_NonRetryableStatusFailsImmediately(t *testing.T) {
	calls := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))

	_, err := c.Join(context.Background(), "42", "worker-0")
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestCancel_MapsNon204ToCancelFailed(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		w.WriteHeader(http.StatusConflict)
	}))

	err := c.Cancel(context.Background(), "42")
	var failed *ErrCancelFailed
	require.ErrorAs(t, err, &failed)
	assert.Equal(t, http.StatusConflict, failed.StatusCode)
}

func TestCancel_204Succeeds(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	require.NoError(t, c.Cancel(context.Background(), "42"))
}

func TestComplete_ResponseClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      map[string]interface{}
		wantState CompletionState
		wantWait  int
	}{
		{"204 is done", http.StatusNoContent, nil, Done, 0},
		{"202 wait_on_queues is wait", http.StatusAccepted,
			map[string]interface{}{"job_status": int(WaitOnQueues), "wait_secs": 30}, Wait, 30},
		{"202 completing is polling", http.StatusAccepted,
			map[string]interface{}{"job_status": int(Completing)}, Polling, 0},
		{"400 with wait_secs is wait", http.StatusBadRequest,
			map[string]interface{}{"wait_secs": 10}, Wait, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/latest/ingest/42/complete", r.URL.Path)
				w.WriteHeader(tc.status)
				if tc.body != nil {
					_ = json.NewEncoder(w).Encode(tc.body)
				}
			}))
			state, wait, err := c.Complete(context.Background(), "42")
			require.NoError(t, err)
			assert.Equal(t, tc.wantState, state)
			assert.Equal(t, tc.wantWait, wait)
		})
	}
}

func TestGetJobStatus_ParsesCounts(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/latest/ingest/42/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]int{
			"current_message_count": 5,
			"total_message_count":   100,
			"job_status":            int(Uploading),
		})
	}))

	got, err := c.GetJobStatus(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, 5, got.CurrentMessageCount)
	assert.Equal(t, 100, got.TotalMessageCount)
	assert.Equal(t, Uploading, got.JobStatus)
}
