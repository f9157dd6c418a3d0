// Copyright 2025 James Ross
// Package backend implements C1, the stateless remote-API adapter: job
// lifecycle (create/join/cancel/complete/status) over HTTP, and work-queue
// and object-store handles minted from the credentials join() returns.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/flyingrobots/ingest-engine/internal/breaker"
	"github.com/flyingrobots/ingest-engine/internal/objectstore"
	"github.com/flyingrobots/ingest-engine/internal/retry"
	"github.com/flyingrobots/ingest-engine/internal/workqueue"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// controlPlaneRate caps the request rate this client issues against the
// remote control plane, independent of the retry backoff curve: even a
// worker fleet retrying in lockstep cannot exceed this token-bucket ceiling.
const controlPlaneRate = 20

// Client is C1: the control-plane HTTP adapter plus the data-plane handle
// factory. One Client is constructed per engine/coordinator process and
// reused across join/rejoin cycles.
type Client struct {
	httpClient *http.Client
	baseURL    string // {protocol}://{host}/latest/ingest/
	token      string
	rdb        *redis.Client
	breaker    *breaker.CircuitBreaker
	limiter    *rate.Limiter
	log        *zap.Logger
	s3Endpoint string // only set for local/test object-store doubles
}

// Options configures a Client.
type Options struct {
	Protocol   string
	Host       string
	Token      string
	Redis      *redis.Client
	Logger     *zap.Logger
	HTTPClient *http.Client
	S3Endpoint string
}

// New builds a Client for ongoing engine/coordinator use.
func New(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    fmt.Sprintf("%s://%s/latest/ingest/", opts.Protocol, opts.Host),
		token:      opts.Token,
		rdb:        opts.Redis,
		breaker:    breaker.New(1*time.Minute, 30*time.Second, 0.5, 20),
		limiter:    rate.NewLimiter(rate.Limit(controlPlaneRate), controlPlaneRate),
		log:        log,
		s3Endpoint: opts.S3Endpoint,
	}
}

// NewDefault builds the minimal production-default client the CLI's
// `--cancel` fast path uses when no configuration document is available:
// host api.theboss.io over https.
func NewDefault(token string, logger *zap.Logger) *Client {
	return New(Options{Protocol: "https", Host: "api.theboss.io", Token: token, Logger: logger})
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}) (*http.Response, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, nil, fmt.Errorf("backend: rate limit wait: %w", err)
	}
	if !c.breaker.Allow() {
		return nil, nil, fmt.Errorf("backend: circuit breaker open, refusing %s %s", method, path)
	}
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("backend: marshal request body: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("backend: build request: %w", err)
	}
	req.Header.Set("Authorization", "Token "+c.token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.Record(false)
		return nil, nil, fmt.Errorf("backend: request %s %s: %w", method, path, err)
	}
	c.breaker.Record(resp.StatusCode < http.StatusInternalServerError)
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, fmt.Errorf("backend: read response body: %w", err)
	}
	return resp, respBody, nil
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	default:
		return false
	}
}

// Create POSTs the configuration document and returns the new job id.
func (c *Client) Create(ctx context.Context, configDoc interface{}) (string, error) {
	resp, body, err := c.do(ctx, http.MethodPost, "", configDoc)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &ErrConfigRejected{Detail: detailFromBody(body)}
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", fmt.Errorf("backend: parse create response: %w", err)
	}
	return out.ID, nil
}

type joinResponse struct {
	JobStatus   int    `json:"job_status"`
	Credentials struct {
		AccessKeyID  string `json:"access_key"`
		SecretKey    string `json:"secret_key"`
		SessionToken string `json:"session_token"`
	} `json:"credentials"`
	UploadQueue      string                 `json:"upload_queue"`
	TileIndexQueue   string                 `json:"tile_index_queue"`
	TileBucket       string                 `json:"tile_bucket"`
	VolumetricBucket string                 `json:"volumetric_bucket"`
	Region           string                 `json:"region"`
	Params           map[string]interface{} `json:"params"`
	TileCount        int                    `json:"tile_count"`
}

// JoinResult bundles everything the worker engine needs after a successful
// join: the job's status plus ready-to-use work-queue and object-store
// handles built from the returned credentials.
type JoinResult struct {
	Status           Status
	Credentials      Credentials
	UploadQueue      *workqueue.RedisQueue
	TileIndexQueue   *workqueue.RedisQueue // nil in tile mode
	TileBucket       *objectstore.Bucket
	VolumetricBucket *objectstore.Bucket // nil in tile mode
	Params           map[string]interface{}
	TileCount        int
}

// Join polls job state every 5s while PREPARING, retrying 400/500/502/503
// with jittered exponential backoff (retry.Join), up to 1000 attempts. On
// success it mints fresh work-queue and object-store handles scoped to
// workerID.
func (c *Client) Join(ctx context.Context, jobID, workerID string) (JoinResult, error) {
	for attempt := 1; ; attempt++ {
		resp, body, err := c.do(ctx, http.MethodGet, jobID, nil)
		if err != nil {
			if retry.Join.Exhausted(attempt) {
				return JoinResult{}, &ErrJoinRetriesExhausted{Attempts: attempt}
			}
			if !sleep(ctx, retry.Join.Delay(attempt)) {
				return JoinResult{}, ctx.Err()
			}
			continue
		}
		if isRetryableStatus(resp.StatusCode) {
			if retry.Join.Exhausted(attempt) {
				return JoinResult{}, &ErrJoinRetriesExhausted{Attempts: attempt}
			}
			if !sleep(ctx, retry.Join.Delay(attempt)) {
				return JoinResult{}, ctx.Err()
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return JoinResult{}, fmt.Errorf("backend: join: unexpected status %d: %s", resp.StatusCode, detailFromBody(body))
		}

		var jr joinResponse
		if err := json.Unmarshal(body, &jr); err != nil {
			return JoinResult{}, fmt.Errorf("backend: parse join response: %w", err)
		}
		status := Status(jr.JobStatus)
		if status == Preparing {
			if !sleep(ctx, 5*time.Second) {
				return JoinResult{}, ctx.Err()
			}
			continue
		}
		return c.buildJoinResult(status, jr, workerID)
	}
}

func (c *Client) buildJoinResult(status Status, jr joinResponse, workerID string) (JoinResult, error) {
	creds := Credentials{
		AccessKeyID:  jr.Credentials.AccessKeyID,
		SecretKey:    jr.Credentials.SecretKey,
		SessionToken: jr.Credentials.SessionToken,
		CreatedAt:    time.Now(),
	}
	result := JoinResult{
		Status:      status,
		Credentials: creds,
		Params:      jr.Params,
		TileCount:   jr.TileCount,
	}
	if jr.UploadQueue != "" {
		result.UploadQueue = workqueue.NewRedisQueue(c.rdb, workqueue.Config{QueueKey: jr.UploadQueue, WorkerID: workerID})
	}
	if jr.TileIndexQueue != "" {
		result.TileIndexQueue = workqueue.NewRedisQueue(c.rdb, workqueue.Config{QueueKey: jr.TileIndexQueue, WorkerID: workerID})
	}
	osCreds := objectstore.Credentials{AccessKeyID: creds.AccessKeyID, SecretAccessKey: creds.SecretKey, SessionToken: creds.SessionToken}
	if jr.TileBucket != "" {
		bucket, err := objectstore.New(objectstore.Config{Bucket: jr.TileBucket, Region: jr.Region, Endpoint: c.s3Endpoint}, osCreds, c.log)
		if err != nil {
			return JoinResult{}, fmt.Errorf("backend: build tile bucket: %w", err)
		}
		result.TileBucket = bucket
	}
	if jr.VolumetricBucket != "" {
		bucket, err := objectstore.New(objectstore.Config{Bucket: jr.VolumetricBucket, Region: jr.Region, Endpoint: c.s3Endpoint}, osCreds, c.log)
		if err != nil {
			return JoinResult{}, fmt.Errorf("backend: build volumetric bucket: %w", err)
		}
		result.VolumetricBucket = bucket
	}
	return result, nil
}

// Cancel DELETEs the job; a non-204 response fails with ErrCancelFailed.
func (c *Client) Cancel(ctx context.Context, jobID string) error {
	resp, _, err := c.do(ctx, http.MethodDelete, jobID, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusNoContent {
		return &ErrCancelFailed{StatusCode: resp.StatusCode}
	}
	return nil
}

// Complete POSTs the completion request and classifies the response into
// one of Done, Wait, Polling.
func (c *Client) Complete(ctx context.Context, jobID string) (CompletionState, int, error) {
	resp, body, err := c.do(ctx, http.MethodPost, jobID+"/complete", nil)
	if err != nil {
		return Done, 0, err
	}
	switch resp.StatusCode {
	case http.StatusNoContent:
		return Done, 0, nil
	case http.StatusBadRequest:
		var out struct {
			WaitSecs int `json:"wait_secs"`
		}
		_ = json.Unmarshal(body, &out)
		return Wait, out.WaitSecs, nil
	case http.StatusAccepted:
		var out struct {
			JobStatus int `json:"job_status"`
			WaitSecs  int `json:"wait_secs"`
		}
		_ = json.Unmarshal(body, &out)
		if Status(out.JobStatus) == WaitOnQueues {
			return Wait, out.WaitSecs, nil
		}
		return Polling, 0, nil
	default:
		return Done, 0, fmt.Errorf("backend: complete: unexpected status %d: %s", resp.StatusCode, detailFromBody(body))
	}
}

// GetJobStatus GETs the job's status endpoint, retrying 400/500/502/503
// with retry.Status's backoff curve.
func (c *Client) GetJobStatus(ctx context.Context, jobID string) (JobStatusResult, error) {
	for attempt := 1; ; attempt++ {
		resp, body, err := c.do(ctx, http.MethodGet, jobID+"/status", nil)
		if err != nil || (resp != nil && isRetryableStatus(resp.StatusCode)) {
			if retry.Status.Exhausted(attempt) {
				return JobStatusResult{}, fmt.Errorf("backend: get_job_status: retries exhausted")
			}
			if !sleep(ctx, retry.Status.Delay(attempt)) {
				return JobStatusResult{}, ctx.Err()
			}
			continue
		}
		if resp.StatusCode != http.StatusOK {
			return JobStatusResult{}, fmt.Errorf("backend: get_job_status: unexpected status %d: %s", resp.StatusCode, detailFromBody(body))
		}
		var out struct {
			CurrentMessageCount int `json:"current_message_count"`
			TotalMessageCount   int `json:"total_message_count"`
			JobStatus           int `json:"job_status"`
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return JobStatusResult{}, fmt.Errorf("backend: parse status response: %w", err)
		}
		return JobStatusResult{CurrentMessageCount: out.CurrentMessageCount, TotalMessageCount: out.TotalMessageCount, JobStatus: Status(out.JobStatus)}, nil
	}
}

func detailFromBody(body []byte) string {
	var out struct {
		Detail  string `json:"detail"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &out); err == nil {
		if out.Detail != "" {
			return out.Detail
		}
		if out.Message != "" {
			return out.Message
		}
	}
	return string(body)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
