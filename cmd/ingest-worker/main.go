// Copyright 2025 James Ross
// Command ingest-worker runs a single worker task loop against an
// already-created job, independent of the coordinator process. It exists
// so an operator can scale workers across machines instead of running
// every worker as a goroutine inside one coordinator process: point N of
// these at the same job id and Redis-backed queue and they drain it
// cooperatively, each with its own credentials and heartbeat.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flyingrobots/ingest-engine/internal/backend"
	"github.com/flyingrobots/ingest-engine/internal/config"
	"github.com/flyingrobots/ingest-engine/internal/obs"
	"github.com/flyingrobots/ingest-engine/internal/reader"
	"github.com/flyingrobots/ingest-engine/internal/redisclient"
	"github.com/flyingrobots/ingest-engine/internal/tokenfile"
	"github.com/flyingrobots/ingest-engine/internal/worker"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath, apiToken, jobID, workerID, logFile, logLevel string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to the ingest configuration document (JSON/YAML)")
	fs.StringVar(&apiToken, "api-token", "", "API token; falls back to INTERN_TOKEN env var, then ~/.intern/intern.cfg")
	fs.StringVar(&jobID, "job-id", "", "Job id to join (required)")
	fs.StringVar(&workerID, "worker-id", "", "Worker identity; defaults to hostname-pid")
	fs.StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	fs.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	logger, err := obs.NewLogger(logLevel, logFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if jobID == "" {
		logger.Error("--job-id is required")
		os.Exit(1)
	}
	if configPath == "" {
		logger.Error("--config is required")
		os.Exit(1)
	}
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	token := apiToken
	if token == "" {
		token, err = tokenfile.Resolve()
		if err != nil {
			logger.Error("no API token available", obs.Err(err))
			os.Exit(1)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", obs.Err(err))
		os.Exit(1)
	}

	rdb := redisclient.New(cfg)
	defer rdb.Close()

	httpSrv := obs.StartHTTPServer(cfg, func(c context.Context) error { return rdb.Ping(c).Err() })
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	be := backend.New(backend.Options{
		Protocol: cfg.Client.Backend.Protocol,
		Host:     cfg.Client.Backend.Host,
		Token:    token,
		Redis:    rdb,
		Logger:   logger,
	})

	mode := worker.TileMode
	if cfg.IngestJob.IngestType == "volumetric" {
		mode = worker.VolumetricMode
	}
	plugins := buildPlugins(cfg, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(workerID, jobID, mode, be, cfg.Engine, plugins, logger)
	if err := w.Join(ctx); err != nil {
		logger.Error("worker failed initial join", obs.Err(err))
		os.Exit(1)
	}
	if err := w.Run(ctx); err != nil {
		logger.Error("worker exited with error", obs.Err(err))
		os.Exit(1)
	}
}

func buildPlugins(cfg *config.Config, logger *zap.Logger) worker.Plugins {
	ingestJobParams := map[string]interface{}{
		"ingest_type": cfg.IngestJob.IngestType,
		"resolution":  cfg.IngestJob.Resolution,
		"extent":      cfg.IngestJob.Extent,
		"tile_size":   cfg.IngestJob.TileSize,
		"chunk_size":  cfg.IngestJob.ChunkSize,
	}

	resolver, err := reader.LookupPathResolver(cfg.Client.PathProcessor.Class, mergeParams(cfg.Client.PathProcessor.Params, ingestJobParams))
	if err != nil {
		logger.Fatal("failed to build path resolver", obs.Err(err))
	}

	plugins := worker.Plugins{PathResolver: resolver}
	if cfg.IngestJob.IngestType == "volumetric" {
		cr, err := reader.LookupChunkReader(cfg.Client.ChunkProcessor.Class, mergeParams(cfg.Client.ChunkProcessor.Params, ingestJobParams))
		if err != nil {
			logger.Fatal("failed to build chunk reader", obs.Err(err))
		}
		plugins.ChunkReader = cr
	} else {
		tr, err := reader.LookupTileReader(cfg.Client.TileProcessor.Class, mergeParams(cfg.Client.TileProcessor.Params, ingestJobParams))
		if err != nil {
			logger.Fatal("failed to build tile reader", obs.Err(err))
		}
		plugins.TileReader = tr
	}
	return plugins
}

func mergeParams(params map[string]interface{}, ingestJob map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["ingest_job"] = ingestJob
	return out
}
