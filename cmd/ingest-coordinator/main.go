// Copyright 2025 James Ross
// Command ingest-coordinator is the CLI entrypoint: enough surface to load
// a configuration document, create or join an ingest job, and run the
// coordinator/worker pool to completion. Flag parsing, structured logging,
// signal-based graceful shutdown, and an /metrics + /healthz + /readyz HTTP
// server wire the engine together end to end.
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
	"github.com/flyingrobots/ingest-engine/internal/coordinator"
	"github.com/flyingrobots/ingest-engine/internal/obs"
	"github.com/flyingrobots/ingest-engine/internal/reader"
	"github.com/flyingrobots/ingest-engine/internal/redisclient"
	"github.com/flyingrobots/ingest-engine/internal/tokenfile"
	"github.com/flyingrobots/ingest-engine/internal/worker"
	"go.uber.org/zap"
)

var version = "dev"

func main() {
	var configPath, apiToken, jobID, logFile, logLevel string
	var processesNB int
	var cancel, force, manualComplete, showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "", "Path to the ingest configuration document (JSON/YAML)")
	fs.StringVar(&apiToken, "api-token", "", "API token; falls back to INTERN_TOKEN env var, then ~/.intern/intern.cfg")
	fs.StringVar(&jobID, "job-id", "", "Join (or cancel) an existing job id instead of creating one")
	fs.StringVar(&logFile, "log-file", "", "Write logs to this file instead of stderr")
	fs.StringVar(&logLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.IntVar(&processesNB, "processes-nb", 1, "Number of concurrent workers")
	fs.BoolVar(&cancel, "cancel", false, "Cancel job-id instead of running an ingest")
	fs.BoolVar(&force, "force", false, "Suppress confirmation prompts")
	fs.BoolVar(&manualComplete, "manual-complete", false, "Skip automatic job completion")
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

	token := apiToken
	if token == "" {
		token, err = tokenfile.Resolve()
		if err != nil {
			logger.Error("no API token available", obs.Err(err))
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cancel {
		if jobID == "" {
			logger.Error("--cancel requires --job-id")
			os.Exit(1)
		}
		be := backend.NewDefault(token, logger)
		if err := be.Cancel(ctx, jobID); err != nil {
			logger.Error("cancel failed", obs.Err(err))
			os.Exit(1)
		}
		fmt.Printf("job %s cancelled\n", jobID)
		return
	}

	if configPath == "" {
		logger.Error("config_file is required unless --cancel is given")
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("failed to load config", obs.Err(err))
		os.Exit(1)
	}
	cfg.Coordinator.ProcessesNB = processesNB
	cfg.Coordinator.ManualComplete = manualComplete || cfg.Coordinator.ManualComplete

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

	pluginsFactory := func() worker.Plugins {
		return buildPlugins(cfg, logger)
	}

	coord := coordinator.New(be, cfg, pluginsFactory, logger).WithReaper(rdb)

	if jobID != "" {
		coord.JoinJob(jobID)
	} else {
		units, desc := coordinator.EstimateJob(cfg)
		fmt.Printf("Estimated ingest size: %s (%d units)\n", desc, units)
		if !force {
			fmt.Print("Proceed with job creation? [y/N] ")
			var answer string
			fmt.Scanln(&answer)
			if answer != "y" && answer != "Y" {
				fmt.Println("aborted")
				return
			}
		}
		configDoc := map[string]interface{}{
			"schema":     cfg.Schema,
			"client":     cfg.Client,
			"ingest_job": cfg.IngestJob,
		}
		newID, err := coord.CreateJob(ctx, configDoc)
		if err != nil {
			logger.Error("create job failed", obs.Err(err))
			os.Exit(1)
		}
		fmt.Printf("created ingest job %s\n", newID)
	}

	if err := coord.Run(ctx); err != nil {
		logger.Error("coordinator exited with error", obs.Err(err))
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
