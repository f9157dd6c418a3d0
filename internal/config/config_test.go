// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	os.Unsetenv("INGEST_ENGINE_MSG_WAIT_ITERATIONS")
	cfg, err := Load("nonexistent.yaml")
	if err == nil {
		t.Fatal("expected validation error: defaultConfig has no ingest_type set")
	}
	_ = cfg
}

func TestValidate_RequiresIngestType(t *testing.T) {
	cfg := defaultConfig()
	cfg.Client.PathProcessor.Class = "TestPathProcessor"
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for missing ingest_job.ingest_type")
	}
	cfg.IngestJob.IngestType = "tile"
	cfg.IngestJob.TileSize = map[string]int{"x": 512, "y": 512, "z": 1, "t": 1}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_ChunkSizeMustBeMultipleOfNativeCuboid(t *testing.T) {
	cfg := defaultConfig()
	cfg.Client.PathProcessor.Class = "TestPathProcessor"
	cfg.IngestJob.IngestType = "volumetric"
	cfg.IngestJob.ChunkSize = map[string]int{"x": 500, "y": 512, "z": 16}
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for chunk_size.x not a multiple of 512")
	}
	cfg.IngestJob.ChunkSize = map[string]int{"x": 1024, "y": 512, "z": 32}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_MsgWaitIterationsMustBePositive(t *testing.T) {
	cfg := defaultConfig()
	cfg.Client.PathProcessor.Class = "TestPathProcessor"
	cfg.IngestJob.IngestType = "tile"
	cfg.IngestJob.TileSize = map[string]int{"x": 512, "y": 512}
	cfg.Engine.MsgWaitIterations = 0
	if err := Validate(cfg); err == nil {
		t.Fatal("expected error for msg_wait_iterations < 1")
	}
}

func TestDefaultConfig_MatchesSpecConstants(t *testing.T) {
	cfg := defaultConfig()
	if cfg.Engine.CredentialTimeout.Seconds() != 3300 {
		t.Fatalf("expected 3300s credential timeout, got %v", cfg.Engine.CredentialTimeout)
	}
	if cfg.Engine.MsgWaitIterations != 20 {
		t.Fatalf("expected msg_wait_iterations default 20, got %d", cfg.Engine.MsgWaitIterations)
	}
	if cfg.Coordinator.RateWindowSize != 6 {
		t.Fatalf("expected rate window size 6, got %d", cfg.Coordinator.RateWindowSize)
	}
}
