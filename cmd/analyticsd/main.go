// Agora Analytics - Community Voting Analytics Pipeline
// Copyright 2026 Agora Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/agorahq/agora-analytics

// Package main is the entry point for the analytics pipeline daemon.
//
// The daemon wires the pipeline components together in dependency order:
//
//  1. Configuration: environment variables (AGORA_*) layered over an
//     optional config.yaml and built-in defaults (Koanf v2)
//  2. Logging: global zerolog logger
//  3. Durable store: DuckDB with the analytics schema migrated at startup
//  4. Cache: resilient Redis connection with bounded-backoff connect;
//     the pipeline runs degraded if the cache is unreachable
//  5. Notification bus: in-process Watermill Pub/Sub
//  6. Streaming processor, batch scheduler, warehouse ETL engine
//  7. Aggregation coordinator: worker supervisor + bus subscriptions
//
// Events enter the pipeline through the coordinator's ProcessEvent,
// called by the application embedding or fronting this daemon.
//
// Shutdown on SIGINT/SIGTERM tears the components down in reverse
// order: coordinator (and its workers), scheduler, bus, cache, store.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/agorahq/agora-analytics/internal/aggregation"
	"github.com/agorahq/agora-analytics/internal/batch"
	"github.com/agorahq/agora-analytics/internal/bus"
	"github.com/agorahq/agora-analytics/internal/cache"
	"github.com/agorahq/agora-analytics/internal/config"
	"github.com/agorahq/agora-analytics/internal/logging"
	"github.com/agorahq/agora-analytics/internal/store"
	"github.com/agorahq/agora-analytics/internal/streaming"
	"github.com/agorahq/agora-analytics/internal/warehouse"
	"github.com/agorahq/agora-analytics/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	})
	logging.Info().
		Str("db_path", cfg.Database.Path).
		Str("cache_addr", cfg.Cache.Addr).
		Msg("Starting analytics pipeline")

	st, err := store.Open(cfg.Database)
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to open durable store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing store")
		}
	}()
	logging.Info().Msg("Durable store ready")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The cache is optional at startup: every consumer checks
	// IsConnected before touching it, so an exhausted connect leaves
	// the pipeline running on the durable store alone.
	conn := cache.NewConnection(cache.Config{
		Addr:                cfg.Cache.Addr,
		Password:            cfg.Cache.Password,
		DB:                  cfg.Cache.DB,
		MaxAttempts:         cfg.Cache.MaxAttempts,
		BaseDelay:           cfg.Cache.BaseDelay,
		HealthCheckInterval: cfg.Cache.HealthCheckInterval,
	})
	if err := conn.Connect(ctx); err != nil {
		logging.Error().Err(err).Msg("Cache unavailable, running degraded")
	}
	defer func() {
		if err := conn.Disconnect(); err != nil {
			logging.Error().Err(err).Msg("Error disconnecting cache")
		}
	}()

	notifications := bus.New()
	defer func() {
		if err := notifications.Close(); err != nil {
			logging.Error().Err(err).Msg("Error closing bus")
		}
	}()

	processor := streaming.New(st, conn, notifications)
	engine := warehouse.New(st)

	scheduler := batch.New(cfg.Scheduler, st, conn, notifications, nil)
	if err := scheduler.Initialize(); err != nil {
		logging.Fatal().Err(err).Msg("Failed to register batch jobs")
	}
	scheduler.Start()
	defer scheduler.Stop()
	logging.Info().Msg("Batch scheduler started")

	supervisor := worker.NewSupervisor(cfg.Worker)
	coordinator := aggregation.New(processor, scheduler, engine, conn, st, notifications, supervisor)
	if err := coordinator.Initialize(ctx); err != nil {
		logging.Fatal().Err(err).Msg("Failed to initialize aggregation coordinator")
	}
	defer func() {
		if err := coordinator.Shutdown(); err != nil {
			logging.Error().Err(err).Msg("Error shutting down coordinator")
		}
	}()

	logging.Info().Msg("Analytics pipeline running")
	<-ctx.Done()
	logging.Info().Msg("Shutdown signal received")
}
