// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package server assembles the workspace service, channel hub and HTTP routes from a config.
// It is shared by the server binary and by tests that need a complete server.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mobiletoly/go-overshare/internal/config"
	"github.com/mobiletoly/go-overshare/overshare"
)

// Components holds the initialized server components
type Components struct {
	Pool    *pgxpool.Pool // nil for the memory store
	Service *overshare.Service
	Hub     *overshare.Hub
	Metrics *overshare.Metrics
	Handler http.Handler
	Logger  *slog.Logger
}

// TestServer is a running server on a local listener
type TestServer struct {
	*Components
	HTTPServer *httptest.Server
}

// Setup initializes the store, service, hub and routes
func Setup(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Components, error) {
	if logger == nil {
		logger = cfg.Logger()
	}

	c := &Components{Logger: logger}
	store, err := c.openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	c.Service, err = overshare.NewService(store, cfg.ServiceConfig(), logger)
	if err != nil {
		c.Close()
		return nil, err
	}
	if cfg.Server.Metrics {
		c.Metrics = overshare.NewMetrics()
	}
	c.Hub = overshare.NewHub(c.Service, c.Metrics, logger)
	c.Service.SetBroadcaster(c.Hub)
	c.Handler = overshare.NewHTTPHandlers(c.Service, c.Hub, c.Metrics, cfg.HandlerOptions(), logger).Router()
	return c, nil
}

func (c *Components) openStore(ctx context.Context, sc config.StoreConfig) (overshare.Store, error) {
	if sc.Driver != config.StorePostgres {
		c.Logger.Warn("Using in-memory store, data is lost on restart")
		return overshare.NewMemoryStore(), nil
	}

	poolConfig, err := pgxpool.ParseConfig(sc.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid database url: %w", err)
	}
	if sc.MaxConns > 0 {
		poolConfig.MaxConns = sc.MaxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	c.Pool = pool

	store, err := overshare.NewPGStore(ctx, pool, c.Logger)
	if err != nil {
		pool.Close()
		c.Pool = nil
		return nil, err
	}
	return store, nil
}

// Close releases the database pool
func (c *Components) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}

// NewTestServer starts a server from cfg on a local listener
func NewTestServer(ctx context.Context, cfg config.Config) (*TestServer, error) {
	components, err := Setup(ctx, cfg, slog.Default())
	if err != nil {
		return nil, err
	}
	return &TestServer{Components: components, HTTPServer: httptest.NewServer(components.Handler)}, nil
}

// URL returns the base URL of the test server
func (ts *TestServer) URL() string {
	return ts.HTTPServer.URL
}

// Close shuts down the listener and the components
func (ts *TestServer) Close() {
	ts.HTTPServer.Close()
	ts.Components.Close()
}
