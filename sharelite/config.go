// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package sharelite is the device side of a shared workspace: a SQLite-backed session store and
// mirror, an API client for the server of record, and reconciliation engines that merge channel
// broadcasts and history fetches into the mirror.
package sharelite

import (
	"log/slog"
	"time"
)

// Config holds the device client tunables
type Config struct {
	ReconcileInterval   time.Duration // 30s, periodic reconcile while foreground
	LockRefreshInterval time.Duration // 60s, edit lock keep-alive; must stay well below the server lock TTL
	TypingThrottle      time.Duration // 400ms between outbound typing broadcasts
	TypingExpiry        time.Duration // 3s before a silent peer stops typing
	DedupLimit          int           // 500 keys before the dedup window is cleared
	HistoryLimit        int           // 200 messages per history fetch
	PendingGrace        time.Duration // 2m before an unconfirmed message is marked failed
	HTTPTimeout         time.Duration // 30s
	Logger              *slog.Logger
}

// DefaultConfig returns the default client configuration
func DefaultConfig() *Config {
	return &Config{
		ReconcileInterval:   30 * time.Second,
		LockRefreshInterval: 60 * time.Second,
		TypingThrottle:      400 * time.Millisecond,
		TypingExpiry:        3 * time.Second,
		DedupLimit:          500,
		HistoryLimit:        200,
		PendingGrace:        2 * time.Minute,
		HTTPTimeout:         30 * time.Second,
	}
}

func (c *Config) logger() *slog.Logger {
	if c == nil || c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// withDefaults fills zero fields from DefaultConfig
func (c *Config) withDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.ReconcileInterval <= 0 {
		out.ReconcileInterval = d.ReconcileInterval
	}
	if out.LockRefreshInterval <= 0 {
		out.LockRefreshInterval = d.LockRefreshInterval
	}
	if out.TypingThrottle <= 0 {
		out.TypingThrottle = d.TypingThrottle
	}
	if out.TypingExpiry <= 0 {
		out.TypingExpiry = d.TypingExpiry
	}
	if out.DedupLimit <= 0 {
		out.DedupLimit = d.DedupLimit
	}
	if out.HistoryLimit <= 0 {
		out.HistoryLimit = d.HistoryLimit
	}
	if out.PendingGrace <= 0 {
		out.PendingGrace = d.PendingGrace
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = d.HTTPTimeout
	}
	return &out
}
