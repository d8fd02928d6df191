// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package simulator drives several simulated devices against a workspace server and checks
// that their mirrors converge.
package simulator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/mobiletoly/go-overshare/sharelite"
)

// Config drives a simulation run
type Config struct {
	ServerURL  string
	DataDir    string // SQLite files go here; a temporary directory when empty
	PreserveDB bool   // keep the SQLite files after the run
	OutputFile string // JSON report path, optional
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Simulator owns the devices of one run
type Simulator struct {
	config   Config
	logger   *slog.Logger
	reporter *Reporter
	dataDir  string
	tempDir  bool

	mu      sync.Mutex
	devices []*Device
}

// Device is one simulated phone: a client over its own SQLite file
type Device struct {
	Name   string
	Client *sharelite.Client
	db     *sql.DB
	path   string

	mu      sync.Mutex
	notices []sharelite.Notice
}

// NewSimulator prepares a run against config.ServerURL
func NewSimulator(config Config) (*Simulator, error) {
	if config.ServerURL == "" {
		return nil, errors.New("server url is required")
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	s := &Simulator{config: config, logger: config.Logger, dataDir: config.DataDir}
	if s.dataDir == "" {
		dir, err := os.MkdirTemp("", "overshare-sim-")
		if err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		s.dataDir, s.tempDir = dir, true
	}
	s.reporter = NewReporter(config.OutputFile, config.Logger)
	return s, nil
}

// NewDevice opens a fresh device database and client
func (s *Simulator) NewDevice(ctx context.Context, name string) (*Device, error) {
	s.mu.Lock()
	path := filepath.Join(s.dataDir, fmt.Sprintf("%02d-%s.db", len(s.devices), name))
	s.mu.Unlock()

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open device database: %w", err)
	}
	db.SetMaxOpenConns(1)
	client, err := sharelite.NewClient(ctx, db, s.config.ServerURL, nil, &sharelite.Config{
		Logger: s.logger.With("device", name),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	d := &Device{Name: name, Client: client, db: db, path: path}
	client.Notices.Subscribe(func(n sharelite.Notice) {
		d.mu.Lock()
		d.notices = append(d.notices, n)
		d.mu.Unlock()
	})

	s.mu.Lock()
	s.devices = append(s.devices, d)
	s.mu.Unlock()
	s.logger.Debug("Device created", "device", name, "db", path)
	return d, nil
}

// Notices returns the session notices the device has received
func (d *Device) Notices() []sharelite.Notice {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sharelite.Notice(nil), d.notices...)
}

func (d *Device) close() error {
	d.Client.Close()
	return d.db.Close()
}

// closeDevices closes every device opened since the last call
func (s *Simulator) closeDevices() {
	s.mu.Lock()
	devices := s.devices
	s.devices = nil
	s.mu.Unlock()
	for _, d := range devices {
		if err := d.close(); err != nil {
			s.logger.Warn("Failed to close device", "device", d.Name, "error", err)
		}
	}
}

// WaitFor polls cond until it holds or the configured timeout passes
func (s *Simulator) WaitFor(ctx context.Context, what string, cond func() bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Timeout)
	defer cancel()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("timed out waiting for %s", what)
		case <-ticker.C:
		}
	}
}

// RunScenario runs one scenario by name, or every scenario for "all"
func (s *Simulator) RunScenario(ctx context.Context, name string) error {
	if name == "all" {
		for _, n := range ScenarioNames() {
			if err := s.RunScenario(ctx, n); err != nil {
				return err
			}
		}
		return nil
	}
	scenario := GetScenario(name)
	if scenario == nil {
		return fmt.Errorf("unknown scenario %q (available: %v)", name, ScenarioNames())
	}

	report := s.reporter.StartScenario(scenario.Name(), scenario.Description())
	s.logger.Info("Running scenario", "scenario", scenario.Name())
	err := scenario.Run(ctx, s)
	s.closeDevices()
	s.reporter.FinishScenario(report, err)
	if err != nil {
		return fmt.Errorf("scenario %s failed: %w", scenario.Name(), err)
	}
	s.logger.Info("Scenario passed", "scenario", scenario.Name(), "duration", report.Duration)
	return nil
}

// Close writes the report and removes temporary device files unless asked to keep them
func (s *Simulator) Close() error {
	s.closeDevices()
	err := s.reporter.Close()
	if s.tempDir && !s.config.PreserveDB {
		if rmErr := os.RemoveAll(s.dataDir); rmErr != nil {
			err = errors.Join(err, rmErr)
		}
	} else {
		s.logger.Info("Device databases preserved", "dir", s.dataDir)
	}
	return err
}
