// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/mobiletoly/go-overshare/internal/config"
	"github.com/mobiletoly/go-overshare/internal/server"
	"github.com/mobiletoly/go-overshare/internal/simulator"
)

func main() {
	var (
		scenarioFlag   = flag.String("scenario", "all", "Scenario to run ("+strings.Join(simulator.ScenarioNames(), ", ")+", all)")
		serverFlag     = flag.String("server", "", "Server URL (empty starts an in-process server)")
		outputFlag     = flag.String("output", "", "Output report file (JSON)")
		dataDirFlag    = flag.String("data-dir", "", "Directory for device databases (default: temporary)")
		timeoutFlag    = flag.Duration("timeout", 10*time.Second, "How long to wait for devices to converge")
		verboseFlag    = flag.Bool("verbose", false, "Enable verbose logging")
		preserveDBFlag = flag.Bool("preserve-db", false, "Preserve SQLite database files for manual inspection")
	)
	flag.Parse()

	logLevel := slog.LevelInfo
	if *verboseFlag {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	ctx := context.Background()
	serverURL := *serverFlag
	if serverURL == "" {
		cfg := config.Default()
		cfg.Auth.TokenSecret = "overshare-sim"
		cfg.Server.JoinRate = math.Inf(1)
		ts, err := server.NewTestServer(ctx, cfg)
		if err != nil {
			log.Fatalf("Failed to start in-process server: %v", err)
		}
		defer ts.Close()
		serverURL = ts.URL()
		logger.Info("Started in-process server", "url", serverURL)
	}

	sim, err := simulator.NewSimulator(simulator.Config{
		ServerURL:  serverURL,
		DataDir:    *dataDirFlag,
		PreserveDB: *preserveDBFlag,
		OutputFile: *outputFlag,
		Timeout:    *timeoutFlag,
		Logger:     logger,
	})
	if err != nil {
		log.Fatalf("Failed to create simulator: %v", err)
	}

	runErr := sim.RunScenario(ctx, *scenarioFlag)
	if err := sim.Close(); err != nil {
		logger.Warn("Failed to close simulator", "error", err)
	}
	if runErr != nil {
		log.Fatalf("Simulation failed: %v", runErr)
	}
	fmt.Println("Simulation completed successfully")
}
