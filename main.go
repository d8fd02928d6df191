// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-overshare - Realtime Shared Workspaces")
	fmt.Println("=========================================")
	fmt.Println()
	fmt.Println("go-overshare keeps a small group's chat, tasks and documents in step across devices.")
	fmt.Println("The server is the source of truth; each device mirrors it in SQLite and merges")
	fmt.Println("channel broadcasts with history fetches, so replays and reconnects never duplicate rows.")
	fmt.Println()

	fmt.Println("Packages:")
	fmt.Println()
	fmt.Println("  overshare/   workspace service, HTTP handlers, channel hub, PostgreSQL and in-memory stores")
	fmt.Println("  sharelite/   device client: session store, mirror, reconciliation engines, edit locks")
	fmt.Println("  channel/     pub/sub transport with presence, over websocket or in memory")
	fmt.Println()

	fmt.Println("Commands:")
	fmt.Println()
	fmt.Println("1. Server (cmd/overshare-server/)")
	fmt.Println("   Configured from YAML, .env and OVERSHARE_* variables")
	fmt.Println("   Run: OVERSHARE_TOKEN_SECRET=dev go run ./cmd/overshare-server")
	fmt.Println()
	fmt.Println("2. Device simulator (cmd/overshare-sim/)")
	fmt.Println("   Drives several SQLite-backed devices through chat, task, edit-lock and kick scenarios")
	fmt.Println("   Run: go run ./cmd/overshare-sim -scenario all")
	fmt.Println()
}
