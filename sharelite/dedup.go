// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import "sync"

// DedupWindow remembers recently applied event keys. It is cleared wholesale once it grows
// past its limit; upserts stay idempotent by primary key so forgetting a key is harmless.
type DedupWindow struct {
	mu    sync.Mutex
	limit int
	keys  map[string]struct{}
}

// NewDedupWindow creates a window holding at most limit keys
func NewDedupWindow(limit int) *DedupWindow {
	if limit <= 0 {
		limit = DefaultConfig().DedupLimit
	}
	return &DedupWindow{limit: limit, keys: make(map[string]struct{})}
}

// Seen reports whether key was added since the last clear
func (w *DedupWindow) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.keys[key]
	return ok
}

// Add records key, clearing the window first when it is full
func (w *DedupWindow) Add(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.keys) >= w.limit {
		w.keys = make(map[string]struct{})
	}
	w.keys[key] = struct{}{}
}

// Len returns the number of remembered keys
func (w *DedupWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.keys)
}

// Clear forgets every key
func (w *DedupWindow) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.keys = make(map[string]struct{})
}
