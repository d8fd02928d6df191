// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"sort"
	"sync"
)

// Bus is a synchronous fan-out of values to subscribers. The zero value is ready to use.
type Bus[T any] struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(T)
}

// Subscribe registers fn and returns a disposer that unregisters it. The disposer is idempotent.
func (b *Bus[T]) Subscribe(fn func(T)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs == nil {
		b.subs = make(map[int]func(T))
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

// Publish delivers v to every current subscriber in subscription order.
// Subscribers may subscribe or dispose from inside the callback.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	fns := make(map[int]func(T), len(ids))
	for _, id := range ids {
		fns[id] = b.subs[id]
	}
	b.mu.Unlock()

	sort.Ints(ids)
	for _, id := range ids {
		fns[id](v)
	}
}

// Len returns the number of subscribers
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
