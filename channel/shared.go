// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"sync"

	"github.com/mobiletoly/go-overshare/overshare"
)

// SharedTransport multiplexes several subscribers of one topic over a single underlying
// channel. The first Join opens the channel and the last Leave closes it.
type SharedTransport struct {
	inner Transport

	mu     sync.Mutex
	topics map[string]*sharedTopic
}

// NewSharedTransport wraps inner
func NewSharedTransport(inner Transport) *SharedTransport {
	return &SharedTransport{inner: inner, topics: make(map[string]*sharedTopic)}
}

type sharedTopic struct {
	owner *SharedTransport
	topic string

	mu       sync.Mutex
	ch       Channel
	status   Status
	statErr  error
	nextID   int
	handlers map[int]Handlers
}

type sharedHandle struct {
	t  *sharedTopic
	id int

	once sync.Once
}

// Join attaches h to the shared channel for topic, opening it if needed.
// Late attachers immediately observe the current status and presence snapshot.
func (s *SharedTransport) Join(ctx context.Context, topic string, self overshare.Presence, h Handlers) (Channel, error) {
	s.mu.Lock()
	st, ok := s.topics[topic]
	if !ok {
		st = &sharedTopic{owner: s, topic: topic, handlers: make(map[int]Handlers)}
		s.topics[topic] = st
	}
	s.mu.Unlock()

	st.mu.Lock()
	id := st.nextID
	st.nextID++
	st.handlers[id] = h
	ch := st.ch
	status, statErr := st.status, st.statErr
	st.mu.Unlock()

	if ch != nil {
		h.status(status, statErr)
		h.presence(PresenceDiff{Full: true, State: ch.Presence()})
		return &sharedHandle{t: st, id: id}, nil
	}

	inner, err := s.inner.Join(ctx, topic, self, Handlers{
		OnEvent:    st.fanEvent,
		OnPresence: st.fanPresence,
		OnStatus:   st.fanStatus,
	})
	if err != nil {
		st.detach(id)
		return nil, err
	}

	st.mu.Lock()
	if st.ch == nil {
		st.ch = inner
		inner = nil
	}
	st.mu.Unlock()
	if inner != nil {
		// Lost a race with a concurrent first Join
		_ = inner.Leave()
	}
	return &sharedHandle{t: st, id: id}, nil
}

func (st *sharedTopic) snapshot() []Handlers {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make([]Handlers, 0, len(st.handlers))
	for _, h := range st.handlers {
		out = append(out, h)
	}
	return out
}

func (st *sharedTopic) fanEvent(ev Event) {
	for _, h := range st.snapshot() {
		h.event(ev)
	}
}

func (st *sharedTopic) fanPresence(d PresenceDiff) {
	for _, h := range st.snapshot() {
		h.presence(d)
	}
}

func (st *sharedTopic) fanStatus(s Status, err error) {
	st.mu.Lock()
	st.status, st.statErr = s, err
	if s == StatusClosed || s == StatusError {
		// The underlying channel is gone; the next Join reopens it
		st.ch = nil
	}
	st.mu.Unlock()
	for _, h := range st.snapshot() {
		h.status(s, err)
	}
}

// detach removes a subscriber and returns the channel to close if it was the last one
func (st *sharedTopic) detach(id int) Channel {
	st.mu.Lock()
	delete(st.handlers, id)
	empty := len(st.handlers) == 0
	var ch Channel
	if empty {
		ch = st.ch
		st.ch = nil
	}
	st.mu.Unlock()

	if empty {
		st.owner.mu.Lock()
		if st.owner.topics[st.topic] == st {
			delete(st.owner.topics, st.topic)
		}
		st.owner.mu.Unlock()
	}
	return ch
}

func (h *sharedHandle) Topic() string { return h.t.topic }

func (h *sharedHandle) current() Channel {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	if _, ok := h.t.handlers[h.id]; !ok {
		return nil
	}
	return h.t.ch
}

func (h *sharedHandle) Publish(ctx context.Context, ev Event) error {
	ch := h.current()
	if ch == nil {
		return ErrChannelClosed
	}
	return ch.Publish(ctx, ev)
}

func (h *sharedHandle) Presence() []overshare.Presence {
	ch := h.current()
	if ch == nil {
		return nil
	}
	return ch.Presence()
}

func (h *sharedHandle) Leave() error {
	var err error
	h.once.Do(func() {
		h.t.mu.Lock()
		hd, ok := h.t.handlers[h.id]
		h.t.mu.Unlock()
		if ch := h.t.detach(h.id); ch != nil {
			err = ch.Leave()
		}
		if ok {
			hd.status(StatusClosed, nil)
		}
	})
	return err
}
