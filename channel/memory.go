// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mobiletoly/go-overshare/overshare"
)

// ErrChannelClosed is returned when publishing on a channel that has left or dropped
var ErrChannelClosed = errors.New("channel closed")

// MemoryHub is an in-process Transport. Frames go through the same JSON encoding as the
// websocket transport and are delivered synchronously on the publisher's goroutine.
// Tests can inject raw frames, drop connections and replay events.
type MemoryHub struct {
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	topics map[string][]*memoryChannel
	denied map[string]error
}

// NewMemoryHub creates an empty hub
func NewMemoryHub(logger *slog.Logger) *MemoryHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryHub{
		logger: logger,
		now:    time.Now,
		topics: make(map[string][]*memoryChannel),
		denied: make(map[string]error),
	}
}

type memoryChannel struct {
	hub      *MemoryHub
	topic    string
	self     overshare.Presence
	handlers Handlers

	mu       sync.Mutex
	presence presenceSet
	closed   bool
}

// Deny makes subsequent joins on topic fail with err, simulating a rejected channel key
func (h *MemoryHub) Deny(topic string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.denied[topic] = err
}

// Join implements Transport
func (h *MemoryHub) Join(_ context.Context, topic string, self overshare.Presence, handlers Handlers) (Channel, error) {
	handlers.status(StatusConnecting, nil)

	h.mu.Lock()
	if err := h.denied[topic]; err != nil {
		h.mu.Unlock()
		handlers.status(StatusError, err)
		return nil, err
	}
	if self.OnlineAt.IsZero() {
		self.OnlineAt = h.now().UTC()
	}
	c := &memoryChannel{hub: h, topic: topic, self: self, handlers: handlers, presence: presenceSet{}}
	peers := append([]*memoryChannel(nil), h.topics[topic]...)
	h.topics[topic] = append(h.topics[topic], c)
	h.mu.Unlock()

	state := []overshare.Presence{self}
	for _, p := range peers {
		state = append(state, p.self)
	}
	handlers.status(StatusConnected, nil)
	c.deliverPresence(PresenceDiff{Full: true, State: state})
	for _, p := range peers {
		p.deliverPresence(PresenceDiff{Joins: []overshare.Presence{self}})
	}
	return c, nil
}

// Subscribers returns the number of live channels on topic
func (h *MemoryHub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *MemoryHub) remove(c *memoryChannel) []*memoryChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[c.topic]
	rest := subs[:0:0]
	for _, s := range subs {
		if s != c {
			rest = append(rest, s)
		}
	}
	if len(rest) == 0 {
		delete(h.topics, c.topic)
	} else {
		h.topics[c.topic] = rest
	}
	return rest
}

func (h *MemoryHub) subscribers(topic string, skip *memoryChannel) []*memoryChannel {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*memoryChannel, 0, len(h.topics[topic]))
	for _, c := range h.topics[topic] {
		if c != skip {
			out = append(out, c)
		}
	}
	return out
}

// InjectRaw delivers a raw broadcast frame to every subscriber of topic, bypassing Encode.
// Used to simulate malformed or foreign payloads.
func (h *MemoryHub) InjectRaw(topic, event string, payload json.RawMessage) {
	frame := overshare.Frame{Type: overshare.FrameBroadcast, Topic: topic, Event: event, Payload: payload}
	for _, c := range h.subscribers(topic, nil) {
		c.deliverFrame(frame)
	}
}

// Inject encodes ev and delivers it to every subscriber of topic, as if sent by the server
func (h *MemoryHub) Inject(topic string, ev Event) error {
	raw, err := Encode(ev)
	if err != nil {
		return err
	}
	h.InjectRaw(topic, ev.Name(), raw)
	return nil
}

// Broadcast implements overshare.Broadcaster so a service can announce server-originated
// events to in-process subscribers
func (h *MemoryHub) Broadcast(_ context.Context, channelKey, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	h.InjectRaw(overshare.Topic(channelKey), event, raw)
	return nil
}

// Drop disconnects every subscriber of topic, reporting err (StatusError) or a clean close
func (h *MemoryHub) Drop(topic string, err error) {
	h.mu.Lock()
	subs := h.topics[topic]
	delete(h.topics, topic)
	h.mu.Unlock()
	for _, c := range subs {
		if c.markClosed() {
			if err != nil {
				c.handlers.status(StatusError, err)
			} else {
				c.handlers.status(StatusClosed, nil)
			}
		}
	}
}

func (c *memoryChannel) Topic() string { return c.topic }

func (c *memoryChannel) Publish(_ context.Context, ev Event) error {
	raw, err := Encode(ev)
	if err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	frame := overshare.Frame{Type: overshare.FrameBroadcast, Topic: c.topic, Event: ev.Name(), Payload: raw}
	for _, peer := range c.hub.subscribers(c.topic, c) {
		peer.deliverFrame(frame)
	}
	return nil
}

func (c *memoryChannel) Presence() []overshare.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence.list()
}

func (c *memoryChannel) Leave() error {
	if !c.markClosed() {
		return nil
	}
	rest := c.hub.remove(c)
	for _, peer := range rest {
		peer.deliverPresence(PresenceDiff{Leaves: []overshare.Presence{c.self}})
	}
	c.handlers.status(StatusClosed, nil)
	return nil
}

func (c *memoryChannel) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *memoryChannel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// deliverFrame round-trips the frame through JSON so the receiver sees exactly the wire shape
func (c *memoryChannel) deliverFrame(frame overshare.Frame) {
	if c.isClosed() {
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		c.hub.logger.Error("Failed to encode frame", "error", err)
		return
	}
	var wire overshare.Frame
	if err := json.Unmarshal(data, &wire); err != nil {
		c.hub.logger.Error("Failed to decode frame", "error", err)
		return
	}
	ev, err := Decode(wire.Event, wire.Payload)
	if err != nil {
		c.hub.logger.Debug("Discarding invalid channel event", "topic", c.topic, "event", wire.Event, "error", err)
		return
	}
	c.handlers.event(ev)
}

func (c *memoryChannel) deliverPresence(d PresenceDiff) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.presence.apply(d)
	c.mu.Unlock()
	c.handlers.presence(d)
}
