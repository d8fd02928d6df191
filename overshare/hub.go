// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package overshare

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	hubWriteWait  = 10 * time.Second
	hubPongWait   = 60 * time.Second
	hubPingPeriod = (hubPongWait * 9) / 10
	hubSendBuffer = 64
	hubMaxFrame   = 64 * 1024
)

// Hub relays broadcast frames and presence between devices subscribed to a workspace channel.
// Frames are relayed to every other subscriber of the topic, never echoed to the sender.
type Hub struct {
	service  *Service
	logger   *slog.Logger
	metrics  *Metrics
	upgrader websocket.Upgrader

	mu     sync.Mutex
	topics map[string]map[*hubConn]struct{}
}

type hubConn struct {
	hub      *Hub
	ws       *websocket.Conn
	topic    string
	identity *Principal
	send     chan []byte

	mu       sync.Mutex
	presence *Presence
	closed   bool
}

// NewHub creates a channel hub backed by the service for authentication
func NewHub(service *Service, metrics *Metrics, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		service: service,
		logger:  logger,
		metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		topics: make(map[string]map[*hubConn]struct{}),
	}
}

// HandleChannel upgrades an authenticated request into a channel subscription.
// The channel key travels in the "key" query parameter and must belong to the caller's workspace.
func (h *Hub) HandleChannel(w http.ResponseWriter, r *http.Request) {
	principal, err := h.service.Authenticate(r.Context(), BearerToken(r))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	channelKey := r.URL.Query().Get("key")
	ws, err := h.service.WorkspaceForChannel(r.Context(), principal, channelKey)
	if err != nil {
		writeError(w, h.logger, http.StatusForbidden, CodeChannelKeyRejected, "channel key rejected", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade channel connection", "error", err)
		return
	}
	c := &hubConn{
		hub:      h,
		ws:       conn,
		topic:    Topic(ws.ChannelKey),
		identity: principal,
		send:     make(chan []byte, hubSendBuffer),
	}
	h.register(c)
	h.service.TouchMember(r.Context(), principal)

	go c.writePump()
	c.readPump()
}

func (h *Hub) register(c *hubConn) {
	h.mu.Lock()
	subs := h.topics[c.topic]
	if subs == nil {
		subs = make(map[*hubConn]struct{})
		h.topics[c.topic] = subs
	}
	subs[c] = struct{}{}
	h.mu.Unlock()
	if h.metrics != nil {
		h.metrics.ChannelConnections.Inc()
	}
	h.logger.Debug("Channel subscriber joined", "topic", c.topic, "member_id", c.identity.MemberID)
}

func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	subs := h.topics[c.topic]
	_, present := subs[c]
	if present {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.topics, c.topic)
		}
	}
	h.mu.Unlock()
	if !present {
		return
	}
	if h.metrics != nil {
		h.metrics.ChannelConnections.Dec()
	}

	c.mu.Lock()
	p := c.presence
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()

	if p != nil {
		h.fanout(c.topic, c, Frame{Type: FramePresenceDiff, Topic: c.topic, Leaves: []Presence{*p}})
	}
	h.logger.Debug("Channel subscriber left", "topic", c.topic, "member_id", c.identity.MemberID)
}

// subscribers snapshots the topic's connections excluding skip
func (h *Hub) subscribers(topic string, skip *hubConn) []*hubConn {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*hubConn, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		if c != skip {
			out = append(out, c)
		}
	}
	return out
}

func (h *Hub) fanout(topic string, skip *hubConn, f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		h.logger.Error("Failed to encode channel frame", "error", err)
		return
	}
	for _, c := range h.subscribers(topic, skip) {
		c.enqueue(data)
	}
	if h.metrics != nil && f.Type == FrameBroadcast {
		h.metrics.ChannelBroadcasts.WithLabelValues(f.Event).Inc()
	}
}

// Broadcast publishes a server-originated event to every subscriber of the workspace channel.
// A member_kicked event also disconnects the removed member's subscriptions.
func (h *Hub) Broadcast(_ context.Context, channelKey, event string, payload any) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	topic := Topic(channelKey)
	h.fanout(topic, nil, Frame{Type: FrameBroadcast, Topic: topic, Event: event, Payload: raw})

	if event == EventMemberKicked {
		var kicked MemberKickedPayload
		if err := json.Unmarshal(raw, &kicked); err == nil && kicked.MemberID != "" {
			h.disconnectMember(topic, kicked.MemberID)
		}
	}
	return nil
}

// disconnectMember closes the member's connections once queued frames are flushed
func (h *Hub) disconnectMember(topic, memberID string) {
	for _, c := range h.subscribers(topic, nil) {
		if c.identity.MemberID == memberID {
			c.mu.Lock()
			if !c.closed {
				c.closed = true
				close(c.send)
			}
			c.mu.Unlock()
		}
	}
}

// Subscribers reports the number of live connections on a topic
func (h *Hub) Subscribers(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

func (h *Hub) presenceState(topic string) []Presence {
	var out []Presence
	for _, c := range h.subscribers(topic, nil) {
		c.mu.Lock()
		if c.presence != nil {
			out = append(out, *c.presence)
		}
		c.mu.Unlock()
	}
	return out
}

func (c *hubConn) enqueue(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- data:
	default:
		// Slow consumer; drop rather than stall the topic
		c.hub.logger.Warn("Dropping channel frame for slow subscriber", "member_id", c.identity.MemberID)
	}
}

func (c *hubConn) sendFrame(f Frame) {
	data, err := json.Marshal(f)
	if err != nil {
		c.hub.logger.Error("Failed to encode channel frame", "error", err)
		return
	}
	c.enqueue(data)
}

func (c *hubConn) readPump() {
	defer func() {
		c.hub.unregister(c)
		_ = c.ws.Close()
	}()
	c.ws.SetReadLimit(hubMaxFrame)
	_ = c.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(hubPongWait))
	})

	for {
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				c.hub.logger.Debug("Channel read ended", "error", err, "member_id", c.identity.MemberID)
			}
			return
		}
		if f.Topic != "" && f.Topic != c.topic {
			c.sendFrame(Frame{Type: FrameError, Topic: f.Topic, Message: "topic does not match subscription"})
			continue
		}
		switch f.Type {
		case FrameBroadcast:
			if f.Event == "" {
				c.sendFrame(Frame{Type: FrameError, Topic: c.topic, Message: "broadcast requires an event"})
				continue
			}
			if f.Event == EventMemberKicked {
				// Removal announcements are server-originated only
				c.sendFrame(Frame{Type: FrameError, Topic: c.topic, Message: "event is reserved"})
				continue
			}
			c.hub.fanout(c.topic, c, Frame{Type: FrameBroadcast, Topic: c.topic, Event: f.Event, Payload: f.Payload})
		case FrameTrack:
			p := Presence{
				MemberID:    c.identity.MemberID,
				DisplayName: c.identity.DisplayName,
				OnlineAt:    time.Now().UTC(),
			}
			if f.Presence != nil && !f.Presence.OnlineAt.IsZero() {
				p.OnlineAt = f.Presence.OnlineAt
			}
			c.mu.Lock()
			c.presence = &p
			c.mu.Unlock()
			c.sendFrame(Frame{Type: FramePresenceState, Topic: c.topic, State: c.hub.presenceState(c.topic)})
			c.hub.fanout(c.topic, c, Frame{Type: FramePresenceDiff, Topic: c.topic, Joins: []Presence{p}})
		default:
			c.sendFrame(Frame{Type: FrameError, Topic: c.topic, Message: "unsupported frame type " + f.Type})
		}
	}
}

func (c *hubConn) writePump() {
	ticker := time.NewTicker(hubPingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(hubWriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
