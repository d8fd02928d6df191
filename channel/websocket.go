// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mobiletoly/go-overshare/overshare"
)

const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
)

// DialError is returned when the server refuses the channel upgrade
type DialError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *DialError) Error() string {
	return fmt.Sprintf("channel dial rejected: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// WebsocketTransport connects to the server's /v1/channel endpoint
type WebsocketTransport struct {
	baseURL string
	token   func() string
	dialer  *websocket.Dialer
	logger  *slog.Logger
}

// NewWebsocketTransport creates a transport for the server at baseURL (http or https).
// token is consulted on every Join so a replaced session takes effect immediately.
func NewWebsocketTransport(baseURL string, token func() string, logger *slog.Logger) *WebsocketTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &WebsocketTransport{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 15 * time.Second,
		},
		logger: logger,
	}
}

func (t *WebsocketTransport) channelURL(channelKey string) (string, error) {
	u, err := url.Parse(t.baseURL + "/v1/channel")
	if err != nil {
		return "", fmt.Errorf("invalid base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("key", channelKey)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Join implements Transport. topic must be "workspace:{channelKey}".
func (t *WebsocketTransport) Join(ctx context.Context, topic string, self overshare.Presence, h Handlers) (Channel, error) {
	channelKey, ok := strings.CutPrefix(topic, overshare.TopicPrefix)
	if !ok || channelKey == "" {
		return nil, fmt.Errorf("invalid topic %q", topic)
	}
	target, err := t.channelURL(channelKey)
	if err != nil {
		return nil, err
	}

	h.status(StatusConnecting, nil)
	header := http.Header{}
	if t.token != nil {
		if tok := t.token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, resp, err := t.dialer.DialContext(ctx, target, header)
	if err != nil {
		if resp != nil {
			err = dialError(resp)
		}
		h.status(StatusError, err)
		return nil, err
	}

	c := &wsChannel{
		transport: t,
		conn:      conn,
		topic:     topic,
		handlers:  h,
		presence:  presenceSet{},
	}
	if err := c.write(overshare.Frame{Type: overshare.FrameTrack, Topic: topic, Presence: &self}); err != nil {
		_ = conn.Close()
		h.status(StatusError, err)
		return nil, fmt.Errorf("failed to track presence: %w", err)
	}
	h.status(StatusConnected, nil)
	go c.readLoop()
	return c, nil
}

func dialError(resp *http.Response) error {
	defer resp.Body.Close()
	de := &DialError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	var er overshare.ErrorResponse
	if json.Unmarshal(body, &er) == nil {
		de.Code = er.Error
		de.Message = er.Message
	}
	return de
}

type wsChannel struct {
	transport *WebsocketTransport
	conn      *websocket.Conn
	topic     string
	handlers  Handlers

	writeMu sync.Mutex

	mu       sync.Mutex
	presence presenceSet
	closed   bool
}

func (c *wsChannel) Topic() string { return c.topic }

func (c *wsChannel) write(f overshare.Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteJSON(f)
}

func (c *wsChannel) Publish(ctx context.Context, ev Event) error {
	raw, err := Encode(ev)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if err := c.write(overshare.Frame{Type: overshare.FrameBroadcast, Topic: c.topic, Event: ev.Name(), Payload: raw}); err != nil {
		return fmt.Errorf("failed to publish %s: %w", ev.Name(), err)
	}
	return nil
}

func (c *wsChannel) Presence() []overshare.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.presence.list()
}

func (c *wsChannel) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *wsChannel) Leave() error {
	if !c.markClosed() {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.handlers.status(StatusClosed, nil)
	return err
}

func (c *wsChannel) readLoop() {
	logger := c.transport.logger
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wsWriteWait))
	})

	for {
		var f overshare.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if c.markClosed() {
				_ = c.conn.Close()
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
					c.handlers.status(StatusClosed, nil)
				} else {
					c.handlers.status(StatusError, err)
				}
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))

		switch f.Type {
		case overshare.FrameBroadcast:
			ev, err := Decode(f.Event, f.Payload)
			if err != nil {
				logger.Debug("Discarding invalid channel event", "topic", c.topic, "event", f.Event, "error", err)
				continue
			}
			c.handlers.event(ev)
		case overshare.FramePresenceState:
			c.applyPresence(PresenceDiff{Full: true, State: f.State})
		case overshare.FramePresenceDiff:
			c.applyPresence(PresenceDiff{Joins: f.Joins, Leaves: f.Leaves})
		case overshare.FrameError:
			logger.Warn("Channel error frame", "topic", c.topic, "message", f.Message)
		default:
			logger.Debug("Ignoring unknown frame type", "type", f.Type)
		}
	}
}

func (c *wsChannel) applyPresence(d PresenceDiff) {
	c.mu.Lock()
	c.presence.apply(d)
	c.mu.Unlock()
	c.handlers.presence(d)
}
