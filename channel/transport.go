// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package channel is the device side of the workspace pub/sub channel: broadcast events,
// presence and connection status over a pluggable transport.
package channel

import (
	"context"
	"sort"

	"github.com/mobiletoly/go-overshare/overshare"
)

// Status is the connection state reported to Handlers.OnStatus
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusConnected  Status = "connected"
	StatusClosed     Status = "closed"
	StatusError      Status = "error"
)

// PresenceDiff is a presence update. Full snapshots set State; incremental updates set Joins/Leaves.
type PresenceDiff struct {
	Full   bool
	State  []overshare.Presence
	Joins  []overshare.Presence
	Leaves []overshare.Presence
}

// Handlers receive channel callbacks. Any of them may be nil.
// Delivery is at-most-once per transport frame, with no ordering or duplicate guarantees.
type Handlers struct {
	OnEvent    func(Event)
	OnPresence func(PresenceDiff)
	OnStatus   func(Status, error)
}

func (h Handlers) event(ev Event) {
	if h.OnEvent != nil {
		h.OnEvent(ev)
	}
}

func (h Handlers) presence(d PresenceDiff) {
	if h.OnPresence != nil {
		h.OnPresence(d)
	}
}

func (h Handlers) status(s Status, err error) {
	if h.OnStatus != nil {
		h.OnStatus(s, err)
	}
}

// Transport opens workspace channels
type Transport interface {
	// Join subscribes to topic, tracks self as present and starts delivering callbacks.
	Join(ctx context.Context, topic string, self overshare.Presence, h Handlers) (Channel, error)
}

// Channel is one live subscription
type Channel interface {
	Topic() string
	// Publish broadcasts ev to every other subscriber of the topic
	Publish(ctx context.Context, ev Event) error
	// Presence returns the members currently tracked on the topic
	Presence() []overshare.Presence
	// Leave unsubscribes; it is safe to call more than once
	Leave() error
}

// presenceSet tracks presence by member id
type presenceSet map[string]overshare.Presence

func (p presenceSet) apply(d PresenceDiff) {
	if d.Full {
		for k := range p {
			delete(p, k)
		}
		for _, s := range d.State {
			p[s.MemberID] = s
		}
		return
	}
	for _, l := range d.Leaves {
		delete(p, l.MemberID)
	}
	for _, j := range d.Joins {
		p[j.MemberID] = j
	}
}

func (p presenceSet) list() []overshare.Presence {
	out := make([]overshare.Presence, 0, len(p))
	for _, s := range p {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}
