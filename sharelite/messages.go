// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package sharelite

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/mobiletoly/go-overshare/channel"
	"github.com/mobiletoly/go-overshare/overshare"
)

type messageAdapter struct {
	historyLimit int
}

func (messageAdapter) Kind() string                  { return "messages" }
func (messageAdapter) ID(m overshare.Message) string { return m.ServerID }

// Messages are immutable, so creation time doubles as the update time
func (messageAdapter) DedupKey(m overshare.Message) string {
	return m.ServerID + "-" + m.CreatedAt.UTC().Format(time.RFC3339Nano)
}

func (messageAdapter) Less(a, b overshare.Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ServerID < b.ServerID
}

func (messageAdapter) Timestamp(m overshare.Message) time.Time { return m.CreatedAt }
func (messageAdapter) Status(m overshare.Message) string       { return m.SyncStatus }

func (messageAdapter) Stamp(m overshare.Message, workspaceID, status string) overshare.Message {
	m.WorkspaceID = workspaceID
	m.SyncStatus = status
	return m
}

func (messageAdapter) FailedStatus() string { return overshare.SyncFailed }

// Message history is a recent window, so absence from a fetch says nothing about deletion
func (messageAdapter) Complete() bool { return false }

func (messageAdapter) Table(m *Mirror) *Table[overshare.Message] { return m.Messages }

func (a messageAdapter) Fetch(ctx context.Context, api *APIClient, sess *overshare.Session) ([]overshare.Message, error) {
	return api.ListMessages(ctx, sess.WorkspaceID, a.historyLimit)
}

func (a messageAdapter) Decode(ev channel.Event) (Change[overshare.Message], bool) {
	e, ok := ev.(channel.MessageEvent)
	if !ok {
		return Change[overshare.Message]{}, false
	}
	m := e.Message
	return Change[overshare.Message]{Upsert: &m, WorkspaceID: m.WorkspaceID, Key: a.DedupKey(m)}, true
}

func (messageAdapter) UpsertEvent(m overshare.Message) channel.Event {
	m.SyncStatus = ""
	return channel.MessageEvent{Message: m}
}

func (messageAdapter) DeleteEvent(string, string) channel.Event { return nil }

// TypingPeer is a member currently composing a message
type TypingPeer struct {
	MemberID    string
	DisplayName string
	At          time.Time
}

// MessageStream is the chat engine: ordered history, optimistic send, typing indicators and presence
type MessageStream struct {
	*Engine[overshare.Message]
	mirror  *Mirror
	limiter *rate.Limiter

	peersMu sync.Mutex
	typing  map[string]TypingPeer
	online  map[string]overshare.Presence

	typingBus Bus[[]TypingPeer]
	rosterBus Bus[[]overshare.Presence]
}

func newMessageStream(mirror *Mirror, api *APIClient, transport channel.Transport, config *Config,
	failures *Bus[*ActionError]) *MessageStream {
	config = config.withDefaults()
	s := &MessageStream{
		Engine:  newEngine[overshare.Message](messageAdapter{historyLimit: config.HistoryLimit}, mirror, api, transport, config, failures),
		mirror:  mirror,
		limiter: rate.NewLimiter(rate.Every(config.TypingThrottle), 1),
		typing:  make(map[string]TypingPeer),
		online:  make(map[string]overshare.Presence),
	}
	s.hooks.other = s.handleOther
	s.hooks.presence = s.handlePresence
	s.hooks.reconciled = func(ctx context.Context, sess *overshare.Session) {
		if err := s.syncRoster(ctx, sess); err != nil {
			s.logger.Warn("Failed to refresh members", "error", err)
		}
	}
	return s
}

// Send appends a message optimistically and sends it. On failure the message stays in the
// mirror marked failed so Retry can resend it.
func (s *MessageStream) Send(ctx context.Context, content, imageURL string) (overshare.Message, error) {
	sess := s.Session()
	if sess == nil {
		return overshare.Message{}, ErrNoSession
	}
	if strings.TrimSpace(content) == "" && imageURL == "" {
		return overshare.Message{}, fmt.Errorf("message content or image is required")
	}
	local := overshare.Message{
		ServerID:    uuid.NewString(),
		WorkspaceID: sess.WorkspaceID,
		SenderID:    sess.MemberID,
		SenderName:  sess.DisplayName,
		Content:     content,
		ImageURL:    imageURL,
		CreatedAt:   s.now().UTC(),
	}
	return s.Mutate(ctx, "send", local, s.create)
}

// Retry resends a pending or failed message with its original id
func (s *MessageStream) Retry(ctx context.Context, id string) (overshare.Message, error) {
	m, found, err := s.Get(ctx, id)
	if err != nil {
		return overshare.Message{}, err
	}
	if !found {
		return overshare.Message{}, fmt.Errorf("message %s not found", id)
	}
	if m.SyncStatus == overshare.SyncSynced {
		return m, nil
	}
	return s.Mutate(ctx, "retry", m, s.create)
}

func (s *MessageStream) create(ctx context.Context, sess *overshare.Session, m overshare.Message) (overshare.Message, error) {
	return s.api.CreateMessage(ctx, sess.WorkspaceID, m)
}

// Typing broadcasts a typing signal, at most once per throttle interval.
// It reports whether a broadcast was sent.
func (s *MessageStream) Typing(ctx context.Context) bool {
	sess := s.Session()
	if sess == nil {
		return false
	}
	if !s.limiter.AllowN(s.now(), 1) {
		return false
	}
	s.publish(ctx, channel.TypingEvent{WorkspaceID: sess.WorkspaceID, MemberID: sess.MemberID, DisplayName: sess.DisplayName})
	return true
}

func (s *MessageStream) handleOther(ev channel.Event) {
	e, ok := ev.(channel.TypingEvent)
	if !ok {
		return
	}
	sess := s.Session()
	if sess == nil || e.MemberID == "" || e.MemberID == sess.MemberID {
		return
	}
	if e.WorkspaceID != "" && e.WorkspaceID != sess.WorkspaceID {
		return
	}
	s.peersMu.Lock()
	s.typing[e.MemberID] = TypingPeer{MemberID: e.MemberID, DisplayName: e.DisplayName, At: s.now()}
	s.peersMu.Unlock()
	s.typingBus.Publish(s.TypingPeers())
	time.AfterFunc(s.config.TypingExpiry, func() { s.typingBus.Publish(s.TypingPeers()) })
}

// TypingPeers returns peers whose last typing signal is younger than the expiry, by member id
func (s *MessageStream) TypingPeers() []TypingPeer {
	now := s.now()
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	out := make([]TypingPeer, 0, len(s.typing))
	for id, p := range s.typing {
		if now.Sub(p.At) >= s.config.TypingExpiry {
			delete(s.typing, id)
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}

// SubscribeTyping registers fn for typing changes and returns a disposer
func (s *MessageStream) SubscribeTyping(fn func([]TypingPeer)) func() { return s.typingBus.Subscribe(fn) }

// SubscribeOnline registers fn for presence changes and returns a disposer
func (s *MessageStream) SubscribeOnline(fn func([]overshare.Presence)) func() {
	return s.rosterBus.Subscribe(fn)
}

func (s *MessageStream) handlePresence(d channel.PresenceDiff) {
	sess := s.Session()
	if sess == nil {
		return
	}
	s.peersMu.Lock()
	if d.Full {
		s.online = make(map[string]overshare.Presence, len(d.State))
		for _, p := range d.State {
			s.online[p.MemberID] = p
		}
	}
	for _, p := range d.Leaves {
		delete(s.online, p.MemberID)
	}
	for _, p := range d.Joins {
		s.online[p.MemberID] = p
	}
	s.peersMu.Unlock()

	seen := append(append([]overshare.Presence(nil), d.State...), d.Joins...)
	s.recordSeen(sess, seen)
	s.rosterBus.Publish(s.Online())
}

// recordSeen mirrors presence into the member roster, keeping join times already known
func (s *MessageStream) recordSeen(sess *overshare.Session, seen []overshare.Presence) {
	if len(seen) == 0 {
		return
	}
	ctx := context.Background()
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.stillCurrent(sessionKey(sess)) {
		return
	}
	rows := make([]overshare.Member, 0, len(seen))
	for _, p := range seen {
		m, found, err := s.mirror.Members.Get(ctx, sess.WorkspaceID, p.MemberID)
		if err != nil {
			s.logger.Debug("Failed to read member", "member_id", p.MemberID, "error", err)
			continue
		}
		at := p.OnlineAt
		if at.IsZero() {
			at = s.now().UTC()
		}
		if !found {
			// Not in the last roster fetch, so it joined no earlier than now
			m = overshare.Member{ID: p.MemberID, WorkspaceID: sess.WorkspaceID, JoinedAt: at}
		}
		if p.DisplayName != "" {
			m.DisplayName = p.DisplayName
		}
		if at.After(m.LastSeenAt) {
			m.LastSeenAt = at
		}
		rows = append(rows, m)
	}
	if err := s.mirror.Members.BulkUpsert(ctx, rows); err != nil {
		s.logger.Warn("Failed to record presence", "error", err)
	}
}

// Online returns members currently present on the channel
func (s *MessageStream) Online() []overshare.Presence {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	out := make([]overshare.Presence, 0, len(s.online))
	for _, p := range s.online {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MemberID < out[j].MemberID })
	return out
}

// Members returns the mirrored roster ordered by join time
func (s *MessageStream) Members(ctx context.Context) ([]overshare.Member, error) {
	sess := s.Session()
	if sess == nil {
		return nil, ErrNoSession
	}
	members, err := s.mirror.Members.Query(ctx, sess.WorkspaceID)
	if err != nil {
		return nil, err
	}
	for i := range members {
		members[i].IsOwner = isOwner(sess, members[i].ID)
	}
	sort.SliceStable(members, func(i, j int) bool {
		if !members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].JoinedAt.Before(members[j].JoinedAt)
		}
		return members[i].ID < members[j].ID
	})
	return members, nil
}

// isOwner reports whether memberID owns the session's workspace.
// Sessions stored before owner_id existed only know their own role.
func isOwner(sess *overshare.Session, memberID string) bool {
	if sess.OwnerID != "" {
		return sess.OwnerID == memberID
	}
	return sess.IsOwner && sess.MemberID == memberID
}

// syncRoster replaces the mirrored roster with the server's, keeping later presence sightings.
// Members missing from the server roster were kicked and are dropped.
func (s *MessageStream) syncRoster(ctx context.Context, sess *overshare.Session) error {
	members, err := s.api.ListMembers(ctx, sess.WorkspaceID)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if !s.stillCurrent(sessionKey(sess)) {
		return nil
	}
	local, err := s.mirror.Members.Query(ctx, sess.WorkspaceID)
	if err != nil {
		return err
	}
	known := make(map[string]overshare.Member, len(local))
	for _, m := range local {
		known[m.ID] = m
	}
	keep := make(map[string]struct{}, len(members))
	for i := range members {
		members[i].WorkspaceID = sess.WorkspaceID
		if l, ok := known[members[i].ID]; ok && l.LastSeenAt.After(members[i].LastSeenAt) {
			members[i].LastSeenAt = l.LastSeenAt
		}
		keep[members[i].ID] = struct{}{}
	}
	if err := s.mirror.Members.BulkUpsert(ctx, members); err != nil {
		return err
	}
	for id := range known {
		if _, ok := keep[id]; !ok {
			if err := s.mirror.Members.Delete(ctx, sess.WorkspaceID, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// RefreshMembers reloads the roster from the server
func (s *MessageStream) RefreshMembers(ctx context.Context) error {
	sess := s.Session()
	if sess == nil {
		return ErrNoSession
	}
	return s.syncRoster(ctx, sess)
}

// Reset clears typing and presence state along with the engine state
func (s *MessageStream) Reset() {
	s.Engine.Reset()
	s.peersMu.Lock()
	s.typing = make(map[string]TypingPeer)
	s.online = make(map[string]overshare.Presence)
	s.peersMu.Unlock()
}
