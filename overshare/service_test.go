package overshare

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordedBroadcast struct {
	channelKey string
	event      string
	payload    any
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []recordedBroadcast
}

func (b *recordingBroadcaster) Broadcast(_ context.Context, channelKey, event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, recordedBroadcast{channelKey, event, payload})
	return nil
}

type serviceFixture struct {
	svc    *Service
	clock  *testClock
	bcast  *recordingBroadcaster
	owner  *CreateWorkspaceResponse
	member *Session
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	svc, err := NewService(NewMemoryStore(), &ServiceConfig{TokenSecret: "test-secret", LockTTL: 5 * time.Minute}, nil)
	require.NoError(t, err)
	clock := &testClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc.SetClock(clock.Now)
	bcast := &recordingBroadcaster{}
	svc.SetBroadcaster(bcast)

	ctx := context.Background()
	owner, err := svc.CreateWorkspace(ctx, CreateWorkspaceRequest{Name: "Family", DisplayName: "Alice"})
	require.NoError(t, err)
	clock.Advance(time.Second)
	member, err := svc.Join(ctx, owner.Session.WorkspaceID, JoinRequest{InviteCode: owner.InviteCode, DisplayName: "Bob"})
	require.NoError(t, err)
	return &serviceFixture{svc: svc, clock: clock, bcast: bcast, owner: owner, member: member}
}

func (f *serviceFixture) principal(t *testing.T, token string) *Principal {
	t.Helper()
	p, err := f.svc.Authenticate(context.Background(), token)
	require.NoError(t, err)
	return p
}

func requireAuthCode(t *testing.T, err error, code string) {
	t.Helper()
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr), "expected *AuthError, got %v", err)
	require.Equal(t, code, authErr.Code)
}

func TestService_CreateAndJoin(t *testing.T) {
	f := newServiceFixture(t)

	require.True(t, f.owner.Session.IsOwner)
	require.False(t, f.member.IsOwner)
	require.Equal(t, f.owner.Session.MemberID, f.owner.Session.OwnerID)
	require.Equal(t, f.owner.Session.MemberID, f.member.OwnerID)
	require.Equal(t, f.owner.Session.ChannelKey, f.member.ChannelKey)
	require.Equal(t, "Bob", f.member.DisplayName)

	p := f.principal(t, f.member.Token)
	require.Equal(t, f.member.MemberID, p.MemberID)
	require.Equal(t, f.member.WorkspaceID, p.WorkspaceID)

	members, err := f.svc.ListMembers(context.Background(), p)
	require.NoError(t, err)
	require.Len(t, members, 2)
	require.True(t, members[0].IsOwner)
}

func TestService_JoinRejectsBadInvitation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Join(ctx, f.owner.Session.WorkspaceID, JoinRequest{InviteCode: "nope", DisplayName: "Eve"})
	require.ErrorIs(t, err, ErrInvalidInvitation)

	other, err := f.svc.CreateWorkspace(ctx, CreateWorkspaceRequest{Name: "Other", DisplayName: "Zed"})
	require.NoError(t, err)
	_, err = f.svc.Join(ctx, f.owner.Session.WorkspaceID, JoinRequest{InviteCode: other.InviteCode, DisplayName: "Eve"})
	require.ErrorIs(t, err, ErrInvalidInvitation)

	_, err = f.svc.Join(ctx, f.owner.Session.WorkspaceID, JoinRequest{InviteCode: f.owner.InviteCode, DisplayName: "  "})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestService_Authenticate_Revocation(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	p := f.principal(t, f.member.Token)
	require.NoError(t, f.svc.Logout(ctx, p))

	// Signature and expiry are still fine; the missing session row rejects it
	_, err := f.svc.Authenticate(ctx, f.member.Token)
	requireAuthCode(t, err, CodeSessionRevoked)

	_, err = f.svc.Authenticate(ctx, "")
	requireAuthCode(t, err, CodeMissingToken)
}

func TestService_Authenticate_Mismatch(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	// Forge a validly signed token that points at Bob's session but claims Alice's member id
	ownerP := f.principal(t, f.owner.Session.Token)
	memberP := f.principal(t, f.member.Token)
	now := f.clock.Now()
	forged, err := f.svc.Tokens().Issue(ownerP.WorkspaceID, ownerP.MemberID, memberP.SessionID, now, now.Add(time.Hour))
	require.NoError(t, err)

	_, err = f.svc.Authenticate(ctx, forged)
	requireAuthCode(t, err, CodeSessionMismatch)

	require.NoError(t, f.svc.AuthorizeWorkspace(memberP, memberP.WorkspaceID))
	requireAuthCode(t, f.svc.AuthorizeWorkspace(memberP, "another"), CodeSessionMismatch)
}

func TestService_Authenticate_Expired(t *testing.T) {
	f := newServiceFixture(t)
	f.clock.Advance(31 * 24 * time.Hour)
	_, err := f.svc.Authenticate(context.Background(), f.member.Token)
	requireAuthCode(t, err, CodeTokenExpired)
}

func TestService_KickMember(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	ownerP := f.principal(t, f.owner.Session.Token)
	memberP := f.principal(t, f.member.Token)

	require.ErrorIs(t, f.svc.KickMember(ctx, memberP, ownerP.MemberID), ErrForbidden)
	require.ErrorIs(t, f.svc.KickMember(ctx, ownerP, ownerP.MemberID), ErrInvalidInput)

	require.NoError(t, f.svc.KickMember(ctx, ownerP, memberP.MemberID))

	_, err := f.svc.Authenticate(ctx, f.member.Token)
	requireAuthCode(t, err, CodeSessionRevoked)

	require.Len(t, f.bcast.events, 1)
	ev := f.bcast.events[0]
	require.Equal(t, EventMemberKicked, ev.event)
	require.Equal(t, f.owner.Session.ChannelKey, ev.channelKey)
	require.Equal(t, MemberKickedPayload{WorkspaceID: ownerP.WorkspaceID, MemberID: memberP.MemberID}, ev.payload)

	members, err := f.svc.ListMembers(ctx, ownerP)
	require.NoError(t, err)
	require.Len(t, members, 1)
}

func TestService_CreateMessage_Idempotent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	p := f.principal(t, f.member.Token)

	id := uuid.New().String()
	first, err := f.svc.CreateMessage(ctx, p, Message{ServerID: id, Content: "hello"})
	require.NoError(t, err)
	require.Equal(t, id, first.ServerID)
	require.Equal(t, "Bob", first.SenderName)

	f.clock.Advance(time.Minute)
	second, err := f.svc.CreateMessage(ctx, p, Message{ServerID: id, Content: "hello"})
	require.NoError(t, err)
	require.True(t, first.CreatedAt.Equal(second.CreatedAt), "retry must return the stored row")

	generated, err := f.svc.CreateMessage(ctx, p, Message{ServerID: "local-123", Content: "x"})
	require.NoError(t, err)
	_, err = uuid.Parse(generated.ServerID)
	require.NoError(t, err)

	_, err = f.svc.CreateMessage(ctx, p, Message{Content: "   "})
	require.ErrorIs(t, err, ErrInvalidInput)

	msgs, err := f.svc.ListMessages(ctx, p, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, generated.ServerID, msgs[0].ServerID, "newest first")
}

func TestService_TaskLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	p := f.principal(t, f.member.Token)

	task, err := f.svc.CreateTask(ctx, p, Task{Title: "Buy milk"})
	require.NoError(t, err)
	require.Equal(t, TaskTodo, task.Status)
	require.Equal(t, PriorityNormal, task.Priority)

	toggled, err := f.svc.ToggleTask(ctx, p, task.ServerID)
	require.NoError(t, err)
	require.Equal(t, TaskDone, toggled.Status)
	require.NotNil(t, toggled.CompletedAt)
	require.Equal(t, p.MemberID, toggled.CompletedBy)

	back, err := f.svc.ToggleTask(ctx, p, task.ServerID)
	require.NoError(t, err)
	require.Equal(t, TaskTodo, back.Status)
	require.Nil(t, back.CompletedAt)

	back.Priority = PriorityUrgent
	back.Title = "Buy oat milk"
	updated, err := f.svc.UpdateTask(ctx, p, back)
	require.NoError(t, err)
	require.Equal(t, "Buy oat milk", updated.Title)
	require.Equal(t, PriorityUrgent, updated.Priority)

	_, err = f.svc.UpdateTask(ctx, p, Task{ServerID: task.ServerID, Title: "x", Status: "archived"})
	require.ErrorIs(t, err, ErrInvalidInput)

	require.NoError(t, f.svc.DeleteTask(ctx, p, task.ServerID))
	require.ErrorIs(t, f.svc.DeleteTask(ctx, p, task.ServerID), ErrNotFound)
}

func TestService_EditLock_MutualExclusion(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	ownerP := f.principal(t, f.owner.Session.Token)
	memberP := f.principal(t, f.member.Token)

	doc, err := f.svc.CreateDocument(ctx, ownerP, Document{Title: "Trip", Content: "Day 1"})
	require.NoError(t, err)

	var granted atomic.Int32
	var wg sync.WaitGroup
	for _, p := range []*Principal{ownerP, memberP, ownerP, memberP} {
		wg.Add(1)
		go func(p *Principal) {
			defer wg.Done()
			res, err := f.svc.AcquireLock(ctx, p, doc.ServerID)
			if err == nil && res.Locked {
				granted.Add(1)
			}
		}(p)
	}
	wg.Wait()

	// Re-acquire by the holder counts as granted, so only one member may ever win
	stored, err := f.svc.Store().GetDocument(ctx, ownerP.WorkspaceID, doc.ServerID)
	require.NoError(t, err)
	holder, live := stored.LockedBy(f.clock.Now())
	require.True(t, live)
	require.GreaterOrEqual(t, granted.Load(), int32(1))
	require.LessOrEqual(t, granted.Load(), int32(2))

	loser := memberP
	if holder == memberP.MemberID {
		loser = ownerP
	}
	res, err := f.svc.AcquireLock(ctx, loser, doc.ServerID)
	require.NoError(t, err)
	require.False(t, res.Locked)
	require.Equal(t, holder, res.EditingBy)
}

func TestService_EditLock_ExpiryAndRelease(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	ownerP := f.principal(t, f.owner.Session.Token)
	memberP := f.principal(t, f.member.Token)

	doc, err := f.svc.CreateDocument(ctx, ownerP, Document{Title: "Trip", Content: "Day 1"})
	require.NoError(t, err)

	res, err := f.svc.AcquireLock(ctx, ownerP, doc.ServerID)
	require.NoError(t, err)
	require.True(t, res.Locked)

	denied, err := f.svc.AcquireLock(ctx, memberP, doc.ServerID)
	require.NoError(t, err)
	require.False(t, denied.Locked)
	require.Equal(t, "Alice", denied.EditingByName)

	// Writes by a non-holder are refused while the lease is live
	_, err = f.svc.UpdateDocument(ctx, memberP, Document{ServerID: doc.ServerID, Title: "Trip", Content: "hijack"})
	var conflict *LockConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, ownerP.MemberID, conflict.Lock.EditingBy)
	require.ErrorAs(t, f.svc.DeleteDocument(ctx, memberP, doc.ServerID), &conflict)

	// Holder can write; the lock survives the update
	updated, err := f.svc.UpdateDocument(ctx, ownerP, Document{ServerID: doc.ServerID, Title: "Trip", Content: "Day 2", Pinned: true})
	require.NoError(t, err)
	require.Equal(t, "Day 2", updated.Content)
	require.Equal(t, ownerP.MemberID, updated.EditingBy)

	// Release by a non-holder is a no-op
	require.NoError(t, f.svc.ReleaseLock(ctx, memberP, doc.ServerID))
	denied, err = f.svc.AcquireLock(ctx, memberP, doc.ServerID)
	require.NoError(t, err)
	require.False(t, denied.Locked)

	// Expiry lets another member reclaim
	f.clock.Advance(5*time.Minute + time.Second)
	reclaimed, err := f.svc.AcquireLock(ctx, memberP, doc.ServerID)
	require.NoError(t, err)
	require.True(t, reclaimed.Locked)
	require.Equal(t, memberP.MemberID, reclaimed.EditingBy)

	require.NoError(t, f.svc.ReleaseLock(ctx, memberP, doc.ServerID))
	again, err := f.svc.AcquireLock(ctx, ownerP, doc.ServerID)
	require.NoError(t, err)
	require.True(t, again.Locked)

	_, err = f.svc.AcquireLock(ctx, ownerP, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestService_UpdateNeverLandsUnderAnotherHolder(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	ownerP := f.principal(t, f.owner.Session.Token)
	memberP := f.principal(t, f.member.Token)

	for i := 0; i < 50; i++ {
		doc, err := f.svc.CreateDocument(ctx, ownerP, Document{Title: "Race", Content: "v0"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		var updated Document
		var updateErr error
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = f.svc.AcquireLock(ctx, memberP, doc.ServerID)
		}()
		go func() {
			defer wg.Done()
			updated, updateErr = f.svc.UpdateDocument(ctx, ownerP, Document{ServerID: doc.ServerID, Title: "Race", Content: "v1"})
		}()
		wg.Wait()

		if updateErr != nil {
			var conflict *LockConflictError
			require.ErrorAs(t, updateErr, &conflict)
			require.Equal(t, memberP.MemberID, conflict.Lock.EditingBy)
			continue
		}
		require.NotEqual(t, memberP.MemberID, updated.EditingBy, "write landed while another member held the lock")
	}
}
