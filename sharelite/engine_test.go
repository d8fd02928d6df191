package sharelite

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-overshare/channel"
	"github.com/mobiletoly/go-overshare/overshare"
)

func ids[T any](items []T, id func(T) string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, id(it))
	}
	return out
}

func messageIDs(ms []overshare.Message) []string {
	return ids(ms, func(m overshare.Message) string { return m.ServerID })
}

func TestEngine_ChannelDeliveryIsIdempotent(t *testing.T) {
	ts := newTestServer(t)
	alice, bob, res := ts.pair(t)
	ctx := context.Background()

	sent, err := alice.Messages.Send(ctx, "hello", "")
	require.NoError(t, err)
	require.Equal(t, overshare.SyncSynced, sent.SyncStatus)

	view := bob.Messages.View()
	require.Len(t, view, 1)
	require.Equal(t, sent.ServerID, view[0].ServerID)
	require.Equal(t, overshare.SyncSynced, view[0].SyncStatus)

	// Redelivery, then a full reconcile, must not duplicate the row
	require.NoError(t, ts.hub.Inject(ts.topic(res), channel.MessageEvent{Message: sent}))
	require.NoError(t, ts.hub.Inject(ts.topic(res), channel.MessageEvent{Message: sent}))
	_, err = bob.Messages.Reconcile(ctx)
	require.NoError(t, err)
	n, err := bob.Mirror.Messages.Count(ctx, res.Session.WorkspaceID)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Len(t, alice.Messages.View(), 1)
}

func TestEngine_DedupWindowStaysBounded(t *testing.T) {
	ts := newTestServer(t)
	_, bob, res := ts.pair(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i := 0; i < 600; i++ {
		m := overshare.Message{
			ServerID:    fmt.Sprintf("m-%03d", i),
			WorkspaceID: res.Session.WorkspaceID,
			SenderID:    res.Session.MemberID,
			Content:     "burst",
			CreatedAt:   base.Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, ts.hub.Inject(ts.topic(res), channel.MessageEvent{Message: m}))
		require.LessOrEqual(t, bob.Messages.DedupLen(), 500)
	}
	n, err := bob.Mirror.Messages.Count(ctx, res.Session.WorkspaceID)
	require.NoError(t, err)
	require.Equal(t, 600, n)
}

func TestEngine_OrderingIsStableUnderOutOfOrderDelivery(t *testing.T) {
	ts := newTestServer(t)
	_, bob, res := ts.pair(t)
	wid := res.Session.WorkspaceID
	at := time.Now().UTC().Truncate(time.Second)

	for _, m := range []overshare.Message{
		{ServerID: "c", WorkspaceID: wid, Content: "same instant", CreatedAt: at},
		{ServerID: "late", WorkspaceID: wid, Content: "later", CreatedAt: at.Add(time.Second)},
		{ServerID: "a", WorkspaceID: wid, Content: "same instant", CreatedAt: at},
		{ServerID: "early", WorkspaceID: wid, Content: "earlier", CreatedAt: at.Add(-time.Second)},
		{ServerID: "b", WorkspaceID: wid, Content: "same instant", CreatedAt: at},
	} {
		require.NoError(t, ts.hub.Inject(ts.topic(res), channel.MessageEvent{Message: m}))
	}
	require.Equal(t, []string{"early", "a", "b", "c", "late"}, messageIDs(bob.Messages.View()))
}

func TestEngine_DiscardsEventsForOtherWorkspaces(t *testing.T) {
	ts := newTestServer(t)
	_, bob, res := ts.pair(t)
	foreign := overshare.Message{ServerID: "x", WorkspaceID: "someone-else", Content: "hi", CreatedAt: time.Now().UTC()}
	require.NoError(t, ts.hub.Inject(ts.topic(res), channel.MessageEvent{Message: foreign}))
	require.Empty(t, bob.Messages.View())
}

func TestEngine_IgnoresOlderUpsertThanStored(t *testing.T) {
	ts := newTestServer(t)
	alice, bob, res := ts.pair(t)
	ctx := context.Background()

	task, err := alice.Tasks.Create(ctx, overshare.Task{Title: "Buy milk"})
	require.NoError(t, err)
	require.Len(t, bob.Tasks.View(), 1)

	stale := task
	stale.Title = "stale copy"
	stale.UpdatedAt = task.UpdatedAt.Add(-time.Minute)
	require.NoError(t, ts.hub.Inject(ts.topic(res), channel.TaskUpsertEvent{Task: stale}))
	require.Equal(t, "Buy milk", bob.Tasks.View()[0].Title)

	newer := task
	newer.Title = "Buy oat milk"
	newer.UpdatedAt = task.UpdatedAt.Add(time.Minute)
	require.NoError(t, ts.hub.Inject(ts.topic(res), channel.TaskUpsertEvent{Task: newer}))
	require.Equal(t, "Buy oat milk", bob.Tasks.View()[0].Title)
}

func TestEngine_DeletePropagates(t *testing.T) {
	ts := newTestServer(t)
	alice, bob, _ := ts.pair(t)
	ctx := context.Background()

	task, err := alice.Tasks.Create(ctx, overshare.Task{Title: "Walk dog"})
	require.NoError(t, err)
	require.Len(t, bob.Tasks.View(), 1)

	require.NoError(t, alice.Tasks.Delete(ctx, task.ServerID))
	require.Empty(t, alice.Tasks.View())
	require.Empty(t, bob.Tasks.View())

	// Deleting again is harmless: the server reports not found and nothing is restored
	require.NoError(t, alice.Tasks.Delete(ctx, task.ServerID))
}

func TestEngine_ReconcileRemovesRowsDeletedWhileOffline(t *testing.T) {
	ts := newTestServer(t)
	alice, bob, _ := ts.pair(t)
	ctx := context.Background()

	doc, err := alice.Documents.Create(ctx, overshare.Document{Title: "Recipes"})
	require.NoError(t, err)
	require.Len(t, bob.Documents.View(), 1)

	bob.Disconnect()
	require.NoError(t, alice.Documents.Delete(ctx, doc.ServerID))
	require.Len(t, bob.Documents.View(), 1, "missed the broadcast while disconnected")

	_, err = bob.Documents.Reconcile(ctx)
	require.NoError(t, err)
	require.Empty(t, bob.Documents.View())
}

func TestEngine_ConcurrentReconcileFetchesOnce(t *testing.T) {
	ts := newTestServer(t)
	_, bob, _ := ts.pair(t)
	ctx := context.Background()
	before := bob.Messages.Fetches()

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	ts.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages") {
			once.Do(func() { close(entered) })
			<-release
		}
		return false
	})

	type result struct {
		ran bool
		err error
	}
	first := make(chan result, 1)
	go func() {
		ran, err := bob.Messages.Reconcile(ctx)
		first <- result{ran, err}
	}()
	<-entered

	for i := 0; i < 5; i++ {
		ran, err := bob.Messages.Reconcile(ctx)
		require.NoError(t, err)
		require.False(t, ran)
	}
	close(release)
	r := <-first
	require.NoError(t, r.err)
	require.True(t, r.ran)
	require.Equal(t, before+1, bob.Messages.Fetches())
}

func TestEngine_PendingPastGraceBecomesFailed(t *testing.T) {
	ts := newTestServer(t)
	_, bob, res := ts.pair(t)
	ctx := context.Background()
	clock := newFakeClock()
	bob.SetClock(clock.Now)
	wid := res.Session.WorkspaceID

	stuck := overshare.Message{ServerID: "stuck", WorkspaceID: wid, Content: "lost", CreatedAt: clock.Now().Add(-3 * time.Minute), SyncStatus: overshare.SyncPending}
	fresh := overshare.Message{ServerID: "fresh", WorkspaceID: wid, Content: "in flight", CreatedAt: clock.Now(), SyncStatus: overshare.SyncPending}
	require.NoError(t, bob.Mirror.Messages.BulkUpsert(ctx, []overshare.Message{stuck, fresh}))

	_, err := bob.Messages.Reconcile(ctx)
	require.NoError(t, err)
	got, _, err := bob.Mirror.Messages.Get(ctx, wid, "stuck")
	require.NoError(t, err)
	require.Equal(t, overshare.SyncFailed, got.SyncStatus)
	got, _, err = bob.Mirror.Messages.Get(ctx, wid, "fresh")
	require.NoError(t, err)
	require.Equal(t, overshare.SyncPending, got.SyncStatus)
}

func TestEngine_FailedSendIsKeptAndRetried(t *testing.T) {
	ts := newTestServer(t)
	alice, bob, _ := ts.pair(t)
	ctx := context.Background()

	var failures []*ActionError
	alice.Failures.Subscribe(func(e *ActionError) { failures = append(failures, e) })
	ts.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages") {
			http.Error(w, `{"error":"internal_error","message":"boom"}`, http.StatusInternalServerError)
			return true
		}
		return false
	})

	failed, err := alice.Messages.Send(ctx, "are you there?", "")
	require.Error(t, err)
	require.Equal(t, overshare.SyncFailed, failed.SyncStatus)
	require.Len(t, failures, 1)
	require.Equal(t, "send", failures[0].Action)
	require.Equal(t, failed.ServerID, failures[0].ID)
	require.Len(t, alice.Messages.View(), 1)
	require.Empty(t, bob.Messages.View())

	ts.setIntercept(nil)
	sent, err := alice.Messages.Retry(ctx, failed.ServerID)
	require.NoError(t, err)
	require.Equal(t, failed.ServerID, sent.ServerID)
	require.Equal(t, overshare.SyncSynced, alice.Messages.View()[0].SyncStatus)
	require.Len(t, bob.Messages.View(), 1)
}

func failRequests(ts *testServer, method, pathPart string) {
	ts.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		if r.Method == method && strings.Contains(r.URL.Path, pathPart) {
			http.Error(w, `{"error":"internal_error","message":"boom"}`, http.StatusInternalServerError)
			return true
		}
		return false
	})
}

func TestEngine_UnsavedDocumentEditSurvivesReconcile(t *testing.T) {
	ts := newTestServer(t)
	alice, bob, res := ts.pair(t)
	ctx := context.Background()
	wid := res.Session.WorkspaceID

	doc, err := alice.Documents.Create(ctx, overshare.Document{Title: "Notes", Content: "v1"})
	require.NoError(t, err)
	failRequests(ts, http.MethodPut, "/documents/")

	doc.Content = "typed but unsaved"
	_, err = alice.Documents.Update(ctx, doc)
	require.Error(t, err)

	_, err = alice.Documents.Reconcile(ctx)
	require.NoError(t, err)
	stored, found, err := alice.Mirror.Documents.Get(ctx, wid, doc.ServerID)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "typed but unsaved", stored.Content)
	require.Equal(t, overshare.SyncPending, stored.SyncStatus)
	require.Equal(t, "v1", bob.Documents.View()[0].Content)

	ts.setIntercept(nil)
	saved, err := alice.Documents.Retry(ctx, doc.ServerID)
	require.NoError(t, err)
	require.Equal(t, "typed but unsaved", saved.Content)
	require.Equal(t, overshare.SyncSynced, alice.Documents.View()[0].SyncStatus)
	require.Equal(t, "typed but unsaved", bob.Documents.View()[0].Content)
}

func TestEngine_FailedToggleSurvivesReconcile(t *testing.T) {
	ts := newTestServer(t)
	alice, bob, res := ts.pair(t)
	ctx := context.Background()
	wid := res.Session.WorkspaceID

	task, err := alice.Tasks.Create(ctx, overshare.Task{Title: "Feed the cat"})
	require.NoError(t, err)
	failRequests(ts, http.MethodPost, "/toggle")

	_, err = alice.Tasks.Toggle(ctx, task.ServerID)
	require.Error(t, err)
	_, err = alice.Tasks.Reconcile(ctx)
	require.NoError(t, err)
	stored, _, err := alice.Mirror.Tasks.Get(ctx, wid, task.ServerID)
	require.NoError(t, err)
	require.Equal(t, overshare.TaskDone, stored.Status)
	require.Equal(t, overshare.SyncFailed, stored.SyncStatus)

	ts.setIntercept(nil)
	done, err := alice.Tasks.Retry(ctx, task.ServerID)
	require.NoError(t, err)
	require.Equal(t, overshare.TaskDone, done.Status)
	require.Equal(t, overshare.SyncSynced, done.SyncStatus)
	require.Equal(t, alice.Messages.Session().MemberID, done.CompletedBy)
	require.Equal(t, overshare.TaskDone, bob.Tasks.View()[0].Status)

	again, err := alice.Tasks.Retry(ctx, task.ServerID)
	require.NoError(t, err)
	require.Equal(t, done.UpdatedAt, again.UpdatedAt, "a synced row is not resent")
}

func TestEngine_RetryOfStaleEditKeepsServerCopy(t *testing.T) {
	ts := newTestServer(t)
	alice, bob, res := ts.pair(t)
	ctx := context.Background()

	doc, err := alice.Documents.Create(ctx, overshare.Document{Title: "Plan", Content: "v1"})
	require.NoError(t, err)
	failRequests(ts, http.MethodPut, "/documents/")
	doc.Content = "alice draft"
	_, err = alice.Documents.Update(ctx, doc)
	require.Error(t, err)
	ts.setIntercept(nil)

	alice.Disconnect()
	bobDoc := bob.Documents.View()[0]
	bobDoc.Content = "bob rewrite"
	_, err = bob.Documents.Update(ctx, bobDoc)
	require.NoError(t, err)

	got, err := alice.Documents.Retry(ctx, doc.ServerID)
	require.ErrorIs(t, err, ErrStaleEdit)
	require.Equal(t, "bob rewrite", got.Content)
	stored, _, err := alice.Mirror.Documents.Get(ctx, res.Session.WorkspaceID, doc.ServerID)
	require.NoError(t, err)
	require.Equal(t, "bob rewrite", stored.Content)
	require.Equal(t, overshare.SyncSynced, stored.SyncStatus)
}

func TestEngine_OlderBroadcastDoesNotOverwriteUnsentEdit(t *testing.T) {
	ts := newTestServer(t)
	alice, _, res := ts.pair(t)
	ctx := context.Background()

	task, err := alice.Tasks.Create(ctx, overshare.Task{Title: "Pay rent"})
	require.NoError(t, err)
	failRequests(ts, http.MethodPut, "/tasks/")
	edited := task
	edited.Title = "Pay rent and water"
	_, err = alice.Tasks.Update(ctx, edited)
	require.Error(t, err)

	// A late broadcast of an older version arrives after the failed edit
	older := task
	older.UpdatedAt = task.UpdatedAt.Add(-time.Second)
	require.NoError(t, ts.hub.Inject(ts.topic(res), channel.TaskUpsertEvent{Task: older}))
	stored, _, err := alice.Mirror.Tasks.Get(ctx, res.Session.WorkspaceID, task.ServerID)
	require.NoError(t, err)
	require.Equal(t, "Pay rent and water", stored.Title)
	require.Equal(t, overshare.SyncFailed, stored.SyncStatus)
}

func TestEngine_ViewSubscribersSeeUpdates(t *testing.T) {
	ts := newTestServer(t)
	alice, bob, _ := ts.pair(t)
	ctx := context.Background()

	var mu sync.Mutex
	var last []overshare.Task
	dispose := bob.Tasks.Subscribe(func(v []overshare.Task) {
		mu.Lock()
		last = v
		mu.Unlock()
	})
	defer dispose()

	_, err := alice.Tasks.Create(ctx, overshare.Task{Title: "Call grandma"})
	require.NoError(t, err)
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, last, 1)
	require.Equal(t, "Call grandma", last[0].Title)
}
