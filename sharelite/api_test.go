package sharelite

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mobiletoly/go-overshare/overshare"
)

func TestAPIClient_UsesSessionAuthHeaders(t *testing.T) {
	ts := newTestServer(t)
	alice, _, _ := ts.pair(t)
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	ts.setIntercept(func(w http.ResponseWriter, r *http.Request) bool {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		return false
	})

	_, err := alice.Tasks.Reconcile(ctx)
	require.NoError(t, err)
	want := alice.Sessions.AuthHeaders(ctx)["Authorization"]
	require.Equal(t, "Bearer "+alice.Messages.Session().Token, want)
	mu.Lock()
	require.NotEmpty(t, seen)
	for _, h := range seen {
		require.Equal(t, want, h)
	}
	mu.Unlock()

	// Without a stored session no header goes out and the server rejects the call
	require.NoError(t, alice.Sessions.Clear(ctx))
	require.Empty(t, alice.Sessions.AuthHeaders(ctx))
	_, err = alice.API.ListTasks(ctx, alice.Messages.Session().WorkspaceID)
	var authErr *AuthError
	require.True(t, errors.As(err, &authErr))
	require.Equal(t, overshare.CodeMissingToken, authErr.Code)
}
