package gmail

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// fakeGmail serves just enough of the Gmail REST surface for history
// listing: two history records (150 adds m1, 180 adds m2) on top of a
// mailbox whose log starts at 100.
func fakeGmail(t *testing.T) *httptest.Server {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("/gmail/v1/users/me/history", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("startHistoryId") {
		case "100":
			fmt.Fprint(w, `{"historyId":"180","history":[
				{"id":"150","messagesAdded":[{"message":{"id":"m1"}}]},
				{"id":"180","messagesAdded":[{"message":{"id":"m2"}}]}]}`)
		case "150":
			fmt.Fprint(w, `{"historyId":"180","history":[
				{"id":"180","messagesAdded":[{"message":{"id":"m2"}}]}]}`)
		case "180":
			fmt.Fprint(w, `{"historyId":"180"}`)
		default:
			http.Error(w, `{"error":{"code":404}}`, http.StatusNotFound)
		}
	})
	mux.HandleFunc("/gmail/v1/users/me/messages/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/gmail/v1/users/me/messages/")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"id":%q,"internalDate":"1756380000000","snippet":"snippet of %s",
			"labelIds":["INBOX"],"payload":{"headers":[
			{"name":"From","value":"Ada <ada@example.com>"},
			{"name":"Subject","value":"subject of %s"}]}}`, id, id, id)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testAdapter(t *testing.T, srv *httptest.Server) *Adapter {
	t.Helper()
	svc, err := gmailapi.NewService(context.Background(),
		option.WithEndpoint(srv.URL), option.WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return &Adapter{svc: svc}
}

// A batch limit that cuts the history walk short must leave the cursor
// on the last record actually returned, so the next listing picks up
// exactly where this one stopped.
func TestListHistoryLimitLeavesCursorBehindUnreturned(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t, fakeGmail(t))

	first, err := a.ListSince(ctx, "100", 1)
	require.NoError(t, err)
	require.Len(t, first.Messages, 1)
	assert.Equal(t, "m1", first.Messages[0].NativeID)
	assert.Equal(t, "150", first.NextCursor)

	second, err := a.ListSince(ctx, first.NextCursor, 1)
	require.NoError(t, err)
	require.Len(t, second.Messages, 1)
	assert.Equal(t, "m2", second.Messages[0].NativeID)
	assert.Equal(t, "180", second.NextCursor)
}

func TestListHistoryWithinLimitAdvancesToLatest(t *testing.T) {
	ctx := context.Background()
	a := testAdapter(t, fakeGmail(t))

	listing, err := a.ListSince(ctx, "100", 10)
	require.NoError(t, err)
	require.Len(t, listing.Messages, 2)
	assert.Equal(t, "180", listing.NextCursor)

	// Caught up: nothing to return, cursor stays put.
	listing, err = a.ListSince(ctx, "180", 10)
	require.NoError(t, err)
	assert.Empty(t, listing.Messages)
	assert.Equal(t, "180", listing.NextCursor)
}
