package account

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSessionShape(t *testing.T) {
	t.Run("matching variant passes", func(t *testing.T) {
		a := &Account{ID: "a1", Kind: KindOutlook, Session: Session{
			Webhook: &WebhookSession{SubscriptionID: "sub-1"},
		}}
		assert.NoError(t, a.Validate())
	})

	t.Run("no session yet passes", func(t *testing.T) {
		a := &Account{ID: "a1", Kind: KindGmail}
		assert.NoError(t, a.Validate())
	})

	t.Run("wrong variant rejected", func(t *testing.T) {
		a := &Account{ID: "a1", Kind: KindGmail, Session: Session{
			Webhook: &WebhookSession{SubscriptionID: "sub-1"},
		}}
		assert.ErrorIs(t, a.Validate(), ErrSessionShape)
	})

	t.Run("two variants rejected", func(t *testing.T) {
		a := &Account{ID: "a1", Kind: KindIMAP, Session: Session{
			Poll:   &PollSession{},
			PubSub: &PubSubSession{},
		}}
		assert.ErrorIs(t, a.Validate(), ErrSessionShape)
	})

	t.Run("unknown kind rejected", func(t *testing.T) {
		a := &Account{ID: "a1", Kind: "POP3"}
		assert.Error(t, a.Validate())
	})
}

func TestCursorNewer(t *testing.T) {
	t.Run("gmail compares history ids numerically", func(t *testing.T) {
		assert.True(t, CursorNewer(KindGmail, "99", "100"))
		assert.False(t, CursorNewer(KindGmail, "100", "99"))
		assert.False(t, CursorNewer(KindGmail, "100", "100"))
		// String comparison would get this wrong.
		assert.True(t, CursorNewer(KindGmail, "999", "1000"))
	})

	t.Run("timestamp kinds compare chronologically", func(t *testing.T) {
		older := "2026-08-01T10:00:00Z"
		newer := "2026-08-02T10:00:00Z"
		assert.True(t, CursorNewer(KindOutlook, older, newer))
		assert.False(t, CursorNewer(KindOutlook, newer, older))
		assert.False(t, CursorNewer(KindIMAP, newer, newer))
	})

	t.Run("empty candidate never newer", func(t *testing.T) {
		assert.False(t, CursorNewer(KindGmail, "100", ""))
		assert.False(t, CursorNewer(KindGmail, "", ""))
	})

	t.Run("empty current always older", func(t *testing.T) {
		assert.True(t, CursorNewer(KindGmail, "", "1"))
		assert.True(t, CursorNewer(KindIMAP, "", "2026-08-01T10:00:00Z"))
	})

	t.Run("unparseable candidate never newer", func(t *testing.T) {
		assert.False(t, CursorNewer(KindGmail, "100", "not-a-number"))
		assert.False(t, CursorNewer(KindOutlook, "2026-08-01T10:00:00Z", "garbage"))
	})
}

func TestApplyCursorMonotonic(t *testing.T) {
	now := time.Now()

	a := &Account{ID: "a1", Kind: KindGmail, Session: Session{
		PubSub: &PubSubSession{HistoryCursor: "500"},
	}}

	assert.True(t, ApplyCursor(a, "600", now))
	assert.Equal(t, "600", a.Session.PubSub.HistoryCursor)
	assert.Equal(t, now, a.LastSyncedAt)

	// A concurrent run finishing late must not rewind.
	assert.False(t, ApplyCursor(a, "550", now.Add(time.Second)))
	assert.Equal(t, "600", a.Session.PubSub.HistoryCursor)
}

func TestApplyCursorTimestampKinds(t *testing.T) {
	now := time.Now()
	ts := time.Date(2026, 8, 20, 12, 0, 0, 0, time.UTC)

	a := &Account{ID: "a1", Kind: KindOutlook, Session: Session{
		Webhook: &WebhookSession{SubscriptionID: "sub-1"},
	}}
	require.True(t, ApplyCursor(a, ts.Format(time.RFC3339Nano), now))
	assert.True(t, a.Session.Webhook.Cursor.Equal(ts))
	assert.Equal(t, "sub-1", a.Session.Webhook.SubscriptionID, "cursor write must not clobber the subscription")

	assert.False(t, ApplyCursor(a, ts.Add(-time.Hour).Format(time.RFC3339Nano), now))
}

func TestSessionRoundTrip(t *testing.T) {
	a := &Account{ID: "a1", Kind: KindOutlook, Session: Session{
		Webhook: &WebhookSession{
			SubscriptionID: "sub-1",
			ExpiresAt:      time.Date(2026, 8, 31, 0, 0, 0, 0, time.UTC),
			WebhookSecret:  "s3cret",
		},
	}}

	data, err := a.MarshalSession()
	require.NoError(t, err)

	b := &Account{ID: "a1", Kind: KindOutlook}
	require.NoError(t, b.UnmarshalSession(data))
	assert.Equal(t, a.Session.Webhook, b.Session.Webhook)

	// The same blob against the wrong kind trips the shape check.
	c := &Account{ID: "a1", Kind: KindGmail}
	assert.ErrorIs(t, c.UnmarshalSession(data), ErrSessionShape)
}

func TestMemoryStoreDuplicate(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Save(ctx, &Account{ID: "a1", UserID: "u1", Kind: KindIMAP, Address: "me@example.com"}))

	err := s.Save(ctx, &Account{ID: "a2", UserID: "u1", Kind: KindIMAP, Address: "me@example.com"})
	assert.ErrorIs(t, err, ErrDuplicate)

	// Same address with a different kind is a distinct connection.
	assert.NoError(t, s.Save(ctx, &Account{ID: "a3", UserID: "u1", Kind: KindGmail, Address: "me@example.com"}))
}

func TestMemoryStoreAdvanceCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Save(ctx, &Account{ID: "a1", UserID: "u1", Kind: KindGmail, Address: "me@gmail.com",
		Session: Session{PubSub: &PubSubSession{HistoryCursor: "100"}}}))

	moved, err := s.AdvanceCursor(ctx, "a1", "200", now)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = s.AdvanceCursor(ctx, "a1", "150", now)
	require.NoError(t, err)
	assert.False(t, moved)

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "200", got.Session.PubSub.HistoryCursor)

	_, err = s.AdvanceCursor(ctx, "missing", "1", now)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStoreTouchLastSynced(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	require.NoError(t, s.Save(ctx, &Account{ID: "a1", UserID: "u1", Kind: KindGmail, Address: "me@gmail.com",
		Session: Session{PubSub: &PubSubSession{HistoryCursor: "100"}}}))

	require.NoError(t, s.TouchLastSynced(ctx, "a1", now))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, now, got.LastSyncedAt)
	assert.Equal(t, "100", got.Session.PubSub.HistoryCursor)

	assert.ErrorIs(t, s.TouchLastSynced(ctx, "missing", now), ErrNotFound)
}

func TestMemoryStoreUpdateSubscriptionKeepsNewerCursor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	require.NoError(t, s.Save(ctx, &Account{ID: "a1", UserID: "u1", Kind: KindGmail, Address: "me@gmail.com",
		Active: true, State: StateActive,
		Session: Session{PubSub: &PubSubSession{HistoryCursor: "100"}}}))

	// Snapshot taken before a sync run moved the cursor forward.
	snapshot, err := s.Get(ctx, "a1")
	require.NoError(t, err)

	moved, err := s.AdvanceCursor(ctx, "a1", "200", time.Now())
	require.NoError(t, err)
	require.True(t, moved)

	// The snapshot writes new subscription state; the advanced cursor
	// must survive it.
	snapshot.State = StateActive
	snapshot.Session.PubSub.WatchExpiresAt = time.Now().Add(7 * 24 * time.Hour)
	require.NoError(t, s.UpdateSubscription(ctx, snapshot))

	got, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, "200", got.Session.PubSub.HistoryCursor)
	assert.False(t, got.Session.PubSub.WatchExpiresAt.IsZero())

	assert.ErrorIs(t, s.UpdateSubscription(ctx, &Account{ID: "missing", Kind: KindGmail}), ErrNotFound)
}

func TestAccountJSONOmitsCredentials(t *testing.T) {
	a := &Account{
		ID: "a1", UserID: "u1", Kind: KindOutlook, Address: "me@outlook.com",
		Credentials: []byte("encrypted-token-blob"),
	}

	data, err := json.Marshal(a)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "Credentials")
	assert.NotContains(t, string(data), base64.StdEncoding.EncodeToString(a.Credentials))
}

func TestSubscriptionRef(t *testing.T) {
	outlook := &Account{Kind: KindOutlook, Address: "me@outlook.com",
		Session: Session{Webhook: &WebhookSession{SubscriptionID: "sub-9"}}}
	assert.Equal(t, "sub-9", outlook.SubscriptionRef())

	gmail := &Account{Kind: KindGmail, Address: "me@gmail.com"}
	assert.Equal(t, "me@gmail.com", gmail.SubscriptionRef())

	imap := &Account{Kind: KindIMAP, Address: "me@example.com"}
	assert.Equal(t, "", imap.SubscriptionRef())
}
