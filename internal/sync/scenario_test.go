package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/message"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
	"github.com/kestrel-dev/mailsync-infra/internal/queue"
	"github.com/kestrel-dev/mailsync-infra/internal/webhook"
)

// Connect → subscription created → notification arrives → job enqueued
// → sync stores two messages and publishes two events → the identical
// notification redelivered produces nothing new.
func TestConnectNotifySyncRoundTrip(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()
	now := time.Now()

	accounts := account.NewMemoryStore()
	messages := message.NewMemoryStore()
	jobs := queue.NewMemoryQueue()
	publisher := &capturePublisher{}
	adapter := &fakeAdapter{byCursor: map[string]*provider.Listing{}, errs: map[string]error{}}

	registry := provider.NewRegistry()
	registry.Register(account.KindOutlook,
		func(ctx context.Context, a *account.Account) (provider.MailProvider, error) {
			return adapter, nil
		}, &fakeManager{})

	connector := NewConnector(accounts, registry, jobs, zerolog.Nop())
	engine := NewEngine(accounts, messages, registry, publisher, 100, zerolog.Nop())

	handler := webhook.NewHandler(accounts, jobs, nil, 5*time.Minute, zerolog.Nop())
	router := gin.New()
	handler.Register(router)

	// Connect: subscription established, account active, initial full
	// sync queued.
	acct, err := connector.Connect(ctx, "u1", account.KindOutlook, "me@outlook.com")
	require.NoError(t, err)
	require.NotNil(t, acct.Session.Webhook)

	runPendingJobs := func() {
		t.Helper()
		for {
			claimed, err := jobs.Dequeue(ctx, 10)
			require.NoError(t, err)
			if len(claimed) == 0 {
				return
			}
			for _, job := range claimed {
				_, err := engine.Run(ctx, job.AccountID, job.FullSync)
				require.NoError(t, err)
				require.NoError(t, jobs.Complete(ctx, job.ID))
			}
		}
	}

	// Initial full sync finds nothing yet.
	runPendingJobs()
	assert.Empty(t, publisher.received())

	// Two messages arrive provider-side; the provider notifies us.
	cursor := now.Add(-time.Minute).UTC().Format(time.RFC3339Nano)
	adapter.byCursor[""] = &provider.Listing{
		Messages:   []provider.MessageMeta{meta("m1", now), meta("m2", now)},
		NextCursor: cursor,
	}
	adapter.byCursor[cursor] = adapter.byCursor[""]

	notify := func() *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]any{
			"value": []map[string]any{{
				"subscriptionId": acct.Session.Webhook.SubscriptionID,
				"clientState":    acct.Session.Webhook.WebhookSecret,
				"changeType":     "created",
				"resourceData":   map[string]any{"id": "m2"},
			}},
		})
		req := httptest.NewRequest(http.MethodPost, "/webhooks/outlook", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	w := notify()
	assert.Equal(t, http.StatusAccepted, w.Code)
	runPendingJobs()

	assert.Len(t, publisher.received(), 2)
	count, err := messages.CountSince(ctx, acct.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stored, err := accounts.Get(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, cursor, stored.Cursor())
	assert.False(t, stored.LastSyncedAt.IsZero())

	// Identical notification redelivered: acknowledged, resynced, but
	// nothing new stored or published.
	w = notify()
	assert.Equal(t, http.StatusAccepted, w.Code)
	runPendingJobs()

	assert.Len(t, publisher.received(), 2)
	count, err = messages.CountSince(ctx, acct.ID, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
