package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	accounts *account.MemoryStore
	jobs     *queue.MemoryQueue
	handler  *Handler
	router   *gin.Engine
}

func newFixture(t *testing.T, verifier PushVerifier) *fixture {
	t.Helper()
	f := &fixture{
		accounts: account.NewMemoryStore(),
		jobs:     queue.NewMemoryQueue(),
	}
	f.handler = NewHandler(f.accounts, f.jobs, verifier, 5*time.Minute, zerolog.Nop())
	f.router = gin.New()
	f.handler.Register(f.router)
	return f
}

func (f *fixture) post(path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) saveOutlookAccount(t *testing.T, secret string) *account.Account {
	t.Helper()
	acct := &account.Account{
		ID: "acct-1", UserID: "u1", Kind: account.KindOutlook,
		Address: "me@outlook.com", Active: true, State: account.StateActive,
		Session: account.Session{Webhook: &account.WebhookSession{
			SubscriptionID: "sub-1",
			ExpiresAt:      time.Now().Add(48 * time.Hour),
			WebhookSecret:  secret,
		}},
	}
	require.NoError(t, f.accounts.Save(context.Background(), acct))
	return acct
}

func TestOutlookValidationHandshake(t *testing.T) {
	f := newFixture(t, nil)

	token := "abc 123+%=token"
	req := httptest.NewRequest(http.MethodPost,
		"/webhooks/outlook?validationToken="+"abc%20123%2B%25%3Dtoken", nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	// Graph requires the token echoed back verbatim, no JSON wrapping.
	assert.Equal(t, token, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
}

func graphBody(subscriptionID, clientState, resourceID string) map[string]any {
	return map[string]any{
		"value": []map[string]any{{
			"subscriptionId": subscriptionID,
			"clientState":    clientState,
			"changeType":     "created",
			"resourceData":   map[string]any{"id": resourceID},
		}},
	}
}

func TestOutlookNotificationEnqueuesJob(t *testing.T) {
	f := newFixture(t, nil)
	acct := f.saveOutlookAccount(t, "s3cret")

	w := f.post("/webhooks/outlook", graphBody("sub-1", "s3cret", "msg-77"))
	assert.Equal(t, http.StatusAccepted, w.Code)

	claimed, err := f.jobs.Dequeue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, acct.ID, claimed[0].AccountID)
	assert.False(t, claimed[0].FullSync)
	assert.Equal(t, "msg-77", claimed[0].MessageHint)
}

func TestOutlookClientStateMismatchDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.saveOutlookAccount(t, "s3cret")

	w := f.post("/webhooks/outlook", graphBody("sub-1", "wrong", "msg-77"))
	// Still acknowledged so Graph does not retry the spoofed payload.
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Zero(t, f.jobs.Pending())
}

func TestOutlookUnknownSubscriptionDropped(t *testing.T) {
	f := newFixture(t, nil)

	w := f.post("/webhooks/outlook", graphBody("sub-unknown", "s3cret", "msg-77"))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Zero(t, f.jobs.Pending())
}

func pubsubBody(address string, historyID uint64, publishTime time.Time) map[string]any {
	change, _ := json.Marshal(map[string]any{
		"emailAddress": address,
		"historyId":    historyID,
	})
	return map[string]any{
		"message": map[string]any{
			"data":        base64.StdEncoding.EncodeToString(change),
			"messageId":   "pubsub-1",
			"publishTime": publishTime.Format(time.RFC3339Nano),
		},
		"subscription": "projects/p/subscriptions/mail",
	}
}

func (f *fixture) saveGmailAccount(t *testing.T) *account.Account {
	t.Helper()
	acct := &account.Account{
		ID: "acct-g", UserID: "u1", Kind: account.KindGmail,
		Address: "me@gmail.com", Active: true, State: account.StateActive,
		Session: account.Session{PubSub: &account.PubSubSession{
			HistoryCursor:  "100",
			WatchExpiresAt: time.Now().Add(6 * 24 * time.Hour),
		}},
	}
	require.NoError(t, f.accounts.Save(context.Background(), acct))
	return acct
}

func TestGmailNotificationEnqueuesJob(t *testing.T) {
	f := newFixture(t, nil)
	acct := f.saveGmailAccount(t)

	now := time.Now()
	f.handler.now = func() time.Time { return now }

	w := f.post("/webhooks/gmail", pubsubBody("me@gmail.com", 200, now.Add(-time.Minute)))
	assert.Equal(t, http.StatusOK, w.Code)

	claimed, err := f.jobs.Dequeue(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, acct.ID, claimed[0].AccountID)
}

func TestGmailStaleNotificationDropped(t *testing.T) {
	f := newFixture(t, nil)
	f.saveGmailAccount(t)

	now := time.Now()
	f.handler.now = func() time.Time { return now }

	w := f.post("/webhooks/gmail", pubsubBody("me@gmail.com", 200, now.Add(-10*time.Minute)))
	// Acknowledged so Pub/Sub stops redelivering, but no work queued.
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, f.jobs.Pending())
}

func TestGmailUnknownMailboxDropped(t *testing.T) {
	f := newFixture(t, nil)

	w := f.post("/webhooks/gmail", pubsubBody("stranger@gmail.com", 200, time.Now()))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Zero(t, f.jobs.Pending())
}

func TestGmailMalformedPayloadAckedAndDropped(t *testing.T) {
	// A payload that does not decode today will not decode on
	// redelivery either; anything but 2xx keeps it in the subscription
	// forever. Acknowledge, drop, queue nothing.
	t.Run("undecodable base64 data", func(t *testing.T) {
		f := newFixture(t, nil)
		f.saveGmailAccount(t)

		w := f.post("/webhooks/gmail", map[string]any{
			"message": map[string]any{
				"data":        "!!!not-base64!!!",
				"publishTime": time.Now().Format(time.RFC3339Nano),
			},
		})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, f.jobs.Pending())
	})

	t.Run("data decodes to garbage", func(t *testing.T) {
		f := newFixture(t, nil)
		f.saveGmailAccount(t)

		w := f.post("/webhooks/gmail", map[string]any{
			"message": map[string]any{
				"data":        base64.StdEncoding.EncodeToString([]byte("not json")),
				"publishTime": time.Now().Format(time.RFC3339Nano),
			},
		})
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, f.jobs.Pending())
	})

	t.Run("unparseable envelope", func(t *testing.T) {
		f := newFixture(t, nil)
		f.saveGmailAccount(t)

		req := httptest.NewRequest(http.MethodPost, "/webhooks/gmail", bytes.NewReader([]byte("{broken")))
		req.Header.Set("Content-Type", "application/json")
		w := httptest.NewRecorder()
		f.router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		assert.Zero(t, f.jobs.Pending())
	})
}

type failVerifier struct{}

func (failVerifier) VerifyRequest(r *http.Request) error {
	return fmt.Errorf("verify push token: %w", errors.New("bad signature"))
}

type okVerifier struct{}

func (okVerifier) VerifyRequest(r *http.Request) error { return nil }

func TestGmailPushAuthentication(t *testing.T) {
	t.Run("rejected token gets 401", func(t *testing.T) {
		f := newFixture(t, failVerifier{})
		f.saveGmailAccount(t)

		w := f.post("/webhooks/gmail", pubsubBody("me@gmail.com", 200, time.Now()))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Zero(t, f.jobs.Pending())
	})

	t.Run("valid token proceeds", func(t *testing.T) {
		f := newFixture(t, okVerifier{})
		f.saveGmailAccount(t)

		w := f.post("/webhooks/gmail", pubsubBody("me@gmail.com", 200, time.Now()))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, 1, f.jobs.Pending())
	})
}
