package outlook

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/rs/zerolog"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/auth"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

// SubscriptionTTL is just under the three-day cap Graph enforces on
// mailbox change-notification subscriptions (4230 minutes).
const SubscriptionTTL = 4230 * time.Minute

const changeType = "created"

// Manager is the Outlook connection manager: it owns the Graph
// subscription whose notifications land on our webhook endpoint.
type Manager struct {
	authClient *auth.Client
	// notificationURL is the public webhook endpoint, e.g.
	// https://host/webhooks/outlook.
	notificationURL string
	log             zerolog.Logger
}

func NewManager(authClient *auth.Client, notificationURL string, log zerolog.Logger) *Manager {
	return &Manager{authClient: authClient, notificationURL: notificationURL, log: log}
}

func (m *Manager) client(ctx context.Context, a *account.Account) (*msgraphsdk.GraphServiceClient, error) {
	tok, err := m.authClient.GetOAuthToken(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(
		&staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}, nil)
	if err != nil {
		return nil, fmt.Errorf("create Graph client: %w", err)
	}
	return client, nil
}

// Setup creates a change-notification subscription on the mailbox and
// writes the resulting session state (id, expiry, clientState secret)
// onto the account.
func (m *Manager) Setup(ctx context.Context, a *account.Account) error {
	client, err := m.client(ctx, a)
	if err != nil {
		return err
	}

	secret, err := newSecret()
	if err != nil {
		return err
	}
	expires := time.Now().Add(SubscriptionTTL).UTC()

	sub := models.NewSubscription()
	sub.SetChangeType(strPtr(changeType))
	sub.SetNotificationUrl(strPtr(m.notificationURL))
	sub.SetResource(strPtr("/me/messages"))
	sub.SetExpirationDateTime(&expires)
	sub.SetClientState(strPtr(secret))

	created, err := client.Subscriptions().Post(ctx, sub, nil)
	if err != nil {
		return fmt.Errorf("create subscription: %w", classify(err))
	}

	session := &account.WebhookSession{
		SubscriptionID: deref(created.GetId()),
		ExpiresAt:      expires,
		WebhookSecret:  secret,
	}
	if exp := created.GetExpirationDateTime(); exp != nil {
		session.ExpiresAt = exp.UTC()
	}
	// Re-setup over a live session keeps the delta cursor.
	if old := a.Session.Webhook; old != nil {
		session.Cursor = old.Cursor
	}
	a.Session = account.Session{Webhook: session}

	m.log.Info().Str("account_id", a.ID).Str("subscription_id", session.SubscriptionID).
		Time("expires_at", session.ExpiresAt).Msg("outlook subscription created")
	return nil
}

// Renew extends the subscription expiry. When Graph reports the old
// subscription gone (expired and garbage-collected), Renew falls back
// to a fresh Setup: renewal never fails merely because the handle
// lapsed.
func (m *Manager) Renew(ctx context.Context, a *account.Account) error {
	if a.Session.Webhook == nil || a.Session.Webhook.SubscriptionID == "" {
		return m.Setup(ctx, a)
	}

	client, err := m.client(ctx, a)
	if err != nil {
		return err
	}

	expires := time.Now().Add(SubscriptionTTL).UTC()
	patch := models.NewSubscription()
	patch.SetExpirationDateTime(&expires)

	_, err = client.Subscriptions().BySubscriptionId(a.Session.Webhook.SubscriptionID).Patch(ctx, patch, nil)
	if err != nil {
		if errors.Is(classify(err), provider.ErrNotFound) {
			m.log.Info().Str("account_id", a.ID).
				Msg("subscription vanished, recreating instead of renewing")
			return m.Setup(ctx, a)
		}
		return fmt.Errorf("renew subscription: %w", classify(err))
	}

	a.Session.Webhook.ExpiresAt = expires
	return nil
}

// Teardown deletes the remote subscription. Best effort by contract: an
// already-expired subscription returns 404, which is success for the
// caller's purposes.
func (m *Manager) Teardown(ctx context.Context, a *account.Account) error {
	if a.Session.Webhook == nil || a.Session.Webhook.SubscriptionID == "" {
		return nil
	}

	client, err := m.client(ctx, a)
	if err != nil {
		return err
	}

	err = client.Subscriptions().BySubscriptionId(a.Session.Webhook.SubscriptionID).Delete(ctx, nil)
	if err != nil && !errors.Is(classify(err), provider.ErrNotFound) {
		return fmt.Errorf("delete subscription: %w", classify(err))
	}
	return nil
}

// IsHealthy reports whether the subscription still exists and has not
// expired.
func (m *Manager) IsHealthy(ctx context.Context, a *account.Account) bool {
	if a.Session.Webhook == nil || time.Now().After(a.Session.Webhook.ExpiresAt) {
		return false
	}
	client, err := m.client(ctx, a)
	if err != nil {
		return false
	}
	_, err = client.Subscriptions().BySubscriptionId(a.Session.Webhook.SubscriptionID).Get(ctx, nil)
	return err == nil
}

func newSecret() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

func strPtr(s string) *string { return &s }

var _ provider.ConnectionManager = (*Manager)(nil)
