package gmail

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/auth"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

// WatchTTL is Gmail's watch lifetime: watches expire after about seven
// days and must be re-issued. Distinct from the Outlook subscription
// window; the renewal margin is configured per kind.
const WatchTTL = 7 * 24 * time.Hour

// Manager is the Gmail connection manager: it owns the watch
// registration that routes change notifications into Pub/Sub.
type Manager struct {
	authClient  *auth.Client
	pubsubTopic string
	log         zerolog.Logger
}

func NewManager(authClient *auth.Client, pubsubTopic string, log zerolog.Logger) *Manager {
	return &Manager{authClient: authClient, pubsubTopic: pubsubTopic, log: log}
}

func (m *Manager) service(ctx context.Context, a *account.Account) (*gmailapi.Service, error) {
	tok, err := m.authClient.GetOAuthToken(ctx, a.ID)
	if err != nil {
		return nil, err
	}
	oauthToken := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	httpClient := (&oauth2.Config{Scopes: []string{gmailapi.GmailReadonlyScope}}).Client(ctx, oauthToken)
	return gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
}

// Setup issues a users.watch call and records the returned history id
// as the account's initial delta cursor. Gmail picks the expiry; we
// record what it reports.
func (m *Manager) Setup(ctx context.Context, a *account.Account) error {
	svc, err := m.service(ctx, a)
	if err != nil {
		return err
	}

	resp, err := svc.Users.Watch("me", &gmailapi.WatchRequest{
		TopicName: m.pubsubTopic,
		LabelIds:  []string{"INBOX"},
	}).Context(ctx).Do()
	if err != nil {
		return classify(err, false)
	}

	expires := time.UnixMilli(resp.Expiration).UTC()
	if resp.Expiration == 0 {
		expires = time.Now().Add(WatchTTL).UTC()
	}

	session := &account.PubSubSession{
		HistoryCursor:  strconv.FormatUint(resp.HistoryId, 10),
		WatchExpiresAt: expires,
	}
	// A re-setup over a live session keeps the existing cursor: the
	// watch restarting must not rewind delta sync.
	if old := a.Session.PubSub; old != nil && old.HistoryCursor != "" {
		if account.CursorNewer(account.KindGmail, session.HistoryCursor, old.HistoryCursor) {
			session.HistoryCursor = old.HistoryCursor
		}
	}
	a.Session = account.Session{PubSub: session}

	m.log.Info().Str("account_id", a.ID).Time("expires_at", expires).
		Msg("gmail watch registered")
	return nil
}

// Renew re-issues the watch; Gmail has no extend call, re-watching is
// the documented renewal path, so expiry of the old handle can never
// fail a renewal.
func (m *Manager) Renew(ctx context.Context, a *account.Account) error {
	return m.Setup(ctx, a)
}

// Teardown stops push notifications. Best effort: a watch that already
// expired makes stop a no-op server-side.
func (m *Manager) Teardown(ctx context.Context, a *account.Account) error {
	svc, err := m.service(ctx, a)
	if err != nil {
		return err
	}
	if err := svc.Users.Stop("me").Context(ctx).Do(); err != nil {
		return fmt.Errorf("stop watch: %w", classify(err, false))
	}
	return nil
}

// IsHealthy reports whether the watch is live and the credential works.
func (m *Manager) IsHealthy(ctx context.Context, a *account.Account) bool {
	if a.Session.PubSub == nil || time.Now().After(a.Session.PubSub.WatchExpiresAt) {
		return false
	}
	svc, err := m.service(ctx, a)
	if err != nil {
		return false
	}
	_, err = svc.Users.GetProfile("me").Context(ctx).Do()
	return err == nil
}

var _ provider.ConnectionManager = (*Manager)(nil)
