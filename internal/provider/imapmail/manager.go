package imapmail

import (
	"context"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/rs/zerolog"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/auth"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

// Manager is the poll-kind connection manager. IMAP has no provider-
// side subscription and no expiry window: Setup validates credentials
// and probes IDLE support, Renew has nothing to extend, Teardown has
// nothing remote to delete.
type Manager struct {
	authClient *auth.Client
	log        zerolog.Logger
}

func NewManager(authClient *auth.Client, log zerolog.Logger) *Manager {
	return &Manager{authClient: authClient, log: log}
}

// Setup validates the credentials with a real login and records
// whether the server advertises IDLE.
func (m *Manager) Setup(ctx context.Context, a *account.Account) error {
	creds, err := m.authClient.GetIMAPCredentials(ctx, a.ID)
	if err != nil {
		return err
	}

	client, err := Dial(creds)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	supportsIdle := client.Caps().Has(imap.CapIdle)

	session := &account.PollSession{
		SupportsIDLE: supportsIdle,
		LastTestedAt: time.Now().UTC(),
	}
	if old := a.Session.Poll; old != nil {
		session.Cursor = old.Cursor
	}
	a.Session = account.Session{Poll: session}

	m.log.Info().Str("account_id", a.ID).Bool("supports_idle", supportsIdle).
		Msg("imap credentials validated")
	return nil
}

// Renew re-validates credentials; there is no subscription to extend.
func (m *Manager) Renew(ctx context.Context, a *account.Account) error {
	return m.Setup(ctx, a)
}

// Teardown is a no-op remotely; the monitor owns connection shutdown.
func (m *Manager) Teardown(ctx context.Context, a *account.Account) error {
	return nil
}

// IsHealthy reports whether a login currently succeeds.
func (m *Manager) IsHealthy(ctx context.Context, a *account.Account) bool {
	creds, err := m.authClient.GetIMAPCredentials(ctx, a.ID)
	if err != nil {
		return false
	}
	client, err := Dial(creds)
	if err != nil {
		return false
	}
	_ = client.Logout().Wait()
	return true
}

var _ provider.ConnectionManager = (*Manager)(nil)
