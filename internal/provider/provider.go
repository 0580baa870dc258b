package provider

import (
	"context"
	"errors"
	"time"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/message"
)

// Error taxonomy surfaced by adapters and connection managers. Callers
// dispatch on these with errors.Is; anything else is treated as a
// transient external-service failure and retried per queue policy.
var (
	// ErrAuthFailed means the credential is expired or revoked. Not
	// retried; the upstream re-auth flow has to run.
	ErrAuthFailed = errors.New("provider authentication failed")
	// ErrRateLimited means the provider asked us to back off.
	ErrRateLimited = errors.New("provider rate limited")
	// ErrCursorExpired means the delta cursor is too old to resolve;
	// the caller must fall back to a cursor-less full listing.
	ErrCursorExpired = errors.New("sync cursor expired")
	// ErrNotFound means the requested message no longer exists.
	ErrNotFound = errors.New("message not found")
)

// MessageMeta is normalized message metadata as returned by adapters,
// before it becomes a persisted message.Record.
type MessageMeta struct {
	NativeID       string
	Sender         message.Address
	Recipients     []message.Address
	Subject        string
	Preview        string
	HasAttachments bool
	ReceivedAt     time.Time
	Labels         []string
}

// Listing is one page of metadata plus the cursor to resume from.
type Listing struct {
	Messages []MessageMeta
	// NextCursor is the new sync cursor. Empty means the provider gave
	// us nothing to advance to; the stored cursor stays put.
	NextCursor string
}

// FullMessage is a complete message fetched on demand. Never persisted
// by this subsystem.
type FullMessage struct {
	Meta     MessageMeta
	TextBody string
	HTMLBody string
}

// MailProvider lists message metadata and fetches full messages for one
// account. ListSince with an empty cursor returns the most recent limit
// messages; with a cursor only messages newer than it. Cursor semantics
// are timestamp-based for Outlook and IMAP, opaque history ids for
// Gmail's delta log.
type MailProvider interface {
	ListSince(ctx context.Context, cursor string, limit int) (*Listing, error)
	Fetch(ctx context.Context, nativeID string) (*FullMessage, error)
}

// ConnectionManager owns subscription/session state for one provider
// kind. Setup registers for push (or validates poll credentials) and
// writes the resulting session state onto the account; Renew extends an
// existing subscription, transparently re-running Setup if the provider
// reports the old handle gone; Teardown best-effort deletes the remote
// subscription.
type ConnectionManager interface {
	Setup(ctx context.Context, a *account.Account) error
	Renew(ctx context.Context, a *account.Account) error
	Teardown(ctx context.Context, a *account.Account) error
	IsHealthy(ctx context.Context, a *account.Account) bool
}

// Registry binds each provider kind to its adapter factory and
// connection manager. The kind set is closed; lookup failures mean a
// programming error upstream, not missing configuration.
type Registry struct {
	adapters map[account.ProviderKind]AdapterFactory
	managers map[account.ProviderKind]ConnectionManager
}

// AdapterFactory builds a MailProvider bound to one account's
// credentials.
type AdapterFactory func(ctx context.Context, a *account.Account) (MailProvider, error)

func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[account.ProviderKind]AdapterFactory),
		managers: make(map[account.ProviderKind]ConnectionManager),
	}
}

func (r *Registry) Register(kind account.ProviderKind, factory AdapterFactory, manager ConnectionManager) {
	r.adapters[kind] = factory
	r.managers[kind] = manager
}

func (r *Registry) Adapter(ctx context.Context, a *account.Account) (MailProvider, error) {
	factory, ok := r.adapters[a.Kind]
	if !ok {
		return nil, errors.New("no adapter registered for kind " + string(a.Kind))
	}
	return factory(ctx, a)
}

func (r *Registry) Manager(kind account.ProviderKind) (ConnectionManager, error) {
	m, ok := r.managers[kind]
	if !ok {
		return nil, errors.New("no connection manager registered for kind " + string(kind))
	}
	return m, nil
}
