package account

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by store lookups that match no account.
var ErrNotFound = errors.New("account not found")

// ErrDuplicate is returned when saving a new account whose (user,
// address, kind) is already connected.
var ErrDuplicate = errors.New("account already connected")

// Store is the collaborator holding connection state for all accounts.
type Store interface {
	Get(ctx context.Context, id string) (*Account, error)
	// GetBySubscriptionRef resolves a provider notification reference
	// (Graph subscription id, or mailbox address for Pub/Sub pushes).
	GetBySubscriptionRef(ctx context.Context, ref string) (*Account, error)
	GetByAddress(ctx context.Context, address string) (*Account, error)
	// ListActive returns active accounts, optionally restricted to one
	// provider kind ("" means all kinds).
	ListActive(ctx context.Context, kind ProviderKind) ([]*Account, error)
	Save(ctx context.Context, a *Account) error
	Delete(ctx context.Context, id string) error

	// AdvanceCursor atomically applies candidate as the account's new
	// sync cursor if and only if it is newer than the stored one, and
	// bumps lastSyncedAt. A stale candidate is a silent no-op: reports
	// whether the cursor moved.
	AdvanceCursor(ctx context.Context, id, candidate string, now time.Time) (bool, error)

	// TouchLastSynced records a sync attempt without rewriting the
	// session, so a cursor advanced by a concurrent run stays put.
	TouchLastSynced(ctx context.Context, id string, now time.Time) error

	// UpdateSubscription writes a's activation, connection state, and
	// session back while keeping whichever sync cursor is newest: the
	// stored row's cursor wins over a stale in-memory snapshot.
	UpdateSubscription(ctx context.Context, a *Account) error
}
