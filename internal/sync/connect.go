package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
	"github.com/kestrel-dev/mailsync-infra/internal/queue"
)

// Connector drives the account connection lifecycle:
// Disconnected -> Connecting -> Active on connect, and deactivation
// followed by best-effort teardown on disconnect.
type Connector struct {
	accounts account.Store
	registry *provider.Registry
	enqueuer queue.Enqueuer
	log      zerolog.Logger
}

func NewConnector(accounts account.Store, registry *provider.Registry,
	enqueuer queue.Enqueuer, log zerolog.Logger) *Connector {
	return &Connector{accounts: accounts, registry: registry, enqueuer: enqueuer, log: log}
}

// Connect creates an account, performs provider setup, and activates
// it. Failures are fast and specific: account.ErrDuplicate, the
// provider error taxonomy for credential problems, or the transport
// error for unreachable providers. The account row survives a failed
// setup in Disconnected state so a retry can reuse it.
func (c *Connector) Connect(ctx context.Context, userID string, kind account.ProviderKind, address string) (*account.Account, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown provider kind %q", kind)
	}
	if address == "" {
		return nil, errors.New("mailbox address is required")
	}

	acct := &account.Account{
		ID:      uuid.NewString(),
		UserID:  userID,
		Kind:    kind,
		Address: address,
		Active:  false,
		State:   account.StateConnecting,
	}
	if err := c.accounts.Save(ctx, acct); err != nil {
		return nil, err // ErrDuplicate surfaces as-is
	}

	manager, err := c.registry.Manager(kind)
	if err != nil {
		return nil, err
	}

	if err := manager.Setup(ctx, acct); err != nil {
		acct.State = account.StateDisconnected
		if saveErr := c.accounts.Save(ctx, acct); saveErr != nil {
			c.log.Error().Err(saveErr).Str("account_id", acct.ID).
				Msg("failed to record setup failure")
		}
		return nil, fmt.Errorf("provider setup: %w", err)
	}

	// Active only after setup succeeded.
	acct.Active = true
	acct.State = account.StateActive
	if err := c.accounts.Save(ctx, acct); err != nil {
		return nil, fmt.Errorf("activate account: %w", err)
	}

	// Kick off the initial full sync in the background; connect never
	// blocks on it.
	if err := c.enqueuer.Enqueue(ctx, queue.NewJob(acct.ID, true)); err != nil {
		c.log.Error().Err(err).Str("account_id", acct.ID).
			Msg("failed to enqueue initial sync")
	}

	c.log.Info().Str("account_id", acct.ID).Str("kind", string(kind)).
		Str("address", address).Msg("account connected")
	return acct, nil
}

// Disconnect deactivates the account, then best-effort tears down the
// provider subscription. Teardown failure (commonly: the subscription
// already expired) is logged and treated as success; it never blocks
// deactivation.
func (c *Connector) Disconnect(ctx context.Context, accountID string) error {
	acct, err := c.accounts.Get(ctx, accountID)
	if err != nil {
		return err
	}

	acct.Active = false
	acct.State = account.StateDisconnected
	if err := c.accounts.UpdateSubscription(ctx, acct); err != nil {
		return fmt.Errorf("deactivate account: %w", err)
	}

	manager, err := c.registry.Manager(acct.Kind)
	if err != nil {
		return err
	}

	tctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := manager.Teardown(tctx, acct); err != nil {
		c.log.Warn().Err(err).Str("account_id", acct.ID).
			Msg("subscription teardown failed, continuing disconnect")
	}

	c.log.Info().Str("account_id", acct.ID).Msg("account disconnected")
	return nil
}
