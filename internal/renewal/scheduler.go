// Package renewal keeps time-limited provider subscriptions alive with
// a periodic sweep over active push-kind accounts.
package renewal

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

// Summary is the outcome of one sweep.
type Summary struct {
	Renewed int
	Failed  int
	Skipped int
}

// Scheduler sweeps active accounts on a fixed interval and renews any
// subscription expiring within the per-kind margin. The margin is
// configured per provider kind: a 24h margin means something quite
// different against Outlook's 3-day window than Gmail's 7-day one.
type Scheduler struct {
	accounts account.Store
	registry *provider.Registry
	margins  map[account.ProviderKind]time.Duration
	interval time.Duration
	log      zerolog.Logger

	now func() time.Time
}

func NewScheduler(accounts account.Store, registry *provider.Registry,
	margins map[account.ProviderKind]time.Duration, interval time.Duration,
	log zerolog.Logger) *Scheduler {
	return &Scheduler{
		accounts: accounts,
		registry: registry,
		margins:  margins,
		interval: interval,
		log:      log,
		now:      time.Now,
	}
}

// Run executes sweeps until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			summary := s.Sweep(ctx)
			s.log.Info().Int("renewed", summary.Renewed).Int("failed", summary.Failed).
				Int("skipped", summary.Skipped).Msg("renewal sweep complete")
		}
	}
}

// Sweep renews every active push-kind account whose subscription
// expires within its margin. Per-account failures are logged and do
// not halt the sweep.
func (s *Scheduler) Sweep(ctx context.Context) Summary {
	var summary Summary

	accounts, err := s.accounts.ListActive(ctx, "")
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list accounts for renewal")
		return summary
	}

	for _, acct := range accounts {
		if !acct.Kind.SupportsPush() {
			continue
		}

		expiry, ok := acct.SubscriptionExpiry()
		if !ok {
			// Active push account without session state should not
			// happen; renew repairs it below rather than skipping.
			expiry = s.now()
		}

		margin := s.margins[acct.Kind]
		if margin <= 0 {
			margin = 24 * time.Hour
		}
		if expiry.After(s.now().Add(margin)) {
			summary.Skipped++
			continue
		}

		if err := s.renewOne(ctx, acct); err != nil {
			summary.Failed++
			s.log.Error().Err(err).Str("account_id", acct.ID).
				Str("kind", string(acct.Kind)).Msg("subscription renewal failed")
			continue
		}
		summary.Renewed++
	}
	return summary
}

func (s *Scheduler) renewOne(ctx context.Context, acct *account.Account) error {
	manager, err := s.registry.Manager(acct.Kind)
	if err != nil {
		return err
	}

	// Writes go through UpdateSubscription: this snapshot is as old as
	// the sweep listing, and a full-row save would rewind any cursor a
	// sync run advanced in the meantime.
	acct.State = account.StateRenewing
	if err := manager.Renew(ctx, acct); err != nil {
		// Renew already fell back to Setup internally; both failing
		// drops the account to Disconnected.
		acct.State = account.StateDisconnected
		acct.Active = false
		if saveErr := s.accounts.UpdateSubscription(ctx, acct); saveErr != nil {
			s.log.Error().Err(saveErr).Str("account_id", acct.ID).
				Msg("failed to record renewal failure")
		}
		return err
	}

	acct.State = account.StateActive
	return s.accounts.UpdateSubscription(ctx, acct)
}
