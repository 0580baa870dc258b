// Package sync turns triggered or scheduled sync requests into
// idempotent metadata writes: fetch through the provider adapter,
// insert with skip-on-conflict, emit one event per newly stored
// record, and advance the account cursor monotonically.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/events"
	"github.com/kestrel-dev/mailsync-infra/internal/message"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

// ErrAccountInactive rejects sync requests for deactivated accounts.
var ErrAccountInactive = errors.New("account is not active")

// Result summarizes one sync run.
type Result struct {
	Fetched    int
	Inserted   int
	FellBack   bool
	NextCursor string
}

// Engine executes sync runs against the collaborator stores.
type Engine struct {
	accounts   account.Store
	messages   message.Store
	registry   *provider.Registry
	publisher  events.Publisher
	batchLimit int
	log        zerolog.Logger
}

func NewEngine(accounts account.Store, messages message.Store, registry *provider.Registry,
	publisher events.Publisher, batchLimit int, log zerolog.Logger) *Engine {
	if batchLimit < 1 {
		batchLimit = 100
	}
	return &Engine{
		accounts:   accounts,
		messages:   messages,
		registry:   registry,
		publisher:  publisher,
		batchLimit: batchLimit,
		log:        log,
	}
}

// Run syncs one account. fullSync forces a cursor-less listing; so does
// a missing cursor. A delta listing whose cursor the provider can no
// longer resolve falls back to a cursor-less listing within the same
// run and still succeeds.
func (e *Engine) Run(ctx context.Context, accountID string, fullSync bool) (*Result, error) {
	acct, err := e.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if !acct.Active {
		return nil, fmt.Errorf("%w: %s", ErrAccountInactive, accountID)
	}

	adapter, err := e.registry.Adapter(ctx, acct)
	if err != nil {
		return nil, fmt.Errorf("build adapter: %w", err)
	}

	log := e.log.With().Str("account_id", acct.ID).Str("kind", string(acct.Kind)).Logger()

	cursor := acct.Cursor()
	if fullSync {
		cursor = ""
	}

	result := &Result{}
	listing, err := adapter.ListSince(ctx, cursor, e.batchLimit)
	if err != nil && cursor != "" && errors.Is(err, provider.ErrCursorExpired) {
		// Cursor too old to resolve: one cursor-less listing for this
		// run, invisible to the caller.
		log.Info().Msg("delta cursor expired, falling back to full listing")
		result.FellBack = true
		listing, err = adapter.ListSince(ctx, "", e.batchLimit)
	}
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	result.Fetched = len(listing.Messages)

	records := make([]*message.Record, 0, len(listing.Messages))
	for i := range listing.Messages {
		rec, err := buildRecord(acct.ID, &listing.Messages[i])
		if err != nil {
			// Per-item failures never abort the batch.
			log.Warn().Err(err).Str("native_id", listing.Messages[i].NativeID).
				Msg("skipping malformed message metadata")
			continue
		}
		records = append(records, rec)
	}

	inserted, err := e.messages.InsertBatch(ctx, records)
	if err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}
	result.Inserted = len(inserted)

	// One event per newly inserted record; refetched known messages
	// stay silent.
	for _, rec := range inserted {
		e.publishReceived(acct, rec)
	}

	now := time.Now()
	if listing.NextCursor != "" {
		moved, err := e.accounts.AdvanceCursor(ctx, acct.ID, listing.NextCursor, now)
		if err != nil {
			return nil, fmt.Errorf("advance cursor: %w", err)
		}
		if moved {
			result.NextCursor = listing.NextCursor
		}
	} else {
		// Nothing new, but record that we looked. A targeted touch, not
		// a full-row save: this run's snapshot may predate a cursor
		// another run advanced.
		if err := e.accounts.TouchLastSynced(ctx, acct.ID, now); err != nil {
			log.Warn().Err(err).Msg("failed to update lastSyncedAt")
		}
	}

	e.publishSynced(acct, result)

	log.Debug().Int("fetched", result.Fetched).Int("inserted", result.Inserted).
		Bool("fell_back", result.FellBack).Msg("sync run complete")
	return result, nil
}

// buildRecord validates and converts one metadata item. Malformed
// items (no native id, unusable sender) are rejected here so the rest
// of the batch proceeds.
func buildRecord(accountID string, meta *provider.MessageMeta) (*message.Record, error) {
	if meta.NativeID == "" {
		return nil, errors.New("missing provider message id")
	}
	if meta.Sender.Email == "" && meta.Sender.Name == "" {
		return nil, errors.New("missing sender address")
	}
	received := meta.ReceivedAt
	if received.IsZero() {
		return nil, errors.New("missing receive timestamp")
	}

	return &message.Record{
		ID:             uuid.NewString(),
		AccountID:      accountID,
		NativeID:       meta.NativeID,
		Sender:         meta.Sender,
		Recipients:     meta.Recipients,
		Subject:        meta.Subject,
		Preview:        meta.Preview,
		HasAttachments: meta.HasAttachments,
		ReceivedAt:     received,
		Labels:         meta.Labels,
	}, nil
}

func (e *Engine) publishReceived(acct *account.Account, rec *message.Record) {
	payload, err := json.Marshal(map[string]any{
		"event_id":            uuid.NewString(),
		"account_id":          acct.ID,
		"user_id":             acct.UserID,
		"provider":            string(acct.Kind),
		"provider_message_id": rec.NativeID,
		"subject":             rec.Subject,
		"sender":              rec.Sender,
		"preview":             rec.Preview,
		"has_attachments":     rec.HasAttachments,
		"received_at":         rec.ReceivedAt.UTC(),
		"labels":              rec.Labels,
	})
	if err != nil {
		e.log.Error().Err(err).Msg("failed to encode event payload")
		return
	}
	// Msg id keys broker-side dedup to the same (account, message)
	// identity the store uses.
	msgID := fmt.Sprintf("%s|%s|%s", events.TopicMessageReceived, acct.ID, rec.NativeID)
	e.publisher.Publish(events.TopicMessageReceived, payload, msgID)
}

func (e *Engine) publishSynced(acct *account.Account, res *Result) {
	eventID := uuid.NewString()
	payload, err := json.Marshal(map[string]any{
		"event_id":   eventID,
		"account_id": acct.ID,
		"provider":   string(acct.Kind),
		"fetched":    res.Fetched,
		"inserted":   res.Inserted,
		"fell_back":  res.FellBack,
	})
	if err != nil {
		e.log.Error().Err(err).Msg("failed to encode event payload")
		return
	}
	e.publisher.Publish(events.TopicAccountSynced, payload, eventID)
}
