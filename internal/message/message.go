package message

import (
	"context"
	"errors"
	"time"
)

// ErrRecordNotFound is returned by updates targeting an unknown record.
var ErrRecordNotFound = errors.New("message record not found")

// Address is a mail participant: bare address plus optional display name.
type Address struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

// Record is the persisted metadata of one message. (AccountID, NativeID)
// is globally unique and serves as the idempotency key for sync writes.
// Records are immutable after insert except for label updates; bodies
// are never stored, they are fetched on demand through the provider.
type Record struct {
	ID             string
	AccountID      string
	NativeID       string
	Sender         Address
	Recipients     []Address
	Subject        string
	Preview        string
	HasAttachments bool
	ReceivedAt     time.Time
	Labels         []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store is the collaborator persisting message metadata.
type Store interface {
	// InsertBatch inserts records with skip-on-conflict semantics keyed
	// on (AccountID, NativeID) and returns only the records that were
	// actually inserted. Re-inserting known messages is harmless.
	InsertBatch(ctx context.Context, records []*Record) ([]*Record, error)
	Exists(ctx context.Context, accountID, nativeID string) (bool, error)
	CountSince(ctx context.Context, accountID string, since time.Time) (int, error)
	// UpdateLabels replaces the label set of one record.
	UpdateLabels(ctx context.Context, accountID, nativeID string, labels []string) error
}
