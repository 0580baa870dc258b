package message

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(accountID, nativeID string) *Record {
	return &Record{
		ID:         nativeID + "-row",
		AccountID:  accountID,
		NativeID:   nativeID,
		Sender:     Address{Email: "alice@example.com", Name: "Alice"},
		Subject:    "hello",
		ReceivedAt: time.Now().Add(-time.Minute),
	}
}

func TestInsertBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	batch := []*Record{record("a1", "m1"), record("a1", "m2")}

	inserted, err := s.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, inserted, 2)

	// Refetching the same messages inserts nothing.
	inserted, err = s.InsertBatch(ctx, []*Record{record("a1", "m1"), record("a1", "m2")})
	require.NoError(t, err)
	assert.Empty(t, inserted)

	// A mixed batch reports only the genuinely new row.
	inserted, err = s.InsertBatch(ctx, []*Record{record("a1", "m2"), record("a1", "m3")})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "m3", inserted[0].NativeID)
}

func TestNativeIDScopedPerAccount(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	// The same provider id under two accounts is two records.
	inserted, err := s.InsertBatch(ctx, []*Record{record("a1", "m1"), record("a2", "m1")})
	require.NoError(t, err)
	assert.Len(t, inserted, 2)

	ok, err := s.Exists(ctx, "a1", "m1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "a3", "m1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCountSince(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	old := record("a1", "old")
	old.ReceivedAt = time.Now().Add(-48 * time.Hour)
	fresh := record("a1", "fresh")

	_, err := s.InsertBatch(ctx, []*Record{old, fresh})
	require.NoError(t, err)

	n, err := s.CountSince(ctx, "a1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestUpdateLabels(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	_, err := s.InsertBatch(ctx, []*Record{record("a1", "m1")})
	require.NoError(t, err)

	require.NoError(t, s.UpdateLabels(ctx, "a1", "m1", []string{"INBOX", "UNREAD"}))
	assert.ErrorIs(t, s.UpdateLabels(ctx, "a1", "missing", nil), ErrRecordNotFound)
}
