package message

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "messages.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSQLiteInsertBatchIdempotent(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	batch := []*Record{record("a1", "m1"), record("a1", "m2")}
	inserted, err := s.InsertBatch(ctx, batch)
	require.NoError(t, err)
	assert.Len(t, inserted, 2)

	// Redelivered batch with one new message: only the new row counts.
	inserted, err = s.InsertBatch(ctx, []*Record{record("a1", "m1"), record("a1", "m3")})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	assert.Equal(t, "m3", inserted[0].NativeID)

	ok, err := s.Exists(ctx, "a1", "m2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteRoundTripFields(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	rec := record("a1", "m1")
	rec.Recipients = []Address{{Email: "bob@example.com", Name: "Bob"}}
	rec.Labels = []string{"INBOX", "UNREAD"}
	rec.HasAttachments = true
	rec.Preview = "short preview text"

	_, err := s.InsertBatch(ctx, []*Record{rec})
	require.NoError(t, err)

	n, err := s.CountSince(ctx, "a1", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLiteUpdateLabels(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	_, err := s.InsertBatch(ctx, []*Record{record("a1", "m1")})
	require.NoError(t, err)

	require.NoError(t, s.UpdateLabels(ctx, "a1", "m1", []string{"ARCHIVE"}))
	assert.ErrorIs(t, s.UpdateLabels(ctx, "a1", "nope", nil), ErrRecordNotFound)
}
