package imapmail

import (
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/assert"
)

func TestSelectNewUIDs(t *testing.T) {
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	dated := []uidDate{
		{uid: 10, date: base.Add(-2 * time.Hour)}, // covered by cursor
		{uid: 11, date: base.Add(-1 * time.Hour)}, // covered by cursor
		{uid: 12, date: base.Add(1 * time.Hour)},
		{uid: 13, date: base.Add(2 * time.Hour)},
		{uid: 14, date: base.Add(3 * time.Hour)},
	}

	t.Run("keeps the oldest new messages under the limit", func(t *testing.T) {
		// The cursor becomes the newest returned timestamp, so the
		// truncation has to drop the newest UIDs, not the oldest:
		// anything older than the cursor would never be listed again.
		got := selectNewUIDs(dated, base, 2)
		assert.Equal(t, []imap.UID{12, 13}, got)
	})

	t.Run("drops day-overlap the cursor already covers", func(t *testing.T) {
		got := selectNewUIDs(dated, base, 10)
		assert.Equal(t, []imap.UID{12, 13, 14}, got)
	})

	t.Run("all covered yields nothing", func(t *testing.T) {
		got := selectNewUIDs(dated, base.Add(4*time.Hour), 10)
		assert.Empty(t, got)
	})

	t.Run("equal dates order by uid", func(t *testing.T) {
		same := []uidDate{
			{uid: 21, date: base.Add(time.Hour)},
			{uid: 20, date: base.Add(time.Hour)},
		}
		got := selectNewUIDs(same, base, 1)
		assert.Equal(t, []imap.UID{20}, got)
	})
}
