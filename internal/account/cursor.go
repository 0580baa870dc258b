package account

import (
	"strconv"
	"time"
)

// CursorNewer reports whether candidate is strictly newer than current
// for the given provider kind. Gmail cursors are numeric history ids;
// the other kinds use RFC3339 timestamps. Unparseable candidates are
// never considered newer.
func CursorNewer(kind ProviderKind, current, candidate string) bool {
	if candidate == "" {
		return false
	}
	if current == "" {
		return true
	}
	switch kind {
	case KindGmail:
		cur, err1 := strconv.ParseUint(current, 10, 64)
		cand, err2 := strconv.ParseUint(candidate, 10, 64)
		if err2 != nil {
			return false
		}
		if err1 != nil {
			return true
		}
		return cand > cur
	default:
		cur, err1 := time.Parse(time.RFC3339Nano, current)
		cand, err2 := time.Parse(time.RFC3339Nano, candidate)
		if err2 != nil {
			return false
		}
		if err1 != nil {
			return true
		}
		return cand.After(cur)
	}
}

// ApplyCursor writes candidate onto the account's session state if it
// is newer than the stored cursor. Returns whether anything changed.
func ApplyCursor(a *Account, candidate string, now time.Time) bool {
	if !CursorNewer(a.Kind, a.Cursor(), candidate) {
		return false
	}
	if !setCursor(a, candidate) {
		return false
	}
	a.LastSyncedAt = now
	a.UpdatedAt = now
	return true
}

// setCursor writes candidate into the kind's session variant without
// touching timestamps or checking ordering.
func setCursor(a *Account, candidate string) bool {
	switch a.Kind {
	case KindGmail:
		if a.Session.PubSub == nil {
			a.Session.PubSub = &PubSubSession{}
		}
		a.Session.PubSub.HistoryCursor = candidate
	case KindIMAP:
		t, err := time.Parse(time.RFC3339Nano, candidate)
		if err != nil {
			return false
		}
		if a.Session.Poll == nil {
			a.Session.Poll = &PollSession{}
		}
		a.Session.Poll.Cursor = t
	case KindOutlook:
		t, err := time.Parse(time.RFC3339Nano, candidate)
		if err != nil {
			return false
		}
		if a.Session.Webhook == nil {
			a.Session.Webhook = &WebhookSession{}
		}
		a.Session.Webhook.Cursor = t
	}
	return true
}

// mergeStoredCursor keeps the newer of a's cursor and the one already
// persisted. Callers writing a session snapshot back use it so a
// cursor advanced by a concurrent sync run is never rewound.
func mergeStoredCursor(a *Account, stored string) {
	if CursorNewer(a.Kind, a.Cursor(), stored) {
		setCursor(a, stored)
	}
}
