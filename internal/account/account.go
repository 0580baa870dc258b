package account

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ProviderKind identifies one of the three supported mail backends.
// The set is closed; code dispatches on it with exhaustive switches,
// never by looking up arbitrary strings at runtime.
type ProviderKind string

const (
	// KindOutlook is the OAuth-webhook push backend (Graph subscriptions).
	KindOutlook ProviderKind = "OUTLOOK"
	// KindGmail is the Pub/Sub push backend (watch + history delta log).
	KindGmail ProviderKind = "GMAIL"
	// KindIMAP is the poll/IDLE backend with no push subscription.
	KindIMAP ProviderKind = "IMAP"
)

// Valid reports whether k is one of the known provider kinds.
func (k ProviderKind) Valid() bool {
	switch k {
	case KindOutlook, KindGmail, KindIMAP:
		return true
	}
	return false
}

// SupportsPush reports whether the kind uses time-limited provider-side
// subscriptions that need renewal.
func (k ProviderKind) SupportsPush() bool {
	return k == KindOutlook || k == KindGmail
}

// ConnState is the connection lifecycle state of a push-kind account.
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateActive       ConnState = "ACTIVE"
	StateRenewing     ConnState = "RENEWING"
)

// WebhookSession is the session state of an Outlook account: one Graph
// subscription with its shared clientState secret.
type WebhookSession struct {
	SubscriptionID string    `json:"subscriptionId"`
	ExpiresAt      time.Time `json:"expiresAt"`
	WebhookSecret  string    `json:"webhookSecret"`
	// Cursor is the receive timestamp of the newest message seen so far.
	Cursor time.Time `json:"cursor"`
}

// PubSubSession is the session state of a Gmail account: the history
// cursor of the delta log plus the watch expiry.
type PubSubSession struct {
	HistoryCursor  string    `json:"historyCursor"`
	WatchExpiresAt time.Time `json:"watchExpiresAt"`
}

// PollSession is the session state of an IMAP account.
type PollSession struct {
	SupportsIDLE bool      `json:"supportsIdle"`
	LastTestedAt time.Time `json:"lastTestedAt"`
	// Cursor is the receive timestamp of the newest message seen so far.
	Cursor time.Time `json:"cursor"`
}

// Session is a tagged union: exactly one of the three fields may be set,
// and it must match the owning account's ProviderKind.
type Session struct {
	Webhook *WebhookSession `json:"webhook,omitempty"`
	PubSub  *PubSubSession  `json:"pubsub,omitempty"`
	Poll    *PollSession    `json:"poll,omitempty"`
}

// ErrSessionShape is returned when a session does not match the
// account's provider kind, or more than one variant is populated.
var ErrSessionShape = errors.New("session state does not match provider kind")

// Account is one connected mailbox.
type Account struct {
	ID           string
	UserID       string
	Kind         ProviderKind
	Address      string
	Active       bool
	State        ConnState
	LastSyncedAt time.Time
	// Credentials is an encrypted blob, opaque to this subsystem; the
	// auth token broker knows how to turn it into usable tokens. Never
	// serialized to API clients.
	Credentials []byte `json:"-"`
	Session     Session
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Validate checks the session-shape invariant: the populated session
// variant must be the one for the account's kind, and only that one.
func (a *Account) Validate() error {
	if !a.Kind.Valid() {
		return fmt.Errorf("unknown provider kind %q", a.Kind)
	}
	n := 0
	if a.Session.Webhook != nil {
		n++
	}
	if a.Session.PubSub != nil {
		n++
	}
	if a.Session.Poll != nil {
		n++
	}
	if n > 1 {
		return fmt.Errorf("%w: %d session variants populated", ErrSessionShape, n)
	}
	if n == 0 {
		return nil // no session yet (account not connected)
	}
	var ok bool
	switch a.Kind {
	case KindOutlook:
		ok = a.Session.Webhook != nil
	case KindGmail:
		ok = a.Session.PubSub != nil
	case KindIMAP:
		ok = a.Session.Poll != nil
	}
	if !ok {
		return fmt.Errorf("%w: kind %s", ErrSessionShape, a.Kind)
	}
	return nil
}

// Cursor returns the account's sync cursor in its string form, or ""
// when no delta cursor has been recorded yet.
func (a *Account) Cursor() string {
	switch a.Kind {
	case KindGmail:
		if a.Session.PubSub != nil {
			return a.Session.PubSub.HistoryCursor
		}
	case KindOutlook, KindIMAP:
		if t := a.cursorTime(); !t.IsZero() {
			return t.UTC().Format(time.RFC3339Nano)
		}
	}
	return ""
}

func (a *Account) cursorTime() time.Time {
	switch a.Kind {
	case KindIMAP:
		if a.Session.Poll != nil {
			return a.Session.Poll.Cursor
		}
	case KindOutlook:
		if a.Session.Webhook != nil {
			return a.Session.Webhook.Cursor
		}
	}
	return time.Time{}
}

// SubscriptionExpiry returns the push subscription expiry, if any.
func (a *Account) SubscriptionExpiry() (time.Time, bool) {
	switch a.Kind {
	case KindOutlook:
		if a.Session.Webhook != nil {
			return a.Session.Webhook.ExpiresAt, true
		}
	case KindGmail:
		if a.Session.PubSub != nil {
			return a.Session.PubSub.WatchExpiresAt, true
		}
	}
	return time.Time{}, false
}

// SubscriptionRef returns the reference providers embed in their
// notifications: the subscription id for Outlook, the mailbox address
// for Gmail (Pub/Sub notifications carry only the address).
func (a *Account) SubscriptionRef() string {
	switch a.Kind {
	case KindOutlook:
		if a.Session.Webhook != nil {
			return a.Session.Webhook.SubscriptionID
		}
	case KindGmail:
		return a.Address
	}
	return ""
}

// MarshalSession serializes the session union for storage.
func (a *Account) MarshalSession() ([]byte, error) {
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(a.Session)
}

// UnmarshalSession restores the session union from storage and checks
// the shape invariant against the account kind.
func (a *Account) UnmarshalSession(data []byte) error {
	if len(data) == 0 {
		a.Session = Session{}
		return nil
	}
	if err := json.Unmarshal(data, &a.Session); err != nil {
		return fmt.Errorf("decode session: %w", err)
	}
	return a.Validate()
}
