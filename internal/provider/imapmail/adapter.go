// Package imapmail implements the poll-only provider over IMAP. There
// is no provider-side subscription; push-like behavior comes from the
// IDLE monitor, and sync cursors are message receive timestamps.
package imapmail

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/kestrel-dev/mailsync-infra/internal/auth"
	"github.com/kestrel-dev/mailsync-infra/internal/message"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

const previewBytes = 512

// Adapter implements provider.MailProvider over a short-lived IMAP
// session per call. The long-lived IDLE connection is owned by the
// monitor, never by the adapter.
type Adapter struct {
	creds *auth.IMAPCredentials
}

func NewAdapter(creds *auth.IMAPCredentials) *Adapter {
	return &Adapter{creds: creds}
}

// Dial connects and authenticates a fresh session.
func Dial(creds *auth.IMAPCredentials) (*imapclient.Client, error) {
	return DialWithOptions(creds, nil)
}

// DialWithOptions is Dial with client options; the IDLE monitor uses it
// to register a unilateral-data handler.
func DialWithOptions(creds *auth.IMAPCredentials, options *imapclient.Options) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", creds.Host, creds.Port)

	var client *imapclient.Client
	var err error
	if creds.TLS {
		client, err = imapclient.DialTLS(addr, options)
	} else {
		client, err = imapclient.DialStartTLS(addr, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial IMAP %s: %w", addr, err)
	}

	if err := client.Login(creds.Username, creds.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, fmt.Errorf("%w: IMAP login for %s: %v", provider.ErrAuthFailed, creds.Username, err)
	}
	return client, nil
}

// ListSince lists INBOX metadata. The cursor is an RFC3339 receive
// timestamp; empty means the most recent limit messages. IMAP SINCE
// has day granularity, so results are re-filtered client-side; the
// skip-on-conflict store absorbs the overlap.
func (a *Adapter) ListSince(ctx context.Context, cursor string, limit int) (*provider.Listing, error) {
	var since time.Time
	if cursor != "" {
		t, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed timestamp cursor %q", provider.ErrCursorExpired, cursor)
		}
		since = t
	}

	client, err := Dial(a.creds)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{}
	if !since.IsZero() {
		criteria.Since = since
	}

	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return &provider.Listing{}, nil
	}
	if limit > 0 && len(uids) > limit {
		if since.IsZero() {
			// Initial sync wants the newest limit messages.
			uids = uids[len(uids)-limit:]
		} else {
			// Delta sync keeps the oldest limit new messages: the
			// resulting cursor is the newest returned timestamp, so
			// dropping older UIDs here would move it past messages
			// never handed back. SINCE matched whole days, so resolve
			// internal dates first to skip what the cursor covers.
			uids, err = a.oldestNewUIDs(client, uids, since, limit)
			if err != nil {
				return nil, err
			}
			if len(uids) == 0 {
				return &provider.Listing{}, nil
			}
		}
	}

	previewSection := &imap.FetchItemBodySection{
		Specifier: imap.PartSpecifierText,
		Peek:      true,
		Partial:   &imap.SectionPartial{Offset: 0, Size: previewBytes},
	}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		Envelope:      true,
		InternalDate:  true,
		UID:           true,
		BodyStructure: &imap.FetchItemBodyStructure{},
		BodySection:   []*imap.FetchItemBodySection{previewSection},
	})
	defer fetchCmd.Close()

	listing := &provider.Listing{}
	var newest time.Time
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}

		meta := normalize(buf, previewSection)
		if meta.NativeID == "" {
			continue
		}
		// SINCE matched whole days; drop what the cursor already covers.
		if !since.IsZero() && !meta.ReceivedAt.After(since) {
			continue
		}

		listing.Messages = append(listing.Messages, *meta)
		if meta.ReceivedAt.After(newest) {
			newest = meta.ReceivedAt
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch metadata: %w", err)
	}

	if !newest.IsZero() {
		listing.NextCursor = newest.UTC().Format(time.RFC3339Nano)
	}
	return listing, nil
}

// oldestNewUIDs resolves internal dates for the candidate UIDs with a
// date-only fetch and returns the UIDs of the oldest limit messages
// received after since.
func (a *Adapter) oldestNewUIDs(client *imapclient.Client, uids []imap.UID, since time.Time, limit int) ([]imap.UID, error) {
	fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
		InternalDate: true,
		UID:          true,
	})
	defer fetchCmd.Close()

	var dated []uidDate
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		buf, err := msg.Collect()
		if err != nil {
			continue
		}
		dated = append(dated, uidDate{uid: buf.UID, date: buf.InternalDate})
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("fetch internal dates: %w", err)
	}
	return selectNewUIDs(dated, since, limit), nil
}

type uidDate struct {
	uid  imap.UID
	date time.Time
}

// selectNewUIDs keeps messages received after since, oldest first,
// capped at limit.
func selectNewUIDs(dated []uidDate, since time.Time, limit int) []imap.UID {
	var fresh []uidDate
	for _, d := range dated {
		if d.date.After(since) {
			fresh = append(fresh, d)
		}
	}
	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].date.Equal(fresh[j].date) {
			return fresh[i].uid < fresh[j].uid
		}
		return fresh[i].date.Before(fresh[j].date)
	})
	if limit > 0 && len(fresh) > limit {
		fresh = fresh[:limit]
	}
	out := make([]imap.UID, len(fresh))
	for i, d := range fresh {
		out[i] = d.uid
	}
	return out
}

// Fetch retrieves one full message by its Message-ID header.
func (a *Adapter) Fetch(ctx context.Context, nativeID string) (*provider.FullMessage, error) {
	client, err := Dial(a.creds)
	if err != nil {
		return nil, err
	}
	defer func() { _ = client.Logout().Wait() }()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return nil, fmt.Errorf("select INBOX: %w", err)
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-Id", Value: nativeID}},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search by message id: %w", err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, provider.ErrNotFound
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchCmd := client.Fetch(imap.UIDSetNum(uids[0]), &imap.FetchOptions{
		Envelope:     true,
		InternalDate: true,
		UID:          true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	})
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return nil, provider.ErrNotFound
	}
	buf, err := msg.Collect()
	if err != nil {
		return nil, fmt.Errorf("collect message: %w", err)
	}

	full := &provider.FullMessage{Meta: *normalize(buf, nil)}
	if raw := buf.FindBodySection(bodySection); raw != nil {
		full.TextBody, full.HTMLBody = parseBodies(raw)
	}
	if err := fetchCmd.Close(); err != nil {
		return full, fmt.Errorf("close fetch: %w", err)
	}
	return full, nil
}

// normalize converts a fetched message buffer to provider metadata.
func normalize(buf *imapclient.FetchMessageBuffer, previewSection *imap.FetchItemBodySection) *provider.MessageMeta {
	meta := &provider.MessageMeta{
		ReceivedAt: buf.InternalDate.UTC(),
	}

	if env := buf.Envelope; env != nil {
		meta.NativeID = env.MessageID
		meta.Subject = env.Subject
		if len(env.From) > 0 {
			meta.Sender = message.Address{Email: env.From[0].Addr(), Name: env.From[0].Name}
		}
		for _, list := range [][]imap.Address{env.To, env.Cc, env.Bcc} {
			for _, addr := range list {
				meta.Recipients = append(meta.Recipients, message.Address{Email: addr.Addr(), Name: addr.Name})
			}
		}
		if meta.ReceivedAt.IsZero() && !env.Date.IsZero() {
			meta.ReceivedAt = env.Date.UTC()
		}
	}

	if bs := buf.BodyStructure; bs != nil {
		meta.HasAttachments = structureHasAttachments(bs)
	}

	if previewSection != nil {
		if raw := buf.FindBodySection(previewSection); len(raw) > 0 {
			meta.Preview = cleanPreview(string(raw))
		}
	}

	for _, flag := range buf.Flags {
		meta.Labels = append(meta.Labels, string(flag))
	}
	return meta
}

func structureHasAttachments(bs imap.BodyStructure) bool {
	found := false
	bs.Walk(func(path []int, part imap.BodyStructure) bool {
		if found {
			return false
		}
		if d := part.Disposition(); d != nil && strings.EqualFold(d.Value, "attachment") {
			found = true
			return false
		}
		return true
	})
	return found
}

func cleanPreview(s string) string {
	s = strings.ReplaceAll(s, "\r\n", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
