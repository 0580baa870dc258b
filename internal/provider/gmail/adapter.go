// Package gmail implements the Pub/Sub-push provider: history-based
// delta sync plus a watch subscription that pushes "something changed"
// notifications through Pub/Sub.
package gmail

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/kestrel-dev/mailsync-infra/internal/auth"
	"github.com/kestrel-dev/mailsync-infra/internal/message"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

// Gmail caps metadata requests around 250 quota units/s per user; one
// messages.get costs 5. Stay comfortably under that.
var apiLimiter = rate.NewLimiter(rate.Limit(25), 50)

// Adapter implements provider.MailProvider for one Gmail account.
type Adapter struct {
	svc *gmailapi.Service
}

// NewAdapter builds an adapter from an OAuth token.
func NewAdapter(ctx context.Context, tok *auth.Token) (*Adapter, error) {
	oauthToken := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
	}
	httpClient := (&oauth2.Config{Scopes: []string{gmailapi.GmailReadonlyScope}}).Client(ctx, oauthToken)

	svc, err := gmailapi.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create Gmail service: %w", err)
	}
	return &Adapter{svc: svc}, nil
}

// ListSince returns message metadata. An empty cursor lists the most
// recent limit messages; otherwise the history delta log is walked from
// the cursor, surfacing provider.ErrCursorExpired when Gmail no longer
// resolves it.
func (a *Adapter) ListSince(ctx context.Context, cursor string, limit int) (*provider.Listing, error) {
	if cursor == "" {
		return a.listRecent(ctx, limit)
	}
	return a.listHistory(ctx, cursor, limit)
}

func (a *Adapter) listRecent(ctx context.Context, limit int) (*provider.Listing, error) {
	if err := apiLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	resp, err := a.svc.Users.Messages.List("me").
		IncludeSpamTrash(false).
		MaxResults(int64(limit)).
		Context(ctx).Do()
	if err != nil {
		return nil, classify(err, false)
	}

	listing := &provider.Listing{}
	for _, m := range resp.Messages {
		meta, err := a.getMeta(ctx, m.Id)
		if err != nil {
			return nil, err
		}
		listing.Messages = append(listing.Messages, *meta)
	}

	// Cursor for future delta syncs is the mailbox's current history id.
	profile, err := a.svc.Users.GetProfile("me").Context(ctx).Do()
	if err == nil && profile.HistoryId != 0 {
		listing.NextCursor = strconv.FormatUint(profile.HistoryId, 10)
	}
	return listing, nil
}

func (a *Adapter) listHistory(ctx context.Context, cursor string, limit int) (*provider.Listing, error) {
	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed history cursor %q", provider.ErrCursorExpired, cursor)
	}

	listing := &provider.Listing{}
	latest := startID
	seen := make(map[string]bool)

	call := a.svc.Users.History.List("me").
		StartHistoryId(startID).
		HistoryTypes("messageAdded").
		MaxResults(int64(limit))

	err = call.Pages(ctx, func(page *gmailapi.ListHistoryResponse) error {
		for _, h := range page.History {
			if len(listing.Messages) >= limit {
				return errBatchFull
			}
			for _, added := range h.MessagesAdded {
				id := added.Message.Id
				if seen[id] {
					continue
				}
				if len(listing.Messages) >= limit {
					// Record only partially collected; leaving the
					// cursor before it retries the rest next run, and
					// the skip-on-conflict store absorbs the overlap.
					return errBatchFull
				}
				seen[id] = true

				meta, err := a.getMeta(ctx, id)
				if err != nil {
					if errors.Is(err, provider.ErrNotFound) {
						continue // deleted between history entry and fetch
					}
					return err
				}
				listing.Messages = append(listing.Messages, *meta)
			}
			// The cursor moves only past records whose messages were all
			// collected; anything the limit cut off stays ahead of it.
			if h.Id > latest {
				latest = h.Id
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, errBatchFull) {
		return nil, classify(err, true)
	}

	listing.NextCursor = strconv.FormatUint(latest, 10)
	return listing, nil
}

// errBatchFull stops history pagination once the batch limit is
// reached; it never leaves listHistory.
var errBatchFull = errors.New("history batch limit reached")

func (a *Adapter) getMeta(ctx context.Context, id string) (*provider.MessageMeta, error) {
	if err := apiLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	m, err := a.svc.Users.Messages.Get("me", id).Format("metadata").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, false)
	}
	return normalize(m), nil
}

// Fetch retrieves the full message on demand; it is never persisted.
func (a *Adapter) Fetch(ctx context.Context, nativeID string) (*provider.FullMessage, error) {
	if err := apiLimiter.Wait(ctx); err != nil {
		return nil, err
	}
	m, err := a.svc.Users.Messages.Get("me", nativeID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify(err, false)
	}

	full := &provider.FullMessage{Meta: *normalize(m)}
	full.TextBody, full.HTMLBody = extractBodies(m.Payload)
	return full, nil
}

// classify maps Gmail API failures onto the provider error taxonomy.
// historyContext treats 404 as an expired cursor rather than a missing
// message.
func classify(err error, historyContext bool) error {
	if err == nil {
		return nil
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case 401:
			return fmt.Errorf("%w: %v", provider.ErrAuthFailed, err)
		case 403:
			if strings.Contains(apiErr.Message, "rateLimitExceeded") ||
				strings.Contains(apiErr.Message, "userRateLimitExceeded") {
				return fmt.Errorf("%w: %v", provider.ErrRateLimited, err)
			}
			return fmt.Errorf("%w: %v", provider.ErrAuthFailed, err)
		case 404:
			if historyContext {
				return fmt.Errorf("%w: %v", provider.ErrCursorExpired, err)
			}
			return provider.ErrNotFound
		case 429:
			return fmt.Errorf("%w: %v", provider.ErrRateLimited, err)
		}
	}
	return err
}

// normalize converts a Gmail message to provider metadata.
func normalize(m *gmailapi.Message) *provider.MessageMeta {
	headers := make(map[string]string)
	if m.Payload != nil {
		for _, kv := range m.Payload.Headers {
			headers[kv.Name] = kv.Value
		}
	}

	meta := &provider.MessageMeta{
		NativeID:       m.Id,
		Sender:         parseAddress(headers["From"]),
		Subject:        headers["Subject"],
		Preview:        m.Snippet,
		HasAttachments: hasAttachments(m.Payload),
		ReceivedAt:     time.UnixMilli(m.InternalDate).UTC(),
		Labels:         m.LabelIds,
	}
	for _, field := range []string{"To", "Cc", "Bcc"} {
		meta.Recipients = append(meta.Recipients, parseAddressList(headers[field])...)
	}
	return meta
}

func parseAddress(s string) message.Address {
	if s == "" {
		return message.Address{}
	}
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return message.Address{Email: strings.TrimSpace(s)}
	}
	return message.Address{Email: addr.Address, Name: addr.Name}
}

func parseAddressList(s string) []message.Address {
	if s == "" {
		return nil
	}
	addrs, err := mail.ParseAddressList(s)
	if err != nil {
		// Fall back to comma splitting for the occasional header that
		// net/mail refuses.
		var out []message.Address
		for _, part := range strings.Split(s, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, message.Address{Email: trimmed})
			}
		}
		return out
	}
	out := make([]message.Address, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, message.Address{Email: a.Address, Name: a.Name})
	}
	return out
}

func hasAttachments(p *gmailapi.MessagePart) bool {
	if p == nil {
		return false
	}
	for _, part := range p.Parts {
		if part.Filename != "" {
			return true
		}
		if hasAttachments(part) {
			return true
		}
	}
	return false
}

func decodeBody(data string) string {
	b, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(data)
	if err != nil {
		return ""
	}
	return string(b)
}

func extractBodies(p *gmailapi.MessagePart) (text, html string) {
	if p == nil {
		return "", ""
	}
	if p.Body != nil && p.Body.Data != "" {
		decoded := decodeBody(p.Body.Data)
		switch p.MimeType {
		case "text/plain":
			return decoded, ""
		case "text/html":
			return "", decoded
		}
	}
	for _, part := range p.Parts {
		t, h := extractBodies(part)
		if text == "" {
			text = t
		}
		if html == "" {
			html = h
		}
	}
	return text, html
}
