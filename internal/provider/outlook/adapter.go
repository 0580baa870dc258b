// Package outlook implements the OAuth-webhook provider on Microsoft
// Graph: timestamp-based delta listing plus change-notification
// subscriptions delivered straight to our webhook endpoint.
package outlook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	"golang.org/x/time/rate"

	"github.com/kestrel-dev/mailsync-infra/internal/auth"
	"github.com/kestrel-dev/mailsync-infra/internal/message"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
)

// Graph throttles mailbox access at 4 concurrent / ~150 req per 10s
// per mailbox; keep a generous client-side margin.
var apiLimiter = rate.NewLimiter(rate.Limit(10), 20)

var metadataSelect = []string{
	"id", "subject", "from", "toRecipients", "ccRecipients", "bccRecipients",
	"bodyPreview", "hasAttachments", "receivedDateTime", "categories",
}

// Adapter implements provider.MailProvider for one Outlook account.
type Adapter struct {
	client *msgraphsdk.GraphServiceClient
}

// NewAdapter builds an adapter from an OAuth token.
func NewAdapter(tok *auth.Token) (*Adapter, error) {
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(
		&staticTokenCredential{token: tok.AccessToken, expiry: tok.Expiry}, nil)
	if err != nil {
		return nil, fmt.Errorf("create Graph client: %w", err)
	}
	return &Adapter{client: client}, nil
}

// ListSince returns message metadata. The Outlook cursor is a receive
// timestamp: an empty cursor lists the most recent limit messages, a
// set one filters on receivedDateTime.
func (a *Adapter) ListSince(ctx context.Context, cursor string, limit int) (*provider.Listing, error) {
	if err := apiLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	params, err := listQuery(cursor, limit)
	if err != nil {
		return nil, err
	}

	result, err := a.client.Me().Messages().Get(ctx, &users.ItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: params,
	})
	if err != nil {
		return nil, classify(err)
	}

	listing := &provider.Listing{}
	var newest time.Time
	for _, msg := range result.GetValue() {
		meta := normalize(msg)
		listing.Messages = append(listing.Messages, *meta)
		if meta.ReceivedAt.After(newest) {
			newest = meta.ReceivedAt
		}
	}
	if !newest.IsZero() {
		listing.NextCursor = newest.UTC().Format(time.RFC3339Nano)
	}
	return listing, nil
}

// listQuery builds the Graph query for one listing. A delta listing
// orders oldest-first: Top truncates the page, and the resulting
// cursor (the newest timestamp among returned messages) must sit on
// the last message handed back, not on newer ones the truncation cut
// off. The initial cursor-less listing wants the newest limit
// messages instead, so it orders newest-first.
func listQuery(cursor string, limit int) (*users.ItemMessagesRequestBuilderGetQueryParameters, error) {
	params := &users.ItemMessagesRequestBuilderGetQueryParameters{
		Top:     int32Ptr(int32(limit)),
		Select:  metadataSelect,
		Orderby: []string{"receivedDateTime desc"},
	}
	if cursor != "" {
		since, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: malformed timestamp cursor %q", provider.ErrCursorExpired, cursor)
		}
		params.Orderby = []string{"receivedDateTime asc"}
		filter := fmt.Sprintf("receivedDateTime gt %s", since.UTC().Format("2006-01-02T15:04:05.000Z"))
		params.Filter = &filter
	}
	return params, nil
}

// Fetch retrieves one full message on demand.
func (a *Adapter) Fetch(ctx context.Context, nativeID string) (*provider.FullMessage, error) {
	if err := apiLimiter.Wait(ctx); err != nil {
		return nil, err
	}

	msg, err := a.client.Me().Messages().ByMessageId(nativeID).Get(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}

	full := &provider.FullMessage{Meta: *normalize(msg)}
	if body := msg.GetBody(); body != nil {
		content := deref(body.GetContent())
		if bt := body.GetContentType(); bt != nil && *bt == models.HTML_BODYTYPE {
			full.HTMLBody = content
		} else {
			full.TextBody = content
		}
	}
	return full, nil
}

// classify maps Graph failures onto the provider error taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var odataErr *odataerrors.ODataError
	if errors.As(err, &odataErr) {
		switch odataErr.ResponseStatusCode {
		case 401, 403:
			return fmt.Errorf("%w: %v", provider.ErrAuthFailed, err)
		case 404:
			return fmt.Errorf("%w: %v", provider.ErrNotFound, err)
		case 429:
			return fmt.Errorf("%w: %v", provider.ErrRateLimited, err)
		}
	}
	return err
}

// normalize converts a Graph message to provider metadata.
func normalize(m models.Messageable) *provider.MessageMeta {
	meta := &provider.MessageMeta{
		NativeID: deref(m.GetId()),
		Subject:  deref(m.GetSubject()),
		Preview:  deref(m.GetBodyPreview()),
		Labels:   m.GetCategories(),
	}

	if from := m.GetFrom(); from != nil {
		meta.Sender = recipientAddress(from)
	}
	for _, rs := range [][]models.Recipientable{m.GetToRecipients(), m.GetCcRecipients(), m.GetBccRecipients()} {
		for _, r := range rs {
			meta.Recipients = append(meta.Recipients, recipientAddress(r))
		}
	}

	if has := m.GetHasAttachments(); has != nil {
		meta.HasAttachments = *has
	}
	if rcvd := m.GetReceivedDateTime(); rcvd != nil {
		meta.ReceivedAt = rcvd.UTC()
	}
	return meta
}

func recipientAddress(r models.Recipientable) message.Address {
	addr := message.Address{}
	if ea := r.GetEmailAddress(); ea != nil {
		addr.Email = deref(ea.GetAddress())
		addr.Name = deref(ea.GetName())
	}
	return addr
}

// staticTokenCredential hands the already-acquired access token to the
// Graph SDK; refresh happens in the auth service, not here.
type staticTokenCredential struct {
	token  string
	expiry time.Time
}

func (c *staticTokenCredential) GetToken(ctx context.Context, options policy.TokenRequestOptions) (azcore.AccessToken, error) {
	return azcore.AccessToken{Token: c.token, ExpiresOn: c.expiry}, nil
}

func int32Ptr(i int32) *int32 { return &i }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
