// Package webhook ingests provider push notifications: validate,
// resolve to an account, enqueue a sync job, and answer immediately.
// Providers enforce short response SLAs on webhook endpoints and
// disable subscriptions that miss them, so nothing here ever waits on
// a sync.
package webhook

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/queue"
)

// PushVerifier abstracts OIDC verification of Pub/Sub push requests;
// nil disables verification (dev mode).
type PushVerifier interface {
	VerifyRequest(r *http.Request) error
}

// Handler holds the webhook ingestion dependencies.
type Handler struct {
	accounts   account.Store
	enqueuer   queue.Enqueuer
	verifier   PushVerifier
	staleAfter time.Duration
	log        zerolog.Logger

	// now is swappable in tests.
	now func() time.Time
}

func NewHandler(accounts account.Store, enqueuer queue.Enqueuer, verifier PushVerifier,
	staleAfter time.Duration, log zerolog.Logger) *Handler {
	return &Handler{
		accounts:   accounts,
		enqueuer:   enqueuer,
		verifier:   verifier,
		staleAfter: staleAfter,
		log:        log,
		now:        time.Now,
	}
}

// Register mounts the webhook routes.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/webhooks/outlook", h.handleOutlook)
	r.POST("/webhooks/gmail", h.handleGmail)
}

// graphNotification is one entry of a Graph change-notification batch.
type graphNotification struct {
	SubscriptionID string `json:"subscriptionId"`
	ClientState    string `json:"clientState"`
	ChangeType     string `json:"changeType"`
	ResourceData   struct {
		ID string `json:"id"`
	} `json:"resourceData"`
}

type graphEnvelope struct {
	Value []graphNotification `json:"value"`
}

// handleOutlook serves both request shapes on one route: the
// synchronous validation handshake Graph issues right after
// subscription creation, and asynchronous notification batches.
func (h *Handler) handleOutlook(c *gin.Context) {
	// Validation handshake: echo the token back verbatim, plain text.
	if token := c.Query("validationToken"); token != "" {
		c.String(http.StatusOK, "%s", token)
		return
	}

	var envelope graphEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		h.log.Warn().Err(err).Msg("malformed outlook notification")
		c.Status(http.StatusBadRequest)
		return
	}

	for _, n := range envelope.Value {
		h.ingestOutlook(c, n)
	}

	// Always acknowledge; Graph retries on anything else and disables
	// chronically failing subscriptions.
	c.Status(http.StatusAccepted)
}

func (h *Handler) ingestOutlook(c *gin.Context, n graphNotification) {
	log := h.log.With().Str("subscription_id", n.SubscriptionID).Logger()

	acct, err := h.accounts.GetBySubscriptionRef(c.Request.Context(), n.SubscriptionID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			log.Warn().Msg("notification for unknown subscription, dropping")
		} else {
			log.Error().Err(err).Msg("account lookup failed")
		}
		return
	}

	// clientState is the shared secret written at subscription time.
	// Mismatches are dropped, never retried: they indicate a spoofed or
	// stale sender.
	if acct.Session.Webhook == nil || acct.Session.Webhook.WebhookSecret != n.ClientState {
		log.Warn().Str("account_id", acct.ID).Msg("clientState mismatch, dropping notification")
		return
	}

	job := queue.NewJob(acct.ID, false)
	job.MessageHint = n.ResourceData.ID
	if err := h.enqueuer.Enqueue(c.Request.Context(), job); err != nil {
		log.Error().Err(err).Str("account_id", acct.ID).Msg("failed to enqueue sync job")
		return
	}
	log.Debug().Str("account_id", acct.ID).Msg("sync job enqueued from outlook notification")
}

// pubsubEnvelope is the Pub/Sub push wrapper; data is base64 JSON.
type pubsubEnvelope struct {
	Message struct {
		Data        string    `json:"data"`
		MessageID   string    `json:"messageId"`
		PublishTime time.Time `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// gmailChange is the decoded payload: Gmail only says "something
// changed, walk the history log from your cursor".
type gmailChange struct {
	EmailAddress string `json:"emailAddress"`
	HistoryID    uint64 `json:"historyId"`
}

func (h *Handler) handleGmail(c *gin.Context) {
	if h.verifier != nil {
		if err := h.verifier.VerifyRequest(c.Request); err != nil {
			h.log.Warn().Err(err).Msg("push authentication failed")
			c.Status(http.StatusUnauthorized)
			return
		}
	}

	// Malformed pushes are acknowledged and dropped: Pub/Sub redelivers
	// anything non-2xx, and an undecodable message stays undecodable.
	var envelope pubsubEnvelope
	if err := c.ShouldBindJSON(&envelope); err != nil {
		h.log.Warn().Err(err).Msg("malformed pubsub envelope, dropping")
		c.Status(http.StatusOK)
		return
	}

	// Staleness guard: old publish times mean Pub/Sub is redelivering a
	// backlog after an outage. Re-processing is harmless for
	// correctness but wastes worker capacity; the next fresh
	// notification covers the same history range anyway.
	if h.staleAfter > 0 && !envelope.Message.PublishTime.IsZero() {
		if h.now().Sub(envelope.Message.PublishTime) > h.staleAfter {
			h.log.Debug().Time("publish_time", envelope.Message.PublishTime).
				Msg("stale notification dropped")
			c.Status(http.StatusOK)
			return
		}
	}

	raw, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		h.log.Warn().Err(err).Msg("undecodable pubsub data, dropping")
		c.Status(http.StatusOK)
		return
	}

	var change gmailChange
	if err := json.Unmarshal(raw, &change); err != nil || change.EmailAddress == "" {
		h.log.Warn().Err(err).Msg("malformed gmail change payload, dropping")
		c.Status(http.StatusOK)
		return
	}

	acct, err := h.accounts.GetByAddress(c.Request.Context(), change.EmailAddress)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			h.log.Warn().Str("address", change.EmailAddress).
				Msg("notification for unknown mailbox, dropping")
			// 200 so Pub/Sub stops redelivering it.
			c.Status(http.StatusOK)
		} else {
			h.log.Error().Err(err).Msg("account lookup failed")
			c.Status(http.StatusInternalServerError)
		}
		return
	}

	if err := h.enqueuer.Enqueue(c.Request.Context(), queue.NewJob(acct.ID, false)); err != nil {
		h.log.Error().Err(err).Str("account_id", acct.ID).Msg("failed to enqueue sync job")
		c.Status(http.StatusInternalServerError)
		return
	}

	h.log.Debug().Str("account_id", acct.ID).Msg("sync job enqueued from gmail notification")
	c.Status(http.StatusOK)
}
