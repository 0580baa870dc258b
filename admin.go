package main

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/imapmon"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
	"github.com/kestrel-dev/mailsync-infra/internal/queue"
	"github.com/kestrel-dev/mailsync-infra/internal/sync"
)

type adminDeps struct {
	accounts  account.Store
	connector *sync.Connector
	jobs      queue.Queue
	monitors  *imapmon.Supervisor
	log       zerolog.Logger
}

type connectRequest struct {
	Kind    string `json:"kind" binding:"required"`
	Address string `json:"address" binding:"required"`
}

// registerAdminRoutes mounts the management API: connect/disconnect
// mailboxes, trigger syncs, inspect dead-lettered jobs.
func registerAdminRoutes(r gin.IRouter, deps adminDeps) {
	r.POST("/accounts", func(c *gin.Context) {
		var req connectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		userID := c.GetString("user_id")
		acct, err := deps.connector.Connect(c.Request.Context(), userID,
			account.ProviderKind(req.Kind), req.Address)
		if err != nil {
			status := http.StatusBadGateway
			switch {
			case errors.Is(err, account.ErrDuplicate):
				status = http.StatusConflict
			case errors.Is(err, provider.ErrAuthFailed):
				status = http.StatusUnauthorized
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		if acct.Kind == account.KindIMAP {
			deps.monitors.Watch(c.Request.Context(), acct)
		}

		c.JSON(http.StatusCreated, acct)
	})

	r.DELETE("/accounts/:id", func(c *gin.Context) {
		id := c.Param("id")
		deps.monitors.Unwatch(id)

		if err := deps.connector.Disconnect(c.Request.Context(), id); err != nil {
			if errors.Is(err, account.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		// purge=true removes the row entirely; the default keeps it in
		// Disconnected state for reconnection.
		if c.Query("purge") == "true" {
			if err := deps.accounts.Delete(c.Request.Context(), id); err != nil {
				deps.log.Error().Err(err).Str("account_id", id).Msg("failed to purge account")
			}
		}
		c.Status(http.StatusNoContent)
	})

	r.GET("/accounts", func(c *gin.Context) {
		kind := account.ProviderKind(c.Query("kind"))
		accts, err := deps.accounts.ListActive(c.Request.Context(), kind)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, accts)
	})

	r.GET("/accounts/:id", func(c *gin.Context) {
		acct, err := deps.accounts.Get(c.Request.Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, account.ErrNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "account not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		resp := gin.H{"account": acct}
		if acct.Kind == account.KindIMAP {
			resp["monitor_state"] = deps.monitors.StateOf(acct.ID)
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/accounts/:id/sync", func(c *gin.Context) {
		full := c.Query("full") == "true"
		job := queue.NewJob(c.Param("id"), full)
		if err := deps.jobs.Enqueue(c.Request.Context(), job); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"job_id": job.ID})
	})

	r.GET("/jobs/dead", func(c *gin.Context) {
		dead, err := deps.jobs.DeadLetters(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, dead)
	})
}
