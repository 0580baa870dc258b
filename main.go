package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/kestrel-dev/mailsync-infra/internal/account"
	"github.com/kestrel-dev/mailsync-infra/internal/auth"
	"github.com/kestrel-dev/mailsync-infra/internal/config"
	"github.com/kestrel-dev/mailsync-infra/internal/events"
	"github.com/kestrel-dev/mailsync-infra/internal/imapmon"
	"github.com/kestrel-dev/mailsync-infra/internal/message"
	"github.com/kestrel-dev/mailsync-infra/internal/provider"
	"github.com/kestrel-dev/mailsync-infra/internal/provider/gmail"
	"github.com/kestrel-dev/mailsync-infra/internal/provider/imapmail"
	"github.com/kestrel-dev/mailsync-infra/internal/provider/outlook"
	"github.com/kestrel-dev/mailsync-infra/internal/queue"
	"github.com/kestrel-dev/mailsync-infra/internal/reliability"
	"github.com/kestrel-dev/mailsync-infra/internal/renewal"
	"github.com/kestrel-dev/mailsync-infra/internal/sync"
	"github.com/kestrel-dev/mailsync-infra/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		boot := zerolog.New(os.Stderr)
		boot.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if !cfg.Production() {
		log = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
		log = log.Level(zerolog.DebugLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}

	accounts, err := account.OpenSQLite(filepath.Join(cfg.DataDir, "accounts.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open account store")
	}
	defer accounts.Close()

	messages, err := message.OpenSQLite(filepath.Join(cfg.DataDir, "messages.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open message store")
	}
	defer messages.Close()

	jobs, err := queue.OpenSQLite(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open job queue")
	}
	defer jobs.Close()

	var publisher events.Publisher
	if nats, err := events.NewNATSPublisher(cfg.NATSURL, log); err != nil {
		log.Warn().Err(err).Msg("nats unavailable, falling back to log publisher")
		publisher = &events.LogPublisher{Log: log}
	} else {
		defer nats.Close()
		publisher = nats
	}

	authClient := auth.NewClient(cfg.AuthServerURL)

	registry := provider.NewRegistry()
	registry.Register(account.KindGmail,
		func(ctx context.Context, a *account.Account) (provider.MailProvider, error) {
			tok, err := authClient.GetOAuthToken(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			return gmail.NewAdapter(ctx, tok)
		},
		gmail.NewManager(authClient, cfg.Gmail.PubSubTopic, log),
	)
	registry.Register(account.KindOutlook,
		func(ctx context.Context, a *account.Account) (provider.MailProvider, error) {
			tok, err := authClient.GetOAuthToken(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			return outlook.NewAdapter(tok)
		},
		outlook.NewManager(authClient, cfg.WebhookBaseURL+"/webhooks/outlook", log),
	)
	registry.Register(account.KindIMAP,
		func(ctx context.Context, a *account.Account) (provider.MailProvider, error) {
			creds, err := authClient.GetIMAPCredentials(ctx, a.ID)
			if err != nil {
				return nil, err
			}
			return imapmail.NewAdapter(creds), nil
		},
		imapmail.NewManager(authClient, log),
	)

	engine := sync.NewEngine(accounts, messages, registry, publisher, cfg.Sync.BatchLimit, log)

	poolCfg := queue.DefaultPoolConfig()
	poolCfg.Workers = cfg.Queue.Workers
	poolCfg.MaxAttempts = cfg.Queue.MaxAttempts
	poolCfg.JobTimeout = cfg.Queue.JobTimeout
	poolCfg.CompletedRetention = cfg.Queue.CompletedRetention
	poolCfg.Retry = reliability.DefaultRetryConfig()
	poolCfg.Retry.InitialDelay = cfg.Queue.InitialBackoff

	pool := queue.NewPool(jobs, func(ctx context.Context, job queue.Job) error {
		_, err := engine.Run(ctx, job.AccountID, job.FullSync)
		return err
	}, poolCfg, log)
	pool.Start(ctx)
	defer pool.Stop()

	connector := sync.NewConnector(accounts, registry, jobs, log)

	monitors := imapmon.NewSupervisor(authClient, jobs, imapmon.Config{
		PollInterval:   cfg.IMAP.PollInterval,
		ReconnectDelay: cfg.IMAP.ReconnectDelay,
		IdleCycle:      cfg.IMAP.IdleCycle,
	}, log)
	defer monitors.Stop()

	// Resume monitoring for IMAP accounts that were active before the
	// last shutdown.
	if imapAccounts, err := accounts.ListActive(ctx, account.KindIMAP); err != nil {
		log.Error().Err(err).Msg("failed to list imap accounts for monitoring")
	} else {
		for _, a := range imapAccounts {
			monitors.Watch(ctx, a)
		}
	}

	var verifier webhook.PushVerifier
	if cfg.Gmail.PushAudience != "" {
		v, err := auth.NewPushVerifier(auth.GoogleJWKSURL, cfg.Gmail.PushAudience)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to initialize push verifier")
		}
		verifier = v
	} else if cfg.Production() {
		log.Fatal().Msg("gmail.push_audience must be set in production")
	}

	margins := map[account.ProviderKind]time.Duration{
		account.KindOutlook: cfg.Outlook.RenewalMargin,
		account.KindGmail:   cfg.Gmail.RenewalMargin,
	}
	renewer := renewal.NewScheduler(accounts, registry, margins, cfg.Renewal.SweepInterval, log)
	go renewer.Run(ctx)

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(ginLogger(log), gin.Recovery())

	webhook.NewHandler(accounts, jobs, verifier, cfg.Webhook.StaleAfter, log).Register(r)

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	admin := r.Group("/api")
	admin.Use(adminAuth([]byte(cfg.AdminJWTSecret)))
	registerAdminRoutes(admin, adminDeps{
		accounts:  accounts,
		connector: connector,
		jobs:      jobs,
		monitors:  monitors,
		log:       log,
	})

	srv := &http.Server{Addr: cfg.ListenAddr, Handler: r}
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("mailsync listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown failed")
	}
}

// adminAuth guards the management API with a bearer HS256 token.
func adminAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}
		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims["sub"].(string); sub != "" {
				c.Set("user_id", sub)
			}
		}
		c.Next()
	}
}

func ginLogger(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	}
}
