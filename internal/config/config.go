package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full runtime configuration of the sync service.
type Config struct {
	Env        string `mapstructure:"env"` // "development" or "production"
	ListenAddr string `mapstructure:"listen_addr"`
	DataDir    string `mapstructure:"data_dir"`

	// Public base URL that providers deliver webhooks to. Must be HTTPS
	// in production; providers refuse plain-HTTP notification endpoints.
	WebhookBaseURL string `mapstructure:"webhook_base_url"`

	NATSURL        string `mapstructure:"nats_url"`
	AdminJWTSecret string `mapstructure:"admin_jwt_secret"`

	// Token broker that holds OAuth credentials and handles refresh.
	AuthServerURL string `mapstructure:"auth_server_url"`

	Outlook OutlookConfig `mapstructure:"outlook"`
	Gmail   GmailConfig   `mapstructure:"gmail"`
	IMAP    IMAPConfig    `mapstructure:"imap"`

	Sync    SyncConfig    `mapstructure:"sync"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Renewal RenewalConfig `mapstructure:"renewal"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

type OutlookConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	// Safety margin before the 3-day subscription expiry at which the
	// renewal sweep re-extends it.
	RenewalMargin time.Duration `mapstructure:"renewal_margin"`
}

type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	RedirectURI  string `mapstructure:"redirect_uri"`
	// Pub/Sub topic the watch publishes to, e.g. projects/x/topics/mail.
	PubSubTopic string `mapstructure:"pubsub_topic"`
	// Expected audience of the OIDC token on push requests. Empty
	// disables push authentication (dev only).
	PushAudience  string        `mapstructure:"push_audience"`
	RenewalMargin time.Duration `mapstructure:"renewal_margin"`
}

type IMAPConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	ReconnectDelay time.Duration `mapstructure:"reconnect_delay"`
	IdleCycle      time.Duration `mapstructure:"idle_cycle"`
}

type SyncConfig struct {
	BatchLimit int `mapstructure:"batch_limit"`
}

type QueueConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	JobTimeout     time.Duration `mapstructure:"job_timeout"`
	// Completed jobs are kept around this long for observability.
	CompletedRetention time.Duration `mapstructure:"completed_retention"`
}

type RenewalConfig struct {
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

type WebhookConfig struct {
	// Notifications whose publish time is older than this are dropped;
	// they are provider redeliveries after an outage.
	StaleAfter time.Duration `mapstructure:"stale_after"`
}

// Load reads configuration from an optional YAML file and MAILSYNC_*
// environment variables, applying defaults for everything else.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("env", "development")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("data_dir", "data")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")

	v.SetDefault("outlook.renewal_margin", 24*time.Hour)
	v.SetDefault("gmail.renewal_margin", 24*time.Hour)

	v.SetDefault("imap.poll_interval", 5*time.Minute)
	v.SetDefault("imap.reconnect_delay", 30*time.Second)
	v.SetDefault("imap.idle_cycle", 25*time.Minute)

	v.SetDefault("sync.batch_limit", 100)

	v.SetDefault("queue.workers", 5)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.initial_backoff", time.Second)
	v.SetDefault("queue.job_timeout", 60*time.Second)
	v.SetDefault("queue.completed_retention", time.Hour)

	v.SetDefault("renewal.sweep_interval", 24*time.Hour)
	v.SetDefault("webhook.stale_after", 5*time.Minute)

	v.SetEnvPrefix("MAILSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// provider-side failures at runtime.
func (c *Config) Validate() error {
	if c.Production() && !strings.HasPrefix(c.WebhookBaseURL, "https://") {
		return fmt.Errorf("webhook_base_url must be HTTPS in production, got %q", c.WebhookBaseURL)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1")
	}
	if c.Sync.BatchLimit < 1 {
		return fmt.Errorf("sync.batch_limit must be at least 1")
	}
	return nil
}

func (c *Config) Production() bool {
	return c.Env == "production"
}
