package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

const (
	DefaultConfigPath        = "config.toml"
	DefaultHTTPAddr          = ":8080"
	DefaultPGHost            = "127.0.0.1"
	DefaultPGPort            = 5432
	DefaultPGUser            = "postgres"
	DefaultPGDatabase        = "concierge"
	DefaultPGSSLMode         = "disable"
	DefaultAssistantBaseURL  = "https://api.openai.com/v1"
	DefaultGatewayBaseURL    = "https://api.gupshup.io"
	DefaultPollInterval      = time.Second
	DefaultMaxPollAttempts   = 10
	DefaultDeliveryAttempts  = 3
	DefaultDeliveryDelay     = time.Second
	DefaultDedupeTTL         = 60 * time.Second
	DefaultTenantRefresh     = "@every 15m"
	DefaultSweepSchedule     = "@every 15m"
	DefaultDedupeEvictSpec   = "@every 30s"
	DefaultHistoryLimit      = 10
	DefaultFallbackReply     = "Lo sentimos, en este momento no podemos responder. Un miembro de nuestro equipo te contactará pronto."
	DefaultEventTimeout      = 60 * time.Second
	DefaultAMQPExchange      = "concierge.events"
	DefaultTaskWorkers       = 4
	DefaultTaskQueueSize     = 256
	DefaultIMAPPollInterval  = 300
	DefaultAdminTokenExpires = "720h"
)

type Config struct {
	Log          LogConfig          `toml:"log"`
	Server       ServerConfig       `toml:"server"`
	Admin        AdminConfig        `toml:"admin"`
	Postgres     PostgresConfig     `toml:"postgres"`
	Tenants      TenantsConfig      `toml:"tenants"`
	Assistant    AssistantConfig    `toml:"assistant"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	Gateway      GatewayConfig      `toml:"gateway"`
	Delivery     DeliveryConfig     `toml:"delivery"`
	Calendar     CalendarConfig     `toml:"calendar"`
	Email        EmailConfig        `toml:"email"`
	Escalation   EscalationConfig   `toml:"escalation"`
	Dedupe       DedupeConfig       `toml:"dedupe"`
	Tasks        TasksConfig        `toml:"tasks"`
	AMQP         AMQPConfig         `toml:"amqp"`
}

type LogConfig struct {
	Level  string `toml:"level" validate:"oneof=debug info warn error"`
	Format string `toml:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Addr string `toml:"addr" validate:"required"`

	// EventTimeout bounds the processing of a single inbound event.
	EventTimeout Duration `toml:"event_timeout"`
}

type AdminConfig struct {
	// JWTSecret protects /admin routes. Empty disables the admin API.
	JWTSecret    string `toml:"jwt_secret"`
	JWTExpiresIn string `toml:"jwt_expires_in"`
}

type PostgresConfig struct {
	Host        string `toml:"host" validate:"required"`
	Port        int    `toml:"port" validate:"min=1,max=65535"`
	User        string `toml:"user"`
	Password    string `toml:"password"`
	Database    string `toml:"database" validate:"required"`
	SSLMode     string `toml:"sslmode"`
	AutoMigrate bool   `toml:"auto_migrate"`
}

type TenantsConfig struct {
	// Source is "postgres" or "file".
	Source  string `toml:"source" validate:"oneof=postgres file"`
	File    string `toml:"file" validate:"required_if=Source file"`
	Refresh string `toml:"refresh"`
}

type AssistantConfig struct {
	BaseURL string   `toml:"base_url" validate:"required,url"`
	APIKey  string   `toml:"api_key"`
	Timeout Duration `toml:"timeout"`
}

type OrchestratorConfig struct {
	PollInterval    Duration `toml:"poll_interval"`
	MaxPollAttempts int      `toml:"max_poll_attempts" validate:"min=1"`
	FallbackReply   string   `toml:"fallback_reply"`
}

type GatewayConfig struct {
	BaseURL string   `toml:"base_url" validate:"required,url"`
	Timeout Duration `toml:"timeout"`
}

type DeliveryConfig struct {
	MaxAttempts    int      `toml:"max_attempts" validate:"min=1"`
	RetryDelay     Duration `toml:"retry_delay"`
	TextChunkLimit int      `toml:"text_chunk_limit"`
}

type CalendarConfig struct {
	BaseURL      string   `toml:"base_url" validate:"omitempty,url"`
	ClientID     string   `toml:"client_id"`
	ClientSecret string   `toml:"client_secret"`
	TokenURL     string   `toml:"token_url" validate:"omitempty,url"`
	Scopes       []string `toml:"scopes"`
	Timeout      Duration `toml:"timeout"`
}

type EmailConfig struct {
	// Provider is "smtp" or "mailgun".
	Provider         string        `toml:"provider" validate:"oneof=smtp mailgun"`
	From             string        `toml:"from"`
	DefaultRecipient string        `toml:"default_recipient" validate:"omitempty,email"`
	Bcc              []string      `toml:"bcc" validate:"dive,email"`
	SMTP             SMTPConfig    `toml:"smtp"`
	Mailgun          MailgunConfig `toml:"mailgun"`
	IMAP             IMAPConfig    `toml:"imap"`
}

type SMTPConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	// Security is "tls", "starttls" or "none".
	Security string `toml:"security" validate:"omitempty,oneof=tls starttls none"`
}

type MailgunConfig struct {
	Domain            string `toml:"domain"`
	APIKey            string `toml:"api_key"`
	Region            string `toml:"region" validate:"omitempty,oneof=us eu"`
	// WebhookSigningKey verifies inbound route callbacks carrying operator replies.
	WebhookSigningKey string `toml:"webhook_signing_key"`
}

type IMAPConfig struct {
	Enabled             bool   `toml:"enabled"`
	Host                string `toml:"host" validate:"required_if=Enabled true"`
	Port                int    `toml:"port"`
	Username            string `toml:"username"`
	Password            string `toml:"password"`
	Security            string `toml:"security" validate:"omitempty,oneof=tls starttls none"`
	PollIntervalSeconds int    `toml:"poll_interval_seconds"`
}

type EscalationConfig struct {
	DashboardBaseURL string `toml:"dashboard_base_url"`
	HistoryLimit     int    `toml:"history_limit" validate:"min=1"`
	SweepSchedule    string `toml:"sweep_schedule"`
	SweepBatchSize   int    `toml:"sweep_batch_size"`
}

type DedupeConfig struct {
	TTL        Duration `toml:"ttl"`
	MaxEntries int      `toml:"max_entries"`
	EvictSpec  string   `toml:"evict_schedule"`
}

type TasksConfig struct {
	Workers   int `toml:"workers" validate:"min=1"`
	QueueSize int `toml:"queue_size" validate:"min=1"`
}

type AMQPConfig struct {
	// URL empty disables event publishing.
	URL             string `toml:"url"`
	Exchange        string `toml:"exchange"`
	PublishPoolSize int    `toml:"publish_pool_size"`
}

// Duration decodes TOML strings such as "1s" or "15m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:         DefaultHTTPAddr,
			EventTimeout: Duration{DefaultEventTimeout},
		},
		Admin: AdminConfig{
			JWTExpiresIn: DefaultAdminTokenExpires,
		},
		Postgres: PostgresConfig{
			Host:     DefaultPGHost,
			Port:     DefaultPGPort,
			User:     DefaultPGUser,
			Database: DefaultPGDatabase,
			SSLMode:  DefaultPGSSLMode,
		},
		Tenants: TenantsConfig{
			Source:  "postgres",
			Refresh: DefaultTenantRefresh,
		},
		Assistant: AssistantConfig{
			BaseURL: DefaultAssistantBaseURL,
			Timeout: Duration{30 * time.Second},
		},
		Orchestrator: OrchestratorConfig{
			PollInterval:    Duration{DefaultPollInterval},
			MaxPollAttempts: DefaultMaxPollAttempts,
			FallbackReply:   DefaultFallbackReply,
		},
		Gateway: GatewayConfig{
			BaseURL: DefaultGatewayBaseURL,
			Timeout: Duration{15 * time.Second},
		},
		Delivery: DeliveryConfig{
			MaxAttempts:    DefaultDeliveryAttempts,
			RetryDelay:     Duration{DefaultDeliveryDelay},
			TextChunkLimit: 4096,
		},
		Calendar: CalendarConfig{
			Timeout: Duration{15 * time.Second},
		},
		Email: EmailConfig{
			Provider: "smtp",
			SMTP: SMTPConfig{
				Port:     587,
				Security: "starttls",
			},
			Mailgun: MailgunConfig{
				Region: "us",
			},
			IMAP: IMAPConfig{
				Port:                993,
				Security:            "tls",
				PollIntervalSeconds: DefaultIMAPPollInterval,
			},
		},
		Escalation: EscalationConfig{
			HistoryLimit:   DefaultHistoryLimit,
			SweepSchedule:  DefaultSweepSchedule,
			SweepBatchSize: 100,
		},
		Dedupe: DedupeConfig{
			TTL:        Duration{DefaultDedupeTTL},
			MaxEntries: 10000,
			EvictSpec:  DefaultDedupeEvictSpec,
		},
		Tasks: TasksConfig{
			Workers:   DefaultTaskWorkers,
			QueueSize: DefaultTaskQueueSize,
		},
		AMQP: AMQPConfig{
			Exchange:        DefaultAMQPExchange,
			PublishPoolSize: 8,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return cfg, cfg.Validate()
		}
		return cfg, err
	}

	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// Validate checks struct tags on the whole tree.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// DSN builds a libpq-style connection string.
func (c PostgresConfig) DSN() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = DefaultPGSSLMode
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: "sslmode=" + url.QueryEscape(sslMode),
	}
	return u.String()
}
