package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/memohai/concierge/internal/assistant"
	"github.com/memohai/concierge/internal/calendar"
	"github.com/memohai/concierge/internal/channel"
	"github.com/memohai/concierge/internal/config"
	"github.com/memohai/concierge/internal/conversation"
	"github.com/memohai/concierge/internal/db"
	"github.com/memohai/concierge/internal/dedupe"
	"github.com/memohai/concierge/internal/delivery"
	"github.com/memohai/concierge/internal/detector"
	emailpkg "github.com/memohai/concierge/internal/email"
	emailgeneric "github.com/memohai/concierge/internal/email/adapters/generic"
	emailmailgun "github.com/memohai/concierge/internal/email/adapters/mailgun"
	"github.com/memohai/concierge/internal/escalation"
	"github.com/memohai/concierge/internal/events"
	"github.com/memohai/concierge/internal/handlers"
	postgreschecker "github.com/memohai/concierge/internal/healthcheck/checkers/postgres"
	tenantschecker "github.com/memohai/concierge/internal/healthcheck/checkers/tenants"
	"github.com/memohai/concierge/internal/ingress"
	"github.com/memohai/concierge/internal/logger"
	"github.com/memohai/concierge/internal/orchestrator"
	"github.com/memohai/concierge/internal/schedule"
	"github.com/memohai/concierge/internal/server"
	"github.com/memohai/concierge/internal/tasks"
	"github.com/memohai/concierge/internal/tenant"
	"github.com/memohai/concierge/internal/version"
)

const scheduledJobTimeout = 5 * time.Minute

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the webhook server and background jobs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			runServe(cfg)
			return nil
		},
	}
}

func runServe(cfg config.Config) {
	fx.New(
		fx.Supply(cfg),
		fx.Provide(
			provideLogger,
			provideDBConn,
			provideTenantSource,
			provideTenantRegistry,
			detector.New,
			provideConversationStore,
			conversation.NewThreadCache,
			provideConversationResolver,
			provideDedupeGuard,
			provideAssistantProvider,
			provideToolRegistry,
			provideOrchestrator,
			provideGateway,
			provideEventPublisher,
			provideDispatcher,
			provideEmailAdapters,
			provideOutbox,
			provideMailer,
			provideNotifier,
			provideSweeper,
			provideRelay,
			provideTaskQueue,
			provideProcessor,
			provideScheduleService,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideHealthHandler),
			provideServerHandler(provideWebhookHandler),
			provideServerHandler(provideAdminHandler),
			provideServerHandler(provideEmailReplyHandler),
			provideServer,
		),
		fx.Invoke(
			startTenantRegistry,
			startTaskQueue,
			startScheduleService,
			startEmailReceiver,
			startServer,
		),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (*pgxpool.Pool, error) {
	if cfg.Postgres.AutoMigrate {
		if err := db.MigrateUp(log, cfg.Postgres); err != nil {
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}
	conn, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { conn.Close(); return nil }})
	return conn, nil
}

func provideTenantSource(cfg config.Config, conn *pgxpool.Pool) tenant.Source {
	if cfg.Tenants.Source == "file" {
		return tenant.NewFileSource(cfg.Tenants.File)
	}
	return tenant.NewPostgresSource(conn)
}

func provideTenantRegistry(log *slog.Logger, source tenant.Source, det *detector.Detector) *tenant.Registry {
	registry := tenant.NewRegistry(log, source)
	registry.OnReload(func([]tenant.TenantConfig) { det.InvalidateAll() })
	return registry
}

func provideConversationStore(conn *pgxpool.Pool) *conversation.PostgresStore {
	return conversation.NewPostgresStore(conn)
}

func provideConversationResolver(log *slog.Logger, store *conversation.PostgresStore, threads *conversation.ThreadCache) *conversation.Resolver {
	return conversation.NewResolver(log, store, threads)
}

func provideDedupeGuard(cfg config.Config) *dedupe.Guard {
	return dedupe.NewGuard(cfg.Dedupe.TTL.Duration, cfg.Dedupe.MaxEntries)
}

func provideAssistantProvider(log *slog.Logger, cfg config.Config) assistant.Provider {
	return assistant.NewHTTPProvider(log, cfg.Assistant.BaseURL, cfg.Assistant.APIKey, cfg.Assistant.Timeout.Duration)
}

func provideToolRegistry(log *slog.Logger, cfg config.Config) (*orchestrator.ToolRegistry, error) {
	registry := orchestrator.NewToolRegistry()
	if cfg.Calendar.BaseURL == "" {
		log.Info("calendar disabled; assistant runs without tools")
		return registry, nil
	}
	svc := calendar.NewHTTPClient(log, calendar.Options{
		BaseURL:      cfg.Calendar.BaseURL,
		ClientID:     cfg.Calendar.ClientID,
		ClientSecret: cfg.Calendar.ClientSecret,
		TokenURL:     cfg.Calendar.TokenURL,
		Scopes:       cfg.Calendar.Scopes,
		Timeout:      cfg.Calendar.Timeout.Duration,
	})
	if err := orchestrator.RegisterCalendarTools(registry, svc); err != nil {
		return nil, fmt.Errorf("register calendar tools: %w", err)
	}
	return registry, nil
}

func provideOrchestrator(log *slog.Logger, cfg config.Config, provider assistant.Provider, resolver *conversation.Resolver, tools *orchestrator.ToolRegistry) *orchestrator.Orchestrator {
	return orchestrator.New(log, provider, resolver, tools, orchestrator.Options{
		PollInterval:    cfg.Orchestrator.PollInterval.Duration,
		MaxPollAttempts: cfg.Orchestrator.MaxPollAttempts,
	})
}

func provideGateway(log *slog.Logger, cfg config.Config) channel.Gateway {
	return channel.NewHTTPGateway(log, cfg.Gateway.BaseURL, cfg.Gateway.Timeout.Duration)
}

func provideEventPublisher(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (events.Publisher, error) {
	if cfg.AMQP.URL == "" {
		return events.Nop{}, nil
	}
	pub, err := events.DialAMQP(log, cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.PublishPoolSize)
	if err != nil {
		return nil, fmt.Errorf("amqp dial: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return pub.Close() }})
	return pub, nil
}

func provideDispatcher(log *slog.Logger, cfg config.Config, gateway channel.Gateway, store *conversation.PostgresStore, publisher events.Publisher) *delivery.Dispatcher {
	return delivery.NewDispatcher(log, gateway, store, publisher, delivery.Options{
		MaxAttempts:    cfg.Delivery.MaxAttempts,
		RetryDelay:     cfg.Delivery.RetryDelay.Duration,
		TextChunkLimit: cfg.Delivery.TextChunkLimit,
	})
}

// emailAdapters carries the configured provider. Receiver is set for smtp+imap,
// Webhook for mailgun.
type emailAdapters struct {
	Provider emailpkg.ProviderName
	Sender   emailpkg.Sender
	Receiver emailpkg.Receiver
	Webhook  emailpkg.WebhookReceiver
}

func provideEmailAdapters(log *slog.Logger, cfg config.Config) emailAdapters {
	if cfg.Email.Provider == "mailgun" {
		adapter := emailmailgun.New(log, cfg.Email.Mailgun)
		return emailAdapters{Provider: emailmailgun.ProviderName, Sender: adapter, Webhook: adapter}
	}
	adapter := emailgeneric.New(log, cfg.Email.SMTP, cfg.Email.IMAP)
	out := emailAdapters{Provider: emailgeneric.ProviderName, Sender: adapter}
	if cfg.Email.IMAP.Enabled {
		out.Receiver = adapter
	}
	return out
}

func provideOutbox(log *slog.Logger, conn *pgxpool.Pool) *emailpkg.OutboxService {
	return emailpkg.NewOutboxService(log, conn)
}

func provideMailer(log *slog.Logger, cfg config.Config, adapters emailAdapters, outbox *emailpkg.OutboxService) *emailpkg.Mailer {
	return emailpkg.NewMailer(log, adapters.Provider, adapters.Sender, outbox, cfg.Email.From, cfg.Email.Bcc)
}

func provideNotifier(log *slog.Logger, cfg config.Config, store *conversation.PostgresStore, registry *tenant.Registry, mailer *emailpkg.Mailer, publisher events.Publisher) *escalation.Notifier {
	return escalation.NewNotifier(log, store, registry, mailer, publisher, escalation.Options{
		DashboardBaseURL: cfg.Escalation.DashboardBaseURL,
		HistoryLimit:     cfg.Escalation.HistoryLimit,
		DefaultRecipient: cfg.Email.DefaultRecipient,
	})
}

func provideSweeper(log *slog.Logger, cfg config.Config, store *conversation.PostgresStore, notifier *escalation.Notifier) *escalation.Sweeper {
	return escalation.NewSweeper(log, store, notifier, cfg.Escalation.SweepBatchSize)
}

func provideRelay(log *slog.Logger, cfg config.Config, store *conversation.PostgresStore, registry *tenant.Registry, dispatcher *delivery.Dispatcher) *escalation.Relay {
	return escalation.NewRelay(log, store, registry, dispatcher, cfg.Email.DefaultRecipient)
}

func provideTaskQueue(log *slog.Logger, cfg config.Config) *tasks.Queue {
	return tasks.NewQueue(log, cfg.Tasks.Workers, cfg.Tasks.QueueSize)
}

type processorParams struct {
	fx.In
	Logger       *slog.Logger
	Config       config.Config
	Registry     *tenant.Registry
	Guard        *dedupe.Guard
	Resolver     *conversation.Resolver
	Store        *conversation.PostgresStore
	Orchestrator *orchestrator.Orchestrator
	Detector     *detector.Detector
	Dispatcher   *delivery.Dispatcher
	Notifier     *escalation.Notifier
	Queue        *tasks.Queue
	Publisher    events.Publisher
}

func provideProcessor(p processorParams) *ingress.Processor {
	return ingress.NewProcessor(p.Logger, ingress.Deps{
		Tenants:       p.Registry,
		Guard:         p.Guard,
		Conversations: p.Resolver,
		Store:         p.Store,
		Assistant:     p.Orchestrator,
		Detector:      p.Detector,
		Delivery:      p.Dispatcher,
		Escalation:    p.Notifier,
		Tasks:         p.Queue,
		Publisher:     p.Publisher,
		FallbackReply: p.Config.Orchestrator.FallbackReply,
	})
}

func provideWebhookHandler(log *slog.Logger, cfg config.Config, processor *ingress.Processor, queue *tasks.Queue) *handlers.WhatsAppWebhookHandler {
	return handlers.NewWhatsAppWebhookHandler(log, processor, queue, cfg.Server.EventTimeout.Duration)
}

func provideHealthHandler(log *slog.Logger, conn *pgxpool.Pool, registry *tenant.Registry) *handlers.HealthHandler {
	return handlers.NewHealthHandler(log,
		postgreschecker.NewChecker(log, conn, 2*time.Second),
		tenantschecker.NewChecker(registry),
	)
}

func provideAdminHandler(log *slog.Logger, registry *tenant.Registry, store *conversation.PostgresStore, sweeper *escalation.Sweeper) *handlers.AdminHandler {
	return handlers.NewAdminHandler(log, registry, store, sweeper)
}

func provideEmailReplyHandler(log *slog.Logger, adapters emailAdapters, relay *escalation.Relay) *handlers.EmailReplyHandler {
	if adapters.Webhook == nil {
		return handlers.NewEmailReplyHandler(log, nil, nil)
	}
	return handlers.NewEmailReplyHandler(log, adapters.Webhook, relay.HandleInbound)
}

type serverParams struct {
	fx.In
	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) *server.Server {
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Admin.JWTSecret, params.ServerHandlers...)
}

func provideScheduleService(log *slog.Logger, cfg config.Config, registry *tenant.Registry, sweeper *escalation.Sweeper, guard *dedupe.Guard) (*schedule.Service, error) {
	svc := schedule.NewService(log, scheduledJobTimeout)
	if err := svc.Register("tenant-reload", cfg.Tenants.Refresh, func(ctx context.Context) error {
		_, err := registry.LoadAll(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := svc.Register("escalation-sweep", cfg.Escalation.SweepSchedule, func(ctx context.Context) error {
		_, err := sweeper.Sweep(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	if err := svc.Register("dedupe-evict", cfg.Dedupe.EvictSpec, func(ctx context.Context) error {
		if n := guard.Evict(time.Now()); n > 0 {
			log.Debug("dedupe entries evicted", slog.Int("count", n))
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return svc, nil
}

// startTenantRegistry seeds file tenants into Postgres so conversations can
// reference them, then loads the registry. A failed load leaves the server up
// with an empty registry until the next scheduled reload.
func startTenantRegistry(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, conn *pgxpool.Pool, registry *tenant.Registry) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if cfg.Tenants.Source == "file" {
				items, err := tenant.ReadFile(cfg.Tenants.File)
				if err != nil {
					return fmt.Errorf("read tenants file: %w", err)
				}
				if _, err := importTenants(ctx, tenant.NewPostgresSource(conn), items); err != nil {
					return fmt.Errorf("seed tenants: %w", err)
				}
			}
			n, err := registry.LoadAll(ctx)
			if err != nil {
				log.Warn("initial tenant load failed", slog.Any("error", err))
				return nil
			}
			log.Info("tenants loaded", slog.Int("count", n))
			return nil
		},
	})
}

func startTaskQueue(lc fx.Lifecycle, queue *tasks.Queue) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			queue.Start(ctx)
			return nil
		},
		OnStop: func(ctx context.Context) error { return queue.Stop(ctx) },
	})
}

func startScheduleService(lc fx.Lifecycle, svc *schedule.Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error { return svc.Bootstrap(ctx) },
		OnStop:  func(ctx context.Context) error { return svc.Stop(ctx) },
	})
}

func startEmailReceiver(lc fx.Lifecycle, log *slog.Logger, adapters emailAdapters, relay *escalation.Relay) {
	if adapters.Receiver == nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	var stopper emailpkg.Stopper
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			s, err := adapters.Receiver.StartReceiving(ctx, relay.HandleInbound)
			if err != nil {
				log.Error("email receiver start failed", slog.Any("error", err))
				return nil
			}
			stopper = s
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			if stopper != nil {
				return stopper.Stop(stopCtx)
			}
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting concierge", slog.String("version", version.GetInfo()))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
