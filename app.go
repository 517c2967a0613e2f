package main

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"leadpilot/ai"
	"leadpilot/channel"
	"leadpilot/config"
	"leadpilot/events"
	"leadpilot/models"
	"leadpilot/services"
	"leadpilot/utils"
)

// engine is the fully wired set of services shared by every command.
type engine struct {
	cfg       *config.Config
	redis     *redis.Client
	hub       *events.Hub
	breakers  *channel.Registry
	sessions  *channel.SessionManager
	client    *channel.Client
	heartbeat services.HeartbeatStore

	enrollments *services.EnrollmentService
	scorer      *services.Scorer
	researcher  *services.Researcher
	drafter     *services.Drafter
	approvals   *services.ApprovalQueue
	sender      *services.Sender
	monitor     *services.Monitor
	sync        *services.SyncEngine
	runner      *services.WorkflowRunner
}

func setupLogging(cfg *config.Config) {
	if cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		logrus.SetLevel(logrus.InfoLevel)
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	logrus.SetLevel(logrus.DebugLevel)
}

// bootstrap loads configuration, connects storage and wires the services.
// The returned cleanup func flushes sentry and closes redis.
func bootstrap() (*engine, func(), error) {
	if err := models.ValidateKeywordTables(); err != nil {
		return nil, nil, fmt.Errorf("keyword tables: %w", err)
	}
	if err := config.LoadConfig(); err != nil {
		return nil, nil, err
	}
	cfg := &config.AppConfig
	setupLogging(cfg)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logrus.WithError(err).Warn("Sentry initialization failed")
		}
	}

	if err := config.ConnectDB(); err != nil {
		return nil, nil, err
	}
	db := config.DB

	e := &engine{cfg: cfg, hub: events.NewHub(cfg.EventQueueSize)}

	if cfg.Redis.Enabled {
		e.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := e.redis.Ping(ctx).Err()
		cancel()
		if err != nil {
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		e.hub.AddSink(events.NewRedisSink(e.redis, ""))
		e.heartbeat = services.NewRedisHeartbeat(e.redis, cfg.Sync.HeartbeatMaxAge)
	} else {
		e.heartbeat = services.NewMemoryHeartbeat()
	}

	cipher, err := utils.NewCipher(cfg.EncryptionKey)
	if err != nil {
		return nil, nil, err
	}
	e.breakers = channel.NewRegistry(cfg.Breaker.FailureThreshold, cfg.Breaker.ResetTimeout)
	e.sessions = channel.NewSessionManager(db, cipher, cfg.Channel.SessionTTL, cfg.Channel.MinCredentialLength)
	e.client = channel.NewClient(channel.NewFastHTTPTransport(cfg.Channel.BaseURL), e.sessions, e.breakers, channel.ClientOptions{
		MinRequestDelay: cfg.Channel.MinRequestDelay,
		MaxJitter:       cfg.Channel.MaxJitter,
		MaxAttempts:     cfg.Channel.MaxAttempts,
		InitialBackoff:  cfg.Channel.InitialBackoff,
		RequestTimeout:  cfg.Channel.RequestTimeout,
	})

	provider := ai.NewHTTPCompleter(cfg.AI.BaseURL, cfg.AI.APIKey, cfg.AI.Provider, cfg.AI.Model, cfg.AI.Timeout)
	provider.Breaker = e.breakers.Get(ai.BreakerService)
	completer := ai.NewAuditedCompleter(provider, db, cfg.AI.Provider, cfg.AI.Model)

	adapters := map[models.Channel]services.ChannelAdapter{
		models.ChannelLinkedIn: services.NewLinkedInAdapter(db, e.client),
	}
	if cfg.EmailEnabled() {
		dialer := services.NewSMTPDialer(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password)
		emailAdapter := services.NewEmailAdapter(dialer, cfg.SMTP.FromEmail, cfg.SMTP.FromName)
		emailAdapter.CheckHost = cfg.Environment == "production"
		emailAdapter.Breaker = e.breakers.Get(services.SMTPService)
		adapters[models.ChannelEmail] = emailAdapter
	}

	var sources []services.InboundSource
	if cfg.InboxEnabled() {
		inbox := services.NewIMAPSource(services.IMAPConfig{
			Host:       cfg.IMAP.Host,
			Port:       cfg.IMAP.Port,
			Username:   cfg.IMAP.Username,
			Password:   cfg.IMAP.Password,
			Encryption: cfg.IMAP.Encryption,
			Mailbox:    cfg.IMAP.Mailbox,
		})
		inbox.Breaker = e.breakers.Get(services.IMAPService)
		sources = append(sources, inbox)
	}

	e.enrollments = services.NewEnrollmentService(db, e.hub)
	e.scorer = services.NewScorer(db, e.hub)
	e.researcher = services.NewResearcher(db, completer, e.scorer, cfg.Research.MaxConcurrent)
	e.drafter = services.NewDrafter(db, completer, e.hub, services.DrafterOptions{
		HistoryTurns:    cfg.Draft.HistoryTurns,
		LinkedInMaxChar: cfg.Draft.LinkedInMaxChar,
		EmailMaxWords:   cfg.Draft.EmailMaxWords,
	})
	e.approvals = services.NewApprovalQueue(db, e.hub)
	e.sender = services.NewSender(db, adapters, e.hub, cfg.Workflow.DefaultStepDelay)
	e.monitor = services.NewMonitor(db, completer, e.scorer, e.hub, sources...)
	e.sync = services.NewSyncEngine(db, e.client, e.heartbeat, cfg.Sync.HeartbeatMaxAge, cfg.Sync.ThreadLimit, e.hub)
	e.runner = services.NewWorkflowRunner(db, e.drafter, e.monitor, e.scorer, e.hub, cfg.Workflow.MaxConsecutiveError, services.CycleOptions{
		Limit:           cfg.Workflow.Limit,
		Lookback:        cfg.Workflow.Lookback,
		ScoreBatchLimit: cfg.Workflow.ScoreBatchLimit,
	})

	cleanup := func() {
		e.hub.Drain(context.Background())
		sentry.Flush(2 * time.Second)
		if e.redis != nil {
			_ = e.redis.Close()
		}
	}
	return e, cleanup, nil
}
