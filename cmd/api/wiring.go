package main

import (
	"database/sql"
	"time"

	"leasing-telephony/internal/audit"
	"leasing-telephony/internal/availability"
	"leasing-telephony/internal/callqueue"
	"leasing-telephony/internal/calls"
	"leasing-telephony/internal/config"
	"leasing-telephony/internal/contacts"
	"leasing-telephony/internal/events"
	"leasing-telephony/internal/hangup"
	"leasing-telephony/internal/metrics"
	"leasing-telephony/internal/party"
	"leasing-telephony/internal/routing"
	"leasing-telephony/internal/scheduler"
	"leasing-telephony/internal/telephony"

	"github.com/redis/go-redis/v9"
)

const (
	blacklistCacheSize = 4096
	blacklistCacheTTL  = 5 * time.Minute
)

// app holds the long-lived pieces main has to start, serve and stop.
type app struct {
	hangup    *hangup.Service
	scheduler *scheduler.TimerScheduler
	pending   scheduler.PendingStore
	calls     *calls.PostgresRepo
	details   *calls.PostgresDetailsRepo
	metrics   *metrics.Metrics
}

func newProvider(cfg config.Config) telephony.Provider {
	if cfg.Telephony.Provider == config.ProviderStatic {
		return telephony.NewStaticProvider()
	}
	return telephony.NewTwilioProvider(cfg.Twilio.AccountSID, cfg.Twilio.AuthToken)
}

// webhookAuth checks the callback token always and the provider signature
// when the public base URL is known.
func webhookAuth(cfg config.Config) telephony.WebhookAuth {
	a := telephony.WebhookAuth{Token: cfg.Telephony.WebhookToken}
	if cfg.Telephony.Provider == config.ProviderTwilio && cfg.Telephony.WebhookBaseURL != "" {
		a.SigningKey = cfg.Twilio.AuthToken
		a.BaseURL = cfg.Telephony.WebhookBaseURL
	}
	return a
}

// buildApp wires postgres and redis backed stores into the hangup orchestrator.
func buildApp(cfg config.Config, db *sql.DB, rdb *redis.Client, m *metrics.Metrics) (*app, error) {
	callRepo := calls.NewPostgresRepo(db)
	detailsRepo := calls.NewPostgresDetailsRepo(db)
	pending := scheduler.NewRedisPendingStore(rdb)
	sched := scheduler.NewTimerScheduler()
	provider := newProvider(cfg)

	evSvc := events.NewService(events.NewPostgresRepo(db), events.NewRedisPublisher(rdb))
	updater := calls.NewUpdater(callRepo, evSvc)
	partySvc := party.NewService(party.NewPostgresRepo(db))

	blacklist := routing.NewCachedBlacklist(routing.NewPostgresBlacklist(db), blacklistCacheSize, blacklistCacheTTL)

	var guard hangup.DispositionGuard
	if cfg.Telephony.StrictDisposition {
		guard = hangup.NewRedisGuard(rdb, 0)
	}

	svc, err := hangup.New(hangup.Config{
		AfterCallDelay:      cfg.Telephony.AfterCallDelay,
		CallDetailsDelay:    cfg.Telephony.CallDetailsDelay,
		AfterCallRetryDelay: cfg.Telephony.AfterCallRetryDelay,
		StrictDisposition:   cfg.Telephony.StrictDisposition,
	}, hangup.Deps{
		Calls:        callRepo,
		Updater:      updater,
		Details:      detailsRepo,
		Provider:     provider,
		Availability: availability.NewTracker(availability.NewRedisStore(rdb), evSvc),
		Queue:        callqueue.NewHandler(callqueue.NewRedisStore(rdb), callRepo, updater, provider, evSvc, partySvc),
		Parties:      partySvc,
		Events:       evSvc,
		Activity:     audit.NewService(audit.NewPostgresRepo(db)),
		Ignore:       routing.NewIgnorePolicy(blacklist, routing.NewPostgresPrograms(db)),
		Contacts:     contacts.NewService(contacts.NewPostgresRepo(db)),
		Scheduler:    sched,
		Pending:      pending,
		Guard:        guard,
		Metrics:      m,
	})
	if err != nil {
		return nil, err
	}

	return &app{
		hangup:    svc,
		scheduler: sched,
		pending:   pending,
		calls:     callRepo,
		details:   detailsRepo,
		metrics:   m,
	}, nil
}
