package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/lukasbauer/dictate/internal/dictation"
	"github.com/lukasbauer/dictate/internal/eventlog"
	"github.com/lukasbauer/dictate/internal/httpapi"
	"github.com/lukasbauer/dictate/internal/jobs"
	"github.com/lukasbauer/dictate/internal/llm"
	"github.com/lukasbauer/dictate/internal/notifications"
	"github.com/lukasbauer/dictate/internal/settings"
	"github.com/lukasbauer/dictate/internal/store"
)

type App struct {
	cfg      Config
	logger   *logrus.Entry
	db       *pgxpool.Pool
	store    *store.Store
	eventLog *eventlog.Logger
	settings *settings.Store

	hub         *httpapi.EventHub
	audio       *httpapi.AudioBridge
	foreground  *httpapi.ForegroundCache
	coordinator *dictation.Coordinator
	retention   *jobs.RetentionJob
	discord     *notifications.Discord

	pumpCancel context.CancelFunc
	pumpDone   chan struct{}
}

// New wires the daemon. Without DATABASE_URL runs still work but nothing is
// persisted and the history endpoints answer 503.
func New(cfg Config, logger *logrus.Entry) (*App, error) {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	a := &App{cfg: cfg, logger: logger}

	if cfg.DatabaseURL != "" {
		if err := a.openDatabase(); err != nil {
			return nil, err
		}
	} else {
		logger.Warn("DATABASE_URL not set, recordings and run logs will not be stored")
	}

	a.eventLog = eventlog.New(a.db, logger)
	a.settings = settings.NewStore(cfg.SettingsPath)

	// Shared HTTP client with connection pooling for the LLM vendors.
	httpClient := &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   5,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	var limiter *rate.Limiter
	if cfg.LLMRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.LLMRateLimit), cfg.LLMBurst)
	}
	generator := llm.NewService(map[llm.Provider]llm.Client{
		llm.ProviderGemini:    llm.NewGeminiClient(llm.GeminiConfig{BaseURL: cfg.GeminiBaseURL, HTTPClient: httpClient}),
		llm.ProviderOpenAI:    llm.NewOpenAIClient(llm.OpenAIConfig{URL: cfg.OpenAIURL, HTTPClient: httpClient}),
		llm.ProviderAnthropic: llm.NewAnthropicClient(nil),
	}, limiter, logger)

	a.hub = httpapi.NewEventHub(cfg.InjectTimeout, logger)
	a.audio = httpapi.NewAudioBridge(cfg.SampleRate, a.hub.Broadcast, logger)
	a.foreground = httpapi.NewForegroundCache(cfg.ScreenshotMaxAge)

	telemetry := dictation.TelemetryFanout{a.eventLog}
	a.discord = notifications.NewDiscord(cfg.DiscordWebhookURL, logger)
	if a.discord.Enabled() {
		telemetry = append(telemetry, a.discord)
	}

	deps := dictation.Deps{
		Audio:       a.audio,
		Config:      a.settings,
		Credentials: a.settings,
		Injector:    a.hub,
		Generator:   generator,
		Telemetry:   telemetry,
		Foreground:  a.foreground,
		Screens:     a.foreground,
	}
	if a.store != nil {
		deps.Artifacts = a.store
	}
	a.coordinator = dictation.NewCoordinator(deps, dictation.Options{
		EnrichmentGrace: cfg.EnrichmentGrace,
		ResetDelay:      cfg.ResetDelay,
		SampleRate:      cfg.SampleRate,
		StreamURL:       cfg.DeepgramStreamURL,
		BatchURL:        cfg.DeepgramBatchURL,
		Logger:          logger,
	})

	pumpCtx, cancel := context.WithCancel(context.Background())
	a.pumpCancel, a.pumpDone = cancel, make(chan struct{})
	go func() {
		defer close(a.pumpDone)
		a.hub.Pump(pumpCtx, a.coordinator.States(), a.coordinator.Errors())
	}()

	if a.store != nil {
		a.retention = jobs.NewRetentionJob(a.store, logger, cfg.RetentionMaxAge, cfg.RetentionInterval)
		a.retention.Start()
	}

	logger.WithFields(logrus.Fields{
		"settings": a.settings.Path(),
		"database": a.db != nil,
		"discord":  cfg.DiscordWebhookURL != "",
	}).Info("dictation daemon initialized")
	return a, nil
}

func (a *App) openDatabase() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return err
	}

	s := store.New(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return fmt.Errorf("migrate store: %w", err)
	}
	if _, err := db.Exec(ctx, eventlog.Schema); err != nil {
		db.Close()
		return fmt.Errorf("migrate run_events: %w", err)
	}

	a.db, a.store = db, s
	return nil
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		JWTSecret: a.cfg.JWTSecret,
		JWTExpiry: a.cfg.JWTExpiry,
	}
	deps := httpapi.Deps{
		Controller: a.coordinator,
		Hub:        a.hub,
		Audio:      a.audio,
		Foreground: a.foreground,
	}
	if a.store != nil {
		deps.Runs = a.store
		deps.Sessions = a.store
		deps.Events = a.eventLog
	}
	return httpapi.NewRouter(routerCfg, a.logger, deps)
}

// IssueToken signs an API token for subject and records its session when a
// database is configured, so it can later be revoked.
func (a *App) IssueToken(ctx context.Context, subject string) (string, time.Time, error) {
	token, expiresAt, err := httpapi.IssueToken(a.cfg.JWTSecret, subject, "cli", a.cfg.JWTExpiry)
	if err != nil {
		return "", time.Time{}, err
	}
	if a.store != nil {
		if err := a.store.CreateSession(ctx, subject, httpapi.HashToken(token), expiresAt); err != nil {
			return "", time.Time{}, fmt.Errorf("store session: %w", err)
		}
	}
	return token, expiresAt, nil
}

// Close stops any active run, waits for in-flight pipelines and releases
// the database.
func (a *App) Close() error {
	err := a.coordinator.Close()
	a.pumpCancel()
	<-a.pumpDone
	if a.retention != nil {
		a.retention.Stop()
	}
	a.eventLog.Flush()
	a.discord.Flush()
	if a.db != nil {
		a.db.Close()
	}
	return err
}
