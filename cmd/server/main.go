package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	"github.com/lukasbauer/dictate/internal/app"
	"github.com/lukasbauer/dictate/internal/logging"
)

func main() {
	issueToken := flag.String("issue-token", "", "print an API token for the given subject and exit")
	flag.Parse()

	// .env is optional; real environment variables win.
	_ = godotenv.Load()

	cfg := app.LoadConfigFromEnv()
	logger := logging.New(logging.Options{Environment: cfg.Environment, Level: cfg.LogLevel})

	// Initialize Sentry for error monitoring
	if cfg.SentryDSN != "" {
		err := sentry.Init(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			EnableTracing:    true,
			TracesSampleRate: 0.2,
			Environment:      cfg.Environment,
		})
		if err != nil {
			logger.WithError(err).Warn("sentry init failed")
		} else {
			logger.Info("sentry initialized")
			defer sentry.Flush(2 * time.Second)
		}
	}

	a, err := app.New(cfg, logger.Entry)
	if err != nil {
		if cfg.SentryDSN != "" {
			sentry.CaptureException(err)
			sentry.Flush(2 * time.Second)
		}
		logger.WithError(err).Fatal("init app")
	}

	if *issueToken != "" {
		token, expiresAt, err := a.IssueToken(context.Background(), *issueToken)
		_ = a.Close()
		if err != nil {
			logger.WithError(err).Fatal("issue token")
		}
		fmt.Println(token)
		logger.WithField("expires_at", expiresAt).Info("token issued")
		return
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           logger.Middleware(a.Router()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Websocket helpers are hijacked connections; Close ends the runs they feed.
	if err := a.Close(); err != nil {
		logger.WithError(err).Warn("close app")
	}
	_ = srv.Shutdown(shutdownCtx)
}
