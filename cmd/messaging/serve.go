package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/LeventeLantos/church-dispatch/internal/api"
	"github.com/LeventeLantos/church-dispatch/internal/cache"
	"github.com/LeventeLantos/church-dispatch/internal/client"
	"github.com/LeventeLantos/church-dispatch/internal/clock"
	"github.com/LeventeLantos/church-dispatch/internal/config"
	"github.com/LeventeLantos/church-dispatch/internal/migrate"
	"github.com/LeventeLantos/church-dispatch/internal/repo"
	"github.com/LeventeLantos/church-dispatch/internal/scheduler"
	"github.com/LeventeLantos/church-dispatch/internal/service"
)

const shutdownTimeout = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, dispatcher, reminder scheduler and lease sweeper",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadAll()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	twilio := client.NewTwilioClient(client.TwilioConfig{
		AccountSID: cfg.Telephony.AccountSID,
		AuthToken:  cfg.Telephony.AuthToken,
		From:       cfg.Telephony.PhoneNumber,
		BaseURL:    cfg.Telephony.BaseURL,
		RatePerSec: cfg.Telephony.RatePerSec,
		Timeout:    cfg.Dispatch.CallTimeout,
	})
	llm := client.NewOpenAIClient(client.OpenAIConfig{
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
		BaseURL: cfg.LLM.BaseURL,
	})

	dispatcher := service.NewDispatcher(store, twilio, service.DispatcherConfig{
		Workers:       cfg.Dispatch.Workers,
		PollInterval:  cfg.Dispatch.PollInterval,
		CallTimeout:   cfg.Dispatch.CallTimeout,
		ContentMax:    cfg.Dispatch.ContentMax,
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Logger:        logger,
	})
	ingress := service.NewIngress(store, store, store, llm, service.IngressConfig{
		AlertRecipients: cfg.Ingress.AlertRecipients,
		Logger:          logger,
	}).WithWaker(dispatcher)

	if cfg.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		rc := cache.NewRedisCache(rdb, cfg.Redis.TTL())
		dispatcher.WithSentHook(rc.StoreSent)
		ingress.WithReplyCache(rc)
	}

	reminders := scheduler.NewReminderRunner(store, store, scheduler.ReminderConfig{
		Location:    cfg.Scheduler.Location(),
		OnceCatchup: cfg.Scheduler.OnceCatchup,
		Waker:       dispatcher,
		Logger:      logger,
	})
	remindSched, err := scheduler.New("reminders", cfg.Scheduler.Interval, func(ctx context.Context) {
		reminders.Tick(ctx)
	})
	if err != nil {
		return err
	}
	remindSched.WithLogger(logger)

	sweeper := scheduler.NewSweeper(store, clock.Real{}, cfg.Dispatch.LeaseTimeout, dispatcher, logger)
	sweepSched, err := scheduler.New("sweeper", cfg.Dispatch.SweepEvery, func(ctx context.Context) {
		sweeper.Tick(ctx)
	})
	if err != nil {
		return err
	}
	sweepSched.WithLogger(logger)

	h := api.NewHandler(api.Deps{
		Store:         store,
		Enqueuer:      service.NewEnqueuer(store, store, cfg.Dispatch.ContentMax, dispatcher),
		Ingress:       ingress,
		Schedulers:    []*scheduler.Scheduler{remindSched, sweepSched},
		PublicBaseURL: cfg.Server.PublicBaseURL,
		Logger:        logger,
	})
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           middleware.RequestID(loggingMiddleware(api.Router(h))),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	remindSched.Start()
	sweepSched.Start()

	logger.Info("messaging app started",
		"store", cfg.Database.Store,
		"workers", cfg.Dispatch.Workers,
		"redis", cfg.Redis.Enabled(),
		"llm", cfg.LLM.Enabled(),
		"alert_recipients", len(cfg.Ingress.AlertRecipients),
	)

	err = g.Wait()
	remindSched.Stop()
	sweepSched.Stop()
	ingress.Wait()
	logger.Info("messaging app stopped")
	return err
}

// openStore returns the configured store and a func releasing it.
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Store, func(), error) {
	retry := repo.RetryPolicy{
		MaxAttempts: cfg.Dispatch.MaxAttempts,
		BaseDelay:   cfg.Dispatch.RetryBase,
		MaxDelay:    cfg.Dispatch.RetryMax,
	}
	if cfg.Database.Store == config.StoreMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		return repo.NewMemoryStore(repo.MemoryConfig{Retry: retry}), func() {}, nil
	}

	db, err := repo.OpenPostgres(ctx, cfg.Database.PostgresURL)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Database.RunMigrations {
		if err := migrate.Run(ctx, db); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
	}
	store := repo.NewPostgresStore(db, repo.PostgresConfig{Retry: retry, Logger: logger})
	return store, func() { _ = db.Close() }, nil
}
