package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/ModerRAS/WalletBot/api"
	"github.com/ModerRAS/WalletBot/bot"
	"github.com/ModerRAS/WalletBot/config"
	"github.com/ModerRAS/WalletBot/ledger"
	"github.com/ModerRAS/WalletBot/logger"
	"github.com/ModerRAS/WalletBot/platform"
	"github.com/ModerRAS/WalletBot/platform/telegram"
	"github.com/ModerRAS/WalletBot/retry"
	"github.com/ModerRAS/WalletBot/store/sqlite"
)

func newServeCommand(load func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

// serve wires the components and blocks until ctx is cancelled.
//
// Shutdown order: stop polling, stop the sweep, drain HTTP, close the store.
// A message cut off between commit and reflect keeps ReflectPending and is
// picked up by the sweep on the next start.
func serve(ctx context.Context, cfg *config.Config) error {
	log := logger.NewFromConfig(cfg.Log.Level, cfg.Log.Format)
	ctx = logger.WithContext(ctx, log)

	if cfg.Telegram.Token == "" {
		return errors.New("TELEGRAM_BOT_TOKEN is required")
	}

	store, err := sqlite.New(cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer store.Close()
	l := ledger.NewLedger(store)

	pollTimeout := cfg.Telegram.PollTimeout
	client, err := telegram.New(cfg.Telegram.Token, time.Duration(pollTimeout+15)*time.Second, log)
	if err != nil {
		return fmt.Errorf("connecting to telegram: %w", err)
	}

	exec := retry.New(retryConfig(cfg), retry.WithLimiter(outboundLimiter(cfg)), retry.WithLogger(log))

	opts := bot.Options{
		Mode:             bot.ReflectMode(cfg.Reflect.Mode),
		SendConfirmation: cfg.Reflect.SendConfirmation,
		SendHints:        cfg.Reflect.SendHints,
		BotName:          cfg.Telegram.BotName,
	}
	if name := client.Username(); name != "" {
		opts.BotName = name
	}
	proc := bot.NewProcessor(l, client, exec, opts, log)

	sched := bot.NewReflectScheduler(proc, log)
	sched.CheckInterval = cfg.Reflect.SweepInterval
	sched.Grace = reflectGrace(cfg)
	sched.Start()
	defer sched.Stop()

	if cfg.HTTP.Addr != "" {
		h := api.NewHandler(l, proc, sched, log)
		h.DB = store
		server := &http.Server{
			Addr:         cfg.HTTP.Addr,
			Handler:      api.NewRouter(h, cfg.HTTP.CORSAllowedOrigins),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 2 * reflectGrace(cfg),
			IdleTimeout:  60 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.HTTP.Addr).Msg("http api listening")
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("http server failed")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("http server forced to shutdown")
			}
		}()
	}

	log.Info().
		Str("bot", opts.BotName).
		Str("database", cfg.Database.URL).
		Str("reflect_mode", string(opts.Mode)).
		Int("max_retries", cfg.Retry.MaxAttempts).
		Msg("walletbot starting")

	// The processor logs the outcome of every event itself.
	err = client.Listen(ctx, pollTimeout, func(ctx context.Context, ev platform.Event) {
		_, _ = proc.Handle(ctx, ev)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("polling updates: %w", err)
	}
	log.Info().Msg("shutting down")
	return nil
}

func retryConfig(cfg *config.Config) retry.Config {
	return retry.Config{
		MaxRetries:        cfg.Retry.MaxAttempts,
		PerAttemptTimeout: cfg.Retry.PerAttemptTimeout,
		BaseDelay:         cfg.Retry.BaseDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		Multiplier:        2.0,
	}
}

// outboundLimiter paces platform calls. A zero rate disables pacing.
func outboundLimiter(cfg *config.Config) *rate.Limiter {
	if cfg.Outbound.Rate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	burst := cfg.Outbound.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(cfg.Outbound.Rate), burst)
}

// reflectGrace is an upper bound on one handler's reflect, edit and reply
// fallback included. The sweep leaves younger rows alone.
func reflectGrace(cfg *config.Config) time.Duration {
	attempts := time.Duration(cfg.Retry.MaxAttempts + 1)
	perPath := attempts*cfg.Retry.PerAttemptTimeout + attempts*cfg.Retry.MaxDelay
	return 2*perPath + time.Minute
}

// stderrLogger is used by the offline commands.
func stderrLogger(cfg *config.Config) zerolog.Logger {
	return logger.NewWithWriter(os.Stderr, logger.ParseLevel(cfg.Log.Level))
}
