package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"vpn-subscriptions/internal/bot"
	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/database"
	"vpn-subscriptions/internal/metrics"
	"vpn-subscriptions/internal/notify"
	"vpn-subscriptions/internal/remnawave"
	"vpn-subscriptions/internal/utils"
	"vpn-subscriptions/internal/webhook"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook server, background scans and the Telegram bot",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("subsd")
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan <job>",
	Short: "Run one background scan once and exit",
	Long:  "Run one background scan once: reconcile, grants, billing, resume, autopay, notify or sync.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("subsd-scan")
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, cleanup, err := connect(ctx, cfg, false)
		if err != nil {
			return err
		}
		defer cleanup()

		for _, name := range a.jobNames() {
			if name == args[0] {
				return a.runJob(ctx, name)
			}
		}
		return fmt.Errorf("unknown job %q (available: %s)", args[0], strings.Join(a.jobNames(), ", "))
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or update the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig("subsd-migrate")
		if err != nil {
			return err
		}
		db, err := database.ConnectPostgres(cfg)
		if err != nil {
			return err
		}
		defer database.Close(db)

		if err := database.Migrate(db); err != nil {
			return err
		}
		log.Info().Msg("Database schema is up to date")
		return nil
	},
}

// connect opens the stores and builds the app. The Telegram bot is only
// created when withBot is set and a token is configured.
func connect(ctx context.Context, cfg *config.Config, withBot bool) (*app, func(), error) {
	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := database.Migrate(db); err != nil {
		database.Close(db)
		return nil, nil, err
	}

	rdb, err := database.ConnectRedis(ctx, cfg)
	if err != nil {
		database.Close(db)
		return nil, nil, err
	}
	cleanup := func() {
		if err := rdb.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close redis client")
		}
		database.Close(db)
	}

	var panel *remnawave.Client
	if cfg.RemnawaveURL != "" {
		panel = remnawave.NewClient(cfg.RemnawaveURL, cfg.RemnawaveKey)
	} else {
		log.Warn().Msg("REMNAWAVE_API_URL is not set, panel sync is disabled")
	}

	var (
		tg     *bot.Bot
		sender notify.Sender
	)
	if cfg.BotToken != "" {
		tg, err = bot.NewBot(cfg.BotToken, db, nil)
		if err != nil {
			cleanup()
			return nil, nil, err
		}
		sender = tg.Instance
	} else {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN is not set, notifications are disabled")
	}

	a := newApp(cfg, db, rdb, panel, sender)
	if tg != nil && withBot {
		tg.Billing = a.billing
		a.bot = tg
	}
	return a, cleanup, nil
}

func serve(ctx context.Context, cfg *config.Config) error {
	allowed, err := utils.ParseCIDRs(cfg.AllowedWebhookCIDRs)
	if err != nil {
		return fmt.Errorf("invalid WEBHOOK_ALLOWED_CIDRS: %w", err)
	}

	a, cleanup, err := connect(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer cleanup()

	router := webhook.NewRouter(a.handler, allowed, metrics.Get().Registry, true)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router.Setup(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if a.dispatcher != nil {
		a.scheduler.AddRunner(a.dispatcher.Run)
	}
	if a.bot != nil {
		a.scheduler.AddRunner(a.bot.Start)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return a.scheduler.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
