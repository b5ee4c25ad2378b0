package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"vpn-subscriptions/internal/autopay"
	"vpn-subscriptions/internal/billing"
	"vpn-subscriptions/internal/bot"
	"vpn-subscriptions/internal/cart"
	"vpn-subscriptions/internal/config"
	"vpn-subscriptions/internal/ledger"
	"vpn-subscriptions/internal/lifecycle"
	"vpn-subscriptions/internal/notify"
	"vpn-subscriptions/internal/provisioning"
	"vpn-subscriptions/internal/remnawave"
	"vpn-subscriptions/internal/renewal"
	"vpn-subscriptions/internal/webhook"
	"vpn-subscriptions/internal/worker"
)

// app holds every service wired against one database and redis.
type app struct {
	cfg *config.Config
	db  *gorm.DB
	rdb *redis.Client

	outbox     *provisioning.Outbox
	dispatcher *provisioning.Dispatcher
	states     *lifecycle.StateMachine
	processor  *renewal.Processor
	ledger     *ledger.Ledger
	billing    *billing.Engine
	renewer    *autopay.Renewer
	notifier   *notify.Notifier
	carts      *cart.Store
	applier    *cart.Applier
	handler    *webhook.Handler
	scheduler  *worker.Scheduler
	bot        *bot.Bot
}

// newApp builds the services. A nil sender disables the notify job.
func newApp(cfg *config.Config, db *gorm.DB, rdb *redis.Client, panel *remnawave.Client, sender notify.Sender) *app {
	s := cfg.Settings
	a := &app{cfg: cfg, db: db, rdb: rdb}

	a.outbox = provisioning.NewOutbox()
	markers := notify.NewMarkerStore(rdb, s.NoticeMarkerTTL)

	var remote lifecycle.RemoteDeleter
	if panel != nil {
		remote = panel
		a.dispatcher = provisioning.NewDispatcher(db, panel, a.outbox, s, cfg.RemnawaveSquadID)
	}

	a.states = lifecycle.NewStateMachine(db, a.outbox, remote, s)
	a.processor = renewal.NewProcessor(db, a.outbox, markers, s)
	a.ledger = ledger.New(db, a.outbox, s)
	a.billing = billing.NewEngine(db, a.outbox, s)
	a.renewer = autopay.NewRenewer(db, autopay.NewScanner(db, s.AutopayPeriodDays), a.processor, s)
	if sender != nil {
		a.notifier = notify.NewNotifier(db, markers, sender, s)
	}
	a.carts = cart.NewStore(rdb, s.CartTTL)
	a.applier = cart.NewApplier(db, a.processor, a.outbox, s)
	a.handler = webhook.NewHandler(db, rdb, a.states, a.carts, a.applier, cfg.WebhookSecret)

	a.scheduler = worker.NewScheduler(rdb)
	a.registerJobs()
	return a
}

func (a *app) registerJobs() {
	s := a.cfg.Settings

	a.scheduler.Add(worker.Job{Name: "reconcile", Interval: s.ReconcileInterval, Run: func(ctx context.Context) error {
		_, err := a.states.ReconcileExpired(ctx)
		return err
	}})
	a.scheduler.Add(worker.Job{Name: "grants", Interval: s.GrantsInterval, Run: func(ctx context.Context) error {
		_, err := a.ledger.ExpireLapsedGrants(ctx)
		return err
	}})
	a.scheduler.Add(worker.Job{Name: "billing", Interval: s.BillingInterval, Run: func(ctx context.Context) error {
		_, err := a.billing.RunCycle(ctx)
		return err
	}})
	a.scheduler.Add(worker.Job{Name: "resume", Interval: s.ResumeInterval, Run: func(ctx context.Context) error {
		_, err := a.billing.RunResumeScan(ctx)
		return err
	}})
	a.scheduler.Add(worker.Job{Name: "autopay", Interval: s.AutopayInterval, Run: func(ctx context.Context) error {
		_, err := a.renewer.Run(ctx)
		return err
	}})
	if a.notifier != nil {
		a.scheduler.Add(worker.Job{Name: "notify", Interval: s.NotifyInterval, Run: func(ctx context.Context) error {
			_, err := a.notifier.Run(ctx)
			return err
		}})
	}
}

// jobNames lists what the scan command accepts. Under serve, sync is the
// dispatcher loop rather than a scheduled job.
func (a *app) jobNames() []string {
	names := a.scheduler.Names()
	if a.dispatcher != nil {
		names = append(names, syncJob)
	}
	return names
}

const syncJob = "sync"

// runJob runs a single job by name, for the scan command.
func (a *app) runJob(ctx context.Context, name string) error {
	start := time.Now()
	var err error
	if name == syncJob && a.dispatcher != nil {
		var n int
		n, err = a.dispatcher.DispatchPending(ctx)
		log.Info().Int("dispatched", n).Msg("Sync events dispatched")
	} else {
		err = a.scheduler.RunOnce(ctx, name)
	}
	if err != nil {
		return fmt.Errorf("job %s: %w", name, err)
	}
	log.Info().Str("job", name).Dur("elapsed", time.Since(start)).Msg("Job completed")
	return nil
}
