package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nugget/mailbridge/internal/account"
	"github.com/nugget/mailbridge/internal/buildinfo"
	"github.com/nugget/mailbridge/internal/commands"
	"github.com/nugget/mailbridge/internal/config"
	"github.com/nugget/mailbridge/internal/connwatch"
	"github.com/nugget/mailbridge/internal/events"
	"github.com/nugget/mailbridge/internal/journal"
	"github.com/nugget/mailbridge/internal/mailbox"
	"github.com/nugget/mailbridge/internal/mqtt"
	"github.com/nugget/mailbridge/internal/notify"
	"github.com/nugget/mailbridge/internal/telegram"
	"github.com/nugget/mailbridge/internal/watcher"
)

// runServe handles "mailbridge serve". It wires the transport, the
// account workers and the command router, then blocks until SIGINT or
// SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the root context.
//  2. Workers close their IMAP connections; the router stops polling.
//  3. The process waits up to watch.shutdown_grace_sec for workers.
//  4. MQTT publishes "offline" and the journal is closed via defers.
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	cfg, cfgPath, err := config.Resolve(configPath)
	if err != nil {
		return err
	}
	logger := newLogger(stdout, cfg)
	info := buildinfo.Get()
	logger.Info("starting mailbridge", "version", info.Version, "commit", info.GitCommit, "branch", info.GitBranch, "built", info.BuildTime)
	logger.Info("config loaded",
		"path", cfgPath,
		"accounts", len(cfg.Accounts),
		"imap", fmt.Sprintf("%s:%d", cfg.IMAP.Host, cfg.IMAP.Port),
		"policy", cfg.Watch.AdvancePolicy,
	)

	// Both were checked by Validate.
	loc, _ := cfg.Notify.Location()
	policy, _ := watcher.ParseAdvancePolicy(cfg.Watch.AdvancePolicy)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.Journal.Enabled || cfg.MQTT.Configured() {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
	}

	bus := events.New()

	// --- Telegram ---
	tg := telegram.NewClient(telegram.Config{
		Token:       cfg.Telegram.Token,
		APIURL:      cfg.Telegram.APIURL,
		PollTimeout: time.Duration(cfg.Telegram.PollTimeoutSec) * time.Second,
		Logger:      logger.With("component", "telegram"),
	})

	// --- Connection health ---
	// The bot is probed with getMe so /admin_stats can report it. Mail
	// delivery does not wait for it: a failed send is handled by the
	// advance policy like any other.
	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "telegram",
		Probe: func(pCtx context.Context) error {
			_, err := tg.GetMe(pCtx)
			return err
		},
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			infoCtx, infoCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer infoCancel()
			if me, err := tg.GetMe(infoCtx); err == nil {
				logger.Info("connected to Telegram", "bot", me.Username, "id", me.ID)
			}
		},
	})

	// --- Journal ---
	// Nil interfaces, not typed nils, when disabled.
	var recorder watcher.Recorder
	var stats commands.Stats
	if cfg.Journal.Enabled {
		store, err := journal.Open(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer store.Close()
		recorder = store
		stats = store
		logger.Info("delivery journal opened", "path", cfg.DataDir+"/"+journal.FileName)

		if keep := cfg.Journal.Retention(); keep > 0 {
			n, err := store.Prune(ctx, time.Now().Add(-keep))
			if err != nil {
				logger.Warn("journal prune failed", "error", err)
			} else if n > 0 {
				logger.Info("journal pruned", "removed", n, "retention_days", cfg.Journal.RetentionDays)
			}
		}
	}

	// --- Mail pipeline ---
	formatter := notify.NewFormatter(notify.Options{
		Label:           cfg.Notify.Label,
		MaxBody:         cfg.Notify.MaxBody,
		UsefulThreshold: cfg.Notify.UsefulThreshold,
		HTMLPrefix:      cfg.Notify.HTMLPrefix,
		Location:        loc,
	})
	fetcher := watcher.NewFetcher(watcher.FetcherConfig{
		Formatter: formatter,
		Sender:    tg,
		Journal:   recorder,
		Events:    bus,
		Policy:    policy,
		Logger:    logger.With("component", "fetcher"),
	})
	dialer := mailbox.NewIMAPDialer(mailbox.Config{
		Host:               cfg.IMAP.Host,
		Port:               cfg.IMAP.Port,
		TLS:                cfg.IMAP.TLS,
		InsecureSkipVerify: cfg.IMAP.InsecureSkipVerify,
		Mailbox:            cfg.IMAP.Mailbox,
		DialTimeout:        time.Duration(cfg.IMAP.DialTimeoutSec) * time.Second,
	}, logger.With("component", "imap"))

	reg := account.NewRegistry(cfg.Accounts, logger)
	sched := watcher.NewScheduler(reg, watcher.WorkerConfig{
		Dialer:  dialer,
		Fetcher: fetcher,
		Backoff: connwatch.BackoffConfig{
			InitialDelay: time.Duration(cfg.Watch.ReconnectDelaySec) * time.Second,
			MaxDelay:     time.Duration(cfg.Watch.ReconnectMaxDelaySec) * time.Second,
			Multiplier:   cfg.Watch.ReconnectMultiplier,
		},
		Debounce:          cfg.Watch.Debounce(),
		InitialCheckDelay: cfg.Watch.InitialCheckDelay(),
		Events:            bus,
		Logger:            logger,
	}, cfg.Watch.SweepInterval())

	router := commands.NewRouter(commands.RouterConfig{
		Registry: reg,
		Checker:  sched,
		Sender:   tg,
		Admins:   cfg.Telegram.AdminChatIDs(),
		Journal:  stats,
		Health:   connMgr.Status,
		Events:   bus,
		Location: loc,
		Logger:   logger.With("component", "commands"),
	})

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = startMQTT(ctx, cfg, instanceID, reg, bus, loc, connMgr, logger)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		router.Start(ctx, tg.Updates(ctx))
	}()

	// Blocks until the signal.
	sched.Run(ctx)
	logger.Info("shutdown signal received")

	grace := cfg.Watch.ShutdownGrace()
	if !sched.Wait(grace) {
		logger.Warn("workers still closing after grace period", "grace", grace.String())
	}

	if mqttPub != nil {
		offlineCtx, offlineCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer offlineCancel()
		if err := mqttPub.Stop(offlineCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}

	routerDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(routerDone)
	}()
	select {
	case <-routerDone:
	case <-time.After(grace):
		logger.Warn("command handlers still running after grace period")
	}

	logger.Info("mailbridge stopped")
	return nil
}

// startMQTT launches the status publisher in the background and
// registers it with connwatch for /admin_stats.
func startMQTT(ctx context.Context, cfg *config.Config, instanceID string, reg *account.Registry, bus *events.Bus, loc *time.Location, connMgr *connwatch.Manager, logger *slog.Logger) *mqtt.Publisher {
	mqttLogger := logger.With("component", "mqtt")
	logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

	pub := mqtt.New(cfg.MQTT, instanceID, reg, bus, loc, mqttLogger)
	go func() {
		if err := pub.Start(ctx); err != nil {
			mqttLogger.Error("mqtt publisher failed", "error", err)
		}
	}()

	connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return pub.AwaitConnection(awaitCtx)
		},
		Backoff: connwatch.DefaultBackoffConfig(),
		Logger:  mqttLogger,
	})

	logger.Info("mqtt publishing enabled",
		"broker", cfg.MQTT.Broker,
		"topic_prefix", cfg.MQTT.TopicPrefix,
	)
	return pub
}
