package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/fleet"
	"github.com/speedwagon-io/relaywatch/internal/ingest"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/metrics"
	"github.com/speedwagon-io/relaywatch/internal/monitor"
	"github.com/speedwagon-io/relaywatch/internal/notify"
	"github.com/speedwagon-io/relaywatch/internal/remediation"
	"github.com/speedwagon-io/relaywatch/internal/server"
	"github.com/speedwagon-io/relaywatch/internal/store"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	noHeal := flag.Bool("no-heal", false, "evaluate only, never remediate")
	flag.Parse()

	cfg := config.MustLoad(*configPath)

	log := sl.SetupLogger(cfg.Log.Level, cfg.Log.Format)

	log.Info("starting relaywatch collector",
		slog.String("env", cfg.Env),
		slog.String("store", cfg.Store.Driver),
		slog.Bool("auto_heal", cfg.Monitor.AutoHeal && !*noHeal),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	openCtx, openCancel := context.WithTimeout(ctx, cfg.Store.Timeout)
	st, err := store.Open(openCtx, log, cfg.Store)
	openCancel()
	if err != nil {
		log.Error("failed to open store", sl.Err(err))
		os.Exit(1)
	}

	if cfg.Monitor.UnitsPath != "" {
		units := config.MustLoadUnits(cfg.Monitor.UnitsPath)
		for i := range units.Units {
			if err := st.UpsertUnit(ctx, &units.Units[i]); err != nil {
				log.Error("failed to seed unit", slog.String("unit_id", units.Units[i].ID), sl.Err(err))
				os.Exit(1)
			}
		}
		log.Info("loaded unit registry",
			slog.String("path", cfg.Monitor.UnitsPath),
			slog.Int("units", len(units.Units)),
		)
	}

	thresholds := config.NewThresholdStore(cfg.Thresholds)
	m := metrics.NewMetrics()
	aggregator := fleet.NewAggregator(log, st, cfg.Monitor.Workers)
	ingestor := ingest.NewIngestor(log, st, m, cfg.Ingest.AutoRegister)

	if chain := cfg.Remediation.ChainTimeout(); cfg.Remediation.LockTTL <= chain {
		log.Warn("remediation lock ttl does not cover the strategy chain",
			slog.Duration("lock_ttl", cfg.Remediation.LockTTL),
			slog.Duration("chain_timeout", chain),
		)
	}

	var engineOpts []remediation.Option
	var redisLocker *remediation.RedisLocker
	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()

		redisLocker = remediation.NewRedisLocker(log, rdb, cfg.Remediation.LockTTL)
		engineOpts = append(engineOpts, remediation.WithLocker(redisLocker))
		log.Info("using redis remediation lock", slog.String("address", cfg.Redis.Address))
	} else {
		log.Info("using store lease remediation lock", slog.String("store", cfg.Store.Driver))
	}

	engine, err := remediation.FromConfig(log, cfg.Remediation, cfg.Monitor.Workers, st, st, engineOpts...)
	if err != nil {
		log.Error("failed to create remediation engine", sl.Err(err))
		os.Exit(1)
	}

	notifiers := notify.Multi{notify.NewLogNotifier(log)}
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegramNotifier(log, cfg.Telegram.Token, cfg.Telegram.ChatID, cfg.Telegram.Timeout, cfg.Telegram.Throttle)
		if err != nil {
			log.Error("failed to create telegram notifier", sl.Err(err))
			os.Exit(1)
		}
		notifiers = append(notifiers, tg)
	}

	hub := server.NewHub(log)

	mon := monitor.NewMonitor(log, st, aggregator, thresholds, cfg.Monitor.PollInterval,
		monitor.WithEngine(engine, cfg.Monitor.AutoHeal && !*noHeal),
		monitor.WithNotifier(notifiers),
		monitor.WithMetrics(m),
		monitor.WithPublisher(hub),
		monitor.WithRetention(cfg.Store.HeartbeatRetention),
	)

	api := server.NewAPI(log, ingestor, st, aggregator, thresholds, hub, cfg.HTTP.Token)
	httpServer := server.NewServer(log, cfg.HTTP, api, m)
	httpServer.AddChecker(server.NewStoreHealthChecker(st.Ping))

	var consumer *ingest.AMQPConsumer
	if cfg.AMQP.Enabled {
		consumer = ingest.NewAMQPConsumer(log, cfg.AMQP, ingestor)
		httpServer.AddChecker(server.NewConsumerHealthChecker(consumer.Name(), consumer.Connected))
		go consumer.Run(ctx)
	}
	if redisLocker != nil {
		httpServer.AddChecker(server.NewLockHealthChecker(redisLocker.Ping))
	}

	if err := httpServer.Start(); err != nil {
		log.Error("failed to start http server", sl.Err(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				reloadThresholds(log, thresholds, *configPath)
				continue
			}
			log.Info("received signal, shutting down", slog.String("signal", sig.String()))
			cancel()
			return
		}
	}()

	mon.Start(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	mon.Stop()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop http server", sl.Err(err))
	}

	if err := st.Close(); err != nil {
		log.Error("failed to close store", sl.Err(err))
	}

	log.Info("collector stopped")
}

// reloadThresholds swaps in new thresholds; a bad file keeps the old ones.
func reloadThresholds(log *slog.Logger, thresholds *config.ThresholdStore, configPath string) {
	path := config.Path(configPath)
	t, err := thresholds.Reload(path)
	if err != nil {
		log.Error("failed to reload thresholds, keeping previous", slog.String("path", path), sl.Err(err))
		return
	}
	log.Info("thresholds reloaded",
		slog.Duration("heartbeat_timeout", t.HeartbeatTimeout),
		slog.Duration("heartbeat_warning", t.HeartbeatWarning),
	)
}
