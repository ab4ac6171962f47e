package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/reporter"
	"github.com/speedwagon-io/relaywatch/internal/sender"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	dryRun := flag.Bool("dry-run", false, "log heartbeats instead of sending")
	flag.Parse()

	cfg := config.MustLoadReporter(*configPath)

	log, logCloser := sl.SetupFileLogger(cfg.Log.Level, cfg.Log.Format, sl.FileConfig{
		Path:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	})
	defer logCloser.Close()

	log.Info("starting relaywatch reporter",
		slog.String("env", cfg.Env),
		slog.String("unit_id", cfg.UnitID),
		slog.String("transport", cfg.Transport),
		slog.Bool("dry_run", *dryRun),
	)

	// Use LogSender for dry-run mode
	var heartbeatSender sender.Sender
	switch {
	case *dryRun:
		heartbeatSender = sender.NewLogSender(log)
		log.Info("dry-run mode: heartbeats will be logged instead of sent")
	case cfg.Transport == "mqtt":
		mqttSender, err := sender.NewMQTTSender(log, &cfg.MQTT, cfg.UnitID)
		if err != nil {
			log.Error("failed to create mqtt sender", sl.Err(err))
			os.Exit(1)
		}
		heartbeatSender = mqttSender
	case cfg.Transport == "http":
		heartbeatSender = sender.NewHTTPSender(log, &cfg.Collector)
	default:
		log.Error("unknown transport", slog.String("transport", cfg.Transport))
		os.Exit(1)
	}

	samplers := []reporter.Sampler{reporter.NewSystemSampler(log, cfg.DiskPath)}
	if cfg.Probe.URL != "" {
		samplers = append(samplers, reporter.NewStatusProbe(log, cfg.Probe.URL, cfg.Probe.Timeout))
		log.Info("relay status probe enabled", slog.String("url", cfg.Probe.URL))
	}

	rep := reporter.NewReporter(log, cfg.UnitID, cfg.Interval, heartbeatSender, samplers...)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := rep.Start(ctx); err != nil {
		log.Error("failed to start reporter", sl.Err(err))
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.Info("received signal, shutting down", slog.String("signal", sig.String()))

	if err := rep.Stop(10 * time.Second); err != nil {
		log.Error("failed to stop reporter", sl.Err(err))
	}

	log.Info("reporter stopped")
}
