package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/pflag"

	"speedtest-mqtt/pkg/browser"
	"speedtest-mqtt/pkg/config"
	"speedtest-mqtt/pkg/installer"
	"speedtest-mqtt/pkg/metrics"
	"speedtest-mqtt/pkg/mqtt"
	"speedtest-mqtt/pkg/notifier"
	"speedtest-mqtt/pkg/scheduler"
	"speedtest-mqtt/pkg/shutdown"
	"speedtest-mqtt/pkg/tester"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return fmt.Errorf("load .env: %w", err)
	}
	cfg, err := config.Load(os.Args[1:], os.Getenv)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level()}))

	browserPath := cfg.BrowserPath
	if browserPath == "" {
		inst := installer.NewInstaller("", "", cfg.InstallDir, logger)
		if browserPath, err = inst.InstallOrUpdate(); err != nil {
			return fmt.Errorf("install headless browser: %w", err)
		}
	} else {
		logger.Info("using pre-installed browser", "path", browserPath)
	}

	bus, err := mqtt.New(mqtt.Options{
		BrokerURL: cfg.MQTTURL,
		Username:  cfg.MQTTUsername,
		Password:  cfg.MQTTPassword,
		ProxyURL:  cfg.MQTTProxy,
	}, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var observer scheduler.Observer
	if cfg.MetricsAddr != "" {
		m := metrics.New()
		observer = m
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics server stopped", "component", "metrics", "error", err)
			}
		}()
	}

	runner := tester.NewSessionRunner(browser.NewChrome(browserPath, logger), cfg.SpeedtestURL, nil, logger)
	orch := scheduler.New(
		scheduler.Config{Schedule: cfg.Cron, MeasureUpload: cfg.Upload()},
		bus,
		notifier.New(bus, notifier.NewIdentity(cfg.UniqueID), logger),
		tester.NewReducer(runner, logger),
		observer,
		logger,
	)

	// Hooks must not cancel ctx: the coordinator owns the exit status.
	coord := shutdown.New(logger)
	coord.OnShutdown(orch.Shutdown)
	stop := coord.Listen()
	defer stop()

	logger.Info("speed-test service starting",
		"broker", cfg.MQTTURL, "unique_id", cfg.UniqueID, "schedule", cfg.Cron)
	return orch.Run(ctx)
}
