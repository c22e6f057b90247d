package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"wecomagent/internal/config"
	"wecomagent/internal/dispatch"
	"wecomagent/internal/history"
	"wecomagent/internal/metrics"
	"wecomagent/internal/queue"
	"wecomagent/internal/relay"
	"wecomagent/pkg/wecom"
)

const housekeepingInterval = time.Hour

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP relay and/or queue consumer",
		Long:  "Serve send requests from the HTTP relay (relay.enabled) and the RabbitMQ queue (queue.enabled) until interrupted.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.Relay.Enabled && !cfg.Queue.Enabled {
		return fmt.Errorf("nothing to serve: enable relay.enabled or queue.enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, release, err := newClient(ctx, cfg)
	if err != nil {
		return err
	}
	defer release()

	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	dcfg := dispatch.Config{Sender: client, DefaultAgentID: cfg.WeCom.AgentID, Logger: logger}
	if store != nil {
		defer store.Close()
		dcfg.Recorder = store
	}
	dispatcher := dispatch.New(dcfg)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancel()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		housekeeping(ctx, cfg, client, store)
	}()

	if cfg.Relay.Enabled {
		srv := relay.New(relayConfig(cfg, dispatcher, store))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				logger.Error("relay stopped", "err", err)
				fail(err)
			}
		}()
	}

	if cfg.Queue.Enabled {
		consumer := queue.New(queue.Config{
			URL:        cfg.Queue.URL,
			Queue:      cfg.Queue.Queue,
			Exchange:   cfg.Queue.Exchange,
			RoutingKey: cfg.Queue.RoutingKey,
			Prefetch:   cfg.Queue.Prefetch,
			Dispatcher: dispatcher,
			Logger:     logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = consumer.Run(ctx)
		}()
	}

	logger.Info("wecomagent serving", "relay", cfg.Relay.Enabled, "queue", cfg.Queue.Enabled, "history", store != nil)

	<-ctx.Done()
	logger.Info("shutting down...")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(15 * time.Second):
		logger.Warn("shutdown timed out")
	}
	return runErr
}

func relayConfig(cfg *config.Config, d relay.Dispatcher, store *history.SQLiteStore) relay.Config {
	rc := relay.Config{
		Host:       cfg.Relay.Host,
		Port:       cfg.Relay.Port,
		Secret:     cfg.Relay.Secret,
		Dispatcher: d,
		Logger:     logger,
	}
	if cfg.Metrics.Enabled {
		rc.MetricsPath = cfg.Metrics.Endpoint
	}
	if store != nil {
		rc.Health = store.Ping
	}
	if cfg.Relay.Secret == "" {
		logger.Warn("relay.secret is empty; requests are not authenticated")
	}
	return rc
}

// housekeeping purges expired history and keeps the token expiry gauge current.
func housekeeping(ctx context.Context, cfg *config.Config, client *wecom.Client, store *history.SQLiteStore) {
	retention := time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
	tick := func() {
		metrics.Collector.TokenExpiry().Set(client.TokenExpiry().Unix())
		if store == nil {
			return
		}
		n, err := store.Purge(ctx, retention)
		if err != nil {
			logger.Warn("history purge failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("history purged", "deleted", n, "retention_days", cfg.History.RetentionDays)
		}
	}

	tick()
	t := time.NewTicker(housekeepingInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			tick()
		}
	}
}
