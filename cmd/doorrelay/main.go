package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"

	"doorrelay/internal/api"
	"doorrelay/internal/broadcast"
	"doorrelay/internal/config"
	"doorrelay/internal/directory"
	"doorrelay/internal/engine"
	"doorrelay/internal/history"
	"doorrelay/internal/ingest"
	"doorrelay/internal/logging"
	"doorrelay/internal/metrics"
	"doorrelay/internal/model"
	"doorrelay/internal/storage"
	"doorrelay/internal/unifi"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "doorrelay:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("doorrelay", pflag.ContinueOnError)
	configPath := flagSet.StringP("config", "c", envOr("DOORRELAY_CONFIG", "doorrelay.yaml"), "path to config file (yaml, json or jsonc)")
	logLevel := flagSet.String("log-level", "", "override log_level from the config file")
	checkOnly := flagSet.Bool("check", false, "validate the config file and exit")
	watchInterval := flagSet.Duration("watch-interval", 3*time.Second, "how often to check the config file for changes")
	showVersion := flagSet.Bool("version", false, "print version and exit")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if *showVersion {
		fmt.Println("doorrelay", version)
		return nil
	}

	path := config.ResolvePath(*configPath)
	mgr, err := config.NewManager(path)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	cfg := mgr.Get()
	if *checkOnly {
		fmt.Println("config ok:", path)
		return nil
	}
	level := cfg.LogLevel
	if *logLevel != "" {
		level = *logLevel
	}
	logger := logging.NewLogger(level, cfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("starting doorrelay", "version", version, "config", path)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := unifi.NewClient(cfg.UniFi, cfg.SelfTrigger, logger)

	var dirStore directory.Store
	store, err := storage.NewStore(cfg.Storage)
	if err != nil {
		return err
	}
	if store != nil {
		if err := store.Init(ctx); err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer store.Close()
		dirStore = store
		logger.Info("storage enabled", "driver", cfg.Storage.Driver)
	}

	dir := directory.New(client, cfg.Groups, logger, dirStore)
	client.SetDoorLookup(dir)
	go dir.Run(ctx, cfg.Directory.RefreshInterval)

	hist := history.NewStore(cfg.History.StoreLimit)
	doors := metrics.NewStore(0)
	hub := broadcast.NewHub(logger)
	observers := []engine.Observer{hist, doors, hub}
	if store != nil {
		observers = append(observers, storage.NewRecorder(store, logger))
	}
	var publisher *broadcast.Publisher
	if cfg.Broadcast.Kafka.Enabled {
		publisher, err = broadcast.NewPublisher(cfg.Broadcast.Kafka, logger)
		if err != nil {
			return err
		}
		observers = append(observers, publisher)
		go publisher.Run(ctx)
		logger.Info("kafka broadcast enabled", "brokers", cfg.Broadcast.Kafka.Brokers, "topic", cfg.Broadcast.Kafka.Topic)
	}

	r, err := newRelay(mgr, logger, client, dir, observers...)
	if err != nil {
		return err
	}
	handler := ingest.HandlerFunc(func(ctx context.Context, source string, raw map[string]any) error {
		return r.Engine().HandleEvent(ctx, source, raw)
	})

	ingest.StartWebhook(ctx, cfg.Ingest.Webhook, handler, logger)
	ingest.StartKafka(ctx, cfg.Ingest.Kafka, handler, logger)
	if cfg.Ingest.WebSocket.Enabled {
		sock := ingest.NewSocketClient(client.NotificationsURL(), client.Token(), cfg.UniFi.VerifyTLS, cfg.Ingest.WebSocket.ReconnectDelay, handler, logger)
		go sock.Run(ctx)
		logger.Info("notification socket enabled", "url", client.NotificationsURL())
	}
	if reg := cfg.Ingest.RegisterWebhook; reg.Enabled {
		go func() {
			ep, err := client.RegisterWebhook(ctx, reg.Name, reg.URL, reg.Events)
			if err != nil {
				logger.Warn("webhook registration failed", "url", reg.URL, "err", err)
				return
			}
			logger.Info("webhook registered", "id", ep.ID, "url", ep.Endpoint)
		}()
	}

	if cfg.Redis.Enabled {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Warn("redis unreachable, stats export will retry", "addr", cfg.Redis.Addr, "err", err)
		}
		reporter := metrics.NewReporter(rdb, cfg.Redis.Key, cfg.Redis.Interval, cfg.Redis.TTL,
			func() model.EngineStats { return r.Engine().Stats() }, doors, logger)
		reporter.Start(ctx)
		defer reporter.Stop()
	}

	api.Start(ctx, api.Deps{
		Config:    mgr,
		Relay:     r,
		Directory: dir,
		History:   hist,
		Doors:     doors,
		Hub:       hub,
		Logger:    logger,
		Version:   version,
	})

	go mgr.Watch(ctx, *watchInterval, func(next *config.Config) {
		if err := r.swap(next); err != nil {
			logger.Error("apply reloaded config", "err", err)
		}
	}, func(err error) {
		logger.Warn("config reload failed", "path", path, "err", err)
	})

	<-ctx.Done()
	logger.Info("shutting down", "pending_delayed_cancelled", r.shutdown())
	if publisher != nil {
		publisher.Wait()
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
