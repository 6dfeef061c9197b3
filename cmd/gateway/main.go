// cmd/gateway/main.go
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"iot-sensor-gateway/internal/alerting"
	"iot-sensor-gateway/internal/anomaly"
	"iot-sensor-gateway/internal/api"
	"iot-sensor-gateway/internal/auth"
	"iot-sensor-gateway/internal/config"
	"iot-sensor-gateway/internal/logger"
	"iot-sensor-gateway/internal/middleware"
	"iot-sensor-gateway/internal/monitor"
	"iot-sensor-gateway/internal/mqtt"
	"iot-sensor-gateway/internal/notify"
	"iot-sensor-gateway/internal/repository/postgres"
	"iot-sensor-gateway/internal/storage"
	"iot-sensor-gateway/internal/stream"
	"iot-sensor-gateway/internal/websocket"
)

func main() {
	// --- Configuration ---
	configPath := flag.String("config", ".", "Path to the configuration file directory")
	webDir := flag.String("webdir", "", "Path to static dashboard assets (overrides server.web_dir)")
	hashPassword := flag.String("hash-password", "", "Print a bcrypt hash for an operator password and exit")
	flag.Parse()

	if *hashPassword != "" {
		hash, err := auth.HashPassword(*hashPassword)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println(hash)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if *webDir != "" {
		cfg.Server.WebDir = *webDir
	}
	logger.Init(cfg.Log.Level, cfg.Log.Pretty)
	log := logger.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize Components ---
	hub := websocket.NewHub()
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	var closers []func() error

	gate, redisClient, err := buildGate(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up cooldown gate")
	}
	if redisClient != nil {
		closers = append(closers, redisClient.Close)
	}

	alertStore, db, err := buildAlertStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to set up alert store")
	}
	if db != nil {
		closers = append(closers, db.Close)
	}

	alerterCfg := alerting.Config{Gate: gate, Store: alertStore, Hub: hub}
	if cfg.TelegramEnabled() {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			BotToken: cfg.Telegram.BotToken,
			ChatIDs:  cfg.Telegram.ChatIDs,
			APIURL:   cfg.Telegram.APIURL,
			Timeout:  cfg.Telegram.Timeout,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up telegram notifier")
		}
		alerterCfg.Notifier = tg
		log.Info().Int("chats", len(cfg.Telegram.ChatIDs)).Msg("telegram notifications enabled")
	} else {
		log.Warn().Msg("telegram notifications disabled (no bot token or chat ids)")
	}
	alerter := alerting.NewAlerter(alerterCfg)

	detector := anomaly.NewDetector(cfg.Thresholds)
	log.Info().Interface("thresholds", cfg.Thresholds).Msg("alert thresholds loaded")

	opts := monitor.Options{
		Store:     storage.NewMemoryStore(cfg.History.Capacity),
		Evaluator: detector,
		Alerter:   alerter,
		Hub:       hub,
	}
	var publisher *stream.KafkaPublisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err = stream.NewKafkaPublisher(stream.Config{
			Brokers:       cfg.Kafka.Brokers,
			ReadingsTopic: cfg.Kafka.ReadingsTopic,
			AlertsTopic:   cfg.Kafka.AlertsTopic,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to set up kafka publisher")
		}
		opts.Publisher = publisher
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Msg("kafka event stream enabled")
	}
	service := monitor.NewService(opts)

	var subscriber *mqtt.Subscriber
	if cfg.MQTT.Broker != "" {
		subscriber = mqtt.NewSubscriber(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      byte(cfg.MQTT.QoS),
		}, service)
		if err := subscriber.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start mqtt ingress")
		}
		log.Info().Str("broker", cfg.MQTT.Broker).Str("topic", cfg.MQTT.Topic).Msg("mqtt ingress enabled")
	}

	authManager := auth.NewAuthManager(cfg.Auth)
	if !authManager.APIKeysEnabled() {
		log.Warn().Msg("no API keys configured, device ingress is open")
	}
	if !authManager.JWTEnabled() {
		log.Warn().Msg("no JWT secret configured, operator routes are open")
	}

	handler := api.NewAPIHandler(api.Deps{
		Service:        service,
		Detector:       detector,
		Alerts:         alertStore,
		Hub:            hub,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	routerCfg := api.RouterConfig{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		WebDir:         cfg.Server.WebDir,
	}
	if cfg.RateLimit.Enabled {
		var counter middleware.Counter = middleware.NewMemoryCounter()
		if redisClient != nil {
			counter = middleware.NewRedisCounter(redisClient, cfg.RateLimit.KeyPrefix)
		}
		routerCfg.APILimiter = middleware.RateLimit(middleware.RateLimitConfig{
			Name:    "api",
			Counter: counter,
			Limit:   cfg.RateLimit.APILimit,
			Window:  cfg.RateLimit.Window,
			Skip:    middleware.SkipOrigins(cfg.Server.AllowedOrigins),
		})
		routerCfg.IngestLimiter = middleware.RateLimit(middleware.RateLimitConfig{
			Name:       "ingest",
			Counter:    counter,
			Limit:      cfg.RateLimit.IngestLimit,
			Window:     cfg.RateLimit.Window,
			SkipFailed: true,
		})
		log.Info().
			Int("api_limit", cfg.RateLimit.APILimit).
			Int("ingest_limit", cfg.RateLimit.IngestLimit).
			Dur("window", cfg.RateLimit.Window).
			Bool("shared", redisClient != nil).
			Msg("rate limiting enabled")
	}
	router := api.NewRouter(handler, authManager, routerCfg)

	// --- Setup HTTP Server ---
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("gateway listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// --- Graceful Shutdown ---
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown")
	}
	if subscriber != nil {
		subscriber.Stop()
	}
	stopHub()
	<-hubDone
	alerter.Wait()
	if publisher != nil {
		if err := publisher.Close(); err != nil {
			log.Error().Err(err).Msg("kafka publisher close")
		}
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			log.Error().Err(err).Msg("close")
		}
	}

	log.Info().Msg("gateway stopped")
}

func buildGate(ctx context.Context, cfg *config.Config) (alerting.Gate, *redis.Client, error) {
	if cfg.Cooldown.Backend != "redis" {
		return alerting.NewCooldownGate(cfg.Cooldown.Window, alerting.WithMaxKeys(cfg.Cooldown.MaxKeys)), nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}
	logger.WithComponent("main").Info().Str("addr", cfg.Redis.Addr).Msg("shared redis cooldown enabled")
	return alerting.NewRedisGate(client, cfg.Redis.KeyPrefix, cfg.Cooldown.Window), client, nil
}

func buildAlertStore(ctx context.Context, cfg *config.Config) (alerting.Store, *sql.DB, error) {
	switch cfg.Alerts.Store {
	case "none":
		return alerting.NopStore{}, nil, nil
	case "postgres":
		db, err := postgres.Open(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxOpenConns)
		if err != nil {
			return nil, nil, err
		}
		repo := postgres.NewAlertRepository(db)
		if err := repo.EnsureSchema(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.WithComponent("main").Info().Msg("alerts persisted to postgres")
		return repo, db, nil
	default:
		return alerting.NewMemoryStore(cfg.Alerts.MemoryLimit), nil, nil
	}
}
