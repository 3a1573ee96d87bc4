package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"smarthome-automations/auth"
	"smarthome-automations/internal/automation"
	"smarthome-automations/internal/config"
	"smarthome-automations/internal/db"
	"smarthome-automations/internal/devices"
	"smarthome-automations/internal/discovery"
	"smarthome-automations/internal/engine"
	"smarthome-automations/internal/mqtt"
	"smarthome-automations/internal/redis"
	"smarthome-automations/internal/scheduler"
	"smarthome-automations/internal/services"
	"smarthome-automations/internal/store"
	"smarthome-automations/internal/taskqueue"
	"smarthome-automations/internal/telemetry"
	"smarthome-automations/internal/utils"
	"smarthome-automations/internal/web"
	"smarthome-automations/internal/web/validation"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const shutdownTimeout = 15 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the automation engine and its REST API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
	root := &cobra.Command{
		Use:           "automationd",
		Short:         "Smart home automation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serveCmd.RunE,
	}
	root.AddCommand(serveCmd, newCheckCmd(), &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate(cmd.Context())
		},
	})
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load config")
		return nil, err
	}
	utils.InitLogging(cfg.Log.Level, cfg.Log.Pretty)
	return cfg, nil
}

func openDatabase(ctx context.Context, cfg *config.Config) (*db.DB, *gorm.DB, error) {
	database, err := db.NewDB(ctx, cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := database.Migrate(ctx); err != nil {
		database.Close()
		return nil, nil, err
	}
	gormDB, err := store.Open(database.Pool(), cfg.Log.Level == "debug")
	if err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(gormDB); err != nil {
		database.Close()
		return nil, nil, fmt.Errorf("migrate store: %w", err)
	}
	return database, gormDB, nil
}

func migrate(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	database, _, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Migration failed")
		return err
	}
	database.Close()
	log.Info().Msg("Database schema is up to date")
	return nil
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := utils.Component("main")
	fail := func(err error, msg string) error {
		logger.Error().Err(err).Msg(msg)
		return err
	}

	loc, err := cfg.Engine.Location()
	if err != nil {
		return fail(err, "Invalid timezone")
	}

	database, gormDB, err := openDatabase(ctx, cfg)
	if err != nil {
		return fail(err, "Failed to prepare database")
	}
	defer database.Close()

	redisClient, err := redis.NewRedisClient(ctx, redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return fail(err, "Failed to connect to Redis")
	}
	defer redisClient.Close()

	mqttClient, err := mqtt.NewMQTTClient(mqtt.Options{
		Broker:         cfg.MQTT.Broker,
		ClientID:       cfg.MQTT.ClientID,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		PublishTimeout: cfg.MQTT.PublishTimeout,
	})
	if err != nil {
		return fail(err, "Failed to connect to MQTT")
	}
	defer mqttClient.Disconnect()

	automations := store.NewAutomationRepository(gormDB)
	logs := store.NewLogRepository(gormDB)
	registry := devices.NewRegistry(redisClient, database, 0)
	notificationRepo := store.NewNotificationRepository(gormDB)
	notifications := services.NewNotificationService(notificationRepo, mqttClient)

	sched := scheduler.NewScheduler(mqttClient.Session(), loc, cfg.Engine.Tick)
	feed := telemetry.NewConsumer(redisClient, mqttClient.Session(), registry, sched.HandleStateChange)

	hub := engine.NewLogHub()
	runner := engine.NewRunner(
		automations,
		logs,
		automation.NewEvaluator(registry, loc, cfg.Engine.StaleAfter),
		automation.NewExecutor(mqttClient, notifications, registry),
		hub,
	)

	var dispatcher engine.Dispatcher
	switch cfg.Engine.Dispatcher {
	case config.DispatcherAsynq:
		dispatcher = taskqueue.NewDispatcher(asynq.RedisClientOpt{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Engine.Workers, cfg.Engine.RunTimeout, runner)
	default:
		dispatcher = engine.NewLocalDispatcher(runner, cfg.Engine.Workers, cfg.Engine.QueueSize)
	}

	eng := engine.NewEngine(automations, sched, dispatcher, runner, feed, hub)
	if err := eng.Start(ctx); err != nil {
		return fail(err, "Failed to start engine")
	}

	validator, err := validation.New(registry)
	if err != nil {
		eng.Stop()
		return fail(err, "Failed to build validator")
	}
	server := web.NewWebServer(":"+cfg.App.Port, web.Dependencies{
		Auth:          auth.NewAuthModule(database.Pool(), cfg.JWT.Secret),
		Users:         database,
		Notifications: notificationRepo,
		Devices:       registry,
		Automations:   automations,
		Logs:          logs,
		Validator:     validator,
		Engine:        eng,
		Health: func(ctx context.Context) error {
			if err := database.Pool().Ping(ctx); err != nil {
				return fmt.Errorf("database: %w", err)
			}
			if !mqttClient.Connected() {
				return mqtt.ErrNotConnected
			}
			return nil
		},
		CORSOrigins: cfg.App.CORSOrigins,
		Release:     cfg.App.Env == "production",
	})
	serverErr := make(chan error, 1)
	go func() { serverErr <- server.Start() }()

	var responder *discovery.Responder
	if cfg.MDNS.Enabled {
		responder, err = discovery.Start(cfg.MDNS.LocalName)
		if err != nil {
			logger.Warn().Err(err).Msg("mDNS responder disabled")
		}
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutting down")
	case runErr = <-serverErr:
		if runErr != nil {
			logger.Error().Err(runErr).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		logger.Warn().Err(err).Msg("HTTP server shutdown failed")
	}
	eng.Stop()
	if err := responder.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close mDNS responder")
	}
	logger.Info().Msg("Shutdown complete")
	return runErr
}
