package main

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"leadflow/config"
	"leadflow/engine"
	"leadflow/gateway"
	"leadflow/middleware"
	"leadflow/models"
	"leadflow/routes"
	"leadflow/store"
	"leadflow/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.Environment,
		}); err != nil {
			logger.Fatalf("Failed to initialize sentry: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	db := config.DB

	// Execution router: outbound ledger plus channel adapters.
	gw := gateway.NewGateway(store.NewMessageStore(db), store.NewTemplateStore(db), logger)
	gw.Register(models.ChannelSMS, gateway.NewSMSAdapter(cfg.SMS.BaseURL, cfg.SMS.AuthToken, cfg.SMS.FromNum))
	gw.Register(models.ChannelVoice, gateway.NewVoiceAdapter(cfg.SMS.BaseURL, cfg.SMS.AuthToken, cfg.SMS.FromNum))
	if cfg.SMTP.Host != "" {
		gw.Register(models.ChannelEmail, gateway.NewEmailAdapter(
			cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From))
	}

	leadStore := store.NewLeadStore(db)
	campaignStore := store.NewCampaignStore(db)
	executionStore := store.NewExecutionStore(db)

	scheduler := engine.NewScheduler(campaignStore, executionStore, logger)
	engineCfg := engine.Config{
		RetargetAfter:      time.Duration(cfg.RetargetAfterDays) * 24 * time.Hour,
		EscalateAfter:      time.Duration(cfg.EscalateAfterDays) * 24 * time.Hour,
		RetryBackoff:       cfg.RetryBackoff,
		MaxSendFailures:    cfg.MaxSendFailures,
		SendTimeout:        10 * time.Second,
		BatchLimit:         cfg.SweepBatchLimit,
		MaxConcurrent:      cfg.SweepConcurrency,
		SuppressOnHardFail: cfg.SuppressOnHardFail,
	}
	eng := engine.NewTransitionEngine(engine.Deps{
		Leads:      leadStore,
		Campaigns:  campaignStore,
		Executions: executionStore,
		Events:     store.NewEventStore(db),
		Scheduler:  scheduler,
		Objections: engine.NewObjectionEngine(store.NewObjectionStore(db), logger),
		Sender:     gw,
		Logger:     logger,
	}, engineCfg)

	app := fiber.New()
	app.Use(middleware.CORS())

	sweepWorker := worker.NewSweepWorker(eng, cfg.SweepInterval, logger)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sweepWorker.Start(ctx)

	routes.SetupRoutes(app, db, eng, scheduler, logger)

	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	logger.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
