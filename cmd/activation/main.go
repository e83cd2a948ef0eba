package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"

	"github.com/ocus-app/activation/internal/activation"
	"github.com/ocus-app/activation/internal/config"
	"github.com/ocus-app/activation/internal/http_api"
	"github.com/ocus-app/activation/internal/models"
	"github.com/ocus-app/activation/internal/notificator"
	"github.com/ocus-app/activation/internal/repository"
	"github.com/ocus-app/activation/pkg/logger"
)

func main() {
	flags := []cli.Flag{
		&cli.StringFlag{Name: "postgres-user", Aliases: []string{"u"}, Usage: "Postgres user"},
		&cli.StringFlag{Name: "postgres-password", Aliases: []string{"p"}, Usage: "Postgres password"},
		&cli.StringFlag{Name: "postgres-host", Aliases: []string{"t"}, Usage: "Postgres host"},
		&cli.IntFlag{Name: "postgres-port", Aliases: []string{"P"}, Usage: "Postgres port"},
		&cli.StringFlag{Name: "postgres-db", Aliases: []string{"d"}, Usage: "Postgres database name"},
		&cli.IntFlag{Name: "api-port", Aliases: []string{"a"}, Usage: "HTTP API port"},
		&cli.StringFlag{Name: "reconcile-schedule", Aliases: []string{"r"}, Usage: "Cron schedule for reconciliation, empty to disable"},
		&cli.BoolFlag{Name: "development", Aliases: []string{"D"}, Usage: "Development mode"},
	}

	app := &cli.App{
		Name:  "activation",
		Usage: "OCUS purchase-to-activation service",
		Flags: flags,
		Action: func(c *cli.Context) error {
			return serve(c)
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the scheduled reconciliation",
				Flags:  flags,
				Action: serve,
			},
			{
				Name:   "reconcile",
				Usage:  "Run one reconciliation sweep and exit",
				Flags:  flags,
				Action: reconcileOnce,
			},
		},
	}

	err := app.Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %v", err)
	}

	// Override with flags if set
	if c.IsSet("postgres-user") {
		cfg.PostgresUser = c.String("postgres-user")
	}
	if c.IsSet("postgres-password") {
		cfg.PostgresPassword = c.String("postgres-password")
	}
	if c.IsSet("postgres-host") {
		cfg.PostgresHost = c.String("postgres-host")
	}
	if c.IsSet("postgres-port") {
		cfg.PostgresPort = c.Int("postgres-port")
	}
	if c.IsSet("postgres-db") {
		cfg.PostgresDB = c.String("postgres-db")
	}
	if c.IsSet("api-port") {
		cfg.APIPort = c.Int("api-port")
	}
	if c.IsSet("reconcile-schedule") {
		cfg.ReconcileSchedule = c.String("reconcile-schedule")
	}
	if c.IsSet("development") {
		cfg.Development = c.Bool("development")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type app struct {
	cfg        *config.Config
	log        *logger.Logger
	db         *repository.PostgresDB
	activation *activation.Activation
	telegram   *notificator.TelegramNotificator
	registry   *prometheus.Registry
}

func setup(c *cli.Context) (*app, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}

	// Initialize logger
	log, err := logger.NewLogger(cfg.Development)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %v", err)
	}

	// Initialize database
	db, err := repository.NewPostgresDB(cfg.PostgresDSN(), log, repository.WithTrialLimit(cfg.TrialUseLimit))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %v", err)
	}

	// Initialize notificator, each channel only when configured
	var (
		alerts   notificator.AlertSender
		email    notificator.EmailSender
		telegram *notificator.TelegramNotificator
	)
	if cfg.TelegramBotToken != "" {
		telegram, err = notificator.NewTelegramNotificator(log, cfg.TelegramBotToken, cfg.TelegramAdminChatID)
		if err != nil {
			return nil, err
		}
		alerts = telegram
	}
	if cfg.SMTPHost != "" {
		email = notificator.NewEmailNotificator(log, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPassword, cfg.SMTPSender)
	}
	var notifications models.NotificationService
	if alerts != nil || email != nil {
		notifications = notificator.NewNotificator(log, alerts, email, cfg.DownloadBaseURL)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	activationApp, err := activation.NewActivation(db, notifications, log, cfg, registry)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:        cfg,
		log:        log,
		db:         db,
		activation: activationApp,
		telegram:   telegram,
		registry:   registry,
	}, nil
}

func serve(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.db.Close()
	defer a.log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.telegram != nil {
		go a.telegram.Start(ctx)
	}

	// Initialize API server
	apiServer := http_api.NewHTTPServer(a.activation, a.cfg, a.registry, a.log)
	go apiServer.Start()

	// Start the scheduled reconciliation
	if err := a.activation.Start(); err != nil {
		return err
	}

	<-ctx.Done()
	a.log.Info("Shutdown signal received")
	a.activation.Stop()
	return apiServer.Shutdown()
}

func reconcileOnce(c *cli.Context) error {
	a, err := setup(c)
	if err != nil {
		return err
	}
	defer a.db.Close()
	defer a.log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := a.activation.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("reconciliation failed: %w", err)
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	if len(report.Errors) > 0 {
		return fmt.Errorf("reconciliation finished with %d error(s)", len(report.Errors))
	}
	return nil
}
