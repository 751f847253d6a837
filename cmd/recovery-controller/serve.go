package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	h "github.com/gorilla/handlers"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stanstork/recovery-controller/internal/compute"
	"github.com/stanstork/recovery-controller/internal/config"
	"github.com/stanstork/recovery-controller/internal/handlers"
	"github.com/stanstork/recovery-controller/internal/logging"
	"github.com/stanstork/recovery-controller/internal/middleware"
	"github.com/stanstork/recovery-controller/internal/migration"
	"github.com/stanstork/recovery-controller/internal/recovery"
	"github.com/stanstork/recovery-controller/internal/repository"
	"github.com/stanstork/recovery-controller/internal/reservation"
	"github.com/stanstork/recovery-controller/internal/resolver"
	"github.com/stanstork/recovery-controller/internal/routes"
	"github.com/stanstork/recovery-controller/internal/worker"

	_ "github.com/lib/pq" // PostgreSQL driver
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the notification listener, recovery workers and resumer",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(path)
		if err != nil {
			return err
		}
		logger := logging.New(logging.Options{Level: cfg.Log.Level, JSON: cfg.Log.JSON})

		app, err := newApplication(cmd.Context(), cfg, logger)
		if err != nil {
			logger.Error().Err(err).Msg("startup failed")
			return err
		}
		defer app.db.Close()

		app.run()
		logger.Info().Msg("Application terminated.")
		return nil
	},
}

type application struct {
	config     *config.Config
	db         *sql.DB
	logger     zerolog.Logger
	ctx        context.Context
	cancel     context.CancelFunc
	handler    http.Handler
	dispatcher *worker.Dispatcher
	resumer    *worker.Resumer
}

// newApplication opens the database, applies migrations and establishes the control-plane
// session. A failure at any step aborts startup.
func newApplication(parent context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	if parent == nil {
		parent = context.Background()
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(parent); err != nil {
		db.Close()
		return nil, err
	}
	if err := migration.RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, err
	}

	httpClient := compute.NewHTTPClient(compute.RetryOptions{
		MaxRetries: cfg.RecoverStarter.APIMaxRetryCnt,
		Interval:   cfg.RecoverStarter.APIRetryInterval,
		Timeout:    cfg.Nova.RequestTimeout,
	}, logger)
	session, err := compute.NewSession(parent, compute.Credentials{
		AuthURL:           cfg.Nova.AuthURL,
		Username:          cfg.Nova.AdminUser,
		Password:          cfg.Nova.AdminPassword,
		Domain:            cfg.Nova.Domain,
		ProjectName:       cfg.Nova.ProjectName,
		EndpointInterface: cfg.Nova.EndpointInterface,
	}, httpClient, logger)
	if err != nil {
		db.Close()
		return nil, err
	}
	computeClient := compute.NewClient(session, httpClient, cfg.RecoverStarter.APIMaxRetryCnt, logger)

	// Repositories
	reserveRepo := repository.NewReserveNodeRepository()
	spares := reservation.NewManager(reserveRepo, logger)
	notificationRepo := repository.NewNotificationRepository(resolver.New(), spares, logger)
	itemRepo := repository.NewVMRecoveryItemRepository()

	orchestrator := recovery.NewOrchestrator(db, notificationRepo, itemRepo, computeClient, recovery.Options{
		StatusPollInterval: cfg.RecoverStarter.StatusPollInterval,
		StatusPollTimeout:  cfg.RecoverStarter.StatusPollTimeout,
	}, logger)

	ctx, cancel := context.WithCancel(parent)
	// Recoveries are not tied to the resumer's lifetime; Shutdown decides when they stop.
	dispatcher := worker.NewDispatcher(context.WithoutCancel(parent), orchestrator, cfg.Worker.MaxConcurrent, logger)
	resumer := worker.NewResumer(worker.ResumerConfig{
		DB:            db,
		Notifications: notificationRepo,
		Recoverer:     orchestrator,
		PollInterval:  cfg.Worker.ResumeInterval,
		Grace:         cfg.Worker.ResumeGrace,
	}, logger)

	// Handlers
	router := routes.NewRouter(
		handlers.NewNotificationHandler(db, notificationRepo, itemRepo, orchestrator, dispatcher, logger),
		handlers.NewReserveHandler(db, spares, logger),
		handlers.NewHealthHandler(db, logger),
		cfg.JWTSecret,
	)
	loggedRouter := middleware.LoggingMiddleware(logger)(router)
	recovered := h.RecoveryHandler(h.RecoveryLogger(&recoveryLogger{logger: logger}), h.PrintRecoveryStack(false))(loggedRouter)

	return &application{
		config:     cfg,
		db:         db,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
		handler:    recovered,
		dispatcher: dispatcher,
		resumer:    resumer,
	}, nil
}

// run starts the resumer and the HTTP server and blocks until shutdown completes.
func (app *application) run() {
	resumerDone := make(chan struct{})
	go func() {
		defer close(resumerDone)
		if err := app.resumer.Start(app.ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error().Err(err).Msg("resumer stopped unexpectedly")
		}
	}()

	app.startServer(app.handler)

	// Stop the resumer, then let in-flight recoveries finish within the drain timeout.
	app.logger.Info().Dur("drain_timeout", app.config.Worker.DrainTimeout).Msg("Waiting for in-flight recoveries...")
	app.cancel()
	<-resumerDone

	ctx, cancel := context.WithTimeout(context.Background(), app.config.Worker.DrainTimeout)
	defer cancel()
	if err := app.dispatcher.Shutdown(ctx); err != nil {
		app.logger.Warn().Err(err).Msg("In-flight recoveries canceled at drain timeout.")
	}
	app.logger.Info().Msg("Recovery workers stopped.")
}

// startServer launches the HTTP server and handles graceful shutdown.
func (app *application) startServer(handler http.Handler) {
	server := &http.Server{
		Addr:              ":" + app.config.ServerPort,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Channel to listen for server errors
	serverErrCh := make(chan error, 1)
	go func() {
		app.logger.Info().Msgf("Server listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- err
		}
	}()

	// Wait for an interrupt signal or a server error.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-quit:
		app.logger.Info().Msgf("Received signal: %s. Shutting down...", sig)
	case err := <-serverErrCh:
		app.logger.Error().Err(err).Msg("Server error occurred")
	}

	// Gracefully shut down the HTTP server.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		app.logger.Error().Err(err).Msg("HTTP server shutdown error")
	} else {
		app.logger.Info().Msg("HTTP server shutdown complete.")
	}
}

// recoveryLogger routes handler panics to zerolog.
type recoveryLogger struct {
	logger zerolog.Logger
}

func (l *recoveryLogger) Println(v ...interface{}) {
	l.logger.Error().Str(logging.FieldMsgID, "http_panic").Msgf("%v", v)
}
