package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emberauth/ember/internal/token/cache"
	httpapi "github.com/emberauth/ember/internal/token/http"
	"github.com/emberauth/ember/internal/token/service"
	"github.com/emberauth/ember/internal/token/store"
	"github.com/emberauth/ember/internal/token/store/drivers/sqlite"
	"github.com/emberauth/ember/pkg/cryptox"
	"github.com/emberauth/ember/pkg/jwtx"
	"github.com/emberauth/ember/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags. Later problem
	BuildVersion = "v0.1.0"
)

// Application wires the token service with all its dependencies.
type Application struct {
	cfg    Config
	logger *slog.Logger

	db    store.Store
	cache cache.Store
	keys  *jwtx.KeySet

	tokenService        *service.TokenService
	keyRotationService  *service.KeyRotationService
	rateLimitService    *service.RateLimitService
	securityEvents      *service.SecurityEventService
	mfaService          *service.MFAService
	serviceTokenService *service.ServiceTokenService
	janitorService      *service.JanitorService
	rotationJob         *service.RotationJob

	server *http.Server
	router *httpapi.Router
}

// New creates an Application with all dependencies initialized.
func New(cfg Config) (*Application, error) {
	app := &Application{
		cfg: cfg,
		logger: slogx.New(slogx.Config{
			Service: "tokend",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		}),
	}

	if cfg.MasterKeyPath != "" {
		cryptox.SetMasterKeyPath(cfg.MasterKeyPath)
	}

	if err := app.initDatabase(); err != nil {
		return nil, err
	}
	app.initCache()

	app.keys = jwtx.NewKeySet()

	if err := app.initServices(); err != nil {
		_ = app.db.Close()
		return nil, err
	}

	// Load historical verification keys so tokens signed before a restart
	// still validate, then make sure an active signing key exists.
	ctx := context.Background()
	if err := app.keyRotationService.LoadVerificationKeys(ctx); err != nil {
		_ = app.db.Close()
		return nil, fmt.Errorf("failed to load verification keys: %w", err)
	}
	if _, err := app.keyRotationService.ActiveSigningKey(ctx); err != nil {
		_ = app.db.Close()
		return nil, fmt.Errorf("failed to establish active signing key: %w", err)
	}

	app.initHTTP()

	return app, nil
}

// Run starts the application and blocks until shutdown is requested.
func (app *Application) Run() error {
	app.janitorService.Start()
	app.rotationJob.Start()

	app.logger.Info("token service starting", "port", app.cfg.Port, "version", BuildVersion)

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- app.server.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server failed: %w", err)
		}
	case sig := <-shutdown:
		app.logger.Info("shutdown signal received", "signal", sig)

		if err := app.Shutdown(); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
	}

	return nil
}

// Shutdown gracefully stops the server, workers, cache, and database.
func (app *Application) Shutdown() error {
	app.logger.Info("shutting down token service...")

	ctx, cancel := context.WithTimeout(context.Background(), app.cfg.ShutdownGracePeriod)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("graceful server shutdown failed", "error", err)
		if err := app.server.Close(); err != nil {
			app.logger.Error("error closing server", "error", err)
		}
	}

	app.rotationJob.Stop()
	app.janitorService.Stop()

	if err := app.cache.Close(); err != nil {
		app.logger.Error("error closing cache", "error", err)
	}

	if err := app.db.Close(); err != nil {
		app.logger.Error("error closing database", "error", err)
		return err
	}

	app.logger.Info("token service stopped")
	return nil
}

func (app *Application) initDatabase() error {
	host := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", app.cfg.DatabaseFile)
	db, err := sqlite.NewStore(host)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	app.db = db

	if err := db.ApplyMigrations(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to apply database migrations: %w", err)
	}

	app.logger.Info("database migrations applied successfully")
	return nil
}

func (app *Application) initCache() {
	if app.cfg.RedisAddr != "" {
		app.cache = cache.NewRedis(app.cfg.RedisAddr, app.cfg.RedisPassword, app.cfg.RedisDB)
		app.logger.Info("using redis cache", "addr", app.cfg.RedisAddr)
		return
	}

	app.cache = cache.NewMemory()
	app.logger.Info("using in-process cache; rate limits are per-instance")
}

func (app *Application) initServices() error {
	app.securityEvents = &service.SecurityEventService{Store: app.db}

	app.keyRotationService = &service.KeyRotationService{
		Store:            app.db,
		Cache:            app.cache,
		Keys:             app.keys,
		RSABits:          app.cfg.RSABits,
		RotationInterval: app.cfg.RotationInterval,
		GracePeriod:      app.cfg.RotationGrace,
	}

	app.tokenService = &service.TokenService{
		Store:       app.db,
		Cache:       app.cache,
		Rotation:    app.keyRotationService,
		Events:      app.securityEvents,
		Keys:        app.keys,
		Issuer:      app.cfg.Issuer,
		AccessTTL:   app.cfg.AccessTTL,
		RefreshTTL:  app.cfg.RefreshTTL,
		IdentityTTL: app.cfg.IdentityTTL,
	}

	app.rateLimitService = &service.RateLimitService{
		Counters: app.cache,
		Events:   app.securityEvents,
	}

	app.mfaService = &service.MFAService{
		Store:  app.db,
		Events: app.securityEvents,
		Issuer: app.cfg.Issuer,
	}

	policies, err := LoadServicePolicies(app.cfg.ServicePoliciesFile)
	if err != nil {
		return err
	}
	app.serviceTokenService = &service.ServiceTokenService{
		Tokens:   app.tokenService,
		Cache:    app.cache,
		Policies: policies,
	}

	app.janitorService = service.NewJanitorService(app.db, app.logger, app.cfg.JanitorInterval)
	app.rotationJob = service.NewRotationJob(app.keyRotationService, app.logger, app.cfg.RotationCheckInterval)

	return nil
}

func (app *Application) initHTTP() {
	router := httpapi.NewRouter(app.keys, app.db, app.cache, app.logger)

	router.TokenService = app.tokenService
	router.KeyRotationService = app.keyRotationService
	router.RateLimitService = app.rateLimitService
	router.MFAService = app.mfaService
	router.ServiceTokenService = app.serviceTokenService
	router.ApplyRoutes()

	app.router = router

	app.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", app.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 3 * time.Second,
	}
}
