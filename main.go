package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Amund211/asyncrefresh/internal/adapters/clusterbus"
	"github.com/Amund211/asyncrefresh/internal/adapters/database"
	"github.com/Amund211/asyncrefresh/internal/app"
	"github.com/Amund211/asyncrefresh/internal/cache"
	"github.com/Amund211/asyncrefresh/internal/config"
	"github.com/Amund211/asyncrefresh/internal/executor"
	"github.com/Amund211/asyncrefresh/internal/lockservice"
	"github.com/Amund211/asyncrefresh/internal/lockstore"
	"github.com/Amund211/asyncrefresh/internal/logging"
	"github.com/Amund211/asyncrefresh/internal/ports"
	"github.com/Amund211/asyncrefresh/internal/reporting"
	"github.com/Amund211/asyncrefresh/internal/telemetry"
	"github.com/Amund211/asyncrefresh/internal/tenantconfig"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	// Root certificates for minimal container images
	_ "golang.org/x/crypto/x509roots/fallback"
)

const serviceName = "asyncrefresh"

const tenantCacheID = "tenants"

func main() {
	instanceID := uuid.New().String()
	logger := slog.New(logging.NewTraceLogHandler(slog.NewJSONHandler(os.Stdout, nil))).With("instanceID", instanceID)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.AddToContext(ctx, logger)

	config, err := config.ConfigFromEnv()
	if err != nil {
		fail("Failed to load config", "error", err.Error())
	}
	logger.Info("Loaded config", "config", config.NonSensitiveString())

	shutdownOTel, err := telemetry.SetupOTelSDK(ctx, serviceName)
	if err != nil {
		fail("Failed to set up OpenTelemetry", "error", err.Error())
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			logger.Error("Failed to shut down OpenTelemetry", "error", err.Error())
		}
	}()
	logger.Info("Initialized OpenTelemetry")

	sentryMiddleware, flush, err := reporting.NewSentryMiddlewareOrMock(config)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry middleware")

	pool, err := executor.New(config.WorkerPoolSize(), logger.With("component", "executor"))
	if err != nil {
		fail("Failed to initialize worker pool", "error", err.Error())
	}
	registry := cache.NewRegistry()

	tenantLoader := tenantconfig.NewLoader(config.TenantConfigDir())
	tenantCache := cache.New[tenantconfig.Settings](
		tenantCacheID,
		tenantLoader,
		cache.WithExecutor(pool),
		cache.WithRegistry(registry),
		cache.WithLogger(logger.With("cache", tenantCacheID)),
		cache.WithPollInterval(config.CachePollInterval()),
		cache.WithWaitTimeout(config.CacheWaitTimeout()),
	)
	logger.Info("Initialized tenant settings cache", "dir", config.TenantConfigDir())

	catalog, err := app.NewCatalog(
		app.HandleFor(tenantCache).WithKeyValidator(tenantconfig.ValidTenantName),
	)
	if err != nil {
		fail("Failed to initialize cache catalog", "error", err.Error())
	}

	lockService := lockservice.New(lockstore.New())

	var listRecentEvents app.ListRecentEvents
	if config.ClusterDatabaseURL() != "" {
		logger.Info("Initializing database connection")
		db, err := database.NewPostgresDatabase(ctx, config.ClusterDatabaseURL())
		if err != nil {
			fail("Failed to initialize database connection", "error", err.Error())
		}
		defer db.Close()
		logger.Info("Initialized database connection")

		schemaName := database.GetSchemaName(!config.IsProduction())
		err = database.NewDatabaseMigrator(db, logger.With("component", "migrator")).Migrate(ctx, schemaName)
		if err != nil {
			fail("Failed to migrate database", "error", err.Error())
		}

		bus := clusterbus.NewPostgres(db, schemaName, config.ClusterDatabaseURL(), instanceID, registry)
		registry.Register(bus)
		go func() {
			busCtx := logging.AddToContext(ctx, logger.With("component", "clusterbus"))
			if err := bus.Listen(busCtx); err != nil {
				reporting.Report(busCtx, err)
				logger.Error("Cluster bus stopped", "error", err.Error())
			}
		}()
		logger.Info("Initialized cluster bus")

		listRecentEvents = app.BuildListRecentEvents(bus)
	}

	allowedOrigins, err := ports.NewDomainSuffixes(config.AllowedOriginSuffixes()...)
	if err != nil {
		fail("Failed to initialize allowed origins", "error", err.Error())
	}
	if config.IsDevelopment() {
		allowedOrigins = allowedOrigins.AllowLocalhost()
	}

	getCacheEntry := app.BuildGetCacheEntry(catalog)
	refreshCacheEntry := app.BuildRefreshCacheEntry(catalog)
	listCaches := app.BuildListCaches(catalog)

	listLocks := app.BuildListLocks(lockService)
	lockNode := app.BuildLockNode(lockService)
	unlockNode := app.BuildUnlockNode(lockService)
	getLockStatus := app.BuildGetLockStatus(lockService)

	mux := http.NewServeMux()

	mux.HandleFunc(
		"GET /v1/caches",
		ports.MakeListCachesHandler(
			listCaches,
			allowedOrigins,
			logger.With("port", "listcaches"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"OPTIONS /v1/caches/{cacheID}/keys/{key}",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"GET /v1/caches/{cacheID}/keys/{key}",
		ports.MakeGetCacheEntryHandler(
			getCacheEntry,
			allowedOrigins,
			logger.With("port", "getcacheentry"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"OPTIONS /v1/caches/{cacheID}/keys/{key}/refresh",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"POST /v1/caches/{cacheID}/keys/{key}/refresh",
		ports.MakeRefreshCacheEntryHandler(
			refreshCacheEntry,
			allowedOrigins,
			logger.With("port", "refreshcacheentry"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"GET /v1/locks",
		ports.MakeListLocksHandler(
			listLocks,
			allowedOrigins,
			logger.With("port", "listlocks"),
			sentryMiddleware,
		),
	)

	mux.HandleFunc(
		"OPTIONS /v1/locks/{protocol}/{storeID}/{id}",
		ports.BuildCORSHandler(allowedOrigins),
	)
	mux.HandleFunc(
		"GET /v1/locks/{protocol}/{storeID}/{id}",
		ports.MakeGetLockStatusHandler(
			getLockStatus,
			allowedOrigins,
			logger.With("port", "getlockstatus"),
			sentryMiddleware,
		),
	)
	mux.HandleFunc(
		"PUT /v1/locks/{protocol}/{storeID}/{id}",
		ports.MakeLockNodeHandler(
			lockNode,
			allowedOrigins,
			logger.With("port", "locknode"),
			sentryMiddleware,
		),
	)
	mux.HandleFunc(
		"DELETE /v1/locks/{protocol}/{storeID}/{id}",
		ports.MakeUnlockNodeHandler(
			unlockNode,
			allowedOrigins,
			logger.With("port", "unlocknode"),
			sentryMiddleware,
		),
	)

	if listRecentEvents != nil {
		mux.HandleFunc(
			"GET /v1/events",
			ports.MakeListRecentEventsHandler(
				listRecentEvents,
				allowedOrigins,
				logger.With("port", "listrecentevents"),
				sentryMiddleware,
			),
		)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", config.Port()),
		Handler:           otelhttp.NewHandler(mux, serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		logger.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down server", "error", err.Error())
		}
		if err := tenantCache.Close(shutdownCtx); err != nil {
			logger.Error("Failed to close tenant cache", "error", err.Error())
		}
		if err := pool.Close(shutdownCtx); err != nil {
			logger.Error("Failed to close worker pool", "error", err.Error())
		}
	}()

	logger.Info("Init complete")
	err = server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		<-shutdownDone
		logger.Info("Server shutdown")
	} else {
		fail("Server error", "error", err.Error())
	}
}
