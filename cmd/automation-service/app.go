package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"

	"funnel/internal/automation"
	"funnel/internal/catalog"
	"funnel/internal/config"
	"funnel/internal/constants"
	"funnel/internal/contact"
	"funnel/internal/enrollment"
	"funnel/internal/logger"
	"funnel/internal/outbound"
	"funnel/internal/scheduler"
	"funnel/pkg/bootstrap"
	"funnel/pkg/health"
	"funnel/pkg/metrics"
	"funnel/pkg/middleware"
	"funnel/pkg/migrations"
)

type App struct {
	*bootstrap.Base
	dbConnector *bootstrap.DatabaseConnector

	db          *sql.DB
	redisClient *redis.Client

	registry  *catalog.Registry
	contacts  contact.Store
	store     enrollment.Store
	tracker   *enrollment.Tracker
	engine    *automation.Engine
	scheduler *scheduler.Scheduler
	handler   *automation.Handler

	server *http.Server
}

func NewApp(cfg *config.Config, log logger.Logger) *App {
	if sugaredLogger, ok := log.(*logger.SugaredLogger); ok {
		sugaredLogger.SetServiceName("automation-service")
	}
	return &App{
		Base:        bootstrap.NewBase(cfg, log),
		dbConnector: bootstrap.NewDatabaseConnector(cfg, log),
	}
}

func (a *App) Initialize(ctx context.Context) error {
	if err := a.initCatalog(); err != nil {
		return fmt.Errorf("failed to load catalog: %w", err)
	}

	if err := a.initStores(ctx); err != nil {
		return fmt.Errorf("failed to initialize stores: %w", err)
	}

	if err := a.InitBroker(); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}

	a.initEngine()

	metrics.RegisterAutomationMetrics()
	if a.Config.Broker.Type == "kafka" {
		metrics.RegisterBrokerMetrics()
	}
	if a.Config.CircuitBreaker.Enabled {
		metrics.RegisterCircuitBreakerMetrics()
	}

	if err := a.initHTTPServer(); err != nil {
		return fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	return nil
}

func (a *App) initCatalog() error {
	cat, err := catalog.LoadFile(a.Config.Automation.CatalogFile)
	if err != nil {
		return err
	}
	a.registry = catalog.NewRegistry(cat, a.Logger)
	a.Logger.Infow("Catalog loaded",
		"sequences", len(cat.Sequences),
		"rules", len(cat.Rules),
	)
	return nil
}

func (a *App) initStores(ctx context.Context) error {
	policy := contact.Policy{
		ScoreFloor:    a.Config.Automation.ScoreFloor,
		ScoreCeiling:  a.Config.Automation.ScoreCeiling,
		WarmThreshold: a.Config.Automation.WarmThreshold,
		HotThreshold:  a.Config.Automation.HotThreshold,
	}

	switch a.Config.Database.Store {
	case "postgres":
		db, err := a.dbConnector.InitPostgreSQL(ctx)
		if err != nil {
			return err
		}
		a.db = db

		if a.Config.Database.RunMigrations {
			if err := migrations.RunPostgres(db); err != nil {
				return fmt.Errorf("migrations failed: %w", err)
			}
			a.Logger.Info("Database migrations applied")
		}

		a.contacts = contact.NewPostgresStore(db, policy)
		a.store = enrollment.NewPostgresStore(db)

	case "redis":
		rdb, err := a.dbConnector.InitRedis(ctx)
		if err != nil {
			return err
		}
		a.redisClient = rdb

		a.contacts = contact.NewRedisStore(rdb, policy)
		a.store = enrollment.NewRedisStore(rdb)

	default:
		a.contacts = contact.NewMemoryStore(policy)
		a.store = enrollment.NewMemoryStore()
		a.Logger.Warn("Using in-memory store, state will not survive a restart")
	}

	a.tracker = enrollment.NewTracker(a.store, a.Logger)
	return nil
}

func (a *App) initEngine() {
	emails := outbound.NewEmailClient(a.Config.Email, a.Config.CircuitBreaker, a.Logger)
	notifier := outbound.NewNotifyClient(a.Config.Notify, a.Logger)
	tasks := outbound.NewTaskClient(a.Config.Tasks, a.Logger)

	// The scheduler dispatches through the engine and the engine kicks the
	// scheduler; the closure breaks the construction cycle.
	dispatch := func(ctx context.Context, fire enrollment.ScheduledFire) error {
		return a.engine.DispatchFire(ctx, fire)
	}
	a.scheduler = scheduler.New(a.store, dispatch, a.Config.Scheduler, a.Logger)

	outputTopic := a.Config.Broker.Kafka.OutputTopic
	if outputTopic == "" {
		outputTopic = constants.DefaultOutputTopic
	}

	a.engine = automation.NewEngine(
		a.registry,
		a.contacts,
		a.tracker,
		emails,
		tasks,
		notifier,
		a.scheduler,
		a.Producer,
		outputTopic,
		a.Logger,
	)

	a.handler = automation.NewHandler(a.engine, a.contacts, a.registry, a.store, a.Logger)
}

func (a *App) initHTTPServer() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(middleware.RecoveryMiddleware(a.Logger))
	router.Use(middleware.LoggerMiddleware(a.Logger))
	router.Use(middleware.RequestIDMiddleware())

	a.handler.RegisterRoutes(router)

	healthRegistry := health.NewCheckerRegistry()
	if a.db != nil {
		healthRegistry.Register(health.NewPostgreSQLChecker(a.db))
	}
	if a.redisClient != nil {
		healthRegistry.Register(health.NewRedisChecker(a.redisClient))
	}
	if a.Config.Broker.Type == "kafka" {
		healthRegistry.Register(health.NewKafkaChecker(a.Config.Broker.Kafka.Brokers))
	}

	readiness := func(c *gin.Context) {
		h := healthRegistry.Check(c.Request.Context())
		statusCode := http.StatusOK
		if h.Status == health.StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, h)
	}
	router.GET("/health", readiness)
	router.GET("/health/ready", readiness)
	router.GET("/health/live", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      router,
		ReadTimeout:  a.Config.Server.ReadTimeoutSeconds,
		WriteTimeout: a.Config.Server.WriteTimeoutSeconds,
	}
	return nil
}

func (a *App) Run(ctx context.Context) error {
	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Logger.InfowCtx(gCtx, "HTTP server starting", "port", a.Config.Server.Port)
		if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("HTTP server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ShutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		return a.scheduler.Start(gCtx)
	})

	if a.Consumer != nil {
		inputTopic := a.Config.Broker.Kafka.InputTopic
		if inputTopic == "" {
			inputTopic = constants.DefaultInputTopic
		}
		g.Go(func() error {
			return a.Consumer.Consume(gCtx, inputTopic, a.handler.ConsumeEvent)
		})
	}

	err := g.Wait()

	if shutdownErr := a.Shutdown(context.Background(), a.shutdownStores); shutdownErr != nil {
		a.Logger.Errorw("Shutdown completed with errors", "error", shutdownErr)
	}
	return err
}

func (a *App) shutdownStores(ctx context.Context) []error {
	return a.dbConnector.ShutdownDatabases(a.redisClient, a.db)
}
