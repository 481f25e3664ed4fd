package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/masterbot-platform/gateway/internal/access"
	accessmongo "github.com/masterbot-platform/gateway/internal/access/mongodb"
	"github.com/masterbot-platform/gateway/internal/auth"
	"github.com/masterbot-platform/gateway/internal/bus"
	"github.com/masterbot-platform/gateway/internal/dashboard"
	"github.com/masterbot-platform/gateway/internal/gateway"
	"github.com/masterbot-platform/gateway/internal/metrics"
	"github.com/masterbot-platform/gateway/internal/relay"
	"github.com/masterbot-platform/gateway/internal/server"
)

type App struct {
	logger          *zap.Logger
	settings        Settings
	manager         *gateway.Manager
	relay           *relay.Relay
	eventBus        bus.Bus
	accessStore     access.Store
	mongoClient     *mongo.Client
	websocketServer *server.WebSocketServer
	restServer      *server.RESTServer
}

func NewApp(logger *zap.Logger, settings Settings) (*App, error) {
	var m *metrics.Metrics
	var metricsHandler http.Handler
	if settings.MetricsEnabled {
		registry := prometheus.NewRegistry()
		m = metrics.New(registry)
		metricsHandler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	eventBus, err := buildBus(logger, settings)
	if err != nil {
		return nil, err
	}

	var accessStore access.Store
	var mongoClient *mongo.Client
	var checker *access.Checker
	var admin *access.Admin
	if settings.AccessRequired {
		mongoClient, err = mongo.Connect(options.Client().ApplyURI(settings.MongoURI))
		if err != nil {
			return nil, err
		}

		store := accessmongo.NewStore(mongoClient)
		accessStore = store
		checker = access.NewChecker(store, settings.AdminID)
		admin = access.NewAdmin(store)
	}

	telegramAuth := auth.NewTelegramAuthenticator(
		settings.BotToken,
		time.Duration(settings.AuthMaxAgeSeconds)*time.Second,
	)
	serviceAuth := auth.NewServiceAuthenticator(settings.ServiceJWTSecret)

	manager := gateway.NewManager(logger, m, gateway.Config{
		MaxConnections:    settings.MaxConnections,
		SendQueueSize:     settings.SendQueueSize,
		HeartbeatInterval: time.Duration(settings.HeartbeatSeconds) * time.Second,
	})

	eventRelay := relay.NewRelay(logger, m, eventBus, manager,
		[]string{settings.ImpulseChannel, settings.BabloChannel})

	dashboardService := dashboard.NewService(logger, settings.ImpulseServiceURL, settings.BabloServiceURL)

	originChecker := server.NewOriginChecker(settings.AllowedOrigins)
	websocketUpgrader := &websocket.Upgrader{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		CheckOrigin:       originChecker.Check,
		EnableCompression: true,
	}

	websocketServer := server.NewWebSocketServer(
		logger,
		websocketUpgrader,
		telegramAuth,
		checker,
		manager,
		m,
		settings.DevMode,
	)
	restServer := server.NewRESTServer(
		logger,
		telegramAuth,
		serviceAuth,
		checker,
		admin,
		manager,
		eventRelay,
		dashboardService,
		metricsHandler,
	)

	return &App{
		logger,
		settings,
		manager,
		eventRelay,
		eventBus,
		accessStore,
		mongoClient,
		websocketServer,
		restServer,
	}, nil
}

func buildBus(logger *zap.Logger, settings Settings) (bus.Bus, error) {
	if settings.RedisURL == "" {
		logger.Warn("REDIS_URL is not set, falling back to the in-process bus; " +
			"only /internal/broadcast will produce events")

		return bus.NewMemoryBus(), nil
	}

	return bus.NewRedisBus(settings.RedisURL, logger)
}

func (a *App) setup(ctx context.Context) error {
	notifyCtx, notifyCtxCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer notifyCtxCancel()

	if a.accessStore != nil {
		setupCtx, setupCtxCancel := context.WithTimeout(notifyCtx, 10*time.Second)
		defer setupCtxCancel()

		err := a.accessStore.Setup(setupCtx)
		if err != nil {
			return err
		}
	}

	go a.manager.Run(notifyCtx)
	go a.relay.Run(notifyCtx)

	a.startHttpServer(notifyCtx)

	return a.shutdown()
}

func (a *App) startHttpServer(ctx context.Context) {
	address := fmt.Sprintf("0.0.0.0:%d", a.settings.Port)

	router := mux.NewRouter()
	if a.settings.BasePath != "" {
		router = router.
			PathPrefix(a.settings.BasePath).
			Subrouter()
	}

	a.websocketServer.Register(router)
	a.restServer.Register(router)

	httpServer := &http.Server{
		Addr:    address,
		Handler: router,
	}

	a.logger.Info("starting http server",
		zap.String("address", address))

	go func() {
		err := httpServer.ListenAndServe()

		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Fatal("failed to start http server",
				zap.Error(err))
		}
	}()

	<-ctx.Done()

	a.logger.Info("stopping http server")

	shutdownCtx, shutdownCtxCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCtxCancel()

	err := httpServer.Shutdown(shutdownCtx)
	if err != nil {
		a.logger.Fatal("http server shutdown failed",
			zap.Error(err))
	}

	a.logger.Info("http server stopped")
}

func (a *App) shutdown() error {
	a.manager.Shutdown()

	err := a.eventBus.Close()
	if err != nil {
		a.logger.Warn("event bus close failed", zap.Error(err))
	}

	if a.mongoClient != nil {
		disconnectCtx, disconnectCtxCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer disconnectCtxCancel()

		err = a.mongoClient.Disconnect(disconnectCtx)
		if err != nil {
			a.logger.Warn("mongodb disconnect failed", zap.Error(err))
		}
	}

	a.logger.Info("gateway stopped")

	return nil
}

func main() {
	ctx := context.Background()

	logger, _ := zap.NewDevelopment()

	var settings Settings
	_, err := env.UnmarshalFromEnviron(&settings)
	if err != nil {
		logger.Fatal("failed to parse settings from environment", zap.Error(err))
	}

	logger, err = buildZapLogger(settings.LogEncoding)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	app, err := NewApp(logger, settings)
	if err != nil {
		logger.Fatal("failed to build application", zap.Error(err))
	}

	err = app.setup(ctx)
	if err != nil {
		logger.Fatal("failed to setup", zap.Error(err))
	}
}
