package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/forumfed/forum-ap-bridge/ap"
	"github.com/forumfed/forum-ap-bridge/apclient"
	"github.com/forumfed/forum-ap-bridge/api"
	"github.com/forumfed/forum-ap-bridge/bridge"
	"github.com/forumfed/forum-ap-bridge/delivery"
	"github.com/forumfed/forum-ap-bridge/fedmiddleware"
	"github.com/forumfed/forum-ap-bridge/pipeline"
	"github.com/forumfed/forum-ap-bridge/resolver"
	"github.com/forumfed/forum-ap-bridge/signature"
	"github.com/forumfed/forum-ap-bridge/store"
	"github.com/forumfed/forum-ap-bridge/types"
	"github.com/forumfed/forum-ap-bridge/worker"
)

var (
	version      = "unknown"
	buildMachine = "unknown"
	buildTime    = "unknown"
	goVersion    = "unknown"
)

func main() {
	e := echo.New()

	configPaths := []string{}
	configPath := os.Getenv("FORUM_AP_BRIDGE_CONFIG")
	if configPath != "" {
		configPaths = append(configPaths, configPath)
	}

	additionalConfigs := os.Getenv("FORUM_AP_BRIDGE_CONFIGS")
	if additionalConfigs != "" {
		for _, v := range strings.Split(additionalConfigs, ":") {
			configPaths = append(configPaths, v)
		}
	}

	if len(configPaths) == 0 {
		configPaths = append(configPaths, "/etc/forum-ap-bridge/config.yaml")
	}

	config, err := LoadConfig(configPaths)
	if err != nil {
		slog.Error("Failed to load config: ", slog.String("error", err.Error()))
		panic(err)
	}

	slog.Info(fmt.Sprintf("Forum ActivityPub Bridge %s starting...", version))
	slog.Info(fmt.Sprintf("ApConfig loaded! FQDN: %s", config.ApConfig.FQDN))

	config.NodeInfo.Version = "2.0"
	config.NodeInfo.Software.Name = "forum-ap-bridge"
	config.NodeInfo.Software.Version = version
	config.NodeInfo.Protocols = []string{"activitypub"}

	e.HidePort = true
	e.HideBanner = true

	if config.Server.EnableTrace {
		cleanup, err := SetupTraceProvider(config.Server.TraceEndpoint, config.ApConfig.FQDN+"/apbridge", version)
		if err != nil {
			panic(err)
		}
		defer cleanup()

		skipper := otelecho.WithSkipper(
			func(c echo.Context) bool {
				return c.Path() == "/metrics" || c.Path() == "/health"
			},
		)
		e.Use(otelecho.Middleware(config.ApConfig.FQDN, skipper))
	}

	e.Use(echoprometheus.NewMiddleware("apbridge"))
	e.Use(middleware.Recover())

	gormLogger := logger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		logger.Config{
			SlowThreshold:             300 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  true,
		},
	)

	db, err := gorm.Open(postgres.Open(config.Server.Dsn), &gorm.Config{
		Logger:         gormLogger,
		TranslateError: true,
	})
	if err != nil {
		panic("failed to connect database")
	}
	sqlDB, err := db.DB() // for pinging
	if err != nil {
		panic("failed to connect database")
	}
	defer sqlDB.Close()

	err = db.Use(tracing.NewPlugin(
		tracing.WithDBName("postgres"),
	))
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	mc := memcache.New(config.Server.MemcachedAddr)
	defer mc.Close()

	// Migrate the schema
	log.Println("start migrate")
	db.AutoMigrate(
		&types.ApActor{},
		&types.ApActivity{},
		&types.ApObjectRecord{},
		&types.ApFollow{},
		&types.ApAttachment{},
		&types.ApDeliveryFailure{},
		&types.ApSetting{},
	)

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Server.RedisAddr,
		Password: "", // no password set
		DB:       config.Server.RedisDB,
	})
	err = redisotel.InstrumentTracing(
		rdb,
		redisotel.WithAttributes(
			attribute.KeyValue{
				Key:   "db.name",
				Value: attribute.StringValue("redis"),
			},
		),
	)
	if err != nil {
		panic("failed to setup tracing plugin")
	}

	storeService := store.NewStore(db)
	apClient := apclient.NewApClient(mc, storeService, config.ApConfig)
	entityResolver := resolver.NewResolver(storeService, apClient, config.ApConfig)

	verifier := signature.NewVerifier(entityResolver, fedmiddleware.NewOriginPolicy(storeService))

	queue := delivery.NewQueue(rdb)
	deliveryWorker := delivery.NewWorker(queue, storeService, apClient)

	adapters := make([]bridge.ModelAdapter, 0, len(config.Models))
	for _, modelConfig := range config.Models {
		adapters = append(adapters, bridge.NewSQLAdapter(db, modelConfig))
	}
	registry := bridge.NewRegistry(adapters...)
	bridgeService := bridge.NewService(storeService, queue, deliveryWorker, registry, config.ApConfig)

	// The instance actor signs anonymous outbound fetches, so it must exist
	// before the first dereference.
	if _, err := bridgeService.EnsureInstanceActor(context.Background()); err != nil {
		panic("failed to provision instance actor: " + err.Error())
	}

	processor := pipeline.NewProcessor(
		pipeline.DefaultBuilder().Build(),
		pipeline.WrapStore(storeService),
		entityResolver,
		queue,
		registry,
		config.ApConfig,
	)

	apService := ap.NewService(storeService, registry, rdb, config.NodeInfo, config.ApConfig)
	apHandler := ap.NewHandler(apService, verifier, storeService)

	apiService := api.NewService(storeService, apClient, entityResolver, bridgeService, config.ApConfig)
	apiHandler := api.NewHandler(apiService)

	w := worker.NewWorker(rdb, storeService, processor, deliveryWorker, config.ApConfig)
	go w.Run()

	inboxRate := config.Server.InboxRateMin
	if inboxRate == 0 {
		inboxRate = 60
	}
	inboxBurst := config.Server.InboxBurst
	if inboxBurst == 0 {
		inboxBurst = 10
	}
	rateLimit := fedmiddleware.NewRateLimiter(inboxRate, inboxBurst).Middleware()

	e.GET("/.well-known/host-meta", apHandler.HostMeta)
	e.GET("/.well-known/webfinger", apHandler.WebFinger)
	e.GET("/.well-known/nodeinfo", apHandler.NodeInfoWellKnown)

	apGroup := e.Group("/ap")
	apGroup.GET("/nodeinfo/2.0", apHandler.NodeInfo)
	apGroup.GET("/actors/:username", apHandler.Actor)
	apGroup.POST("/actors/:username/inbox", apHandler.Inbox, rateLimit)
	apGroup.GET("/actors/:username/outbox", apHandler.Outbox)
	apGroup.GET("/actors/:username/followers", apHandler.Followers)
	apGroup.GET("/actors/:username/following", apHandler.Following)
	apGroup.GET("/actors/:username/collection", apHandler.Collection)
	apGroup.GET("/collections/:key", apHandler.ObjectStream)
	apGroup.GET("/objects/:key", apHandler.Object)
	apGroup.GET("/objects/:key/likes", apHandler.ObjectLikes)
	apGroup.GET("/objects/:key/shares", apHandler.ObjectShares)
	apGroup.GET("/activities/:key", apHandler.Activity)

	apGroup.POST("/inbox", apHandler.Inbox, rateLimit)

	adminAuth := adminAuthMiddleware(config.Server.AdminToken)
	apiGroup := e.Group("/ap/api", adminAuth)
	apiGroup.GET("/actors/:modelType/:modelID", apiHandler.GetActor)
	apiGroup.POST("/actors/:modelType/:modelID", apiHandler.EnableFederation)
	apiGroup.DELETE("/actors/:modelType/:modelID", apiHandler.DisableFederation)
	apiGroup.GET("/actors/:modelType/:modelID/stats", apiHandler.GetStats)
	apiGroup.GET("/actors/:modelType/:modelID/follows", apiHandler.GetFollows)
	apiGroup.GET("/actors/:modelType/:modelID/followers", apiHandler.GetFollowers)
	apiGroup.POST("/users/:userID/follow", apiHandler.Follow)
	apiGroup.POST("/users/:userID/unfollow", apiHandler.UnFollow)
	apiGroup.POST("/users/:userID/like", apiHandler.Like)
	apiGroup.GET("/users/:userID/resolve", apiHandler.ResolveActor)
	apiGroup.GET("/settings", apiHandler.GetSettings)
	apiGroup.POST("/settings", apiHandler.UpdateSettings)

	e.GET("/health", func(c echo.Context) (err error) {
		ctx := c.Request().Context()

		err = sqlDB.Ping()
		if err != nil {
			return c.String(http.StatusInternalServerError, "db error")
		}

		err = rdb.Ping(ctx).Err()
		if err != nil {
			return c.String(http.StatusInternalServerError, "redis error")
		}

		return c.String(http.StatusOK, "ok")
	})

	e.GET("/metrics", echoprometheus.NewHandler())

	port := ":8000"
	envport := os.Getenv("FORUM_AP_PORT")
	if envport != "" {
		port = ":" + envport
	}

	e.Logger.Fatal(e.Start(port))
}

// adminAuthMiddleware guards the local admin API with a shared token. An
// empty token leaves the API open, for deployments that fence it off at the
// network layer instead.
func adminAuthMiddleware(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return next(c)
			}
			auth := c.Request().Header.Get("Authorization")
			if auth != "Bearer "+token {
				return c.String(http.StatusUnauthorized, "unauthorized")
			}
			return next(c)
		}
	}
}
