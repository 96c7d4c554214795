package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"tasksync/api"
	"tasksync/changefeed"
	"tasksync/config"
	"tasksync/storage"
	"tasksync/subscription"
)

const startupPingTimeout = 5 * time.Second

func runServe(parent context.Context, configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	auth, err := newAuthenticator(cfg)
	if err != nil {
		return err
	}

	var rc *redis.Client
	if cfg.RedisConnectionString != "" {
		rc = redis.NewClient(redisOptions(cfg.RedisConnectionString))
		defer rc.Close()
	}

	backend, mongoStore, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	pingCtx, cancelPing := context.WithTimeout(ctx, startupPingTimeout)
	if err := backend.Ping(pingCtx); err != nil {
		// handlers fail individually until the store is reachable
		logger.WithError(err).Error("task store unreachable at startup")
	} else {
		logger.WithField("backend", cfg.StoreBackend).Info("connected to task store")
	}
	cancelPing()

	feed, primary, err := openFeed(cfg, rc, mongoStore, logger)
	if err != nil {
		return err
	}
	var secondaries []changefeed.Publisher
	if cfg.DomainEventsQueue != "" {
		sink, err := changefeed.NewQueueSink(cfg.StorageConnectionString, cfg.DomainEventsQueue)
		if err != nil {
			return fmt.Errorf("domain events queue: %w", err)
		}
		secondaries = append(secondaries, sink)
	}

	var store storage.Storage = backend
	var cache *storage.Cache
	if rc != nil && cfg.CacheTTL > 0 {
		cache = storage.NewCache(store, rc, cfg.CacheTTL)
		store = cache
	}
	if primary != nil || len(secondaries) > 0 {
		store = storage.NewNotifying(store, changefeed.NewMultiPublisher(logger, primary, secondaries...), logger)
	}

	registry := subscription.NewRegistry(logger,
		subscription.WithRegisterer(prometheus.DefaultRegisterer),
		subscription.WithDeltaQueue(cfg.DeltaQueue),
	)
	opts := []subscription.BroadcasterOption{subscription.WithInitialSnapshot(cfg.InitialSnapshot)}
	if cache != nil {
		// feeds also report writes made by other processes
		opts = append(opts, subscription.WithInvalidator(cache))
	}
	// snapshots read the backend so a push never sees a stale cached list
	broadcaster := subscription.NewBroadcaster(registry, backend, logger, opts...)

	app := &api.App{
		Store:         store,
		Auth:          auth,
		Broadcaster:   broadcaster,
		Logger:        logger,
		AuthRequired:  cfg.AuthMode == config.AuthRequired,
		VerboseErrors: cfg.VerboseErrors,
	}

	feedCtx, cancelFeed := context.WithCancel(context.Background())
	defer cancelFeed()
	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		runBroadcaster(feedCtx, broadcaster, feed, logger)
	}()

	httpServer := newHTTPServer(app, logger)
	streamServer := newStreamServer(app, logger)
	errCh := make(chan error, 2)
	go serveEcho(httpServer, cfg.Port, "http", logger, errCh)
	go serveEcho(streamServer, cfg.StreamPort, "stream", logger, errCh)

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err = <-errCh:
		logger.WithError(err).Error("server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	registry.Drain()
	for _, srv := range []*echo.Echo{httpServer, streamServer} {
		if serr := srv.Shutdown(shutdownCtx); serr != nil {
			logger.WithError(serr).Warn("server shutdown")
		}
	}
	cancelFeed()
	<-feedDone
	if cerr := backend.Close(shutdownCtx); cerr != nil {
		logger.WithError(cerr).Warn("close task store")
	}
	logger.Info("shutdown complete")
	return err
}

func newAuthenticator(cfg config.Config) (api.Authenticator, error) {
	if cfg.AuthMode == config.AuthDisabled {
		return nil, nil
	}
	switch cfg.AuthProvider {
	case config.ProviderHS256:
		return api.NewSharedSecretAuth([]byte(cfg.AuthSharedSecret), cfg.AuthAudience, cfg.AuthIssuer), nil
	case config.ProviderFirebase:
		bundle, err := api.LoadCredentialBundle(cfg.AuthCredentialsFile)
		if err != nil {
			return nil, err
		}
		return api.NewFirebaseAuth(bundle, cfg.JWKSCacheTTL)
	default:
		return api.NewAuth0Auth(cfg.Auth0Domain, cfg.Auth0Audience, cfg.JWKSCacheTTL)
	}
}

func openBackend(ctx context.Context, cfg config.Config) (storage.Storage, *storage.Mongo, error) {
	switch cfg.StoreBackend {
	case config.BackendMongo:
		m, err := storage.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			return nil, nil, fmt.Errorf("mongo: %w", err)
		}
		return m, m, nil
	default:
		t, err := storage.NewTables(cfg.StorageConnectionString, cfg.TasksTable, cfg.UsersTable)
		if err != nil {
			return nil, nil, fmt.Errorf("storage: %w", err)
		}
		return t, nil, nil
	}
}

// openFeed returns the feed the broadcaster follows and, for feeds fed by
// this process, the publisher writes must announce themselves on.
func openFeed(cfg config.Config, rc *redis.Client, m *storage.Mongo, logger *log.Logger) (changefeed.Feed, changefeed.Publisher, error) {
	switch cfg.ResolvedFeed() {
	case config.FeedMongo:
		if m == nil {
			return nil, nil, errors.New("mongo change feed needs the mongo backend")
		}
		return changefeed.NewMongoFeed(m.Tasks(), logger), nil, nil
	case config.FeedRedis:
		if rc == nil {
			return nil, nil, errors.New("redis change feed needs REDIS_CONNECTION_STRING")
		}
		f := changefeed.NewRedisFeed(rc, cfg.ChangeChannel, logger)
		return f, f, nil
	default:
		f := changefeed.NewLocalFeed()
		return f, f, nil
	}
}

// runBroadcaster keeps the broadcaster attached to feed, retrying while the
// transport is unavailable.
func runBroadcaster(ctx context.Context, b *subscription.Broadcaster, feed changefeed.Feed, logger *log.Logger) {
	for {
		err := b.Run(ctx, feed)
		if ctx.Err() != nil {
			return
		}
		logger.WithError(err).Error("change feed unavailable, retrying")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func newHTTPServer(app *api.App, logger *log.Logger) *echo.Echo {
	e := newEcho(logger)
	e.Use(echoprometheus.NewMiddleware("tasksync"))
	e.GET("/metrics", echoprometheus.NewHandler())
	api.Register(e, app)
	return e
}

func newStreamServer(app *api.App, logger *log.Logger) *echo.Echo {
	e := newEcho(logger)
	api.RegisterStream(e, app)
	return e
}

func newEcho(logger *log.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.JSONSerializer = api.JSONSerializer{}
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
	}))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			logger.WithFields(log.Fields{
				"method":  v.Method,
				"path":    v.URIPath,
				"status":  v.Status,
				"latency": v.Latency.String(),
			}).Debug("request")
			return nil
		},
	}))
	return e
}

func serveEcho(e *echo.Echo, port int, name string, logger *log.Logger, errCh chan<- error) {
	addr := ":" + strconv.Itoa(port)
	logger.WithField("addr", addr).Infof("%s server listening", name)
	if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("%s server: %w", name, err)
	}
}
