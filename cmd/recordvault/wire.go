package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/recordvault/internal/config"
	"github.com/ehr/recordvault/internal/domain/records"
	"github.com/ehr/recordvault/internal/platform/auth"
	"github.com/ehr/recordvault/internal/platform/cache"
	"github.com/ehr/recordvault/internal/platform/consent"
	"github.com/ehr/recordvault/internal/platform/contentstore"
	"github.com/ehr/recordvault/internal/platform/db"
	"github.com/ehr/recordvault/internal/platform/events"
	"github.com/ehr/recordvault/internal/platform/middleware"
	"github.com/ehr/recordvault/internal/platform/telemetry"
)

// deps is everything the server and the CLI commands share.
type deps struct {
	cluster *db.Cluster
	store   contentstore.Store
	service *records.Service
}

// wire connects every backend named by cfg. The returned cleanup closes them
// in reverse order.
func wire(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*deps, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*deps, func(), error) {
		cleanup()
		return nil, func() {}, err
	}

	cluster, err := db.NewCluster(ctx, db.ClusterConfig{
		PrimaryURL: cfg.DatabaseURL,
		ReplicaURL: cfg.DatabaseReplicaURL,
		MaxConns:   cfg.DBMaxConns,
		MinConns:   cfg.DBMinConns,
	}, logger.With().Str("component", "db").Logger())
	if err != nil {
		return fail(fmt.Errorf("connect database: %w", err))
	}
	closers = append(closers, cluster.Close)

	store, err := openContentStore(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, func() {
		cctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Close(cctx); err != nil {
			logger.Warn().Err(err).Msg("closing content store")
		}
	})

	var publisher events.Publisher = events.Nop{}
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisFromURL(ctx, cfg.RedisURL)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = rc.Close() })

		store = contentstore.NewCached(store, rc, cfg.ContentCacheTTL, logger)
		publisher = events.NewRedisPublisher(rc.Client(), cfg.EventsChannel, logger)
		logger.Info().Str("channel", cfg.EventsChannel).Dur("cache_ttl", cfg.ContentCacheTTL).Msg("redis cache and events enabled")
	}

	svc := records.NewService(records.Deps{
		Index:         records.NewIndexPG(cluster),
		Subscriptions: records.NewSubscriptionRepoPG(cluster),
		Store:         store,
		Publisher:     publisher,
		Checker:       accessChecker(cfg, logger),
		Logger:        logger,
		AbandonAfter:  cfg.AbandonAfter,
	})

	return &deps{cluster: cluster, store: store, service: svc}, cleanup, nil
}

func openContentStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (contentstore.Store, error) {
	l := logger.With().Str("component", "contentstore").Str("backend", cfg.ContentStore).Logger()
	switch cfg.ContentStore {
	case config.ContentStoreMongo:
		s, err := contentstore.NewMongo(ctx, contentstore.MongoConfig{
			URI:            cfg.MongoURI,
			Database:       cfg.MongoDatabase,
			ConnectTimeout: 10 * time.Second,
		}, l)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		return s, nil
	case config.ContentStoreBadger:
		s, err := contentstore.NewBadger(contentstore.BadgerConfig{Dir: cfg.BadgerDir}, l)
		if err != nil {
			return nil, fmt.Errorf("open badger: %w", err)
		}
		return s, nil
	case config.ContentStoreMemory:
		l.Warn().Msg("memory content store is not durable")
		return contentstore.NewMemory(contentstore.WithSyncReplication()), nil
	default:
		return nil, fmt.Errorf("unknown content store %q", cfg.ContentStore)
	}
}

func accessChecker(cfg *config.Config, logger zerolog.Logger) records.AccessChecker {
	if cfg.ConsentServiceURL == "" {
		logger.Info().Msg("no consent service configured, only owners can read records")
		return records.OwnerPolicy{}
	}
	return consent.NewClient(cfg.ConsentServiceURL, logger.With().Str("component", "consent").Logger())
}

func newServer(cfg *config.Config, logger zerolog.Logger, d *deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware(nil))
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.PayloadBodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	if d.cluster != nil {
		e.GET("/health/db", db.HealthHandler(d.cluster))
	}

	apiV1 := e.Group("/api/v1")
	if cfg.RequestTimeout > 0 {
		apiV1.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	}
	if cfg.IsDev() {
		logger.Warn().Msg("development mode: every request is authenticated as an admin")
		apiV1.Use(auth.DevAuthMiddleware())
	} else {
		apiV1.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			JWKSURL:  cfg.AuthJWKSURL,
		}))
	}

	records.NewHandler(d.service).RegisterRoutes(apiV1)
	return e
}
