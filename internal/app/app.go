package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vadim/atom/internal/config"
	httpcontroller "github.com/vadim/atom/internal/controller/http"
	"github.com/vadim/atom/internal/database"
	chatdao "github.com/vadim/atom/internal/domain/chat/dao"
	chatentity "github.com/vadim/atom/internal/domain/chat/entity"
	chatpolicy "github.com/vadim/atom/internal/domain/chat/policy"
	chatservice "github.com/vadim/atom/internal/domain/chat/service"
	notifdao "github.com/vadim/atom/internal/domain/notification/dao"
	notifpolicy "github.com/vadim/atom/internal/domain/notification/policy"
	notifscheduler "github.com/vadim/atom/internal/domain/notification/scheduler"
	notifservice "github.com/vadim/atom/internal/domain/notification/service"
	postdao "github.com/vadim/atom/internal/domain/post/dao"
	postpolicy "github.com/vadim/atom/internal/domain/post/policy"
	postservice "github.com/vadim/atom/internal/domain/post/service"
	profiledao "github.com/vadim/atom/internal/domain/profile/dao"
	profilepolicy "github.com/vadim/atom/internal/domain/profile/policy"
	profileservice "github.com/vadim/atom/internal/domain/profile/service"
	"github.com/vadim/atom/internal/httpx/upstream/embedding"
	"github.com/vadim/atom/internal/metrics"
	"github.com/vadim/atom/internal/realtime"
	"github.com/vadim/atom/internal/session"
	"github.com/vadim/atom/internal/storage"
)

// App is the main application container
type App struct {
	cfg        config.Config
	httpServer *http.Server
	router     *chi.Mux
	logger     *slog.Logger

	// Infrastructure
	pool    *pgxpool.Pool
	bus     realtime.Bus
	storage *storage.S3Storage
	issuer  *session.Issuer

	// Realtime gateway
	hub       *realtime.Hub
	rtHandler *realtime.Handler
	hubCancel context.CancelFunc
	hubDone   sync.WaitGroup

	notifications *notifservice.Service

	// Domain policies (interfaces for HTTP handlers)
	chatPolicy         *chatpolicy.Policy
	notificationPolicy *notifpolicy.Policy
	postPolicy         *postpolicy.Policy
	profilePolicy      *profilepolicy.Policy

	// Prunes read notifications past retention
	pruner *notifscheduler.Scheduler
}

// NewApp creates and initializes the application
func NewApp(ctx context.Context, cfg config.Config) (*App, error) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))

	app := &App{
		cfg:    cfg,
		router: chi.NewRouter(),
		logger: logger,
	}

	if err := app.initInfrastructure(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing infrastructure: %w", err)
	}

	if err := app.initDomains(ctx); err != nil {
		app.closeInfrastructure()
		return nil, fmt.Errorf("initializing domains: %w", err)
	}

	app.registerRoutes()

	app.httpServer = &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      app.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Notifications.PruneEnabled {
		app.pruner = notifscheduler.New(app.notifications, notifscheduler.Config{
			Interval:  cfg.Notifications.PruneInterval,
			Retention: cfg.Notifications.Retention,
		}, logger)
	}

	return app, nil
}

// initInfrastructure connects Postgres, the realtime bus and object storage
func (a *App) initInfrastructure(ctx context.Context) error {
	if a.cfg.Database.PostgresDSN == "" {
		return errors.New("DATABASE_URL is required")
	}

	pool, err := database.NewPostgresPool(ctx, a.cfg.Database.PostgresDSN, database.PoolOptions{
		MaxConns:     a.cfg.Database.MaxConns,
		MinConns:     a.cfg.Database.MinConns,
		ConnLifetime: a.cfg.Database.ConnLifetime,
	})
	if err != nil {
		return fmt.Errorf("connecting to postgres: %w", err)
	}
	a.pool = pool

	if a.cfg.Database.Migrate {
		if err := database.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrating schema: %w", err)
		}
		a.logger.Info("database schema applied")
	}

	switch a.cfg.Realtime.Bus {
	case "redis":
		bus, err := realtime.NewRedisBus(ctx, a.cfg.Redis.URL, a.logger)
		if err != nil {
			return fmt.Errorf("connecting realtime bus: %w", err)
		}
		a.bus = bus
	case "local", "":
		a.bus = realtime.NewLocalBus()
	default:
		return fmt.Errorf("unknown realtime bus %q", a.cfg.Realtime.Bus)
	}

	a.storage, err = storage.NewS3Storage(storage.S3Config{
		Endpoint:        a.cfg.S3.Endpoint,
		AccessKeyID:     a.cfg.S3.AccessKeyID,
		SecretAccessKey: a.cfg.S3.SecretAccessKey,
		Bucket:          a.cfg.S3.Bucket,
		Region:          a.cfg.S3.Region,
		PublicURL:       a.cfg.S3.PublicURL,
	})
	if err != nil {
		return fmt.Errorf("creating s3 storage: %w", err)
	}

	a.issuer = session.NewIssuer(a.cfg.Auth.JWTSecret, a.cfg.Auth.Issuer, a.cfg.Auth.TokenTTL)

	return nil
}

// initDomains initializes domain layers (DAO, Service, Policy) and the hub
func (a *App) initDomains(_ context.Context) error {
	convRepo := chatdao.NewConversationPostgres(a.pool)

	// Realtime: Chat-{id} for participants, Notifications-{id} for its owner
	a.hub = realtime.NewHub(a.bus, realtime.NewChannelAuthorizer(convRepo), a.logger.With("component", "hub"))
	a.hub.Reserve(realtime.KindChat, chatentity.ServerEvents()...)
	a.rtHandler = realtime.NewHandler(a.hub, a.issuer, realtime.ConnOptions{
		PingInterval: a.cfg.Realtime.PingInterval,
		PongTimeout:  a.cfg.Realtime.PongTimeout,
		WriteTimeout: a.cfg.Realtime.WriteTimeout,
		SendBuffer:   a.cfg.Realtime.SendBuffer,
	}, a.logger.With("component", "gateway"))

	// Chat
	chatSvc := chatservice.New(
		chatdao.NewMessagePostgres(a.pool),
		convRepo,
		&messageImageAdapter{storage: a.storage},
		a.hub,
		a.logger.With("domain", "chat"),
	)
	a.chatPolicy = chatpolicy.New(chatSvc, chatpolicy.RateConfig{
		PerSecond: a.cfg.Chat.SendRate,
		Burst:     a.cfg.Chat.SendBurst,
	})

	// Notifications
	a.notifications = notifservice.New(notifdao.NewNotificationPostgres(a.pool), a.hub, a.logger.With("domain", "notification"))
	a.notificationPolicy = notifpolicy.New(a.notifications)

	// Posts
	embedder := embedding.New(a.cfg.Embedding.BaseURL, embedding.WithTimeout(a.cfg.Embedding.Timeout))
	postSvc := postservice.New(
		postdao.NewPostPostgres(a.pool),
		&postImageAdapter{storage: a.storage},
		embedder,
		&followerNotifier{notifications: a.notifications},
		a.logger.With("domain", "post"),
	)
	a.postPolicy = postpolicy.New(postSvc)

	// Profiles
	profileSvc := profileservice.New(
		profiledao.NewProfilePostgres(a.pool),
		&avatarAdapter{storage: a.storage},
		a.logger.With("domain", "profile"),
	)
	a.profilePolicy = profilepolicy.New(profileSvc)

	return nil
}

// registerRoutes registers all HTTP routes
func (a *App) registerRoutes() {
	a.router.Use(middleware.RequestID)
	a.router.Use(middleware.RealIP)
	a.router.Use(middleware.Recoverer)
	a.router.Use(middleware.Logger)
	a.router.Use(metrics.Middleware)
	a.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.Server.Origins(),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	a.router.Use(a.issuer.Middleware)

	// Health check
	a.router.Get("/healthz", a.healthHandler)
	a.router.Get("/readyz", a.readyHandler)
	a.router.Handle("/metrics", promhttp.Handler())

	// API documentation
	httpcontroller.NewDocsHandler("Atom API", OpenAPISpec).RegisterRoutes(a.router)

	// Websocket connections outlive the request timeout
	a.rtHandler.RegisterRoutes(a.router)

	// API v1
	a.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Route("/api/v1", func(r chi.Router) {
			httpcontroller.NewChatHandler(a.chatPolicy).RegisterRoutes(r)
			httpcontroller.NewNotificationHandler(a.notificationPolicy).RegisterRoutes(r)
			httpcontroller.NewPostHandler(a.postPolicy).RegisterRoutes(r)
			httpcontroller.NewProfileHandler(a.profilePolicy).RegisterRoutes(r)
			httpcontroller.NewMediaHandler(a.storage, a.logger).RegisterRoutes(r)
		})
	})
}

// healthHandler handles health check requests
func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// readyHandler checks the database and, when used, Redis
func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := `{"status":"ready"}`
	if err := a.pool.Ping(ctx); err != nil {
		status, body = http.StatusServiceUnavailable, `{"status":"database unavailable"}`
	} else if rb, ok := a.bus.(*realtime.RedisBus); ok {
		if err := rb.Ping(ctx); err != nil {
			status, body = http.StatusServiceUnavailable, `{"status":"redis unavailable"}`
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(body))
}

// Run starts the application and blocks until shutdown signal
func (a *App) Run(ctx context.Context) error {
	hubCtx, cancel := context.WithCancel(ctx)
	a.hubCancel = cancel
	a.hubDone.Add(1)
	go func() {
		defer a.hubDone.Done()
		if err := a.hub.Run(hubCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, realtime.ErrBusClosed) {
			a.logger.Error("realtime hub stopped", "error", err)
		}
	}()

	if a.pruner != nil {
		a.pruner.Start(ctx)
	}

	errCh := make(chan error, 1)

	go func() {
		a.logger.Info("starting HTTP server", "addr", a.cfg.Server.Address(), "bus", a.cfg.Realtime.Bus)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case sig := <-quit:
		a.logger.Info("received shutdown signal", "signal", sig.String())
	case <-ctx.Done():
		a.logger.Info("context cancelled")
	}

	return a.Shutdown(context.Background())
}

// Shutdown gracefully shuts down the application
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down...")

	if a.pruner != nil {
		a.pruner.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	// Hijacked websocket connections are not tracked by the server
	a.hub.CloseAll()
	err := a.httpServer.Shutdown(shutdownCtx)

	if a.hubCancel != nil {
		a.hubCancel()
	}
	a.closeInfrastructure()
	a.hubDone.Wait()

	if err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Warn("closing realtime bus", "error", err)
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
