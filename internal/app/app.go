package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/patitas/storefront/internal/domain/order"
	"github.com/patitas/storefront/internal/domain/product"
	"github.com/patitas/storefront/internal/handler"
	"github.com/patitas/storefront/internal/idempotency"
	"github.com/patitas/storefront/internal/notify"
	"github.com/patitas/storefront/internal/storage/postgres"
	"github.com/patitas/storefront/pkg/health"
	"github.com/patitas/storefront/pkg/httpmiddleware"
)

const serviceName = "storefront"

// Run creates all dependencies, starts the HTTP server and the notification
// dispatcher, and handles graceful shutdown. It is the single wiring point for
// the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("notify_driver", cfg.Notify.Driver),
		zap.Bool("redis", cfg.Redis.URL != ""),
	)

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	// Optional Redis for idempotency keys and a shared rate limit.
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "parse redis url")
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
	}

	// Notifications.
	notifier, closeNotifier, err := newNotifier(cfg.Notify, lg)
	if err != nil {
		return errors.Wrap(err, "create notifier")
	}
	defer func() {
		if err := closeNotifier(); err != nil {
			lg.Warn("Close notifier", zap.Error(err))
		}
	}()
	dispatcher, err := notify.NewDispatcher(outboxRepo, notifier, notify.DispatcherConfig{
		PollInterval: cfg.Notify.PollInterval,
		BatchSize:    cfg.Notify.BatchSize,
		Workers:      cfg.Notify.Workers,
		MaxAttempts:  cfg.Notify.MaxAttempts,
		Lease:        cfg.Notify.Lease,
		SendTimeout:  cfg.Notify.SendTimeout,
		Meter:        m.MeterProvider().Meter(serviceName + "/notify"),
	})
	if err != nil {
		return errors.Wrap(err, "create dispatcher")
	}

	// Domain services.
	productService := product.NewService(productRepo)
	orderService, err := order.NewService(orderRepo, dispatcher, order.Config{
		StrictTransitions: cfg.Orders.StrictTransitions,
		Meter:             m.MeterProvider().Meter(serviceName + "/order"),
		Tracer:            m.TracerProvider().Tracer(serviceName + "/order"),
	})
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.Readiness("postgres", health.PingCheck(pool), health.WithTimeout(5*time.Second))
	healthSvc.Readiness("notification_backlog", health.BacklogCheck(outboxRepo.Backlog, cfg.Notify.MaxBacklog))
	if rdb != nil {
		healthSvc.Readiness("redis", func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	healthSvc.Liveness("goroutines", health.GoroutineCountCheck(10000), health.WithTimeout(time.Second))

	// Rate limiting: shared through Redis when available.
	var (
		apiLimits   httpmiddleware.LimitStore
		orderLimits httpmiddleware.LimitStore
		sweepers    []*httpmiddleware.MemoryLimitStore
	)
	if rdb != nil {
		apiLimits = httpmiddleware.NewRedisLimitStore(rdb, serviceName+":rl:api:", cfg.RateLimit.Max, cfg.RateLimit.Window)
		orderLimits = httpmiddleware.NewRedisLimitStore(rdb, serviceName+":rl:orders:", cfg.RateLimit.OrderMax, cfg.RateLimit.Window)
	} else {
		apiMem := httpmiddleware.NewMemoryLimitStore(cfg.RateLimit.Max, cfg.RateLimit.Window)
		orderMem := httpmiddleware.NewMemoryLimitStore(cfg.RateLimit.OrderMax, cfg.RateLimit.Window)
		apiLimits, orderLimits = apiMem, orderMem
		sweepers = append(sweepers, apiMem, orderMem)
	}

	// HTTP handlers.
	hcfg := handler.Config{
		Pepper: []byte(cfg.APIKeyPepper),
		OrderMiddleware: []func(http.Handler) http.Handler{
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Max:            cfg.RateLimit.OrderMax,
				Window:         cfg.RateLimit.Window,
				Store:          orderLimits,
				TrustedProxies: cfg.RateLimit.TrustedProxies,
			}),
		},
	}
	if rdb != nil {
		hcfg.Idempotency = idempotency.NewRedisStore(rdb, idempotency.Config{})
	}
	h := handler.New(productService, orderService, apikeyRepo, hcfg)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: newRouter(routerDeps{
			logger:         zctx.From(ctx),
			tracerProvider: m.TracerProvider(),
			meterProvider:  m.MeterProvider(),
			health:         healthSvc,
			api:            h.Routes(),
			cors: httpmiddleware.CORSConfig{
				Origins:          cfg.CORS.Origins,
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			},
			limit: httpmiddleware.RateLimitConfig{
				Max:            cfg.RateLimit.Max,
				Window:         cfg.RateLimit.Window,
				Store:          apiLimits,
				TrustedProxies: cfg.RateLimit.TrustedProxies,
			},
		}),
	}

	g, gctx := errgroup.WithContext(ctx)

	healthSvc.Start(gctx, 10*time.Second)
	healthSvc.SetReady(true)

	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	for _, s := range sweepers {
		g.Go(func() error {
			s.RunSweeper(gctx)
			return nil
		})
	}

	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

type routerDeps struct {
	logger         *zap.Logger
	tracerProvider trace.TracerProvider
	meterProvider  metric.MeterProvider
	health         *health.Health
	api            http.Handler
	cors           httpmiddleware.CORSConfig
	limit          httpmiddleware.RateLimitConfig
}

// newRouter mounts health probes and the API under one chi router. Probes
// skip rate limiting.
func newRouter(d routerDeps) chi.Router {
	r := chi.NewRouter()
	r.Use(
		httpmiddleware.InjectLogger(d.logger),
		httpmiddleware.RequestID(),
		httpmiddleware.Recovery(),
		httpmiddleware.CORS(d.cors),
		httpmiddleware.Instrument(serviceName, d.tracerProvider, d.meterProvider),
		httpmiddleware.LogRequests(),
		httpmiddleware.Labeler(),
	)

	r.Get("/livez", d.health.LiveEndpoint)
	r.Get("/readyz", d.health.ReadyEndpoint)

	r.Group(func(r chi.Router) {
		r.Use(httpmiddleware.RateLimit(d.limit))
		r.Mount("/api", d.api)
	})
	return r
}

// newNotifier selects the delivery channel. The returned func releases it.
func newNotifier(cfg NotifyConfig, lg *zap.Logger) (notify.Notifier, func() error, error) {
	renderer := notify.Renderer{ShopName: cfg.ShopName, Locale: cfg.Locale}
	nop := func() error { return nil }

	switch cfg.Driver {
	case DriverLog:
		return notify.LogNotifier{Renderer: renderer}, nop, nil
	case DriverWebhook:
		return notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:     cfg.Webhook.URL,
			Token:   cfg.Webhook.Token,
			From:    cfg.Webhook.From,
			Timeout: cfg.Webhook.Timeout,
		}, renderer, lg), nop, nil
	case DriverKafka:
		n := notify.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		return n, n.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown notify driver %q", cfg.Driver)
	}
}
