package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-cart/db"
	"github.com/xenking/kart-cart/internal/catalog"
	"github.com/xenking/kart-cart/internal/domain/cart"
	"github.com/xenking/kart-cart/internal/domain/product"
	"github.com/xenking/kart-cart/internal/handler"
	"github.com/xenking/kart-cart/internal/observe"
	"github.com/xenking/kart-cart/internal/persist"
	"github.com/xenking/kart-cart/internal/session"
	"github.com/xenking/kart-cart/internal/storage/file"
	"github.com/xenking/kart-cart/internal/storage/memory"
	"github.com/xenking/kart-cart/internal/storage/postgres"
	"github.com/xenking/kart-cart/pkg/health"
	"github.com/xenking/kart-cart/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server, and handles graceful
// shutdown. It is the single wiring point for the application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("storage", cfg.Storage.Backend),
	)

	// PostgreSQL pool + migrations, when configured.
	var pool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		pool, err = postgres.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return errors.Wrap(err, "create db pool")
		}
		defer pool.Close()

		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return errors.Wrap(err, "run migrations")
		}
	}

	products, err := openCatalog(pool, cfg.CatalogFile)
	if err != nil {
		return errors.Wrap(err, "open catalog")
	}

	storage, kv, err := openStorage(pool, cfg.Storage, lg)
	if err != nil {
		return errors.Wrap(err, "open storage")
	}

	// Events of every cart go to one bus.
	metrics, err := observe.NewMetrics(m.MeterProvider())
	if err != nil {
		return errors.Wrap(err, "create metrics")
	}
	bus := cart.NewBus(lg.Named("events"))
	bus.Subscribe(observe.Logger(lg.Named("cart")))
	bus.Subscribe(metrics.Record)

	carts, err := session.New(storage, bus, cfg.Sessions, session.Hooks{
		OnOpen:  metrics.SessionOpened,
		OnEvict: metrics.SessionClosed,
	}, lg.Named("sessions"))
	if err != nil {
		return errors.Wrap(err, "create session registry")
	}

	// Health check service.
	healthSvc := health.New()
	healthSvc.Add(health.Liveness, "goroutines", health.GoroutineCountCheck(10000))
	if pool != nil {
		healthSvc.Add(health.Readiness, "postgres", health.PingCheck(pool), health.WithTimeout(5*time.Second))
	}
	healthSvc.Add(health.Readiness, "storage", storageCheck(storage), health.WithTimeout(5*time.Second))
	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	h := handler.New(cfg.HTTP, carts, products)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	mux.Handle("/api/", h.Routes())

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", handler.SessionHeader, httpmiddleware.RequestIDHeader},
				ExposeHeaders:    []string{handler.SessionHeader, httpmiddleware.RequestIDHeader},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("cart-api", m.MeterProvider(), m.TracerProvider()),
			httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
				Rate:    cfg.RateLimit.Rate,
				Burst:   cfg.RateLimit.Burst,
				Clients: cfg.RateLimit.Clients,
				KeyFunc: rateLimitKey,
			}),
		),
	}

	g, gCtx := errgroup.WithContext(ctx)
	if kv != nil {
		g.Go(func() error {
			return kv.Listen(gCtx, cfg.Storage.ListenRetry)
		})
	}

	// Graceful shutdown: wait for cancellation, drain, stop the server, then
	// flush every cart.
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()

		lg.Info("Flushing carts", zap.Int("sessions", carts.Len()))
		if err := carts.Close(shutdownCtx); err != nil {
			return errors.Wrap(err, "close carts")
		}
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// openCatalog reads products from the database when there is one, and from
// a JSON file or the embedded seed otherwise.
func openCatalog(pool *pgxpool.Pool, path string) (product.Catalog, error) {
	if pool != nil {
		return postgres.NewProductRepository(pool), nil
	}

	var (
		products []product.Product
		err      error
	)
	if path != "" {
		products, err = catalog.ReadFile(path)
	} else {
		products, err = catalog.Parse(db.SeedProducts)
	}
	if err != nil {
		return nil, err
	}
	return catalog.NewMemory(products)
}

// openStorage returns the cart storage. kv is set for the postgres backend,
// whose change notifications must be listened for.
func openStorage(pool *pgxpool.Pool, cfg StorageConfig, lg *zap.Logger) (_ persist.Storage, kv *postgres.KV, _ error) {
	switch cfg.Backend {
	case BackendMemory:
		return memory.New(), nil, nil
	case BackendFile:
		s, err := file.New(cfg.DataDir, file.WithCompression(cfg.Compress))
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case BackendPostgres:
		if pool == nil {
			return nil, nil, errors.New("postgres storage requires a database")
		}
		kv := postgres.NewKV(pool, lg.Named("kv"))
		return kv, kv, nil
	default:
		return nil, nil, errors.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

const probeKey = "health:probe"

// storageCheck reads a key that never exists.
func storageCheck(s persist.Storage) health.CheckFunc {
	return func(ctx context.Context) error {
		if _, err := s.Get(ctx, probeKey); err != nil && !errors.Is(err, persist.ErrNotFound) {
			return errors.Wrap(err, "read probe key")
		}
		return nil
	}
}

// rateLimitKey buckets requests by cart session, falling back to the client
// address for requests without one.
func rateLimitKey(r *http.Request) string {
	if id := handler.SessionID(r); id != "" {
		return "session:" + id
	}
	return "ip:" + httpmiddleware.ClientIP(r)
}
