// Command quotagate runs the quota and billing relay service: free-tier
// request gating, Stripe webhook reconciliation, and checkout/portal session
// brokering over one HTTP listener.
package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	cloudfirestore "cloud.google.com/go/firestore"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"google.golang.org/api/option"

	"github.com/mihaimyh/quotagate/pkg/api"
	"github.com/mihaimyh/quotagate/pkg/billing"
	prommetrics "github.com/mihaimyh/quotagate/pkg/billing/metrics/prometheus"
	stripeprovider "github.com/mihaimyh/quotagate/pkg/billing/stripe"
	"github.com/mihaimyh/quotagate/pkg/config"
	"github.com/mihaimyh/quotagate/pkg/quotagate"
	"github.com/mihaimyh/quotagate/storage/firestore"
	"github.com/mihaimyh/quotagate/storage/memory"
	"github.com/mihaimyh/quotagate/storage/postgres"
	"github.com/mihaimyh/quotagate/storage/redis"
)

const shutdownTimeout = 15 * time.Second

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	if err := run(logger); err != nil {
		logger.Fatal().Err(err).Msg("service failed")
	}
}

func run(logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer closeStore()

	metrics := prommetrics.DefaultMetrics("quotagate")

	provider, err := stripeprovider.NewProvider(stripeprovider.Config{
		Config: billing.Config{
			Store:          store,
			WebhookSecret:  cfg.StripeWebhookSecret,
			APIKey:         cfg.StripeSecretKey,
			DefaultPriceID: cfg.StripePriceID,
			Logger:         logger.With().Str("component", "stripe").Logger(),
			Metrics:        metrics,
		},
		SuccessURL: cfg.FrontendURL + "?checkout=success",
		CancelURL:  cfg.FrontendURL + "?checkout=canceled",
		ReturnURL:  cfg.FrontendURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create billing provider: %w", err)
	}

	gate, err := quotagate.NewGate(store, quotagate.GateConfig{
		FreeLimit: cfg.FreeRequestLimit,
		Logger:    logger.With().Str("component", "gate").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create quota gate: %w", err)
	}

	handler, err := api.NewHandler(api.Config{
		Gate:           gate,
		Store:          store,
		Sessions:       provider,
		Webhook:        provider.WebhookHandler(),
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger.With().Str("component", "api").Logger(),
	})
	if err != nil {
		return fmt.Errorf("failed to create api handler: %w", err)
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger(logger))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		//nolint:errcheck // best-effort health body
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	handler.Register(r)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Int("port", cfg.Port).Msg("listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// requestLogger logs one line per request with method, path, status, and
// duration.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.Status()).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

// openStore selects the storage backend by STORE_URL scheme and returns it
// with a close function.
func openStore(ctx context.Context, cfg *config.Config) (quotagate.Store, func(), error) {
	u, err := url.Parse(cfg.StoreURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid STORE_URL: %w", err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return memory.New(), func() {}, nil

	case "postgres", "postgresql":
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.StoreURL
		store, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil

	case "redis", "rediss":
		opts, err := goredis.ParseURL(cfg.StoreURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid redis STORE_URL: %w", err)
		}
		client := goredis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("failed to ping redis: %w", err)
		}
		store, err := redis.New(client, redis.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			//nolint:errcheck // closing on shutdown
			_ = client.Close()
		}, nil

	case "firestore":
		projectID := u.Host
		if projectID == "" {
			return nil, nil, fmt.Errorf("firestore STORE_URL must carry a project id")
		}
		var opts []option.ClientOption
		if cfg.StoreServiceKey != "" {
			opts = append(opts, option.WithCredentialsFile(cfg.StoreServiceKey))
		}
		client, err := cloudfirestore.NewClient(ctx, projectID, opts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create firestore client: %w", err)
		}
		store, err := firestore.New(client, firestore.DefaultConfig())
		if err != nil {
			return nil, nil, err
		}
		return store, func() {
			//nolint:errcheck // closing on shutdown
			_ = store.Close()
		}, nil

	default:
		return nil, nil, fmt.Errorf("unsupported STORE_URL scheme %q", u.Scheme)
	}
}
