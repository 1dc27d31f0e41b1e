package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zllovesuki/atelier/auth"
	"github.com/zllovesuki/atelier/commission"
	"github.com/zllovesuki/atelier/config"
	"github.com/zllovesuki/atelier/customer"
	"github.com/zllovesuki/atelier/db"
	"github.com/zllovesuki/atelier/earnings"
	"github.com/zllovesuki/atelier/external"
	"github.com/zllovesuki/atelier/idempotency"
	"github.com/zllovesuki/atelier/notification"
	"github.com/zllovesuki/atelier/subscription"
	"github.com/zllovesuki/atelier/usage"
	"github.com/zllovesuki/atelier/webhook"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/cors"
	"github.com/go-redis/redis/v7"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Cannot load configurations: %v\n", err)
	}

	logger, flush, err := cfg.NewLogger("api", Version)
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	defer flush()

	authEnvironment := auth.EnvDevelopment
	if cfg.Production() {
		authEnvironment = auth.EnvProduction
	}

	gateway, err := external.NewStripe(external.NewStripeClient(cfg.StripeKey))
	if err != nil {
		logger.Fatal("Cannot initialize Stripe gateway",
			zap.Error(err),
		)
	}

	// Initialize backend connections
	gdb, err := db.New(logger, cfg.PostgresURI)
	if err != nil {
		logger.Fatal("Cannot connect to Postgres",
			zap.Error(err),
		)
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.RedisURI},
		Password: cfg.RedisPW,
		DB:       0,
	})
	if _, err := rdb.Ping().Result(); err != nil {
		logger.Fatal("Cannot connect to Redis",
			zap.Error(err),
		)
	}
	defer rdb.Close()

	authenticator, err := auth.New(auth.Options{
		Logger:        logger,
		JWTSigningKey: cfg.JWTSigningKey,
		Environment:   authEnvironment,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Auth",
			zap.Error(err),
		)
	}

	seenStore, err := idempotency.NewStore(rdb, "atelier")
	if err != nil {
		logger.Fatal("Cannot initialize idempotency store",
			zap.Error(err),
		)
	}

	// Managers
	customerManager, err := customer.NewManager(customer.ManagerOptions{
		DB:      gdb,
		Gateway: gateway,
		Logger:  logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CustomerManager",
			zap.Error(err),
		)
	}

	outbox, err := notification.NewOutbox(notification.OutboxOptions{
		DB:         gdb,
		Recipients: customerManager,
		Logger:     logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize notification Outbox",
			zap.Error(err),
		)
	}

	subscriptionManager, err := subscription.NewManager(subscription.ManagerOptions{
		DB:        gdb,
		Gateway:   gateway,
		Customers: customerManager,
		Notifier:  outbox,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize SubscriptionManager",
			zap.Error(err),
		)
	}

	usageManager, err := usage.NewManager(usage.ManagerOptions{
		DB:        gdb,
		Customers: customerManager,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize UsageManager",
			zap.Error(err),
		)
	}

	earningsManager, err := earnings.NewManager(logger, gdb)
	if err != nil {
		logger.Fatal("Cannot initialize EarningsManager",
			zap.Error(err),
		)
	}

	commissionManager, err := commission.NewManager(commission.ManagerOptions{
		DB:        gdb,
		Gateway:   gateway,
		Customers: customerManager,
		Earnings:  earningsManager,
		Notifier:  outbox,
		Logger:    logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize CommissionManager",
			zap.Error(err),
		)
	}

	// Routers
	customerRouter, err := customer.NewService(customer.ServiceOptions{
		CustomerManager: customerManager,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Customer Service Router",
			zap.Error(err),
		)
	}

	subscriptionRouter, err := subscription.NewService(subscription.ServiceOptions{
		SubscriptionManager: subscriptionManager,
		Logger:              logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Subscription Service Router",
			zap.Error(err),
		)
	}

	usageRouter, err := usage.NewService(usage.ServiceOptions{
		UsageManager: usageManager,
		Logger:       logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Usage Service Router",
			zap.Error(err),
		)
	}

	commissionRouter, err := commission.NewService(commission.ServiceOptions{
		CommissionManager: commissionManager,
		Logger:            logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Commission Service Router",
			zap.Error(err),
		)
	}

	earningsRouter, err := earnings.NewService(earnings.ServiceOptions{
		EarningsManager: earningsManager,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Earnings Service Router",
			zap.Error(err),
		)
	}

	stripeHook, err := webhook.NewHandler(webhook.HandlerOptions{
		Secret:        cfg.StripeWebhookSecret,
		Subscriptions: subscriptionManager,
		Commissions:   commissionManager,
		Deduper:       seenStore,
		Logger:        logger,
	})
	if err != nil {
		logger.Fatal("Cannot initialize Stripe webhook handler",
			zap.Error(err),
		)
	}

	rootRouter := chi.NewRouter()
	rootRouter.Use(middleware.RequestID)
	rootRouter.Use(middleware.RealIP)
	rootRouter.Use(middleware.Recoverer)

	rootRouter.Handle("/webhooks/stripe", stripeHook)
	rootRouter.Handle("/metrics", promhttp.Handler())
	rootRouter.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	rootRouter.Group(func(r chi.Router) {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   cfg.AllowOrigins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
		r.Use(authenticator.Middleware())
		r.Use(customerRouter.Provision())

		r.Mount("/customers", customerRouter.Router())
		r.Mount("/subscriptions", subscriptionRouter.Router())
		r.Mount("/usage", usageRouter.Router())
		r.Mount("/commissions", commissionRouter.Router())
		r.Mount("/earnings", earningsRouter.Router())
	})

	srv := &http.Server{
		Handler:      rootRouter,
		Addr:         cfg.ListenAddr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("API server started", zap.String("Addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("API server stopped unexpectedly",
				zap.Error(err),
			)
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Unable to shutdown API server gracefully",
			zap.Error(err),
		)
	}
}
