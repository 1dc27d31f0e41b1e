package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zllovesuki/atelier/broker"
	"github.com/zllovesuki/atelier/config"
	"github.com/zllovesuki/atelier/customer"
	"github.com/zllovesuki/atelier/db"
	"github.com/zllovesuki/atelier/external"
	"github.com/zllovesuki/atelier/idempotency"
	"github.com/zllovesuki/atelier/notification"
	"github.com/zllovesuki/atelier/subscription"
	"github.com/zllovesuki/atelier/usage"

	"github.com/go-redis/redis/v7"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Build-time injected variables
var (
	Version = ""
)

func main() {
	syncPrices := flag.Bool("sync-prices", false, "ensure every catalog price exists on the gateway, then exit")
	runOveragesNow := flag.Bool("run-overages-now", false, "bill the previous month's overages immediately, then exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Cannot load configurations: %v\n", err)
	}

	logger, flush, err := cfg.NewLogger("task", Version)
	if err != nil {
		log.Fatalf("Cannot initialize logger: %v\n", err)
	}
	defer flush()

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

	locks, err := idempotency.NewStore(rdb, "atelier")
	if err != nil {
		logger.Fatal("Cannot initialize lock store",
			zap.Error(err),
		)
	}

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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *syncPrices {
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
		prices, err := subscriptionManager.EnsurePrices(ctx)
		if err != nil {
			logger.Fatal("Cannot sync catalog prices",
				zap.Error(err),
			)
		}
		for lookupKey, id := range prices {
			logger.Info("Catalog price synced",
				zap.String("LookupKey", lookupKey),
				zap.String("PriceID", id),
			)
		}
		return
	}

	biller, err := usage.NewBiller(usage.BillerOptions{
		DB:          gdb,
		Customers:   customerManager,
		Gateway:     gateway,
		Notifier:    outbox,
		Logger:      logger,
		Concurrency: cfg.BillingConcurrency,
	})
	if err != nil {
		logger.Fatal("Cannot initialize overage Biller",
			zap.Error(err),
		)
	}

	overageTask, err := usage.NewTask(usage.TaskOptions{
		Biller:   biller,
		Locker:   locks,
		Logger:   logger,
		Schedule: cfg.BillingSchedule,
	})
	if err != nil {
		logger.Fatal("Cannot get overage task",
			zap.Error(err),
		)
	}

	if *runOveragesNow {
		report, err := overageTask.Run(ctx, time.Now().UTC())
		if err != nil {
			logger.Fatal("Monthly overage billing failed",
				zap.Error(err),
			)
		}
		if report != nil {
			logger.Info("Monthly overage billing finished",
				zap.Int("Processed", report.Processed),
				zap.Int("Billed", report.Billed),
				zap.Int("Skipped", report.Skipped),
				zap.Int("Failed", report.Failed),
			)
		}
		return
	}

	amqpBroker, err := broker.NewAMQPBroker(logger, cfg.AMQPURI)
	if err != nil {
		logger.Fatal("Cannot connect to Broker",
			zap.Error(err),
		)
	}
	defer amqpBroker.Close()

	dispatcher, err := notification.NewDispatcher(notification.DispatcherOptions{
		DB:         gdb,
		Recipients: customerManager,
		Publisher:  amqpBroker,
		Logger:     logger,
		BatchSize:  cfg.DispatchBatchSize,
	})
	if err != nil {
		logger.Fatal("Cannot get notification dispatcher",
			zap.Error(err),
		)
	}

	scheduler := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if err := overageTask.Register(ctx, scheduler); err != nil {
		logger.Fatal("Cannot schedule overage task",
			zap.Error(err),
		)
	}
	if _, err := scheduler.AddFunc("@every "+cfg.DispatchInterval.String(), func() {
		if _, err := dispatcher.DispatchPending(ctx); err != nil {
			logger.Error("Notification dispatch failed",
				zap.Error(err),
			)
		}
	}); err != nil {
		logger.Fatal("Cannot schedule notification dispatch",
			zap.Error(err),
		)
	}
	scheduler.Start()

	logger.Info("Task instance started")

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	<-c

	cancel()
	<-scheduler.Stop().Done()
}
