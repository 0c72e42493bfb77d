package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/safar/bookstore-fulfillment/internal/auth"
	"github.com/safar/bookstore-fulfillment/internal/config"
	"github.com/safar/bookstore-fulfillment/internal/database"
	"github.com/safar/bookstore-fulfillment/internal/fulfillment"
	"github.com/safar/bookstore-fulfillment/internal/gateway"
	"github.com/safar/bookstore-fulfillment/internal/httpapi"
	"github.com/safar/bookstore-fulfillment/internal/logger"
	"github.com/safar/bookstore-fulfillment/internal/metrics"
	"github.com/safar/bookstore-fulfillment/internal/notify"
	"github.com/safar/bookstore-fulfillment/internal/redisx"
	"golang.org/x/sync/errgroup"
)

// orderNotifier is what the coordinator and the cancel handler publish to.
type orderNotifier interface {
	fulfillment.OrderNotifier
	httpapi.CancelNotifier
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Options{ServiceName: "bookstore-fulfillment"}).
			Error(context.Background(), "load config", err)
		os.Exit(1)
	}

	log := logger.New(logger.Options{
		ServiceName: cfg.Service.Name,
		Level:       logger.ParseLevel(cfg.Log.Level),
		Format:      cfg.Log.Format,
		WarnStack:   cfg.Log.WarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error(context.Background(), "server exited", err)
		os.Exit(1)
	}
	log.Info(context.Background(), "server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	db, err := database.Open(ctx, &cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info(ctx, "connected to database")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db, "bookstore"),
	)
	m := metrics.New(registry)

	tokens, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer)
	if err != nil {
		return err
	}

	stripeGateway, err := gateway.NewStripe(gateway.Config{
		SecretKey:     cfg.Stripe.SecretKey,
		WebhookSecret: cfg.Stripe.WebhookSecret,
		Currency:      cfg.Stripe.Currency,
	})
	if err != nil {
		return err
	}

	var guard httpapi.WebhookGuard
	if cfg.Redis.Enabled() {
		client, err := redisx.New(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()

		eventGuard, err := redisx.NewEventGuard(client, "stripe", cfg.Redis.PendingTTL, cfg.Redis.DedupTTL)
		if err != nil {
			return err
		}
		guard = eventGuard
		log.Info(ctx, "webhook de-duplication enabled")
	} else {
		log.Warn(ctx, "REDIS_URL not set; webhook redeliveries rely on the payments constraint only", nil)
	}

	g, gctx := errgroup.WithContext(ctx)

	// The producer outlives the server so in-flight requests can still publish.
	producerCtx, stopProducer := context.WithCancel(context.Background())
	defer stopProducer()

	var notifier orderNotifier = notify.Nop{}
	if cfg.Kafka.Enabled() {
		producer := notify.NewProducer(notify.ProducerConfig{
			Brokers:  cfg.Kafka.Brokers,
			Topic:    cfg.Kafka.OrdersTopic,
			Buffer:   cfg.Kafka.Buffer,
			Producer: cfg.Service.Name,
		}, log)
		producer.Start(producerCtx)
		g.Go(func() error {
			producer.WaitClosed()
			return nil
		})
		notifier = producer
		log.Info(log.WithField(ctx, "topic", cfg.Kafka.OrdersTopic), "order notifications enabled")
	}

	coordinator := fulfillment.NewCoordinator(db, fulfillment.Options{
		Logger:     log,
		Notifier:   notifier,
		Metrics:    m,
		MaxRetries: cfg.Database.TxMaxRetries,
	})

	server := &http.Server{
		Addr: ":" + cfg.Server.Port,
		Handler: httpapi.NewRouter(httpapi.Deps{
			DB:         db,
			Events:     coordinator,
			Gateway:    stripeGateway,
			Guard:      guard,
			Notifier:   notifier,
			Tokens:     tokens,
			Metrics:    m,
			Gatherer:   registry,
			Logger:     log,
			SuccessURL: cfg.Stripe.SuccessURL,
			CancelURL:  cfg.Stripe.CancelURL,
			Timeout:    cfg.Server.WriteTimeout,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g.Go(func() error {
		log.Info(log.WithField(ctx, "port", cfg.Server.Port), "server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		log.Info(shutdownCtx, "shutting down")
		err := server.Shutdown(shutdownCtx)
		stopProducer()
		return err
	})

	return g.Wait()
}
