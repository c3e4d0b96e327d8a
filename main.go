package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"strings"
	"syscall"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"rinha-payment-router/domain/health"
	"rinha-payment-router/domain/idempotency"
	"rinha-payment-router/domain/payment"
	"rinha-payment-router/domain/summary"
	"rinha-payment-router/infrastructure/config"
	"rinha-payment-router/infrastructure/database"
	"rinha-payment-router/infrastructure/queue"
	"rinha-payment-router/infrastructure/service"
)

func main() {
	runtime.GOMAXPROCS(runtime.NumCPU())

	debug.SetGCPercent(500)

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatal(err)
	}

	log.SetLevel(parseLevel(cfg.Log.Level))

	api := fiber.New(fiber.Config{
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		Concurrency:           2048,
		DisableStartupMessage: true,
		EnablePrintRoutes:     false,
		ReduceMemoryUsage:     false,
		BodyLimit:             1 * 1024 * 1024,
		StreamRequestBody:     true,
		DisableKeepalive:      false,
	})

	db, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	admissionQueue, closeQueue, err := newAdmissionQueue(cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeQueue()

	ledger, closeLedger, err := newLedger(cfg, db)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLedger()

	processors := []service.Processor{
		{Type: service.ProcessorTypeDefault, URL: cfg.Processor.DefaultURL, FeeRate: cfg.Processor.DefaultFee},
		{Type: service.ProcessorTypeFallback, URL: cfg.Processor.FallbackURL, FeeRate: cfg.Processor.FallbackFee},
	}
	paymentProcessorService := service.NewPaymentProcessorService(processors, cfg.Processor.MaxConns)

	guard := idempotency.NewGuard(db, cfg.Idempotency.MarkerTTL)
	oracle := health.NewOracle(
		paymentProcessorService,
		health.NewStore(db, cfg.Health.TTL),
		cfg.Health,
		uuid.NewString(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go oracle.Run(ctx)

	dispatcher := payment.NewDispatcher(paymentProcessorService, oracle, guard, ledger, cfg.Worker)
	consumer := payment.NewConsumer(admissionQueue, dispatcher, cfg.Worker.Count)
	go func() {
		if err := consumer.StartProcess(); err != nil {
			log.Fatal(err)
		}
	}()

	payment.NewController(admissionQueue, guard, ledger, oracle, processors, cfg.Queue.MaxWait).InitRoutes(api)
	api.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))

	go func() {
		<-ctx.Done()
		log.Info("shutting down")
		if err := api.ShutdownWithTimeout(cfg.Server.ShutdownTimeout); err != nil {
			log.Errorw("server shutdown failed", "error", err)
		}
	}()

	log.Infow("listening", "port", cfg.Server.Port, "queue", cfg.Queue.Backend, "summary", cfg.Summary.Backend)
	if err = api.Listen(":" + cfg.Server.Port); err != nil {
		log.Fatal(err)
	}

	consumer.Close()
}

func newAdmissionQueue(cfg *config.Config) (payment.IAdmissionQueue, func(), error) {
	if cfg.Queue.Backend == "memory" {
		q := payment.NewMemoryQueue(cfg.Queue.Capacity)
		return q, func() { q.Close() }, nil
	}

	paymentQueue, err := queue.NewPaymentQueue(cfg.Nats, cfg.Queue)
	if err != nil {
		return nil, nil, err
	}
	q, err := payment.NewNatsQueue(paymentQueue)
	if err != nil {
		paymentQueue.Close()
		return nil, nil, err
	}
	return q, func() {
		q.Close()
		paymentQueue.Close()
	}, nil
}

func newLedger(cfg *config.Config, db *redis.Client) (summary.IRepository, func(), error) {
	if cfg.Summary.Backend == "redis" {
		return summary.NewRepository(db), func() {}, nil
	}

	conn, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	ledger, err := summary.NewPostgresRepository(context.Background(), conn)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	return ledger, func() { conn.Close() }, nil
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "trace":
		return log.LevelTrace
	case "debug":
		return log.LevelDebug
	case "warn", "warning":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelInfo
	}
}
