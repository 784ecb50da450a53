package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"

	"ms-admission/internal/admin"
	"ms-admission/internal/admin/admin_api"
	"ms-admission/internal/auth"
	"ms-admission/internal/checkin"
	"ms-admission/internal/checkin/checkin_api"
	"ms-admission/internal/checkin/evidence"
	"ms-admission/internal/config"
	"ms-admission/internal/database/migrations"
	"ms-admission/internal/kafka"
	"ms-admission/internal/logger"
	"ms-admission/internal/models"
	"ms-admission/internal/order"
	orderdb "ms-admission/internal/order/db"
	"ms-admission/internal/order/order_api"
	lockredis "ms-admission/internal/order/redis"
	"ms-admission/internal/payment/gateway"
	"ms-admission/internal/payment/payment_api"
	"ms-admission/internal/payment/syncengine"
	"ms-admission/internal/scheduler"
	ticketdb "ms-admission/internal/tickets/db"
	"ms-admission/internal/tickets/qr"
	tickets "ms-admission/internal/tickets/service"
	"ms-admission/internal/tickets/ticket_api"
)

func verifyConnections(ctx context.Context, cfg *config.Config, logger *logger.Logger) (*bun.DB, *redis.Client) {
	var sqldb *sql.DB
	var err error
	maxRetries := 5

	for i := 0; i < maxRetries; i++ {
		logger.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.PingContext(ctx)
		if err == nil {
			break
		}

		logger.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}

	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	logger.Info("DATABASE", "PostgreSQL connection successful")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}

	logger.Info("DATABASE", fmt.Sprintf("Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, cfg.Redis.DB))
	return bunDB, redisClient
}

// migrate uses its own connection; closing the migrator closes it.
func migrate(cfg *config.Config, logger *logger.Logger) {
	sqldb, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatal("MIGRATE", fmt.Sprintf("Failed to open migration connection: %v", err))
	}
	runner := migrations.NewRunner(sqldb, migrations.MigrateOptions{SeedData: cfg.Database.SeedData}, logger)
	defer func() {
		if err := runner.Close(); err != nil {
			logger.Warn("MIGRATE", fmt.Sprintf("Closing migrator: %v", err))
		}
	}()
	if err := runner.RunMigrations(); err != nil {
		logger.Fatal("MIGRATE", fmt.Sprintf("Migrations failed: %v", err))
	}
}

func newOracle(cfg *config.Config, logger *logger.Logger) gateway.StatusOracle {
	switch cfg.Gateway.Provider {
	case "stripe":
		oracle, err := gateway.NewStripeOracle(cfg.Gateway.StripeSecretKey, nil, logger)
		if err != nil {
			logger.Fatal("CONFIG", fmt.Sprintf("Stripe oracle: %v", err))
		}
		return oracle
	case "midtrans":
		if cfg.Gateway.ServerKey == "" {
			logger.Warn("CONFIG", "GATEWAY_SERVER_KEY not set, webhook signatures will be rejected")
		}
		return gateway.NewMidtransClient(cfg.Gateway.BaseURL, cfg.Gateway.ServerKey, cfg.Gateway.Timeout, logger)
	default:
		logger.Fatal("CONFIG", fmt.Sprintf("Unknown GATEWAY_PROVIDER %q", cfg.Gateway.Provider))
		return nil
	}
}

func newVerifier(ctx context.Context, cfg *config.Config, logger *logger.Logger) auth.TokenVerifier {
	if cfg.Auth.OIDCIssuer != "" {
		v, err := auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer)
		if err != nil {
			logger.Fatal("AUTH", fmt.Sprintf("OIDC discovery failed for %s: %v", cfg.Auth.OIDCIssuer, err))
		}
		logger.Info("AUTH", fmt.Sprintf("Verifying operator tokens against %s", cfg.Auth.OIDCIssuer))
		return v
	}
	v, err := auth.NewHMACVerifier(cfg.Auth.JWTSecret)
	if err != nil {
		logger.Fatal("AUTH", fmt.Sprintf("JWT verifier: %v", err))
	}
	logger.Info("AUTH", "Verifying operator tokens with JWT_SECRET")
	return v
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Println(".env file not found, using environment variables")
	}

	cfg := config.Load()
	logger := logger.NewLogger(cfg.LogDir)
	logger.SetLevel(cfg.LogLevel)
	defer logger.Close()

	logger.Info("APP", "Starting Admission Service initialization")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.Database.AutoMigrate {
		migrate(cfg, logger)
	}

	logger.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, logger)
	defer bunDB.Close()
	defer redisClient.Close()

	var publisher kafka.Publisher = kafka.NopPublisher{}
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.Topics.OrderStatus, cfg.Kafka.Topics.TicketCheckedIn, cfg.Kafka.Topics.AdminOverride}
		if err := kafka.EnsureTopicsExist(ctx, cfg.Kafka.Brokers, topics, logger); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, logger)
		publisher = producer
		logger.Info("KAFKA", fmt.Sprintf("Kafka producer initialized for %v", cfg.Kafka.Brokers))
	} else {
		logger.Warn("KAFKA", "Kafka disabled, domain events are dropped")
	}

	orderStore := &orderdb.DB{Bun: bunDB}
	ticketStore := &ticketdb.DB{Bun: bunDB}
	issuer := tickets.NewIssuer(ticketStore, logger)
	orderService := order.NewOrderService(orderStore, issuer, publisher, cfg, logger)

	locker := lockredis.NewRedis(redisClient, logger)
	engine := syncengine.NewEngine(orderService, orderStore, newOracle(cfg, logger), locker, cfg, logger)

	if cfg.Security.TicketHashKey == "" {
		logger.Fatal("CONFIG", "TICKET_HASH_KEY is required to sign QR codes and order access tokens")
	}
	signer := qr.NewSigner(cfg.Security.TicketHashKey, cfg.Security.PublicBaseURL)

	evidenceStore, err := evidence.NewStore(cfg.Evidence)
	if err != nil {
		logger.Fatal("CONFIG", fmt.Sprintf("Evidence store: %v", err))
	}
	recorder := evidence.NewRecorder(evidenceStore, cfg.Evidence, logger)

	guard := checkin.NewGuard(ticketStore, orderStore, signer, recorder, publisher, cfg, logger)
	gate := admin.NewGate(orderService, orderStore, publisher, cfg, logger)

	var jobs *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		jobs, err = scheduler.New(engine, orderService, cfg.Scheduler, logger)
		if err != nil {
			logger.Fatal("SCHEDULER", err.Error())
		}
		if err := jobs.Start(ctx); err != nil {
			logger.Fatal("SCHEDULER", err.Error())
		}
	}

	orderHandler := order_api.NewHandler(orderService, signer, logger)
	ticketHandler := ticket_api.NewHandler(ticketStore, issuer, signer, logger)
	paymentHandler := payment_api.NewHandler(engine, cfg.Gateway.ServerKey, cfg.Gateway.StripeWebhookSecret, logger)
	paymentHandler.BulkTimeout = cfg.Sync.BulkTimeout
	checkinHandler := checkin_api.NewHandler(guard, logger)
	adminHandler := admin_api.NewHandler(gate, orderService, orderStore, logger)
	verifier := newVerifier(ctx, cfg, logger)

	logger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(logger.RequestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := bunDB.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := locker.Ping(r.Context()); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})

	r.Route("/api", func(r chi.Router) {
		// --- Public Routes ---
		orderHandler.RegisterRoutes(r)
		ticketHandler.RegisterRoutes(r)
		paymentHandler.RegisterWebhookRoutes(r)
		logger.Info("ROUTER", "Checkout and webhook routes registered under /api")

		// --- Protected Routes ---
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(verifier, logger))
			r.Use(auth.RequireRole(models.RoleScanner, models.RoleAdmin))
			checkinHandler.RegisterScannerRoutes(r)
		})
		logger.Info("ROUTER", "Scanner routes registered under /api/scanner")

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Middleware(verifier, logger))
			r.Use(auth.RequireRole(models.RoleAdmin))
			adminHandler.RegisterRoutes(r)
			paymentHandler.RegisterAdminRoutes(r)
			checkinHandler.RegisterAdminRoutes(r)
		})
		logger.Info("ROUTER", "Admin routes registered under /api/admin")
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP", fmt.Sprintf("Admission Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-stop

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}
	sweepsDone := make(chan struct{})
	go func() {
		paymentHandler.Wait()
		close(sweepsDone)
	}()
	select {
	case <-sweepsDone:
	case <-ctxShutdown.Done():
		logger.Warn("SYNC", "Bulk reconcile still running at shutdown, abandoning it")
	}
	if jobs != nil {
		if err := jobs.Shutdown(); err != nil {
			logger.Error("SCHEDULER", fmt.Sprintf("Scheduler shutdown: %v", err))
		}
	}
	cancel()

	recorder.Wait()
	if producer != nil {
		if err := producer.Close(); err != nil {
			logger.Error("KAFKA", fmt.Sprintf("Closing producer: %v", err))
		}
	}
	logger.Info("APP", "Admission Service shutdown complete")
}
