package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"ms-inventory/internal/config"
	inventorydb "ms-inventory/internal/inventory/db"
	"ms-inventory/internal/kafka"
	"ms-inventory/internal/logger"
	"ms-inventory/internal/redislock"
	"ms-inventory/internal/reservation"
	reservationdb "ms-inventory/internal/reservation/db"
	"ms-inventory/internal/sweeper"
	"ms-inventory/internal/tokens"
	tokensdb "ms-inventory/internal/tokens/db"
	"ms-inventory/internal/waitlist"
	waitlistdb "ms-inventory/internal/waitlist/db"

	"ms-inventory/internal/clock"
)

func connectDatabase(cfg config.DatabaseConfig, log *logger.Logger) *bun.DB {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	sqldb.SetMaxOpenConns(cfg.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.MaxLifetime)

	maxRetries := 5
	var err error
	for i := 0; i < maxRetries; i++ {
		log.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		if err = sqldb.Ping(); err == nil {
			break
		}
		log.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}
	log.Info("DATABASE", "PostgreSQL connection successful")

	return bun.NewDB(sqldb, pgdialect.New())
}

func connectRedis(ctx context.Context, cfg config.RedisConfig, log *logger.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("DATABASE", fmt.Sprintf("Redis connection successful to %s", cfg.Addr))
	return client
}

func main() {
	migrateCmd := flag.String("migrate", "", "run migrations (up|down) and exit")
	flag.Parse()

	log := logger.NewLogger()
	defer log.Close()

	log.Info("APP", "Starting inventory engine initialization")

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bunDB := connectDatabase(cfg.Database, log)
	defer bunDB.Close()

	if *migrateCmd != "" {
		if err := runMigrations(bunDB, log, *migrateCmd); err != nil {
			log.Fatal("DATABASE", fmt.Sprintf("Migration failed: %v", err))
		}
		return
	}

	redisClient := connectRedis(ctx, cfg.Redis, log)
	defer redisClient.Close()

	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		producer = kafka.NewProducer(cfg.Kafka.Brokers)
		defer producer.Close()
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, kafka.AllTopics()); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		} else {
			log.Info("KAFKA", "Required topics ensured successfully")
		}
	}

	clk := clock.System{}
	hostname, _ := os.Hostname()
	passLock := redislock.New(redisClient, hostname, cfg.Engine.PassLockTTL)

	invDB := inventorydb.New(bunDB)
	tokDB := tokensdb.New(bunDB)
	resDB := reservationdb.New(bunDB)
	wlDB := waitlistdb.New(bunDB)

	tokenService := tokens.NewService(bunDB, tokDB, log, clk)
	waitlistService := waitlist.NewService(bunDB, wlDB, invDB, nil, nil, log, clk, cfg.Engine.OfferValidity)

	var publisher reservation.KafkaPublisher
	if producer != nil {
		publisher = producer
	}
	allocator := reservation.NewService(bunDB, resDB, invDB, tokenService, waitlistService, publisher, log, clk, cfg.Engine.ReservationTTL)

	waitlistService.Allocator = allocator
	if producer != nil {
		waitlistService.Kafka = producer
	}

	sweep := sweeper.New(bunDB, resDB, allocator, passLock, log, clk, cfg.Engine.SweepInterval, cfg.Engine.SweepBatchSize)
	go sweep.Run(ctx)
	go waitlistService.Run(ctx, cfg.Engine.DistributionInterval, passLock)

	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, kafka.TopicPaymentResult, cfg.Kafka.GroupID)
		defer consumer.Close()
		go consumer.Start(ctx, func(result kafka.PaymentResult) {
			switch result.Status {
			case "succeeded":
				if _, err := allocator.ConfirmReservation(ctx, result.ReservationID); err != nil {
					log.Error("ALLOCATION", fmt.Sprintf("confirm %s: %v", result.ReservationID, err))
				}
			case "failed":
				if err := allocator.CancelReservation(ctx, result.ReservationID); err != nil {
					log.Error("ALLOCATION", fmt.Sprintf("cancel %s: %v", result.ReservationID, err))
				}
			}
		})
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP", fmt.Sprintf("Listening on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP", fmt.Sprintf("Server failed: %v", err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("APP", "Shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP", fmt.Sprintf("Shutdown error: %v", err))
	}
	log.Info("APP", "Stopped")
}
