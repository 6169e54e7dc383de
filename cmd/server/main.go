package main

import (
	"context"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"

	"github.com/cie-portal/reservation-engine/internal/adapter/handler"
	"github.com/cie-portal/reservation-engine/internal/adapter/storage"
	"github.com/cie-portal/reservation-engine/internal/clock"
	"github.com/cie-portal/reservation-engine/internal/config"
	"github.com/cie-portal/reservation-engine/internal/core/service"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.Default()

	cfg, err := config.Load("./config")
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// Initialize database
	db, err := storage.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, storage.PoolConfig{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		log.Fatalf("failed to connect %s: %v", cfg.Database.Driver, err)
	}
	if err := storage.Migrate(ctx, db); err != nil {
		log.Fatalf("failed to migrate: %v", err)
	}
	log.Printf("connected to %s", cfg.Database.Driver)

	store := storage.NewSQLAdapter(db,
		storage.WithRetryPolicy(storage.RetryPolicy{
			MaxAttempts: cfg.Storage.MaxAttempts,
			BaseDelay:   cfg.Storage.RetryBaseDelay,
		}),
		storage.WithLogger(logger),
	)

	clk := clock.NewSystem()
	opts := []service.Option{
		service.WithGracePeriod(cfg.Reservation.GracePeriod),
		service.WithComponentExpiry(cfg.Reservation.SweepComponents),
		service.WithLogger(logger),
	}

	// Initialize Redis (optional)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to connect redis: %v", err)
		}
		opts = append(opts, service.WithIdempotencyStore(storage.NewRedisAdapter(rdb, cfg.Redis.IdempotencyTTL)))
		log.Println("connected to redis")
	}

	// Initialize services
	reservations := service.NewReservationService(store, store, clk, opts...)
	sweeper := service.NewSweeper(reservations)
	queries := service.NewQueryService(store, store, sweeper, clk)

	var wg sync.WaitGroup
	if cfg.Reservation.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sweeper.Run(ctx, cfg.Reservation.SweepInterval)
		}()
		log.Printf("started sweeper interval=%s grace=%s", cfg.Reservation.SweepInterval, reservations.GracePeriod())
	}

	// Initialize gRPC server
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(handler.UnaryLogger(logger)))
	handler.RegisterReservationServiceServer(grpcServer, handler.NewGRPCHandler(reservations, queries))

	lis, err := net.Listen("tcp", cfg.Server.GRPCPort)
	if err != nil {
		log.Fatalf("failed to listen: %v", err)
	}

	go func() {
		log.Printf("gRPC server listening on %s", cfg.Server.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			log.Printf("gRPC server error: %v", err)
		}
	}()

	// Initialize HTTP server
	httpHandler := handler.NewHTTPHandler(reservations, queries,
		handler.WithReadinessCheck(func(ctx context.Context) error { return db.PingContext(ctx) }),
	)

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPPort,
		Handler: handler.RequestLogger(httpHandler.Routes(), logger),
	}

	go func() {
		log.Printf("HTTP server listening on %s", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	log.Println("HTTP server stopped")

	grpcServer.GracefulStop()
	log.Println("gRPC server stopped")

	// Stop the sweeper
	cancel()
	wg.Wait()
	log.Println("sweeper stopped")

	if rdb != nil {
		rdb.Close()
	}
	db.Close()
	log.Println("connections closed")
}
