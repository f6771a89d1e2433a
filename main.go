package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	config, err := LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Starting %s", config.Service.Name)

	ctx := context.Background()

	poolConfig, err := pgxpool.ParseConfig(config.Postgres.DSN())
	if err != nil {
		log.Fatalf("Failed to parse postgres config: %v", err)
	}
	poolConfig.MinConns = int32(config.Postgres.MinConnections)
	poolConfig.MaxConns = int32(config.Postgres.MaxConnections)
	poolConfig.MaxConnLifetime = time.Duration(config.Postgres.ConnMaxLifetimeSeconds) * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		log.Fatalf("Failed to create postgres pool: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("Failed to ping postgres: %v", err)
	}
	log.Println("✅ Connected to PostgreSQL")

	redisOpts, err := redis.ParseURL(config.Redis.URL)
	if err != nil {
		log.Fatalf("Failed to parse redis url: %v", err)
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("Failed to ping redis: %v", err)
	}
	log.Println("✅ Connected to Redis")

	cipher, err := loadSecretCipher(config.Ledger.AESKeyPath, config.Ledger.AESIVPath)
	if err != nil {
		log.Fatalf("Failed to load secret cipher: %v", err)
	}

	shardRouter := NewShardRouter(pool)
	if config.Ledger.RecreateTables {
		log.Println("⚠️  recreate_tables is set: dropping physical tables")
		if err := shardRouter.Drop(ctx); err != nil {
			log.Fatalf("Failed to recreate tables: %v", err)
		}
	}

	store := NewStore(pool, shardRouter, config.Ledger.DecimalType)
	notifier := NewNotifier(rdb, config.Redis.WarningQueueKey)
	verifier := NewVerifier(notifier)
	locks := NewLockClient(rdb)

	engine := NewEngine(pool, store, shardRouter, locks, verifier, config)
	accounts := NewAccountService(pool, store, shardRouter, verifier, cipher)
	handlers := NewHandlers(accounts, engine, config.Service.Name)

	router := mux.NewRouter()
	handlers.Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Service.Port),
		Handler:      corsMiddleware(router),
		ReadTimeout:  time.Duration(config.Service.ReadTimeoutSeconds) * time.Second,
		WriteTimeout: time.Duration(config.Service.WriteTimeoutSeconds) * time.Second,
	}

	go func() {
		log.Printf("🚀 API server listening on :%d", config.Service.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("🛑 Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("✅ Server exited gracefully")
}

// corsMiddleware allows browser clients to call the API directly.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
