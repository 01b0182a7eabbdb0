package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file, using system environment variables")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     redisGetEnv("REDIS_ADDR", "localhost:6379"),
		Password: redisGetEnv("REDIS_PASSWORD", ""),
		DB:       0,
	})
	defer client.Close()

	ctx := context.Background()

	fmt.Println("Connecting to Redis...")
	if err := client.Ping(ctx).Err(); err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure Redis is running:\n  docker-compose up -d redis", err)
	}
	fmt.Println("✓ Connected")

	step1_api_keys(ctx, client)
	step2_clear_locks(ctx, client)
	step3_verify(ctx, client)

	fmt.Println("\n✅ Redis seeded successfully")
	fmt.Println("   Run next: go run ./cmd/fleetcalc serve")
}

func step1_api_keys(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 1: Seeding operator API keys ───────────")

	// Key pattern: operator:auth:{api_key} → operator name
	// Looked up by the trigger API after static keys and the local cache
	apiKeys := map[string]string{
		"operator:auth:ops_dashboard_key": "ops_dashboard",
		"operator:auth:scheduler_key":     "external_scheduler",
		"operator:auth:test_key":          "test_operator",
	}

	for key, operator := range apiKeys {
		if err := client.Set(ctx, key, operator, 0).Err(); err != nil {
			log.Fatalf("Failed to set key %s: %v", key, err)
		}
		fmt.Printf("  ✓ %-45s → %s\n", key, operator)
	}
}

// step2_clear_locks drops vehicle locks left behind by a crashed process in
// a development environment. Leases expire on their own otherwise.
func step2_clear_locks(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 2: Clearing stale vehicle locks ────────")

	var cleared int
	iter := client.Scan(ctx, 0, "fleetcalc:lock:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := client.Del(ctx, iter.Val()).Err(); err != nil {
			log.Fatalf("Failed to delete %s: %v", iter.Val(), err)
		}
		cleared++
	}
	if err := iter.Err(); err != nil {
		log.Fatalf("Lock scan failed: %v", err)
	}
	fmt.Printf("  ✓ %d stale locks removed\n", cleared)
}

func step3_verify(ctx context.Context, client *redis.Client) {
	fmt.Println("\n── Step 3: Verification ────────────────────────")

	keys, err := client.Keys(ctx, "operator:auth:*").Result()
	if err != nil {
		log.Fatalf("Verification failed: %v", err)
	}
	fmt.Printf("  ✓ %d API keys found in Redis\n", len(keys))

	val, err := client.Get(ctx, "operator:auth:test_key").Result()
	if err != nil {
		log.Fatalf("Spot check failed: %v", err)
	}
	fmt.Printf("  ✓ spot check: operator:auth:test_key → %s\n", val)
}

func redisGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
