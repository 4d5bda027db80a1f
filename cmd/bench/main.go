package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/store/dynamo"
	gormstore "github.com/mirkobrombin/go-mutex/v1/store/gorm"
	"github.com/mirkobrombin/go-mutex/v1/store/memory"
	redisstore "github.com/mirkobrombin/go-mutex/v1/store/redis"
)

var (
	concurrency    = flag.Int("c", 50, "Concurrency")
	requests       = flag.Int("n", 100000, "Acquire attempts")
	keys           = flag.Int("k", 16, "Distinct lock keys")
	target         = flag.String("target", "memory", "Targets: memory, redis, sqlite, dynamodb, all")
	redisAddr      = flag.String("redis-addr", "localhost:6379", "Redis Address")
	sqlitePath     = flag.String("sqlite-path", "bench.db", "SQLite database file")
	dynamoEndpoint = flag.String("dynamo-endpoint", "http://localhost:8000", "DynamoDB endpoint")
)

func main() {
	flag.Parse()

	targets := strings.Split(*target, ",")
	if *target == "all" {
		targets = []string{"memory", "redis", "sqlite", "dynamodb"}
	}

	fmt.Printf("| %-10s | %-10s | %-10s | %-12s | %-12s |\n", "Backend", "Ops/sec", "Acquired", "Avg Latency", "P99 Latency")
	fmt.Println("|:---|:---|:---|:---|:---|")

	for _, t := range targets {
		runBenchmark(strings.TrimSpace(t))
	}
}

func openStore(ctx context.Context, name string) (mutex.Store, func(), error) {
	table := "bench_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	switch name {
	case "memory":
		return memory.New(), nil, nil
	case "redis":
		r := redis.NewClient(&redis.Options{Addr: *redisAddr})
		return redisstore.New(r, redisstore.WithTableName(table)), func() { r.Close() }, nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(*sqlitePath), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
		if err != nil {
			return nil, nil, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return gormstore.New(db, gormstore.WithTableName(table)), func() { sqlDB.Close() }, nil
	case "dynamodb":
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, err
		}
		client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(*dynamoEndpoint)
		})
		s := dynamo.New(client, dynamo.WithTableName(table), dynamo.WithOnDemand(), dynamo.WithWaitForActive(time.Minute))
		cleanup := func() {
			_, _ = client.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{TableName: aws.String(table)})
		}
		return s, cleanup, nil
	}
	return nil, nil, fmt.Errorf("unknown target: %s", name)
}

func runBenchmark(name string) {
	ctx := context.Background()
	store, cleanup, err := openStore(ctx, name)
	if err != nil {
		log.Printf("%s: %v", name, err)
		return
	}
	if cleanup != nil {
		defer cleanup()
	}

	// Every released lease is immediately reacquirable.
	c, err := mutex.New(store, mutex.Windows{RunningAfter: time.Hour})
	if err != nil {
		log.Fatal(err)
	}
	if err := c.Provision(ctx); err != nil {
		fmt.Printf("| %-10s | %-10s | %-10s | %-12s | %-12s |\n", name, "FAIL", "-", "-", "-")
		return
	}

	var wg sync.WaitGroup
	var ops, won int64
	totalReqs := *requests
	latencies := make([]int64, totalReqs)

	start := time.Now()
	chunk := totalReqs / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			offset := idx * chunk
			for j := 0; j < chunk; j++ {
				key := fmt.Sprintf("bench:%d", (offset+j)%*keys)
				reqStart := time.Now()
				out, err := c.Acquire(ctx, key)
				if err != nil {
					continue
				}
				if out.Acquired() {
					atomic.AddInt64(&won, 1)
					if err := c.Release(ctx, key, mutex.StatusDone); err != nil {
						continue
					}
				}
				atomic.AddInt64(&ops, 1)
				latencies[offset+j] = time.Since(reqStart).Nanoseconds()
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)

	if ops == 0 {
		fmt.Printf("| %-10s | %-10s | %-10s | %-12s | %-12s |\n", name, "ERROR", "-", "-", "-")
		return
	}

	throughput := float64(ops) / elapsed.Seconds()
	avgLat := float64(elapsed.Nanoseconds()) / float64(ops)

	p99 := "-"
	validLats := make([]int64, 0, ops)
	for _, l := range latencies {
		if l > 0 {
			validLats = append(validLats, l)
		}
	}
	if len(validLats) > 0 {
		sort.Slice(validLats, func(i, j int) bool { return validLats[i] < validLats[j] })
		p99Idx := int(float64(len(validLats)) * 0.99)
		if p99Idx >= len(validLats) {
			p99Idx = len(validLats) - 1
		}
		p99 = fmt.Sprintf("%d", validLats[p99Idx])
	}

	acquiredPct := fmt.Sprintf("%.1f%%", 100*float64(won)/float64(ops))
	fmt.Printf("| %-10s | %-10.0f | %-10s | %-12.0f | %-12s |\n", name, throughput, acquiredPct, avgLat, p99)
}
