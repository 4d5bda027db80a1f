package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/notify"
	"github.com/mirkobrombin/go-mutex/v1/store/dynamo"
	gormstore "github.com/mirkobrombin/go-mutex/v1/store/gorm"
	redisstore "github.com/mirkobrombin/go-mutex/v1/store/redis"
)

const (
	defaultRunningAfter = time.Hour
	provisionWait       = 2 * time.Minute
	breakerThreshold    = 3
	breakerTimeout      = 30 * time.Second
)

func (a *app) openStore(ctx context.Context) (mutex.Store, error) {
	a.table = a.v.GetString("table")
	switch backend := a.v.GetString("backend"); backend {
	case "redis":
		return redisstore.New(a.redisClient(), redisstore.WithTableName(a.table)), nil
	case "dynamodb":
		var opts []func(*config.LoadOptions) error
		if region := a.v.GetString("dynamo-region"); region != "" {
			opts = append(opts, config.WithRegion(region))
		}
		cfg, err := config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		endpoint := a.v.GetString("dynamo-endpoint")
		client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		return dynamo.New(client, dynamo.WithTableName(a.table), dynamo.WithWaitForActive(provisionWait)), nil
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(a.v.GetString("sqlite-path")), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})
		if err != nil {
			return nil, fmt.Errorf("open sqlite: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		a.onClose(sqlDB.Close)
		return gormstore.New(db, gormstore.WithTableName(a.table)), nil
	default:
		return nil, fmt.Errorf("invalid backend %s", backend)
	}
}

// redisClient returns the client shared by the redis store and bus.
func (a *app) redisClient() *redis.Client {
	if a.rdb != nil {
		return a.rdb
	}
	a.rdb = redis.NewClient(&redis.Options{
		Addr:     a.v.GetString("redis-addr"),
		Password: a.v.GetString("redis-password"),
		DB:       a.v.GetInt("redis-db"),
	})
	a.onClose(a.rdb.Close)
	return a.rdb
}

// openBus returns the configured transport behind a circuit breaker.
func (a *app) openBus() (notify.Bus, error) {
	bus, err := a.openTransport()
	if err != nil || bus == nil {
		return nil, err
	}
	return notify.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout), nil
}

func (a *app) openTransport() (notify.Bus, error) {
	switch kind := a.v.GetString("notify"); kind {
	case "", "none":
		return nil, nil
	case "redis":
		bus := notify.NewRedisBus(a.redisClient())
		a.onClose(bus.Close)
		return bus, nil
	case "nats":
		conn, err := nats.Connect(a.v.GetString("nats-url"))
		if err != nil {
			return nil, fmt.Errorf("connect nats: %w", err)
		}
		a.onClose(func() error {
			conn.Close()
			return nil
		})
		return notify.NewNATSBus(conn), nil
	case "kafka":
		cfg := sarama.NewConfig()
		cfg.ClientID = "mutexctl"
		bus, err := notify.NewKafkaBus(strings.Split(a.v.GetString("kafka-brokers"), ","), cfg)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		a.onClose(func() error {
			bus.Close()
			return nil
		})
		return bus, nil
	default:
		return nil, fmt.Errorf("invalid notify transport %s", kind)
	}
}
