package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/notify"
)

// app holds what the commands share once the persistent flags are parsed.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger

	coord *mutex.Coordinator
	bus   notify.Bus
	table string
	rdb   *redis.Client

	closers []func() error
}

func newApp(stdout, stderr io.Writer) *app {
	return &app{v: viper.New(), stdout: stdout, stderr: stderr}
}

func (a *app) onClose(fn func() error) {
	a.closers = append(a.closers, fn)
}

// close runs the registered closers in reverse order.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && a.logger != nil {
			a.logger.Warn("mutex: shutdown", "error", err)
		}
	}
	a.closers = nil
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "mutexctl",
		Short: "distributed mutex over a shared table",
		Long: fmt.Sprintf(`mutexctl (v%s)

Take and release locks stored in Redis, DynamoDB or SQLite. A lock is
free when it was never taken or when its lease is older than the window
configured for its status.`, Version),
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	flags := root.PersistentFlags()
	flags.String("backend", "redis", "lock table backend (redis, dynamodb, sqlite)")
	flags.String("table", mutex.DefaultTableName, "name of the lock table")
	flags.Duration("done-after", 0, "age after which a DONE lease can be reacquired")
	flags.Duration("failed-after", 0, "age after which a FAILED lease can be reacquired")
	flags.Duration("running-after", defaultRunningAfter, "age after which a RUNNING lease is considered abandoned")
	flags.String("redis-addr", "localhost:6379", "redis address")
	flags.String("redis-password", "", "redis password")
	flags.Int("redis-db", 0, "redis database")
	flags.String("dynamo-region", "", "AWS region, defaults to the shared AWS configuration")
	flags.String("dynamo-endpoint", "", "DynamoDB endpoint override, e.g. http://localhost:8000")
	flags.String("sqlite-path", "mutex.db", "sqlite database file")
	flags.String("notify", "none", "transition notifications (none, redis, nats, kafka)")
	flags.String("nats-url", "nats://127.0.0.1:4222", "NATS server for --notify=nats")
	flags.String("kafka-brokers", "localhost:9092", "comma separated Kafka brokers for --notify=kafka")
	flags.String("log-level", "warn", "log level (debug, info, warn, error)")
	flags.Bool("trace", false, "print OpenTelemetry spans to stderr")

	root.AddCommand(
		newProvisionCmd(a),
		newAcquireCmd(a),
		newReleaseCmd(a),
		newRunCmd(a),
		newWatchCmd(a),
		newVersionCmd(a),
	)
	return root
}

// initConfig loads .env files and maps MUTEX_* variables onto flags.
func (a *app) initConfig(cmd *cobra.Command) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	a.v.SetEnvPrefix("mutex")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	return a.v.BindPFlags(cmd.Flags())
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if err := a.initConfig(cmd); err != nil {
		return err
	}
	if err := a.setupLogger(); err != nil {
		return err
	}
	if a.v.GetBool("trace") {
		if err := a.setupTracing(); err != nil {
			return err
		}
	}

	ctx := cmd.Context()
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	opts := []mutex.Option{mutex.WithLogger(a.logger)}
	if a.bus, err = a.openBus(); err != nil {
		return err
	}
	if a.bus != nil {
		opts = append(opts, mutex.WithBus(a.bus))
	}

	windows := mutex.Windows{
		DoneAfter:    a.v.GetDuration("done-after"),
		FailedAfter:  a.v.GetDuration("failed-after"),
		RunningAfter: a.v.GetDuration("running-after"),
	}
	a.coord, err = mutex.New(store, windows, opts...)
	return err
}

func (a *app) setupLogger() error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.v.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level %q", a.v.GetString("log-level"))
	}
	a.logger = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(a.logger)
	return nil
}

func (a *app) setupTracing() error {
	exp, err := stdouttrace.New(stdouttrace.WithWriter(a.stderr), stdouttrace.WithPrettyPrint())
	if err != nil {
		return err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	otel.SetTracerProvider(tp)
	a.onClose(func() error {
		return tp.Shutdown(context.Background())
	})
	return nil
}

// requireBus is used by commands that make no sense without notifications.
func (a *app) requireBus() (notify.Bus, error) {
	if a.bus == nil {
		return nil, errors.New("no notification bus configured, set --notify")
	}
	return a.bus, nil
}
