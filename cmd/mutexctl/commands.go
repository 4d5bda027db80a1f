package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-mutex/v1/metrics"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
	"github.com/mirkobrombin/go-mutex/v1/notify"
)

func newProvisionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "provision",
		Short: "Create the lock table if it does not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.coord.Provision(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout, "provisioned table=%s\n", a.table)
			return nil
		},
	}
}

func newAcquireCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "acquire [key]",
		Short: "Acquire a lock",
		Long:  "Acquire a lock. Exits with status 2 when the lock is held by someone else.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := a.coord.Acquire(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if out.Contended() {
				return mutex.ErrContended
			}
			fmt.Fprintln(a.stdout, out)
			return nil
		},
	}
}

func newReleaseCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "release [key] [DONE|FAILED]",
		Short: "Release a lock recording the final status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := mutex.ParseStatus(strings.ToUpper(args[1]))
			if err != nil || !status.Terminal() {
				return fmt.Errorf("invalid status %q, expected DONE or FAILED", args[1])
			}
			if err := a.coord.Release(cmd.Context(), args[0], status); err != nil {
				if errors.Is(err, mutex.ErrConditionFailed) {
					return fmt.Errorf("lock %s is not held: %w", args[0], err)
				}
				return err
			}
			fmt.Fprintf(a.stdout, "released status=%s\n", status)
			return nil
		},
	}
}

func newRunCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [key] -- [command...]",
		Short: "Run a command while holding a lock",
		Long: `Run a command while holding a lock. The lock is released as DONE when the
command succeeds and as FAILED otherwise; the command's exit status is
propagated. Exits with status 2 without running anything when the lock is
held by someone else.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, _ := cmd.Flags().GetString("metrics-addr")
			if addr != "" {
				stop, err := serveMetrics(addr)
				if err != nil {
					return err
				}
				defer stop()
			}
			return a.coord.WithLock(cmd.Context(), args[0], func(ctx context.Context) error {
				c := exec.CommandContext(ctx, args[1], args[2:]...)
				c.Stdin = os.Stdin
				c.Stdout = a.stdout
				c.Stderr = a.stderr
				return c.Run()
			})
		},
	}
	cmd.Flags().String("metrics-addr", "", "serve Prometheus metrics on this address while the command runs")
	return cmd
}

// serveMetrics exposes the mutex collectors on addr until stop is called.
func serveMetrics(addr string) (stop func(), err error) {
	reg := metrics.NewRegistry()
	metrics.RegisterMetrics(reg)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux}
	go func() { _ = srv.Serve(ln) }()
	return func() { _ = srv.Close() }, nil
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [key]",
		Short: "Print lock transitions until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bus, err := a.requireBus()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			acquired, err := bus.Subscribe(ctx, notify.AcquiredTopic(args[0]))
			if err != nil {
				return err
			}
			released, err := bus.Subscribe(ctx, notify.ReleasedTopic(args[0]))
			if err != nil {
				return err
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case _, ok := <-acquired:
					if !ok {
						return nil
					}
					fmt.Fprintf(a.stdout, "acquired key=%s\n", args[0])
				case _, ok := <-released:
					if !ok {
						return nil
					}
					fmt.Fprintf(a.stdout, "released key=%s\n", args[0])
				}
			}
		},
	}
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of mutexctl",
		Args:  cobra.NoArgs,
		// no backend needed
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(*cobra.Command, []string) {
			fmt.Fprintf(a.stdout, "mutexctl v%s\n", Version)
		},
	}
}
