// Command mutexctl drives a lock table from the shell: provisioning it,
// taking and releasing locks, and wrapping a command in a lock.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

const Version = "0.1.0"

// Exit codes.
const (
	exitOK        = 0
	exitError     = 1
	exitContended = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	a := newApp(stdout, stderr)
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, mutex.ErrContended):
		fmt.Fprintln(stdout, "contended")
		return exitContended
	case errors.As(err, &exitErr) && exitErr.ExitCode() > 0:
		return exitErr.ExitCode()
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
}
