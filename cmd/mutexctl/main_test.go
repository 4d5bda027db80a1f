package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func sqliteArgs(t *testing.T) []string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "locks.db")
	return []string{"--backend", "sqlite", "--sqlite-path", path}
}

func TestVersion(t *testing.T) {
	code, out, _ := runCLI(t, "version")
	if code != exitOK || !strings.Contains(out, "mutexctl v"+Version) {
		t.Fatalf("unexpected version output %d %q", code, out)
	}
}

func TestAcquireReleaseCycle(t *testing.T) {
	base := sqliteArgs(t)
	with := func(args ...string) []string { return append(append([]string{}, base...), args...) }

	if code, _, errOut := runCLI(t, with("provision")...); code != exitOK {
		t.Fatalf("provision: %d %s", code, errOut)
	}
	code, out, errOut := runCLI(t, with("acquire", "job")...)
	if code != exitOK || !strings.Contains(out, "acquired(previous=NONE)") {
		t.Fatalf("acquire: %d %q %s", code, out, errOut)
	}
	code, out, _ = runCLI(t, with("acquire", "job")...)
	if code != exitContended || !strings.Contains(out, "contended") {
		t.Fatalf("expected contention, got %d %q", code, out)
	}
	if code, out, errOut := runCLI(t, with("release", "job", "done")...); code != exitOK || !strings.Contains(out, "released status=DONE") {
		t.Fatalf("release: %d %q %s", code, out, errOut)
	}
	code, _, errOut = runCLI(t, with("release", "job", "DONE")...)
	if code != exitError || !strings.Contains(errOut, "not held") {
		t.Fatalf("second release should fail, got %d %q", code, errOut)
	}
	code, out, _ = runCLI(t, with("acquire", "job")...)
	if code != exitOK || !strings.Contains(out, "previous=DONE") {
		t.Fatalf("reacquire after DONE: %d %q", code, out)
	}
}

func TestReleaseRejectsRunning(t *testing.T) {
	args := append(sqliteArgs(t), "release", "job", "RUNNING")
	if code, _, errOut := runCLI(t, args...); code != exitError || !strings.Contains(errOut, "invalid status") {
		t.Fatalf("expected invalid status, got %d %q", code, errOut)
	}
}

func TestRunPropagatesExitStatus(t *testing.T) {
	base := sqliteArgs(t)
	with := func(args ...string) []string { return append(append([]string{}, base...), args...) }
	if code, _, errOut := runCLI(t, with("provision")...); code != exitOK {
		t.Fatalf("provision: %d %s", code, errOut)
	}

	if code, _, errOut := runCLI(t, with("run", "ok", "--", "true")...); code != exitOK {
		t.Fatalf("run true: %d %s", code, errOut)
	}
	if code, _, _ := runCLI(t, with("run", "bad", "--", "sh", "-c", "exit 3")...); code != 3 {
		t.Fatalf("expected exit status 3, got %d", code)
	}
	code, out, _ := runCLI(t, with("acquire", "bad")...)
	if code != exitOK || !strings.Contains(out, "previous=FAILED") {
		t.Fatalf("failed run should leave a FAILED lease, got %d %q", code, out)
	}
	if code, _, _ := runCLI(t, with("run", "bad", "--", "true")...); code != exitContended {
		t.Fatalf("run on a held lock should be contended, got %d", code)
	}
}

func TestEnvironmentConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.db")
	t.Setenv("MUTEX_BACKEND", "sqlite")
	t.Setenv("MUTEX_SQLITE_PATH", path)
	t.Setenv("MUTEX_TABLE", "env_locks")

	code, out, errOut := runCLI(t, "provision")
	if code != exitOK || !strings.Contains(out, "table=env_locks") {
		t.Fatalf("provision from env: %d %q %s", code, out, errOut)
	}
	if code, _, errOut := runCLI(t, "acquire", "job"); code != exitOK {
		t.Fatalf("acquire from env: %d %s", code, errOut)
	}
}

func TestInvalidBackend(t *testing.T) {
	code, _, errOut := runCLI(t, "--backend", "etcd", "acquire", "job")
	if code != exitError || !strings.Contains(errOut, "invalid backend") {
		t.Fatalf("expected invalid backend, got %d %q", code, errOut)
	}
}

func TestWatchRequiresBus(t *testing.T) {
	args := append(sqliteArgs(t), "watch", "job")
	if code, _, errOut := runCLI(t, args...); code != exitError || !strings.Contains(errOut, "--notify") {
		t.Fatalf("expected missing bus error, got %d %q", code, errOut)
	}
}
