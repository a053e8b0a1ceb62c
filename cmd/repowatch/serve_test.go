package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/loykin/repowatch"
	"github.com/loykin/repowatch/pkg/client"
)

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "repowatch.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("writePidFile failed: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pidfile holds %q", b)
	}
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("removePidFile failed: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatal("PID file was not removed")
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("empty pidfile should be a no-op: %v", err)
	}
}

func TestLockPath(t *testing.T) {
	if got := lockPath("/run/repowatch.lock", "cfg.toml"); got != "/run/repowatch.lock" {
		t.Fatalf("configured lock ignored: %s", got)
	}
	got := lockPath("", "cfg.toml")
	if !filepath.IsAbs(got) || !strings.HasSuffix(got, "cfg.toml.lock") {
		t.Fatalf("unexpected derived lock path: %s", got)
	}
}

func TestAcquireLockIsExclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repowatch.lock")
	first, err := acquireLock(path)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := acquireLock(path); err == nil || !strings.Contains(err.Error(), "another repowatch daemon") {
		t.Fatalf("second lock should fail, got %v", err)
	}
	if err := first.Unlock(); err != nil {
		t.Fatal(err)
	}
	again, err := acquireLock(path)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	_ = again.Unlock()
}

func TestStartDaemonServesAndShutsDown(t *testing.T) {
	repo := makeRepo(t, closedPort(t))
	cfg, err := repowatch.LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.CheckProgram = "/bin/false"
	cfg.Instances = []repowatch.InstanceConfig{{Path: repo}}
	cfg.Server.Listen = "127.0.0.1:0"
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	d, err := startDaemon(cfg, log)
	if err != nil {
		t.Fatalf("startDaemon: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	cl := client.New(client.Config{BaseURL: "http://" + d.api.Addr + cfg.Server.BasePath, Timeout: 2 * time.Second})
	var inst client.Instance
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst, err = cl.Status(context.Background(), repo)
		if err == nil && inst.State == "stopped" {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if inst.State != "stopped" {
		t.Fatalf("daemon did not report the instance: %+v err=%v", inst, err)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not shut down")
	}
	if cl.IsReachable(context.Background()) {
		t.Fatal("API still reachable after shutdown")
	}
}

func TestStartDaemonWithoutInstances(t *testing.T) {
	cfg, err := repowatch.LoadConfig("")
	if err != nil {
		t.Fatal(err)
	}
	cfg.Instances = []repowatch.InstanceConfig{{Path: filepath.Join(t.TempDir(), "gone")}}
	cfg.Server.Listen = "127.0.0.1:0"
	if _, err := startDaemon(cfg, slog.New(slog.NewTextHandler(io.Discard, nil))); err == nil {
		t.Fatal("expected error when no instance can be opened")
	}
}

func TestServeRejectsConfigWithoutInstances(t *testing.T) {
	p := filepath.Join(t.TempDir(), "repowatch.toml")
	if err := os.WriteFile(p, []byte("poll_interval = \"15s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "serve", p)
	if err == nil || !strings.Contains(err.Error(), "no [[instances]]") {
		t.Fatalf("expected instances error, got %v", err)
	}
}
