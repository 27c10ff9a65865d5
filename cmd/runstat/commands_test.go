package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/runstat"
	"github.com/loykin/runstat/internal/auth"
	"github.com/loykin/runstat/internal/runtime/fake"
	"github.com/loykin/runstat/pkg/client"
)

func newDaemon(t *testing.T) (*httptest.Server, *fake.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	rt := fake.New()
	mgr := runstat.New(rt, runstat.Options{Settings: map[runstat.Service]runstat.Settings{
		runstat.Tor:    {Image: "example/tor"},
		runstat.Wallet: {Image: "example/wallet"},
	}})
	srv := httptest.NewServer(runstat.NewHandler(mgr, "/api", false))
	t.Cleanup(srv.Close)
	return srv, rt
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := buildRoot()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestStartStatusStop(t *testing.T) {
	srv, rt := newDaemon(t)
	api := "--api-url=" + srv.URL + "/api"

	out, err := run(t, "start", "tor", api)
	if err != nil {
		t.Fatalf("start: %v out=%s", err, out)
	}
	if !strings.Contains(out, "tor") || !strings.Contains(out, "transitioning") {
		t.Fatalf("unexpected start output:\n%s", out)
	}
	if len(rt.Starts) != 1 {
		t.Fatalf("runtime start not called")
	}

	out, err = run(t, "status", api)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 3 || !strings.HasPrefix(lines[0], "SERVICE") {
		t.Fatalf("unexpected table:\n%s", out)
	}
	if !strings.Contains(lines[2], "wallet") || !strings.Contains(lines[2], "stopped") {
		t.Fatalf("unexpected wallet row %q", lines[2])
	}

	out, err = run(t, "status", "tor", "--json", api)
	if err != nil {
		t.Fatalf("status --json: %v", err)
	}
	var st client.ServiceStatus
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status --json not json: %v\n%s", err, out)
	}
	if st.Service != "tor" || !st.Running || st.ContainerID != "c1" {
		t.Fatalf("unexpected status %+v", st)
	}

	out, err = run(t, "stop", "tor", api)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if !strings.Contains(out, "stopped") {
		t.Fatalf("unexpected stop output:\n%s", out)
	}
}

func TestCommandErrors(t *testing.T) {
	srv, _ := newDaemon(t)
	api := "--api-url=" + srv.URL + "/api"

	if _, err := run(t, "status", "geth", api); err == nil || !strings.Contains(err.Error(), "unknown service") {
		t.Fatalf("expected unknown service error, got %v", err)
	}
	if _, err := run(t, "start", api); err == nil {
		t.Fatal("start without service should fail")
	}
	if _, err := run(t, "stop", "a", "b", api); err == nil {
		t.Fatal("stop with two services should fail")
	}
}

func TestAPIURLFromConfig(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "runstat.toml")
	if err := os.WriteFile(p, []byte("[server]\nlisten = \"0.0.0.0:9999\"\nbase_path = \"v1/\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		flags GlobalFlags
		want  string
	}{
		{GlobalFlags{}, client.DefaultBaseURL},
		{GlobalFlags{APIUrl: "http://remote:1/api", ConfigPath: p}, "http://remote:1/api"},
		{GlobalFlags{ConfigPath: p}, "http://127.0.0.1:9999/v1"},
	}
	for _, c := range cases {
		got, tlsCfg, err := apiURL(&c.flags)
		if err != nil || got != c.want || tlsCfg != nil {
			t.Fatalf("apiURL(%+v) = %q, %v; want %q", c.flags, got, err, c.want)
		}
	}
}

func TestAPIURLWithTLS(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "runstat.toml")
	body := "[server]\nlisten = \"127.0.0.1:8443\"\n[server.tls]\nenabled = true\ndir = \"certs\"\n"
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	got, tlsCfg, err := apiURL(&GlobalFlags{ConfigPath: p})
	if err != nil {
		t.Fatalf("apiURL: %v", err)
	}
	if got != "https://127.0.0.1:8443/api" {
		t.Fatalf("unexpected url %q", got)
	}
	if tlsCfg == nil || !tlsCfg.Enabled || tlsCfg.CACert != filepath.Join(dir, "certs", "tls_ca.crt") {
		t.Fatalf("unexpected tls config %+v", tlsCfg)
	}
}

func TestStateOf(t *testing.T) {
	cases := map[string]client.ServiceStatus{
		"stopped":       {},
		"pending":       {Pending: true},
		"running":       {Running: true},
		"transitioning": {Running: true, Pending: true},
	}
	for want, st := range cases {
		if got := stateOf(st); got != want {
			t.Fatalf("stateOf(%+v) = %q want %q", st, got, want)
		}
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping serve test in short mode")
	}
	dir := t.TempDir()
	p := filepath.Join(dir, "runstat.toml")
	cfg := `
[server]
listen = "127.0.0.1:0"

[metrics]
enabled = false

[docker]
host = "tcp://127.0.0.1:1"
reconnect_min = "50ms"
reconnect_max = "100ms"

[[services]]
name = "tor"
image = "example/tor:latest"
`
	if err := os.WriteFile(p, []byte(cfg), 0o600); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, p) }()
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("serve did not stop")
	}
}

func TestHashPasswordAndTokenFlag(t *testing.T) {
	out, err := run(t, "hash-password", "pw")
	if err != nil {
		t.Fatalf("hash-password: %v", err)
	}
	hash := strings.TrimSpace(out)
	if !strings.HasPrefix(hash, "$2") {
		t.Fatalf("unexpected hash %q", hash)
	}

	gin.SetMode(gin.TestMode)
	mgr := runstat.New(fake.New(), runstat.Options{Settings: map[runstat.Service]runstat.Settings{
		runstat.Tor: {Image: "example/tor"},
	}})
	t.Cleanup(func() { _ = mgr.Close() })
	if err := mgr.EnableAuth(runstat.AuthConfig{
		JWTSecret: "k",
		Users:     []auth.UserConfig{{Username: "ops", PasswordHash: hash, Role: "operator"}},
	}); err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(runstat.NewHandler(mgr, "/api", false))
	t.Cleanup(srv.Close)
	api := "--api-url=" + srv.URL + "/api"

	if _, err := run(t, "status", api); err == nil {
		t.Fatal("anonymous status should be rejected")
	}
	c := client.New(client.Config{BaseURL: srv.URL + "/api"})
	res, err := c.Login(context.Background(), "ops", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if out, err := run(t, "start", "tor", api, "--api-token="+res.Token.Value); err != nil {
		t.Fatalf("start with token: %v out=%s", err, out)
	}
}
