package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/offline-agent/internal/testutil"
	"github.com/Sternrassler/offline-agent/pkg/config"
	"github.com/Sternrassler/offline-agent/pkg/interceptor"
	"github.com/Sternrassler/offline-agent/pkg/store"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func seedSQLite(t *testing.T, names ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.db")
	ctx := context.Background()

	b, err := store.OpenSQLiteBackend(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLiteBackend failed: %v", err)
	}
	defer b.Close()

	for _, name := range names {
		if _, err := b.Create(ctx, name); err != nil {
			t.Fatalf("Create %s failed: %v", name, err)
		}
	}
	return path
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := newRootCommand()
	want := map[string]bool{"serve": false, "caches": false}
	for _, c := range cmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("Expected subcommand %q", name)
		}
	}
}

func TestCachesList(t *testing.T) {
	path := seedSQLite(t, "salary-plan-v1.0", "salary-plan-v2.0")
	t.Setenv("OFFLINE_AGENT_BACKEND", "sqlite")
	t.Setenv("OFFLINE_AGENT_SQLITE_PATH", path)

	out, err := execute(t, "caches", "list")
	if err != nil {
		t.Fatalf("caches list failed: %v", err)
	}
	if out != "salary-plan-v1.0\nsalary-plan-v2.0\n" {
		t.Errorf("Unexpected output %q", out)
	}
}

func TestCachesDelete(t *testing.T) {
	path := seedSQLite(t, "salary-plan-v1.0", "salary-plan-v2.0")
	t.Setenv("OFFLINE_AGENT_BACKEND", "sqlite")
	t.Setenv("OFFLINE_AGENT_SQLITE_PATH", path)

	out, err := execute(t, "caches", "delete", "salary-plan-v1.0", "missing")
	if err != nil {
		t.Fatalf("caches delete failed: %v", err)
	}
	if !strings.Contains(out, "deleted salary-plan-v1.0") || !strings.Contains(out, "missing not found") {
		t.Errorf("Unexpected output %q", out)
	}

	out, err = execute(t, "caches", "list")
	if err != nil {
		t.Fatalf("caches list failed: %v", err)
	}
	if out != "salary-plan-v2.0\n" {
		t.Errorf("Unexpected output after delete %q", out)
	}
}

func TestCachesDelete_RequiresName(t *testing.T) {
	if _, err := execute(t, "caches", "delete"); err == nil {
		t.Error("Expected error without a cache name")
	}
}

func TestCaches_InvalidConfig(t *testing.T) {
	t.Setenv("OFFLINE_AGENT_BACKEND", "etcd")

	if _, err := execute(t, "caches", "list"); err == nil || !strings.Contains(err.Error(), "unknown backend") {
		t.Errorf("Expected unknown backend error, got %v", err)
	}
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		cfg      config.Config
		expected string
	}{
		{"memory", config.Config{Backend: config.BackendMemory}, "memory"},
		{"sqlite", config.Config{Backend: config.BackendSQLite, SQLitePath: filepath.Join(t.TempDir(), "a.db")}, "sqlite"},
		{"s3", config.Config{
			Backend:     config.BackendS3,
			S3Bucket:    "offline-agent",
			S3Region:    "us-east-1",
			S3Endpoint:  "http://127.0.0.1:9000",
			S3AccessKey: "agent",
			S3SecretKey: "agent-secret",
			S3PathStyle: true,
		}, "s3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, closeBackend, err := openBackend(ctx, tt.cfg)
			if err != nil {
				t.Fatalf("openBackend failed: %v", err)
			}
			defer closeBackend()
			if b.Name() != tt.expected {
				t.Errorf("Name() = %q, want %q", b.Name(), tt.expected)
			}
		})
	}

	if _, _, err := openBackend(ctx, config.Config{Backend: "etcd"}); err == nil {
		t.Error("Expected error for unknown backend")
	}
}

func TestOpenBackend_RedisUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err := openBackend(ctx, config.Config{Backend: config.BackendRedis, RedisAddr: "127.0.0.1:1"})
	if err == nil {
		t.Error("Expected error for unreachable redis")
	}
}

func testConfig(origin *testutil.MockOrigin) config.Config {
	return config.Config{
		Scope:               origin.URL() + "/",
		Version:             "salary-plan-v1.0",
		Precache:            []string{"./", "./index.html", "./manifest.json"},
		Backend:             config.BackendMemory,
		FetchTimeout:        5 * time.Second,
		WriteTimeout:        5 * time.Second,
		PrecacheConcurrency: 2,
		UserAgent:           "offline-agent-test",
	}
}

func TestNewApp_ServesPrecachedOffline(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	a, err := newApp(context.Background(), testConfig(origin))
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.close()
	defer a.reg.Wait()

	names, err := a.caches.Names(context.Background())
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	if len(names) != 1 || names[0] != "salary-plan-v1.0" {
		t.Errorf("Expected [salary-plan-v1.0], got %v", names)
	}

	origin.SetOffline(true)

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))

	body, _ := io.ReadAll(rec.Body)
	if rec.Code != http.StatusOK || string(body) != testutil.IndexHTML {
		t.Errorf("Expected cached index, got %d %q", rec.Code, body)
	}
	if got := rec.Header().Get(interceptor.CacheStatusHeader); got != string(interceptor.StatusHit) {
		t.Errorf("Expected HIT, got %q", got)
	}
}

func TestNewApp_FailedInstallStillServes(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetResponse("/manifest.json", testutil.NewServerErrorResponse())

	a, err := newApp(context.Background(), testConfig(origin))
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	defer a.close()
	defer a.reg.Wait()

	if a.reg.Active() != nil {
		t.Error("Expected no active agent after failed install")
	}

	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected pass-through 200, got %d", rec.Code)
	}
	if rec.Header().Get(interceptor.CacheStatusHeader) != "" {
		t.Error("Expected no cache status without an active agent")
	}
}

func sqliteConfig(t *testing.T, origin *testutil.MockOrigin) config.Config {
	t.Helper()
	cfg := testConfig(origin)
	cfg.Backend = config.BackendSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "agent.db")
	return cfg
}

func startApp(t *testing.T, cfg config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg)
	if err != nil {
		t.Fatalf("newApp failed: %v", err)
	}
	return a
}

func stopApp(a *app) {
	a.reg.Wait()
	a.close()
}

func getIndex(t *testing.T, a *app) (int, string, string) {
	t.Helper()
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body), rec.Header().Get(interceptor.CacheStatusHeader)
}

func TestNewApp_RestartOfflineServesStoredVersion(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	cfg := sqliteConfig(t, origin)

	stopApp(startApp(t, cfg))

	origin.SetOffline(true)
	a := startApp(t, cfg)
	defer stopApp(a)

	active := a.reg.Active()
	if active == nil || active.Version() != "salary-plan-v1.0" {
		t.Fatalf("Expected salary-plan-v1.0 restored, got %v", active)
	}

	code, body, status := getIndex(t, a)
	if code != http.StatusOK || body != testutil.IndexHTML {
		t.Errorf("Expected cached index after restart, got %d %q", code, body)
	}
	if status != string(interceptor.StatusHit) {
		t.Errorf("Expected HIT, got %q", status)
	}
}

func TestNewApp_RestartWithNewVersion(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	cfg := sqliteConfig(t, origin)

	stopApp(startApp(t, cfg))

	// offline: the upgrade fails and the stored version keeps serving
	origin.SetOffline(true)
	cfg.Version = "salary-plan-v2.0"
	a := startApp(t, cfg)
	if active := a.reg.Active(); active == nil || active.Version() != "salary-plan-v1.0" {
		t.Fatalf("Expected salary-plan-v1.0 to stay active, got %v", active)
	}
	if _, _, status := getIndex(t, a); status != string(interceptor.StatusHit) {
		t.Errorf("Expected HIT from the stored version, got %q", status)
	}
	stopApp(a)

	// online: the upgrade replaces the stored version
	origin.SetOffline(false)
	a = startApp(t, cfg)
	defer stopApp(a)
	if active := a.reg.Active(); active == nil || active.Version() != "salary-plan-v2.0" {
		t.Fatalf("Expected salary-plan-v2.0 active, got %v", active)
	}
	names, err := a.caches.Names(context.Background())
	if err != nil {
		t.Fatalf("Names failed: %v", err)
	}
	if len(names) != 1 || names[0] != "salary-plan-v2.0" {
		t.Errorf("Expected [salary-plan-v2.0], got %v", names)
	}
}

func TestNewApp_PartialGenerationNotRestored(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	cfg := sqliteConfig(t, origin)

	// a generation left behind without a status marker
	b, err := store.OpenSQLiteBackend(context.Background(), cfg.SQLitePath)
	if err != nil {
		t.Fatalf("OpenSQLiteBackend failed: %v", err)
	}
	if _, err := b.Create(context.Background(), "salary-plan-v1.0"); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	b.Close()

	origin.SetOffline(true)
	a := startApp(t, cfg)
	defer stopApp(a)

	if a.reg.Active() != nil {
		t.Error("Expected no active agent for a partial generation")
	}
}
