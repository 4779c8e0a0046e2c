package network

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/offline-agent/internal/testutil"
)

var testOrigin, _ = url.Parse("https://salary-plan.example")

func fastRetry(attempts int) RetryConfig {
	return RetryConfig{
		MaxAttempts:       attempts,
		InitialBackoff:    time.Millisecond,
		MaxBackoff:        5 * time.Millisecond,
		BackoffMultiplier: 2,
	}
}

func newUpstreamClient(t *testing.T, upstream string, retry RetryConfig) *Client {
	t.Helper()
	u, err := url.Parse(upstream)
	if err != nil {
		t.Fatal(err)
	}
	cfg := DefaultConfig(testOrigin)
	cfg.Upstream = u
	cfg.Retry = retry
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	relative, _ := url.Parse("/assets")

	tests := []struct {
		name string
		cfg  Config
	}{
		{"missing origin", Config{}},
		{"relative origin", Config{Origin: relative}},
		{"relative upstream", Config{Origin: testOrigin, Upstream: relative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.cfg); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(Config{Origin: testOrigin})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if c.httpClient.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v, want 30s", c.httpClient.Timeout)
	}
	if c.config.Retry.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want 1", c.config.Retry.MaxAttempts)
	}
}

func TestClient_RewritesOriginToUpstream(t *testing.T) {
	var gotPath, gotHost, gotUA string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotHost = r.Host
		gotUA = r.Header.Get("User-Agent")
		w.Write([]byte(testutil.IndexHTML))
	}))
	defer upstream.Close()

	c := newUpstreamClient(t, upstream.URL+"/static/", DefaultRetryConfig())

	req, _ := http.NewRequest(http.MethodGet, "https://salary-plan.example/index.html?v=2", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if string(body) != testutil.IndexHTML {
		t.Errorf("Unexpected body %q", body)
	}
	if gotPath != "/static/index.html" {
		t.Errorf("Upstream path = %q, want /static/index.html", gotPath)
	}
	if gotHost != upstream.Listener.Addr().String() {
		t.Errorf("Upstream host = %q, want %q", gotHost, upstream.Listener.Addr().String())
	}
	if gotUA != "offline-agent/1.0" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if resp.Request.URL.String() != "https://salary-plan.example/index.html?v=2" {
		t.Errorf("Expected response request in origin space, got %s", resp.Request.URL)
	}
}

func TestClient_RedirectStaysInOriginSpace(t *testing.T) {
	var upstreamURL string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/old":
			http.Redirect(w, r, upstreamURL+"/new", http.StatusFound)
		case "/new":
			w.Write([]byte("moved"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer upstream.Close()
	upstreamURL = upstream.URL

	c := newUpstreamClient(t, upstream.URL, DefaultRetryConfig())

	req, _ := http.NewRequest(http.MethodGet, "https://salary-plan.example/old", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if resp.Request.URL.String() != "https://salary-plan.example/new" {
		t.Errorf("Expected final URL in origin space, got %s", resp.Request.URL)
	}
}

func TestRewriteLocation(t *testing.T) {
	upstream, _ := url.Parse("http://assets.internal:9000/static")
	tr := &rewriteTransport{origin: testOrigin, upstream: upstream}

	tests := []struct {
		loc      string
		expected string
	}{
		{"http://assets.internal:9000/static/app.js", "https://salary-plan.example/app.js"},
		{"http://assets.internal:9000/static", "https://salary-plan.example/"},
		{"http://assets.internal:9000/other/app.js", "http://assets.internal:9000/other/app.js"},
		{"https://cdn.example/app.js", "https://cdn.example/app.js"},
		{"/relative", "/relative"},
	}
	for _, tt := range tests {
		if got := tr.rewriteLocation(tt.loc); got != tt.expected {
			t.Errorf("rewriteLocation(%q) = %q, want %q", tt.loc, got, tt.expected)
		}
	}
}

func TestClient_OtherHostsPassThrough(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()

	c := newUpstreamClient(t, "http://127.0.0.1:1", DefaultRetryConfig())

	req, _ := http.NewRequest(http.MethodGet, origin.URL()+"/manifest.json", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()

	if origin.GetPathCount("/manifest.json") != 1 {
		t.Error("Expected request to reach its own host")
	}
}

func TestClient_RetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	c := newUpstreamClient(t, upstream.URL, fastRetry(3))

	req, _ := http.NewRequest(http.MethodGet, "https://salary-plan.example/", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected 200, got %d", resp.StatusCode)
	}
	if calls.Load() != 3 {
		t.Errorf("Expected 3 attempts, got %d", calls.Load())
	}
}

func TestClient_ReturnsLastServerError(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer upstream.Close()

	c := newUpstreamClient(t, upstream.URL, fastRetry(2))

	req, _ := http.NewRequest(http.MethodGet, "https://salary-plan.example/", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
	if calls.Load() != 2 {
		t.Errorf("Expected 2 attempts, got %d", calls.Load())
	}
}

func TestClient_DoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer upstream.Close()

	c := newUpstreamClient(t, upstream.URL, fastRetry(3))

	req, _ := http.NewRequest(http.MethodGet, "https://salary-plan.example/missing", nil)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()

	if calls.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls.Load())
	}
}

func TestClient_DoesNotRetryNonIdempotent(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	c := newUpstreamClient(t, upstream.URL, fastRetry(3))

	req, _ := http.NewRequest(http.MethodPost, "https://salary-plan.example/api", http.NoBody)
	resp, err := c.Do(req)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	resp.Body.Close()

	if calls.Load() != 1 {
		t.Errorf("Expected 1 attempt, got %d", calls.Load())
	}
}

func TestClient_NetworkErrorExhaustsRetries(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetOffline(true)

	c := newUpstreamClient(t, origin.URL(), fastRetry(2))

	req, _ := http.NewRequest(http.MethodGet, "https://salary-plan.example/index.html", nil)
	_, err := c.Do(req)
	if !errors.Is(err, ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", err)
	}
	if origin.GetRequestCount() != 2 {
		t.Errorf("Expected 2 attempts, got %d", origin.GetRequestCount())
	}
}

func TestClient_CancelledDuringBackoff(t *testing.T) {
	origin := testutil.NewMockOrigin()
	defer origin.Close()
	origin.SetOffline(true)

	retry := fastRetry(3)
	retry.InitialBackoff = time.Minute
	retry.MaxBackoff = time.Minute
	c := newUpstreamClient(t, origin.URL(), retry)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, "https://salary-plan.example/", nil)

	_, err := c.Do(req)
	if !errors.Is(err, ErrContextCancelled) {
		t.Errorf("Expected ErrContextCancelled, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		resp     *http.Response
		err      error
		expected ErrorClass
	}{
		{"transport error", nil, errors.New("connection refused"), ErrorClassNetwork},
		{"ok", &http.Response{StatusCode: 200}, nil, ErrorClassNone},
		{"redirect", &http.Response{StatusCode: 302}, nil, ErrorClassNone},
		{"not found", &http.Response{StatusCode: 404}, nil, ErrorClassClient},
		{"server error", &http.Response{StatusCode: 503}, nil, ErrorClassServer},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.resp, tt.err); got != tt.expected {
				t.Errorf("Classify() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestRetryConfig_Backoff(t *testing.T) {
	cfg := RetryConfig{
		MaxAttempts:       5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        300 * time.Millisecond,
		BackoffMultiplier: 2,
	}

	tests := []struct {
		attempt int
		base    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 300 * time.Millisecond},
		{4, 300 * time.Millisecond},
	}
	for _, tt := range tests {
		got := cfg.backoff(tt.attempt)
		low := time.Duration(float64(tt.base) * 0.8)
		high := time.Duration(float64(tt.base) * 1.2)
		if got < low || got > high {
			t.Errorf("backoff(%d) = %v, want within [%v, %v]", tt.attempt, got, low, high)
		}
	}
}
