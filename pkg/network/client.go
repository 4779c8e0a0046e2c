// Package network provides the HTTP client the agent uses for real fetches.
// The agent origin can be mapped onto a different upstream address, so the
// agent can serve a public origin while the assets live elsewhere.
package network

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for network fetches.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_network_requests_total",
		Help: "Total network fetches by status",
	}, []string{"status"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_agent_network_request_duration_seconds",
		Help:    "Network fetch duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_network_errors_total",
		Help: "Total network fetch errors by class",
	}, []string{"class"})
)

// Config holds the client configuration.
type Config struct {
	// Origin is the agent origin
	Origin *url.URL

	// Upstream, when set, receives every request addressed to Origin
	Upstream *url.URL

	// Timeout bounds a whole fetch including redirects
	Timeout time.Duration

	// UserAgent is sent when the request carries none
	UserAgent string

	// Retry configures retries of idempotent requests
	Retry RetryConfig

	// Transport overrides http.DefaultTransport (for testing)
	Transport http.RoundTripper
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(origin *url.URL) Config {
	return Config{
		Origin:    origin,
		Timeout:   30 * time.Second,
		UserAgent: "offline-agent/1.0",
		Retry:     DefaultRetryConfig(),
	}
}

// Client performs network fetches for the agent.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Origin == nil || !cfg.Origin.IsAbs() {
		return nil, fmt.Errorf("origin must be an absolute URL")
	}
	if cfg.Upstream != nil && !cfg.Upstream.IsAbs() {
		return nil, fmt.Errorf("upstream must be an absolute URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()

	base := cfg.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if cfg.Upstream != nil {
		base = &rewriteTransport{origin: cfg.Origin, upstream: cfg.Upstream, base: base}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: base,
		},
		config: cfg,
		logger: logging.NewLogger("network"),
	}, nil
}

// Do performs req. Idempotent requests are retried on transport errors and
// 5xx answers up to the configured attempts. When every attempt got a 5xx the
// last response is returned as is.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	startTime := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(startTime).Seconds())
	}()

	if c.config.UserAgent != "" && req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", c.config.UserAgent)
	}

	maxAttempts := c.config.Retry.MaxAttempts
	if !replayable(req) {
		maxAttempts = 1
	}

	for attempt := 1; ; attempt++ {
		resp, err := c.httpClient.Do(req)
		class := Classify(resp, err)
		c.record(resp, err, class)

		if !shouldRetry(class) || attempt >= maxAttempts {
			if err != nil && attempt > 1 {
				retryExhaustedTotal.WithLabelValues(string(class)).Inc()
				c.logger.Warn().Err(err).Str("url", req.URL.String()).Int("attempts", attempt).Msg("Retry attempts exhausted")
				return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetryExhausted, attempt, err)
			}
			if err == nil && attempt > 1 {
				c.logger.Info().Str("url", req.URL.String()).Int("attempt", attempt).Int("status", resp.StatusCode).Msg("Request finished after retry")
			}
			return resp, err
		}

		if resp != nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}

		wait := c.config.Retry.backoff(attempt)
		retriesTotal.WithLabelValues(string(class)).Inc()
		retryBackoffSeconds.Observe(wait.Seconds())
		c.logger.Debug().
			Str("url", req.URL.String()).
			Str("error_class", string(class)).
			Int("attempt", attempt).
			Dur("backoff", wait).
			Msg("Retrying request after backoff")

		if err := sleep(req.Context(), wait); err != nil {
			return nil, err
		}
	}
}

func (c *Client) record(resp *http.Response, err error, class ErrorClass) {
	if err != nil {
		requestsTotal.WithLabelValues("error").Inc()
	} else {
		requestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	}
	if class != ErrorClassNone {
		errorsTotal.WithLabelValues(string(class)).Inc()
	}
}

// rewriteTransport sends requests for origin to upstream and maps responses
// back, so callers only ever see origin URLs.
type rewriteTransport struct {
	origin   *url.URL
	upstream *url.URL
	base     http.RoundTripper
}

func (t *rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !sameHost(req.URL, t.origin) {
		return t.base.RoundTrip(req)
	}

	target := *req.URL
	target.Scheme = t.upstream.Scheme
	target.Host = t.upstream.Host
	target.Path = joinPath(t.upstream.Path, req.URL.Path)
	target.RawPath = ""

	out := req.Clone(req.Context())
	out.URL = &target
	out.Host = ""

	resp, err := t.base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	resp.Request = req

	if loc := resp.Header.Get("Location"); loc != "" {
		resp.Header.Set("Location", t.rewriteLocation(loc))
	}
	return resp, nil
}

// rewriteLocation maps an absolute redirect into upstream back onto origin.
func (t *rewriteTransport) rewriteLocation(loc string) string {
	u, err := url.Parse(loc)
	if err != nil || !u.IsAbs() || !sameHost(u, t.upstream) {
		return loc
	}
	prefix := strings.TrimSuffix(t.upstream.Path, "/")
	if prefix != "" && !strings.HasPrefix(u.Path, prefix+"/") && u.Path != prefix {
		return loc
	}
	u.Scheme = t.origin.Scheme
	u.Host = t.origin.Host
	u.Path = strings.TrimPrefix(u.Path, prefix)
	if u.Path == "" {
		u.Path = "/"
	}
	u.RawPath = ""
	return u.String()
}

func joinPath(prefix, p string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if p == "" {
		p = "/"
	}
	return prefix + p
}

func sameHost(a, b *url.URL) bool {
	return strings.EqualFold(a.Scheme, b.Scheme) && strings.EqualFold(a.Host, b.Host)
}
