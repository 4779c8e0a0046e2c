// Package interceptor implements the cache-first fetch policy of the agent.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/Sternrassler/offline-agent/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Prometheus metrics for fetch handling.
var (
	fetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_agent_fetch_total",
		Help: "Total intercepted fetches by outcome",
	}, []string{"outcome"})

	fetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "offline_agent_fetch_duration_seconds",
		Help:    "Intercepted fetch duration in seconds by outcome",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"outcome"})
)

// OfflineMessage is the body of the synthetic response served when the
// network fails.
const OfflineMessage = "Network connection failed, please check your network settings"

// CacheStatusHeader reports how a response was produced.
const CacheStatusHeader = "X-Offline-Agent-Cache"

// CacheStatus is the value of CacheStatusHeader.
type CacheStatus string

const (
	// StatusHit means the response came from the cache without network.
	StatusHit CacheStatus = "HIT"

	// StatusMiss means the response came from the network and is being stored.
	StatusMiss CacheStatus = "MISS"

	// StatusBypass means the response came from the network and is not stored.
	StatusBypass CacheStatus = "BYPASS"

	// StatusOffline means the network failed and the synthetic response was served.
	StatusOffline CacheStatus = "OFFLINE"
)

// Network performs the real fetch.
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// Source yields the cache handle of the active version, or nil when no
// version is active.
type Source interface {
	ActiveHandle() *store.Handle
}

// Config holds the interceptor configuration.
type Config struct {
	// Origin is the agent origin; only requests to it are intercepted
	Origin *url.URL

	// Network performs fetches on a miss
	Network Network

	// Source provides the active cache handle
	Source Source

	// WriteTimeout bounds each background store write
	WriteTimeout time.Duration
}

// Interceptor applies the cache-first policy to in-scope requests.
type Interceptor struct {
	origin       *url.URL
	network      Network
	source       Source
	writeTimeout time.Duration
	logger       zerolog.Logger
	tracer       trace.Tracer

	pending sync.WaitGroup
	writes  atomic.Int64
}

// New creates a new interceptor.
func New(cfg Config) (*Interceptor, error) {
	if cfg.Origin == nil || !cfg.Origin.IsAbs() {
		return nil, fmt.Errorf("origin must be an absolute URL")
	}
	if cfg.Network == nil {
		return nil, fmt.Errorf("network is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("source is required")
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	return &Interceptor{
		origin:       cfg.Origin,
		network:      cfg.Network,
		source:       cfg.Source,
		writeTimeout: cfg.WriteTimeout,
		logger:       logging.NewLogger("interceptor"),
		tracer:       otel.Tracer("github.com/Sternrassler/offline-agent/pkg/interceptor"),
	}, nil
}

// InScope reports whether req targets the agent origin.
func (i *Interceptor) InScope(req *http.Request) bool {
	return req != nil && req.URL != nil && store.SameOrigin(i.origin, req.URL)
}

// Handle answers req. Out-of-scope requests are not intercepted: Handle
// returns (nil, false) without touching the cache. Intercepted requests always
// get a response; a network failure yields the synthetic offline response.
func (i *Interceptor) Handle(req *http.Request) (*http.Response, bool) {
	if !i.InScope(req) {
		return nil, false
	}

	ctx, span := i.tracer.Start(req.Context(), "interceptor.fetch", trace.WithAttributes(
		attribute.String("http.request.method", req.Method),
		attribute.String("url.full", req.URL.String()),
	))
	defer span.End()
	req = req.WithContext(ctx)

	start := time.Now()
	resp, status := i.handle(ctx, req)
	resp.Header.Set(CacheStatusHeader, string(status))

	outcome := string(status)
	fetchTotal.WithLabelValues(outcome).Inc()
	fetchDuration.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	span.SetAttributes(
		attribute.String("offline_agent.cache_status", outcome),
		attribute.Int("http.response.status_code", resp.StatusCode),
	)
	if status == StatusOffline {
		span.SetStatus(codes.Error, "network failure")
	}

	return resp, true
}

func (i *Interceptor) handle(ctx context.Context, req *http.Request) (*http.Response, CacheStatus) {
	handle := i.source.ActiveHandle()
	cacheable := handle != nil && store.Cacheable(req)

	if cacheable {
		snap, err := handle.Match(ctx, req)
		switch {
		case err == nil:
			i.logger.Debug().Str("url", req.URL.String()).Str("cache", handle.Name()).Msg("Cache hit")
			return snap.Response(req), StatusHit
		case errors.Is(err, store.ErrCacheMiss):
			i.logger.Debug().Str("url", req.URL.String()).Msg("Cache miss")
		default:
			i.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Cache lookup failed, fetching from network")
		}
	}

	resp, err := i.network.Do(req)
	if err != nil {
		i.logger.Error().Err(err).Str("url", req.URL.String()).Msg("Network fetch failed")
		return OfflineResponse(req), StatusOffline
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}

	typ := store.Classify(i.origin, resp)
	if !cacheable || resp.StatusCode != http.StatusOK || typ != store.TypeBasic {
		return resp, StatusBypass
	}

	snap, err := store.FromResponse(resp, typ)
	if err != nil {
		i.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("Failed to copy response for cache")
		return resp, StatusBypass
	}
	i.storeAsync(ctx, handle, req, snap)
	return resp, StatusMiss
}

// storeAsync writes snap in the background. Failures are logged only.
func (i *Interceptor) storeAsync(ctx context.Context, handle *store.Handle, req *http.Request, snap *store.Snapshot) {
	key := store.KeyFor(req)
	i.pending.Add(1)
	i.writes.Add(1)
	go func() {
		defer i.pending.Done()
		defer i.writes.Add(-1)

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.writeTimeout)
		defer cancel()

		if err := handle.PutKey(ctx, key, snap); err != nil {
			i.logger.Warn().Err(err).Str("key", key.String()).Str("cache", handle.Name()).Msg("Failed to cache response")
			return
		}
		i.logger.Debug().Str("key", key.String()).Str("cache", handle.Name()).Msg("Cached response")
	}()
}

// Wait blocks until every pending background write has finished.
func (i *Interceptor) Wait() {
	i.pending.Wait()
}

// Pending returns the number of background writes still running.
func (i *Interceptor) Pending() int {
	return int(i.writes.Load())
}

// OfflineResponse builds the synthetic response served when the network fails.
func OfflineResponse(req *http.Request) *http.Response {
	body := []byte(OfflineMessage)
	return &http.Response{
		Status:        "408 " + http.StatusText(http.StatusRequestTimeout),
		StatusCode:    http.StatusRequestTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
