package precache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/Sternrassler/offline-agent/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// FetchesTotal counts manifest entry fetches by outcome.
var FetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "offline_agent_precache_fetch_total",
	Help: "Total precache entry fetches by outcome",
}, []string{"outcome"}) // "ok", "status", "error"

// Config holds fetcher configuration
type Config struct {
	// MaxConcurrency is the maximum number of parallel requests
	MaxConcurrency int
	// Timeout per entry, covering the full body read
	Timeout time.Duration
}

// DefaultConfig returns the default fetcher configuration
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        15 * time.Second,
	}
}

// Doer performs a single HTTP request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Result is one fetched manifest entry.
type Result struct {
	// Request is the request the snapshot answers
	Request *http.Request
	// Snapshot holds the fully read response
	Snapshot *store.Snapshot
}

// FetchError reports a manifest entry that could not be fetched.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("precache %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("precache %s: unexpected status %d", e.URL, e.StatusCode)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *FetchError) Unwrap() error {
	return e.Err
}

type job struct {
	index int
	url   string
}

type outcome struct {
	index  int
	result Result
	err    error
}

// Fetcher fetches manifest entries with a bounded worker pool
type Fetcher struct {
	doer   Doer
	config Config
	logger zerolog.Logger
}

// NewFetcher creates a new fetcher
func NewFetcher(doer Doer, config Config) *Fetcher {
	if doer == nil {
		panic("doer cannot be nil")
	}
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
	}

	return &Fetcher{
		doer:   doer,
		config: config,
		logger: logging.NewLogger("precache"),
	}
}

// FetchAll fetches every URL. All entries are attempted even after a failure;
// results keep the order of urls. If any entry fails (transport error or a
// status outside 2xx) FetchAll returns no results and the *FetchError values
// joined in manifest order.
func (f *Fetcher) FetchAll(ctx context.Context, urls []string) ([]Result, error) {
	start := time.Now()
	if len(urls) == 0 {
		return nil, nil
	}

	workers := f.config.MaxConcurrency
	if workers > len(urls) {
		workers = len(urls)
	}

	f.logger.Debug().
		Int("entries", len(urls)).
		Int("workers", workers).
		Msg("Starting precache fetch")

	queue := make(chan job, len(urls))
	outcomes := make(chan outcome, len(urls))

	for i, u := range urls {
		queue <- job{index: i, url: u}
	}
	close(queue)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go f.worker(ctx, queue, outcomes, &wg, i)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	results := make([]Result, len(urls))
	failures := make([]error, len(urls))
	for o := range outcomes {
		if o.err != nil {
			failures[o.index] = o.err
			continue
		}
		results[o.index] = o.result
	}

	// manifest order, independent of which worker finished first
	var errs []error
	for _, err := range failures {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		f.logger.Warn().
			Int("failed", len(errs)).
			Int("total", len(urls)).
			Dur("duration", time.Since(start)).
			Msg("Precache fetch failed")
		return nil, errors.Join(errs...)
	}

	f.logger.Debug().
		Int("entries", len(urls)).
		Dur("duration", time.Since(start)).
		Msg("Precache fetch complete")

	return results, nil
}

// worker processes entries from the queue
func (f *Fetcher) worker(ctx context.Context, queue <-chan job, outcomes chan<- outcome, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for j := range queue {
		result, err := f.fetch(ctx, j.url)
		if err != nil {
			f.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("url", j.url).
				Msg("Precache entry failed")
		}
		outcomes <- outcome{index: j.index, result: result, err: err}
		processed++
	}

	f.logger.Debug().
		Int("worker_id", workerID).
		Int("entries_processed", processed).
		Msg("Worker completed")
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, f.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		FetchesTotal.WithLabelValues("error").Inc()
		return Result{}, &FetchError{URL: rawURL, Err: err}
	}

	resp, err := f.doer.Do(req)
	if err != nil {
		FetchesTotal.WithLabelValues("error").Inc()
		return Result{}, &FetchError{URL: rawURL, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		FetchesTotal.WithLabelValues("status").Inc()
		return Result{}, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	// read the body before the per-entry timeout is released
	snap, err := store.FromResponse(resp, store.Classify(req.URL, resp))
	if err != nil {
		FetchesTotal.WithLabelValues("error").Inc()
		return Result{}, &FetchError{URL: rawURL, StatusCode: resp.StatusCode, Err: err}
	}

	FetchesTotal.WithLabelValues("ok").Inc()
	return Result{Request: req, Snapshot: snap}, nil
}
