// Package collyfetcher implements catalog.PageFetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/metrics"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	Timeout   time.Duration
}

// Fetcher implements catalog.PageFetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
}

var _ catalog.PageFetcher = (*Fetcher)(nil)

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// fetchResult collects what the colly callbacks observed for one visit.
type fetchResult struct {
	body       []byte
	statusCode int
	err        error
}

// New builds a Fetcher. Listing URLs are revisited on every refresh, so the
// shared visit store must not suppress repeats.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	c := colly.NewCollector(
		colly.Async(false),
		colly.AllowURLRevisit(),
	)
	c.IgnoreRobotsTxt = true
	c.WithTransport(newHTTPTransport())
	// Clones share the backend client, so the timeout is set once here.
	c.SetRequestTimeout(cfg.Timeout)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Fetch executes a single HTTP GET and returns the body. Any transport
// failure or non-2xx response is reported as a *catalog.FetchError.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	var result fetchResult
	collector := f.buildCollector(ctx, &result)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	var visitErr error
	select {
	case <-ctx.Done():
		metrics.ObserveListingRequest(0)
		return nil, &catalog.FetchError{URL: url, Err: fmt.Errorf("colly fetch canceled: %w", ctx.Err())}
	case visitErr = <-done:
	}

	metrics.ObserveListingRequest(result.statusCode)
	if result.err != nil {
		return nil, &catalog.FetchError{URL: url, StatusCode: result.statusCode, Err: result.err}
	}
	if visitErr != nil {
		return nil, &catalog.FetchError{URL: url, StatusCode: result.statusCode, Err: fmt.Errorf("colly visit failed: %w", visitErr)}
	}
	if result.body == nil {
		return nil, &catalog.FetchError{URL: url, StatusCode: result.statusCode, Err: errors.New("empty response")}
	}
	return result.body, nil
}

func (f *Fetcher) buildCollector(ctx context.Context, result *fetchResult) *colly.Collector {
	collector := f.baseCollector.Clone()
	collector.Context = ctx
	f.configureCollectorHooks(collector, result)
	return collector
}

func (f *Fetcher) configureCollectorHooks(hooks collectorHooks, result *fetchResult) {
	hooks.OnResponse(func(r *colly.Response) {
		result.statusCode = r.StatusCode
		result.body = append([]byte{}, r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.statusCode = r.StatusCode
		}
		result.err = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   32,
		IdleConnTimeout:       90 * time.Second,
	}
}
