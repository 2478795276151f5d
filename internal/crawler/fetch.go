package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/listing"
	"github.com/JakeFAU/vision-catalog/internal/metrics"
)

// directory is one fully paginated listing of a prefix.
type directory struct {
	prefix   string
	prefixes []string
	keys     []string
}

// children returns the immediate child names in page order.
func (d directory) children() []string {
	return listing.Page{Prefixes: d.prefixes}.Children(d.prefix)
}

// fetch retrieves one URL through the shared gate, retrying transient failures.
func (c *Crawler) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		release, err := c.limiter.Acquire(ctx)
		if err != nil {
			return nil, &catalog.FetchError{URL: rawURL, Err: err}
		}
		body, err := c.fetcher.Fetch(ctx, rawURL)
		release()
		if err == nil {
			return body, nil
		}

		var fetchErr *catalog.FetchError
		if !errors.As(err, &fetchErr) {
			err = &catalog.FetchError{URL: rawURL, Err: err}
		}
		if !c.retry.ShouldRetry(err, attempt) {
			return nil, err
		}
		metrics.IncListingRetries()
		c.logger.Warn("retrying listing request",
			zap.String("url", rawURL),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
		if waitErr := c.retry.Wait(ctx, attempt); waitErr != nil {
			return nil, err
		}
	}
}

// list fetches every page of the listing under prefix.
func (c *Crawler) list(ctx context.Context, bucketURL, prefix string) (directory, error) {
	dir := directory{prefix: prefix}
	query := url.Values{}
	query.Set("delimiter", "/")
	query.Set("prefix", prefix)

	for page := 1; ; page++ {
		pageURL := bucketURL + "?" + query.Encode()
		body, err := c.fetch(ctx, pageURL)
		if err != nil {
			return directory{}, err
		}
		parsed, err := listing.Parse(body)
		if err != nil {
			return directory{}, withURL(err, pageURL)
		}
		dir.prefixes = append(dir.prefixes, parsed.Prefixes...)
		dir.keys = append(dir.keys, parsed.Keys...)

		param, value, more := parsed.Continuation()
		if !more {
			if parsed.IsTruncated {
				return directory{}, &catalog.ParseError{URL: pageURL, Err: errors.New("truncated listing without continuation")}
			}
			c.logger.Debug("listed prefix",
				zap.String("prefix", prefix),
				zap.Int("pages", page),
				zap.Int("prefixes", len(dir.prefixes)),
				zap.Int("keys", len(dir.keys)),
			)
			return dir, nil
		}
		if page >= c.cfg.MaxPagesPerListing {
			return directory{}, &catalog.ParseError{
				URL: pageURL,
				Err: fmt.Errorf("listing exceeds %d pages", c.cfg.MaxPagesPerListing),
			}
		}
		query.Del("marker")
		query.Del("continuation-token")
		query.Set(param, value)
	}
}

// resolveBucket returns the bucket listing endpoint without a trailing slash.
func (c *Crawler) resolveBucket(ctx context.Context) (string, error) {
	if c.cfg.BucketURL != "" {
		return strings.TrimRight(c.cfg.BucketURL, "/"), nil
	}
	body, err := c.fetch(ctx, c.cfg.BootstrapURL)
	if err != nil {
		return "", err
	}
	bucketURL, err := listing.ExtractBucketURL(body)
	if err != nil {
		return "", withURL(err, c.cfg.BootstrapURL)
	}
	return bucketURL, nil
}

func withURL(err error, rawURL string) error {
	var parseErr *catalog.ParseError
	if errors.As(err, &parseErr) && parseErr.URL == "" {
		parseErr.URL = rawURL
	}
	return err
}
