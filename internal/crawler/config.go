package crawler

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Empty-range policies.
const (
	EmptyRangeError = "error"
	EmptyRangeSkip  = "skip"
)

// Config holds the settings for one crawler. It is decoupled from viper so
// the crawler can be constructed directly in tests.
type Config struct {
	// BootstrapURL is the human-facing page that embeds BUCKET_URL. Its
	// prefix query parameter is the root path of the crawl.
	BootstrapURL string
	// BucketURL skips bootstrap discovery when set.
	BucketURL string

	FrequencyConcurrency  int
	CategoryConcurrency   int
	InstrumentSampleLimit int
	InstrumentBatchSize   int
	InstrumentWorkers     int
	TimeframeConcurrency  int

	MaxInFlight        int
	RequestDelay       time.Duration
	MaxPagesPerListing int
	EmptyRangePolicy   string

	MaxRetries     int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		BootstrapURL:          "https://data.binance.vision/?prefix=data/futures/um/",
		FrequencyConcurrency:  2,
		CategoryConcurrency:   8,
		InstrumentSampleLimit: 10,
		InstrumentBatchSize:   2,
		InstrumentWorkers:     10,
		TimeframeConcurrency:  8,
		MaxInFlight:           16,
		RequestDelay:          100 * time.Millisecond,
		MaxPagesPerListing:    100,
		EmptyRangePolicy:      EmptyRangeError,
		BackoffInitial:        250 * time.Millisecond,
		BackoffMax:            5 * time.Second,
	}
}

// Validate checks for obviously bad configuration combinations.
func (c Config) Validate() error {
	var errs []error
	if c.BootstrapURL == "" && c.BucketURL == "" {
		errs = append(errs, errors.New("one of bootstrap url or bucket url must be set"))
	}
	if c.BootstrapURL != "" {
		if _, err := url.Parse(c.BootstrapURL); err != nil {
			errs = append(errs, fmt.Errorf("bootstrap url: %w", err))
		}
	}
	for name, v := range map[string]int{
		"frequency concurrency": c.FrequencyConcurrency,
		"category concurrency":  c.CategoryConcurrency,
		"instrument batch size": c.InstrumentBatchSize,
		"instrument workers":    c.InstrumentWorkers,
		"timeframe concurrency": c.TimeframeConcurrency,
		"max pages per listing": c.MaxPagesPerListing,
	} {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", name))
		}
	}
	if c.InstrumentSampleLimit < 0 {
		errs = append(errs, errors.New("instrument sample limit must be >= 0"))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, errors.New("max retries must be >= 0"))
	}
	if c.RequestDelay < 0 {
		errs = append(errs, errors.New("request delay must be >= 0"))
	}
	switch c.EmptyRangePolicy {
	case EmptyRangeError, EmptyRangeSkip:
	default:
		errs = append(errs, fmt.Errorf("empty range policy %q must be %q or %q", c.EmptyRangePolicy, EmptyRangeError, EmptyRangeSkip))
	}
	return errors.Join(errs...)
}

// rootPrefix returns the listing prefix the crawl starts at, normalized to
// end in "/" unless empty.
func (c Config) rootPrefix() string {
	if c.BootstrapURL == "" {
		return ""
	}
	u, err := url.Parse(c.BootstrapURL)
	if err != nil {
		return ""
	}
	prefix := strings.TrimLeft(u.Query().Get("prefix"), "/")
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix
}
