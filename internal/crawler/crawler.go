package crawler

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
	"github.com/JakeFAU/vision-catalog/internal/listing"
	"github.com/JakeFAU/vision-catalog/internal/metrics"
	"github.com/JakeFAU/vision-catalog/internal/policy/ratelimit"
	"github.com/JakeFAU/vision-catalog/internal/policy/retry"
	"github.com/JakeFAU/vision-catalog/internal/telemetry"
)

// Crawler produces complete catalog snapshots from the remote listing API.
type Crawler struct {
	cfg     Config
	root    string
	fetcher catalog.PageFetcher
	clock   catalog.Clock
	limiter *ratelimit.Limiter
	retry   *retry.ExponentialPolicy
	tracer  trace.Tracer
	logger  *zap.Logger
}

// New wires a crawler. A nil logger disables logging.
func New(fetcher catalog.PageFetcher, clock catalog.Clock, cfg Config, logger *zap.Logger) (*Crawler, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("crawler requires a page fetcher")
	}
	if clock == nil {
		return nil, fmt.Errorf("crawler requires a clock")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid crawler config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Crawler{
		cfg:     cfg,
		root:    cfg.rootPrefix(),
		fetcher: fetcher,
		clock:   clock,
		limiter: ratelimit.New(ratelimit.Config{MaxInFlight: cfg.MaxInFlight, Delay: cfg.RequestDelay}),
		retry: retry.NewExponentialPolicy(retry.Config{
			MaxRetries: cfg.MaxRetries,
			BaseDelay:  cfg.BackoffInitial,
			MaxDelay:   cfg.BackoffMax,
		}),
		tracer: telemetry.Tracer(),
		logger: logger.Named("crawler"),
	}, nil
}

// Crawl walks the whole hierarchy and returns a new snapshot stamped with
// the completion time. Any failure aborts the crawl; no partial tree is
// returned.
func (c *Crawler) Crawl(ctx context.Context) (*catalog.Snapshot, error) {
	ctx, span := c.tracer.Start(ctx, "crawler.Crawl", trace.WithAttributes(attribute.String("root", c.root)))
	defer span.End()

	start := time.Now()
	snapshot, err := c.crawl(ctx)
	duration := time.Since(start)
	if err != nil {
		metrics.ObserveCrawl(metrics.OutcomeFailure, duration)
		span.RecordError(err)
		span.SetStatus(codes.Error, "crawl failed")
		return nil, err
	}
	metrics.ObserveCrawl(metrics.OutcomeSuccess, duration)
	c.logger.Info("crawl complete",
		zap.Duration("duration", duration),
		zap.Int("leaves", snapshot.LeafCount()),
		zap.String("fingerprint", snapshot.Fingerprint()),
	)
	return snapshot, nil
}

func (c *Crawler) crawl(ctx context.Context) (*catalog.Snapshot, error) {
	bucketURL, err := c.resolveBucket(ctx)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("resolved bucket", zap.String("bucket_url", bucketURL), zap.String("root", c.root))

	top, err := c.list(ctx, bucketURL, c.root)
	if err != nil {
		return nil, err
	}
	frequencies := top.children()
	tree, err := fanOut(ctx, frequencies, c.cfg.FrequencyConcurrency, func(ctx context.Context, frequency string) (catalog.Node, bool, error) {
		node, err := c.crawlFrequency(ctx, bucketURL, frequency)
		return node, true, err
	})
	if err != nil {
		return nil, err
	}
	return catalog.NewSnapshot(tree, c.clock.Now()), nil
}

func (c *Crawler) crawlFrequency(ctx context.Context, bucketURL, frequency string) (catalog.Node, error) {
	ctx, span := c.tracer.Start(ctx, "crawler.frequency", trace.WithAttributes(attribute.String("frequency", frequency)))
	defer span.End()

	dir, err := c.list(ctx, bucketURL, c.root+catalog.JoinPath(frequency))
	if err != nil {
		return nil, err
	}
	return fanOut(ctx, dir.children(), c.cfg.CategoryConcurrency, func(ctx context.Context, category string) (catalog.Node, bool, error) {
		node, err := c.crawlCategory(ctx, bucketURL, frequency, category)
		return node, true, err
	})
}

func (c *Crawler) crawlCategory(ctx context.Context, bucketURL, frequency, category string) (catalog.Node, error) {
	ctx, span := c.tracer.Start(ctx, "crawler.category", trace.WithAttributes(
		attribute.String("frequency", frequency),
		attribute.String("category", category),
	))
	defer span.End()

	dir, err := c.list(ctx, bucketURL, c.root+catalog.JoinPath(frequency, category))
	if err != nil {
		return nil, err
	}
	instruments := sample(dir.children(), c.cfg.InstrumentSampleLimit)
	span.SetAttributes(attribute.Int("instruments", len(instruments)))

	crawlOne := func(ctx context.Context, instrument string) (catalog.Node, bool, error) {
		return c.crawlInstrument(ctx, bucketURL, frequency, category, instrument)
	}
	// Batches go through a pool of InstrumentWorkers; each batch crawls its
	// instruments concurrently.
	batches := batch(instruments, c.cfg.InstrumentBatchSize)
	results := make([]catalog.Branch, len(batches))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.InstrumentWorkers)
	for i, names := range batches {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			branch, err := fanOut(gctx, names, len(names), crawlOne)
			if err != nil {
				return err
			}
			results[i] = branch
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := catalog.Branch{}
	for _, branch := range results {
		for name, node := range branch {
			merged[name] = node
		}
	}
	return merged, nil
}

// crawlInstrument returns the instrument subtree. ok is false when the
// instrument was skipped by the empty-range policy.
func (c *Crawler) crawlInstrument(ctx context.Context, bucketURL, frequency, category, instrument string) (catalog.Node, bool, error) {
	dir, err := c.list(ctx, bucketURL, c.root+catalog.JoinPath(frequency, category, instrument))
	if err != nil {
		return nil, false, err
	}
	timeframes := dir.children()
	if len(timeframes) == 0 {
		// No timeframe level: the instrument itself is the leaf.
		return c.leaf(frequency, []string{frequency, category, instrument}, dir.keys)
	}

	node, err := fanOut(ctx, timeframes, c.cfg.TimeframeConcurrency, func(ctx context.Context, timeframe string) (catalog.Node, bool, error) {
		tfDir, err := c.list(ctx, bucketURL, c.root+catalog.JoinPath(frequency, category, instrument, timeframe))
		if err != nil {
			return nil, false, err
		}
		return c.leaf(frequency, []string{frequency, category, instrument, timeframe}, tfDir.keys)
	})
	if err != nil {
		return nil, false, err
	}
	return node, true, nil
}

func (c *Crawler) leaf(frequency string, path []string, keys []string) (catalog.Node, bool, error) {
	r, ok := listing.DateRange(frequency, keys)
	if ok {
		return catalog.Leaf(r), true, nil
	}
	if c.cfg.EmptyRangePolicy == EmptyRangeSkip {
		c.logger.Warn("skipping leaf without dated keys",
			zap.String("path", catalog.JoinPath(path...)),
			zap.Int("keys", len(keys)),
		)
		return nil, false, nil
	}
	return nil, false, &catalog.EmptyRangeError{Path: path}
}

// fanOut runs fn for every name with at most limit in flight and assembles
// the results into a Branch. The first error cancels the remaining work.
func fanOut(
	ctx context.Context,
	names []string,
	limit int,
	fn func(ctx context.Context, name string) (catalog.Node, bool, error),
) (catalog.Branch, error) {
	nodes := make([]catalog.Node, len(names))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for i, name := range names {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			node, ok, err := fn(gctx, name)
			if err != nil {
				return err
			}
			if ok {
				nodes[i] = node
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	branch := make(catalog.Branch, len(names))
	for i, name := range names {
		if nodes[i] != nil {
			branch[name] = nodes[i]
		}
	}
	return branch, nil
}

// sample keeps the first limit names in page order. Zero keeps everything.
func sample(names []string, limit int) []string {
	if limit <= 0 || len(names) <= limit {
		return names
	}
	return names[:limit]
}

func batch(names []string, size int) [][]string {
	var batches [][]string
	for start := 0; start < len(names); start += size {
		end := min(start+size, len(names))
		batches = append(batches, names[start:end])
	}
	return batches
}
