package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/vision-catalog/internal/catalog"
)

const (
	testBootstrap = "https://data.example/?prefix=data/futures/um/"
	testBucket    = "https://bucket.example/data.example"
)

// fakeBucket answers listing requests the way an S3 bucket with delimiter
// "/" does, over an in-memory key set.
type fakeBucket struct {
	keys     []string
	pageSize int
	// omitMarker drops NextMarker from truncated pages.
	omitMarker bool
	// failures maps a listing prefix to the errors returned on successive
	// calls; once exhausted the listing succeeds.
	failures map[string][]error

	mu    sync.Mutex
	calls map[string]int
}

func newFakeBucket(keys ...string) *fakeBucket {
	return &fakeBucket{keys: keys, pageSize: 1000, calls: map[string]int{}}
}

func (f *fakeBucket) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, &catalog.FetchError{URL: rawURL, Err: err}
	}
	if rawURL == testBootstrap {
		return []byte(`<html><script>var BUCKET_URL = '` + testBucket + `/';</script></html>`), nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme+"://"+u.Host+u.Path != testBucket {
		return nil, &catalog.FetchError{URL: rawURL, StatusCode: http.StatusNotFound, Err: errors.New("no such bucket")}
	}
	q := u.Query()
	prefix := q.Get("prefix")

	f.mu.Lock()
	call := f.calls[prefix]
	f.calls[prefix]++
	var injected error
	if errs := f.failures[prefix]; call < len(errs) {
		injected = errs[call]
	}
	f.mu.Unlock()
	if injected != nil {
		return nil, injected
	}
	return f.page(prefix, q.Get("marker")), nil
}

func (f *fakeBucket) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[prefix]
}

func (f *fakeBucket) page(prefix, marker string) []byte {
	type entry struct {
		name     string
		isPrefix bool
	}
	seen := map[string]bool{}
	var entries []entry
	for _, key := range f.keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := key[len(prefix):]
		if i := strings.Index(rest, "/"); i >= 0 {
			p := prefix + rest[:i+1]
			if !seen[p] {
				seen[p] = true
				entries = append(entries, entry{name: p, isPrefix: true})
			}
			continue
		}
		entries = append(entries, entry{name: key})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].name < entries[j].name })

	var window []entry
	for _, e := range entries {
		if e.name > marker {
			window = append(window, e)
		}
	}
	truncated := len(window) > f.pageSize
	if truncated {
		window = window[:f.pageSize]
	}

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
	b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&b, "<Prefix>%s</Prefix><Delimiter>/</Delimiter><IsTruncated>%t</IsTruncated>", prefix, truncated)
	if truncated && !f.omitMarker {
		fmt.Fprintf(&b, "<NextMarker>%s</NextMarker>", window[len(window)-1].name)
	}
	for _, e := range window {
		if e.isPrefix {
			fmt.Fprintf(&b, "<CommonPrefixes><Prefix>%s</Prefix></CommonPrefixes>", e.name)
		} else {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>1</Size></Contents>", e.name)
		}
	}
	b.WriteString(`</ListBucketResult>`)
	return []byte(b.String())
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BootstrapURL = testBootstrap
	cfg.RequestDelay = 0
	cfg.MaxInFlight = 4
	cfg.BackoffInitial = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	return cfg
}

func newTestCrawler(t *testing.T, fetcher catalog.PageFetcher, cfg Config) *Crawler {
	t.Helper()
	c, err := New(fetcher, fixedClock{now: testNow}, cfg, nil)
	require.NoError(t, err)
	return c
}

const root = "data/futures/um/"

func standardKeys() []string {
	return []string{
		root + "daily/klines/BTCUSDT/1h/BTCUSDT-1h-2023-01-01.zip",
		root + "daily/klines/BTCUSDT/1h/BTCUSDT-1h-2023-01-01.zip.CHECKSUM",
		root + "daily/klines/BTCUSDT/1h/BTCUSDT-1h-2023-01-02.zip",
		root + "daily/klines/BTCUSDT/1h/BTCUSDT-1h-2023-01-03.zip",
		root + "daily/klines/BTCUSDT/1m/BTCUSDT-1m-2022-12-30.zip",
		root + "monthly/fundingRate/ETHUSDT/ETHUSDT-fundingRate-2023-05.zip",
		root + "monthly/fundingRate/ETHUSDT/ETHUSDT-fundingRate-2023-01.zip",
		root + "monthly/trades/README.txt",
	}
}

func TestCrawlBuildsTree(t *testing.T) {
	t.Parallel()

	c := newTestCrawler(t, newFakeBucket(standardKeys()...), testConfig())
	snap, err := c.Crawl(context.Background())
	require.NoError(t, err)

	want := catalog.NewSnapshot(catalog.Branch{
		"daily": catalog.Branch{
			"klines": catalog.Branch{
				"BTCUSDT": catalog.Branch{
					"1h": catalog.Leaf{From: "2023-01-01", To: "2023-01-03"},
					"1m": catalog.Leaf{From: "2022-12-30", To: "2022-12-30"},
				},
			},
		},
		"monthly": catalog.Branch{
			"fundingRate": catalog.Branch{
				"ETHUSDT": catalog.Leaf{From: "2023-01", To: "2023-05"},
			},
			// A category without instruments is an empty branch.
			"trades": catalog.Branch{},
		},
	}, time.Time{})
	require.True(t, want.Equal(snap), "got %s", mustTree(t, snap))
	assert.Equal(t, testNow, snap.CompletedAt)
}

func TestCrawlWithExplicitBucketSkipsBootstrap(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BucketURL = testBucket + "/"
	bucket := newFakeBucket(standardKeys()...)
	snap, err := newTestCrawler(t, bucket, cfg).Crawl(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.LeafCount())
}

func TestCrawlFollowsContinuationPages(t *testing.T) {
	t.Parallel()

	baseline, err := newTestCrawler(t, newFakeBucket(standardKeys()...), testConfig()).Crawl(context.Background())
	require.NoError(t, err)

	for name, omitMarker := range map[string]bool{"next marker": false, "last entry marker": true} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			bucket := newFakeBucket(standardKeys()...)
			bucket.pageSize = 1
			bucket.omitMarker = omitMarker

			snap, err := newTestCrawler(t, bucket, testConfig()).Crawl(context.Background())
			require.NoError(t, err)
			require.True(t, baseline.Equal(snap))
			assert.Equal(t, 4, bucket.callCount(root+"daily/klines/BTCUSDT/1h/"), "one page per entry")
		})
	}
}

func TestCrawlListingPageBound(t *testing.T) {
	t.Parallel()

	bucket := newFakeBucket(standardKeys()...)
	bucket.pageSize = 1
	cfg := testConfig()
	cfg.MaxPagesPerListing = 2

	_, err := newTestCrawler(t, bucket, cfg).Crawl(context.Background())
	var parseErr *catalog.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Contains(t, parseErr.Error(), "exceeds 2 pages")
}

func TestCrawlEmptyRange(t *testing.T) {
	t.Parallel()

	keys := append(standardKeys(), root+"daily/klines/XRPUSDT/1h/notes.txt")

	_, err := newTestCrawler(t, newFakeBucket(keys...), testConfig()).Crawl(context.Background())
	var emptyErr *catalog.EmptyRangeError
	require.ErrorAs(t, err, &emptyErr)
	assert.Equal(t, []string{"daily", "klines", "XRPUSDT", "1h"}, emptyErr.Path)

	cfg := testConfig()
	cfg.EmptyRangePolicy = EmptyRangeSkip
	snap, err := newTestCrawler(t, newFakeBucket(keys...), cfg).Crawl(context.Background())
	require.NoError(t, err)
	node, ok := snap.Lookup("daily", "klines", "XRPUSDT")
	require.True(t, ok)
	assert.Equal(t, catalog.Branch{}, node)
	assert.Equal(t, 3, snap.LeafCount())
}

func TestCrawlSkipsBareInstrumentWithoutDates(t *testing.T) {
	t.Parallel()

	keys := append(standardKeys(), root+"monthly/fundingRate/SOLUSDT/README")
	cfg := testConfig()
	cfg.EmptyRangePolicy = EmptyRangeSkip
	snap, err := newTestCrawler(t, newFakeBucket(keys...), cfg).Crawl(context.Background())
	require.NoError(t, err)
	_, ok := snap.Lookup("monthly", "fundingRate", "SOLUSDT")
	assert.False(t, ok)
}

func TestCrawlSamplesInstruments(t *testing.T) {
	t.Parallel()

	var keys []string
	for _, sym := range []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT"} {
		keys = append(keys, root+"monthly/klines/"+sym+"/"+sym+"-2023-01.zip")
	}
	cfg := testConfig()
	cfg.InstrumentSampleLimit = 3
	cfg.InstrumentBatchSize = 2
	cfg.InstrumentWorkers = 1

	bucket := newFakeBucket(keys...)
	snap, err := newTestCrawler(t, bucket, cfg).Crawl(context.Background())
	require.NoError(t, err)

	node, ok := snap.Lookup("monthly", "klines")
	require.True(t, ok)
	branch := node.(catalog.Branch)
	assert.Len(t, branch, 3)
	for _, sym := range []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"} {
		assert.Contains(t, branch, sym)
	}
	assert.Zero(t, bucket.callCount(root+"monthly/klines/EEEUSDT/"))

	cfg.InstrumentSampleLimit = 0
	snap, err = newTestCrawler(t, newFakeBucket(keys...), cfg).Crawl(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, snap.LeafCount())
}

func TestCrawlFailsFast(t *testing.T) {
	t.Parallel()

	bucket := newFakeBucket(standardKeys()...)
	boom := &catalog.FetchError{URL: "x", StatusCode: http.StatusForbidden, Err: errors.New("denied")}
	bucket.failures = map[string][]error{root + "daily/klines/BTCUSDT/1m/": {boom}}

	snap, err := newTestCrawler(t, bucket, testConfig()).Crawl(context.Background())
	require.Nil(t, snap)
	var fetchErr *catalog.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, http.StatusForbidden, fetchErr.StatusCode)
}

func TestCrawlRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	prefix := root + "monthly/fundingRate/"
	transient := &catalog.FetchError{URL: "x", StatusCode: http.StatusServiceUnavailable, Err: errors.New("slow down")}

	bucket := newFakeBucket(standardKeys()...)
	bucket.failures = map[string][]error{prefix: {transient, transient}}
	cfg := testConfig()
	cfg.MaxRetries = 2
	snap, err := newTestCrawler(t, bucket, cfg).Crawl(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, snap.LeafCount())
	assert.Equal(t, 3, bucket.callCount(prefix))

	// Without retries the same failure aborts the crawl.
	bucket = newFakeBucket(standardKeys()...)
	bucket.failures = map[string][]error{prefix: {transient}}
	_, err = newTestCrawler(t, bucket, testConfig()).Crawl(context.Background())
	require.ErrorIs(t, err, transient)
}

func TestCrawlRootUnreachable(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.BootstrapURL = "https://elsewhere.example/?prefix=data/"
	_, err := newTestCrawler(t, unreachable{}, cfg).Crawl(context.Background())
	var fetchErr *catalog.FetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, cfg.BootstrapURL, fetchErr.URL)
}

func TestCrawlBootstrapWithoutBucketURL(t *testing.T) {
	t.Parallel()

	_, err := newTestCrawler(t, staticPage("<html>maintenance</html>"), testConfig()).Crawl(context.Background())
	var parseErr *catalog.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, testBootstrap, parseErr.URL)
}

func TestCrawlCanceled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestCrawler(t, newFakeBucket(standardKeys()...), testConfig()).Crawl(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.EmptyRangePolicy = "ignore"
	cfg.InstrumentWorkers = 0
	_, err := New(newFakeBucket(), fixedClock{}, cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty range policy")
	assert.Contains(t, err.Error(), "instrument workers")

	_, err = New(nil, fixedClock{}, testConfig(), nil)
	require.Error(t, err)
}

func TestRootPrefix(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]string{
		"https://data.example/?prefix=data/futures/um/": "data/futures/um/",
		"https://data.example/?prefix=data/spot":        "data/spot/",
		"https://data.example/":                         "",
	} {
		assert.Equal(t, want, Config{BootstrapURL: raw}.rootPrefix(), raw)
	}
}

func TestBatchAndSample(t *testing.T) {
	t.Parallel()

	names := []string{"a", "b", "c", "d", "e"}
	assert.Equal(t, [][]string{{"a", "b"}, {"c", "d"}, {"e"}}, batch(names, 2))
	assert.Nil(t, batch(nil, 2))
	assert.Equal(t, []string{"a", "b"}, sample(names, 2))
	assert.Equal(t, names, sample(names, 0))
	assert.Equal(t, names, sample(names, 10))
}

type unreachable struct{}

func (unreachable) Fetch(_ context.Context, rawURL string) ([]byte, error) {
	return nil, &catalog.FetchError{URL: rawURL, Err: errors.New("connection refused")}
}

type staticPage string

func (p staticPage) Fetch(context.Context, string) ([]byte, error) {
	return []byte(p), nil
}

func mustTree(t *testing.T, snap *catalog.Snapshot) string {
	t.Helper()
	if snap == nil {
		return "<nil>"
	}
	data, err := catalog.MarshalTree(snap.Catalog)
	require.NoError(t, err)
	return string(data)
}
