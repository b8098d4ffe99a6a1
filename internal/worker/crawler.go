// Package worker implements the crawling side of the system: a
// bounded URL queue topped up from the manager, a dispatcher pool
// that enforces robots.txt and per-host limits, and a client for the
// out-of-process fetch engine.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/heroshi/internal/api"
	"github.com/temoto/heroshi/internal/config"
	"github.com/temoto/heroshi/internal/dns"
	"github.com/temoto/heroshi/internal/page"
	"github.com/temoto/heroshi/internal/pool"
	"github.com/temoto/heroshi/internal/types"
)

const (
	// emptyQueueSleep is the pause after the manager hands back an
	// empty dispense.
	emptyQueueSleep = 10 * time.Second

	// dispatchYield is the dispatcher's pause on an empty local queue.
	dispatchYield = 10 * time.Millisecond

	// robotsCacheTTL is how long an idle origin keeps its policy.
	robotsCacheTTL = 600 * time.Second

	// connPoolIdleTTL is how long an idle origin keeps its
	// connection-slot pool.
	connPoolIdleTTL = 120 * time.Second
)

// Stats counts crawl outcomes; logged when the crawler stops.
type Stats struct {
	Fetches      atomic.Int64
	FetchErrors  atomic.Int64
	RobotsDenied atomic.Int64
	Reports      atomic.Int64
	ReportErrors atomic.Int64
}

// Crawler pulls queue items from the manager, processes them through
// the per-URL state machine and posts reports back.
type Crawler struct {
	cfg    *config.Config
	client *api.Client
	logger *slog.Logger

	queue    *pool.FIFO[types.QueueItem]
	resolver *dns.CachingResolver

	// robotsCache shares one policy per origin; connections caps
	// in-flight fetches per origin with opaque sentinels.
	robotsCache *pool.PoolMap[RobotsPolicy]
	connections *pool.PoolMap[struct{}]

	fetcherMu sync.RWMutex
	fetcher   Fetcher

	handlerSem chan struct{}
	handlers   sync.WaitGroup

	closed    atomic.Bool
	closeOnce sync.Once
	closedCh  chan struct{}

	rngMu sync.Mutex
	rng   *rand.Rand

	stats Stats
}

// New creates a Crawler. The fetcher is attached separately with
// SetFetcher or StartIoWorker.
func New(cfg *config.Config, client *api.Client, logger *slog.Logger) *Crawler {
	c := &Crawler{
		cfg:        cfg,
		client:     client,
		logger:     logger.With("component", "crawler"),
		queue:      pool.NewFIFO[types.QueueItem](cfg.Worker.MaxQueueSize),
		resolver:   dns.NewCachingResolver(nil),
		handlerSem: make(chan struct{}, cfg.Worker.MaxConnections),
		closedCh:   make(chan struct{}),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	c.robotsCache = pool.NewPoolMap(c.robotsFactory, 1, robotsCacheTTL)
	c.connections = pool.NewPoolMap(
		func(context.Context, string) (struct{}, error) { return struct{}{}, nil },
		cfg.Worker.MaxConnectionsPerHost, connPoolIdleTTL)

	c.logger.Debug("crawler created",
		"max_queue_size", cfg.Worker.MaxQueueSize,
		"max_connections", cfg.Worker.MaxConnections,
	)
	return c
}

// SetFetcher attaches the fetch engine client.
func (c *Crawler) SetFetcher(f Fetcher) {
	c.fetcherMu.Lock()
	c.fetcher = f
	c.fetcherMu.Unlock()
}

func (c *Crawler) getFetcher() Fetcher {
	c.fetcherMu.RLock()
	defer c.fetcherMu.RUnlock()
	return c.fetcher
}

// StartIoWorker spawns the fetch engine subprocess and a supervisor
// that restarts it once on abnormal death; a second death closes the
// crawler.
func (c *Crawler) StartIoWorker() error {
	fc, err := SpawnFetchClient(c.cfg.Worker.IoWorkerPath, c.logger)
	if err != nil {
		return err
	}
	c.SetFetcher(fc)
	go c.superviseIoWorker(fc)
	return nil
}

func (c *Crawler) superviseIoWorker(fc *FetchClient) {
	restarts := 0
	for {
		select {
		case <-c.closedCh:
			return
		case <-fc.Dead():
		}
		if c.closed.Load() {
			return
		}
		if restarts >= 1 {
			c.logger.Error("io-worker died again, stopping crawler")
			c.Stop()
			return
		}
		restarts++
		c.logger.Warn("io-worker died, restarting")
		next, err := SpawnFetchClient(c.cfg.Worker.IoWorkerPath, c.logger)
		if err != nil {
			c.logger.Error("io-worker restart failed", "error", err)
			c.Stop()
			return
		}
		c.SetFetcher(next)
		fc = next
	}
}

// Crawl runs the dispatcher until the crawler is stopped. With
// forever the queue filler keeps topping up from the manager; without
// it an empty queue ends the run after in-flight items drain.
func (c *Crawler) Crawl(ctx context.Context, forever bool) {
	if forever {
		go c.queueFiller(ctx)
	}

	for !c.closed.Load() {
		item, ok := c.queue.TryGet()
		if !ok {
			if !forever {
				break
			}
			time.Sleep(dispatchYield)
			continue
		}

		select {
		case c.handlerSem <- struct{}{}:
		case <-c.closedCh:
			return
		}
		c.handlers.Add(1)
		go func(item types.QueueItem) {
			defer func() {
				<-c.handlerSem
				c.handlers.Done()
			}()
			c.process(ctx, item)
		}(item)
	}

	if !forever {
		c.GracefulStop(0)
	}
}

// Stop marks the crawler closed. In-flight items finish on their own.
func (c *Crawler) Stop() {
	c.closed.Store(true)
	c.closeOnce.Do(func() { close(c.closedCh) })
}

// GracefulStop stops the crawler (which also cancels the queue
// filler) and waits for started items to finish. With a positive
// timeout it reports whether the drain completed in time.
func (c *Crawler) GracefulStop(timeout time.Duration) bool {
	c.Stop()

	done := make(chan struct{})
	go func() {
		c.handlers.Wait()
		close(done)
	}()

	if timeout <= 0 {
		<-done
	} else {
		select {
		case <-done:
		case <-time.After(timeout):
			return false
		}
	}

	c.logger.Info("crawler stopped",
		"fetches", c.stats.Fetches.Load(),
		"fetch_errors", c.stats.FetchErrors.Load(),
		"robots_denied", c.stats.RobotsDenied.Load(),
		"reports", c.stats.Reports.Load(),
		"report_errors", c.stats.ReportErrors.Load(),
	)
	return true
}

// Stats exposes the crawl counters.
func (c *Crawler) Stats() *Stats { return &c.stats }

// queueFiller keeps the local queue topped up from the manager. A
// manager error closes the crawler.
func (c *Crawler) queueFiller(ctx context.Context) {
	for !c.closed.Load() {
		if c.queue.Len() < c.cfg.Worker.MaxQueueSize {
			c.topUpQueue(ctx)
		} else {
			c.sleep(c.cfg.FullQueuePause)
		}
	}
}

func (c *Crawler) topUpQueue(ctx context.Context) {
	num := c.cfg.Worker.MaxQueueSize - c.queue.Len()
	c.logger.Debug("queue update", "want", num)

	items, err := c.client.GetCrawlQueue(ctx, num)
	if err != nil {
		var apiErr *types.ApiError
		if errors.As(err, &apiErr) {
			c.logger.Error("manager rejected queue request, stopping", "error", err)
			c.Stop()
			return
		}
		c.logger.Error("queue update failed", "error", err)
		c.sleep(emptyQueueSleep)
		return
	}
	c.logger.Debug("queue update done", "got", len(items))

	if len(items) == 0 {
		c.sleep(emptyQueueSleep)
		return
	}

	for _, item := range items {
		url := item.URL
		if c.queue.Any(func(q types.QueueItem) bool { return q.URL == url }) {
			continue
		}
		if ok, err := c.queue.TryPut(item); err != nil || !ok {
			break
		}
	}

	// Break up runs of URLs on the same host.
	c.rngMu.Lock()
	c.queue.Shuffle(c.rng)
	c.rngMu.Unlock()
}

func (c *Crawler) sleep(d time.Duration) {
	select {
	case <-c.closedCh:
	case <-time.After(d):
	}
}

// process runs the per-URL state machine and posts the report.
func (c *Crawler) process(ctx context.Context, item types.QueueItem) {
	report := c.processItem(ctx, item)
	report.Visited = types.FormatTime(time.Now())
	c.reportItem(ctx, report)
}

func (c *Crawler) processItem(ctx context.Context, item types.QueueItem) *types.Report {
	report := &types.Report{URL: item.URL}
	logger := c.logger.With("url", item.URL)
	logger.Debug("crawling")

	uri, err := iriToURI(item.URL)
	if err != nil {
		var escErr url.EscapeError
		if errors.As(err, &escErr) {
			report.Result = "Malformed URL quoting."
		} else {
			report.Result = "Invalid URI"
		}
		return report
	}
	parsed, err := url.Parse(uri)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		report.Result = "Invalid URI"
		return report
	}

	if _, err := c.resolver.GetHostByName(ctx, parsed.Hostname()); err != nil {
		logger.Info("dns failure", "error", err)
		report.Result = err.Error()
		return report
	}

	allowed, err := c.askRobots(ctx, uri, parsed.Scheme, parsed.Host)
	if err != nil {
		report.Result = err.Error()
		return report
	}
	if !allowed {
		c.stats.RobotsDenied.Add(1)
		report.Result = "Deny by robots.txt"
		return report
	}

	fetchStart := time.Now()
	var result *types.FetchResult
	fetchErr := c.connections.With(ctx, originKey(parsed.Scheme, parsed.Host), func(struct{}) error {
		var err error
		result, err = c.fetch(ctx, uri)
		return err
	})
	report.FetchTimeMS = int(time.Since(fetchStart).Milliseconds())

	if fetchErr != nil {
		c.stats.FetchErrors.Add(1)
		switch {
		case errors.Is(fetchErr, context.DeadlineExceeded):
			report.Result = "Fetch timeout"
		case errors.Is(fetchErr, types.ErrIoWorkerDead):
			logger.Error("fetch engine dead")
			report.Result = fetchErr.Error()
		default:
			report.Result = fetchErr.Error()
		}
		return report
	}

	c.stats.Fetches.Add(1)
	report.Result = result.Result
	report.StatusCode = result.StatusCode
	report.Headers = result.Headers
	report.Content = result.Content
	report.ContentType = contentType(result.Headers)

	if result.StatusCode == 200 {
		links, err := page.ExtractLinks(uri, result.Content)
		if err != nil {
			// Content is kept; only link extraction failed.
			report.Result = "Parse Error: " + err.Error()
			return report
		}
		report.Links = links
	}
	return report
}

// fetch drives the engine with the overall socket timeout.
func (c *Crawler) fetch(ctx context.Context, uri string) (*types.FetchResult, error) {
	fetcher := c.getFetcher()
	if fetcher == nil {
		return nil, types.NewFetchError("no fetch engine attached")
	}
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.SocketTimeout)
	defer cancel()
	return fetcher.Fetch(fetchCtx, uri)
}

func (c *Crawler) reportItem(ctx context.Context, report *types.Report) {
	if err := c.client.ReportResult(ctx, report); err != nil {
		c.stats.ReportErrors.Add(1)
		c.logger.Error("report failed", "url", report.URL, "error", err)
		return
	}
	c.stats.Reports.Add(1)
}

func contentType(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "content-type") {
			return v
		}
	}
	return ""
}
