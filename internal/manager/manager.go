// Package manager implements the URL server: it owns the global set
// of URLs, dispenses crawl work to workers and persists their
// reports through a two-stage asynchronous pipeline.
package manager

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/temoto/heroshi/internal/config"
	"github.com/temoto/heroshi/internal/pool"
	"github.com/temoto/heroshi/internal/storage"
	"github.com/temoto/heroshi/internal/types"
)

// emptyStorageSleep is how long the prefetch filler waits after
// storage returns zero candidate records.
const emptyStorageSleep = 10 * time.Second

// maxLinksPerReport is only a logging threshold; bigger reports are
// still accepted.
const maxLinksPerReport = 1000

// reportEntry is one queued report: the record to persist plus the
// fetched body stripped off it.
type reportEntry struct {
	rec         *types.URLRecord
	content     string
	contentType string
}

// Manager runs the prefetch/report pipeline.
type Manager struct {
	cfg    *config.Config
	store  storage.Storage
	logger *slog.Logger

	// prefetch holds batches: one storage fetch becomes one buffer
	// entry holding many records.
	prefetch *pool.FIFO[[]*types.URLRecord]
	given    *pool.Cache[string, *types.URLRecord]
	reports  *pool.FIFO[*reportEntry]

	active    atomic.Bool
	startOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an inactive Manager. Background workers spin up on the
// first request served (Activate).
func New(cfg *config.Config, store storage.Storage, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		store:    store,
		logger:   logger.With("component", "manager"),
		prefetch: pool.NewFIFO[[]*types.URLRecord](cfg.Prefetch.QueueSize),
		given:    pool.NewCache[string, *types.URLRecord](),
		reports:  pool.NewFIFO[*reportEntry](cfg.PostReport.QueueSize),
	}
}

// Activate flips the manager active and starts the prefetch filler
// and the report flusher. Idempotent.
func (m *Manager) Activate() {
	m.startOnce.Do(func() {
		m.active.Store(true)
		m.wg.Add(2)
		go m.prefetchFiller()
		go m.flusher()
		m.logger.Info("manager activated",
			"prefetch_queue", m.cfg.Prefetch.QueueSize,
			"report_queue", m.cfg.PostReport.QueueSize,
		)
	})
}

// Active reports whether the background pipeline is running.
func (m *Manager) Active() bool { return m.active.Load() }

// Shutdown marks the manager inactive and waits for the background
// workers to drain, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.active.Store(false)

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		m.logger.Info("manager stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// prefetchFiller tops up the prefetch buffer from storage, one batch
// per storage query, until the manager goes inactive.
func (m *Manager) prefetchFiller() {
	defer m.wg.Done()

	for m.active.Load() {
		recs, err := m.store.QueryNewRandom(context.Background(), m.cfg.Prefetch.SingleLimit)
		if err != nil {
			m.logger.Error("prefetch query failed", "error", err)
			m.sleep(emptyStorageSleep)
			continue
		}
		if len(recs) == 0 {
			m.sleep(emptyStorageSleep)
			continue
		}
		m.putBatch(recs)
	}
}

// putBatch appends one batch, polling for space so the filler stays
// cancellable.
func (m *Manager) putBatch(recs []*types.URLRecord) {
	for m.active.Load() {
		ok, err := m.prefetch.TryPut(recs)
		if err != nil || ok {
			return
		}
		time.Sleep(m.cfg.Prefetch.GetTimeout)
	}
}

func (m *Manager) sleep(d time.Duration) {
	deadline := time.Now().Add(d)
	for m.active.Load() && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}

// Take dispenses up to a batch-granular n records: it drains buffered
// batches until it has accumulated at least n records or the buffer
// stalls, registers every dispensed record in the given-cache, drops
// records visited too recently and projects the rest to queue items.
func (m *Manager) Take(n int) []types.QueueItem {
	var recs []*types.URLRecord
	for len(recs) < n {
		batch, ok := m.prefetch.Get(m.cfg.Prefetch.GetTimeout)
		if !ok {
			break
		}
		recs = append(recs, batch...)
	}

	revisitFloor := time.Duration(m.cfg.API.MinRevisitMinutes) * time.Minute
	now := time.Now()

	items := make([]types.QueueItem, 0, len(recs))
	for _, rec := range recs {
		m.given.SetTTL(rec.URL, rec, m.cfg.Prefetch.CacheTimeout)

		if rec.Visited != "" {
			visited, err := types.ParseTime(rec.Visited)
			if err == nil && now.Sub(visited) < revisitFloor {
				// Too fresh; drop from this dispense.
				continue
			}
		}
		items = append(items, rec.ToQueueItem())
	}
	return items
}

// AcceptReport enqueues one worker report. A report without a URL is
// a bulk link-append: every distinct link becomes a new record stub,
// pushed unconditionally. A crawl report already queued for the same
// URL is dropped silently; otherwise it is merged with the
// given-cache record when one exists.
func (m *Manager) AcceptReport(report *types.Report) error {
	if report.IsAppend() {
		if len(report.Links) > maxLinksPerReport {
			m.logger.Info("too many links in append", "count", len(report.Links))
		}
		seen := make(map[string]struct{}, len(report.Links))
		for _, link := range report.Links {
			if _, dup := seen[link]; dup {
				continue
			}
			seen[link] = struct{}{}
			stub := &types.URLRecord{URL: link, New: true}
			if err := m.reports.Put(&reportEntry{rec: stub}); err != nil {
				return err
			}
		}
		return nil
	}

	if m.reports.Any(func(e *reportEntry) bool { return e.rec.URL == report.URL }) {
		m.logger.Debug("duplicate report dropped", "url", report.URL)
		return nil
	}

	if len(report.Links) > maxLinksPerReport {
		m.logger.Info("too many links in report", "count", len(report.Links), "url", report.URL)
	}

	var rec *types.URLRecord
	if cached, ok := m.given.Get(report.URL); ok {
		merged := *cached
		report.MergeInto(&merged)
		rec = &merged
	} else {
		m.logger.Warn("report for unknown url", "url", report.URL)
		rec = report.ToRecord()
	}

	entry := &reportEntry{
		rec:         rec,
		content:     report.Content,
		contentType: report.ContentType,
	}
	if err := m.reports.Put(entry); err != nil {
		return err
	}

	// Extracted links become new record stubs in the same queue.
	for _, link := range m.distinctLinks(report.Links) {
		stub := &types.URLRecord{URL: link, Parent: report.URL, New: true}
		if err := m.reports.Put(&reportEntry{rec: stub}); err != nil {
			return err
		}
	}
	return nil
}

// distinctLinks filters a report's links down to usable, de-duplicated
// crawl candidates.
func (m *Manager) distinctLinks(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := make([]string, 0, len(links))
	for _, link := range links {
		if link == "" || len(link) > 4096 {
			continue
		}
		if _, dup := seen[link]; dup {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}

// flusher accumulates report entries into batches and commits them to
// storage. A batch that fails on a transport error is kept and
// retried on the next tick; entries are never dropped uncommitted.
func (m *Manager) flusher() {
	defer m.wg.Done()

	var batch []*reportEntry
	for {
		entry, ok := m.reports.Get(m.cfg.PostReport.FlushDelay)
		if ok {
			batch = append(batch, entry)
		}

		if len(batch) >= m.cfg.PostReport.FlushSize || (!ok && len(batch) > 0) {
			if err := m.flush(batch); err != nil {
				m.logger.Error("flush failed, will retry", "error", err, "batch_size", len(batch))
			} else {
				batch = nil
			}
		}

		if !m.active.Load() && !ok && len(batch) == 0 && m.reports.Len() == 0 {
			return
		}
	}
}

// flush commits one batch: in-batch dedup (later entries supersede
// earlier ones for the same URL), a forced save for content-carrying
// records that have no storage identity yet, content stripping, then
// one bulk update.
func (m *Manager) flush(batch []*reportEntry) error {
	ctx := context.Background()

	// Second-pass dedup: last writer wins, first position kept.
	index := make(map[string]int, len(batch))
	deduped := make([]*reportEntry, 0, len(batch))
	for _, entry := range batch {
		if i, ok := index[entry.rec.URL]; ok {
			deduped[i] = entry
			continue
		}
		index[entry.rec.URL] = len(deduped)
		deduped = append(deduped, entry)
	}

	recs := make([]*types.URLRecord, 0, len(deduped))
	for _, entry := range deduped {
		if entry.content != "" {
			if entry.rec.New {
				// Give the record an identity first so the content
				// write has a target.
				if err := m.store.Save(ctx, entry.rec, true); err != nil {
					return err
				}
				entry.rec.New = false
			}
			if err := m.store.SaveContent(ctx, entry.rec, []byte(entry.content), entry.contentType); err != nil {
				return err
			}
			entry.content = ""
		}
		recs = append(recs, entry.rec)
	}

	if err := m.store.Update(ctx, recs, true, true); err != nil {
		return err
	}
	m.logger.Debug("flushed reports", "count", len(recs))
	return nil
}
