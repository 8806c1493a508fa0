package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market_intel/config"
	"market_intel/models"
	"market_intel/services"
	"market_intel/storage"
)

type stubFetcher struct {
	mu      sync.Mutex
	results []stubResult
	calls   int32
	started chan struct{}
	release chan struct{}
}

type stubResult struct {
	records []models.RawListing
	err     error
}

// Fetch replays results in order, repeating the last one.
func (f *stubFetcher) Fetch(ctx context.Context, req FetchRequest) ([]models.RawListing, error) {
	n := atomic.AddInt32(&f.calls, 1)
	if f.started != nil && n == 1 {
		close(f.started)
	}
	if f.release != nil {
		<-f.release
	}
	req.report(models.CurrentAction{Type: models.ActionConnecting, Message: "Fetching page 1", Page: 1})

	f.mu.Lock()
	defer f.mu.Unlock()
	i := int(n) - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	r := f.results[i]
	return append([]models.RawListing{}, r.records...), r.err
}

func (f *stubFetcher) Calls() int {
	return int(atomic.LoadInt32(&f.calls))
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ProgressEvent
	fail   bool
}

func (p *recordingPublisher) Publish(ctx context.Context, ev models.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	if p.fail {
		return errors.New("channel unavailable")
	}
	return nil
}

func (p *recordingPublisher) Events() []models.ProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.ProgressEvent{}, p.events...)
}

type recordingArchive struct {
	mu      sync.Mutex
	batches map[string]int
}

func (a *recordingArchive) ArchiveRaw(ctx context.Context, orgID, jobID, platform string, records []models.RawListing) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.batches == nil {
		a.batches = map[string]int{}
	}
	a.batches[platform] += len(records)
	return errors.New("bucket unavailable")
}

// manualSubstrate records launches; tests run the pipeline themselves.
type manualSubstrate struct {
	mu       sync.Mutex
	launched []string
	err      error
}

func (s *manualSubstrate) Name() string { return "manual" }

func (s *manualSubstrate) Launch(ctx context.Context, job *models.ScrapeJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.launched = append(s.launched, job.ID)
	return nil
}

func testPlatform(id string) *config.PlatformConfig {
	return &config.PlatformConfig{
		ID:       id,
		Name:     "Platform " + id,
		Strategy: "api",
		BaseURL:  "https://" + id + ".example.com",
		Fields:   map[string]string{"id": "id", "title": "title", "price": "price", "address": "address"},
		Quirks:   config.Quirks{PriceFormat: "numeric"},
	}
}

func rawListing(id string, price int) models.RawListing {
	return models.RawListing{Fields: map[string]any{
		"id":      id,
		"title":   "Listing " + id,
		"price":   float64(price),
		"address": id + " Main Street",
	}}
}

type harness struct {
	store      *storage.MemoryStore
	registry   *Registry
	publisher  *recordingPublisher
	pipeline   *Pipeline
	dispatcher *Dispatcher
	substrate  *manualSubstrate
}

func newHarness(t *testing.T, platforms map[string]*stubFetcher, org *models.OrgScrapeConfig) *harness {
	t.Helper()
	h := &harness{
		store:     storage.NewMemoryStore(),
		registry:  NewRegistry(),
		publisher: &recordingPublisher{},
		substrate: &manualSubstrate{},
	}
	for id, f := range platforms {
		h.registry.Register(testPlatform(id), f)
	}
	if org != nil {
		require.NoError(t, h.store.SaveOrgConfig(context.Background(), org))
	}
	h.pipeline = NewPipeline(h.store, h.registry, services.NewReconciliationEngine(h.store), h.publisher, nil, PipelineOptions{FlushEvery: 3})
	h.dispatcher = NewDispatcher(h.store, h.substrate, h.publisher)
	return h
}

func orgConfig(platforms ...string) *models.OrgScrapeConfig {
	return &models.OrgScrapeConfig{
		OrgID:     "org-1",
		Enabled:   true,
		Platforms: platforms,
		MaxPages:  2,
		Schedule:  "0 6 * * *",
		RunStatus: models.RunStatusIdle,
	}
}

func (h *harness) seedListing(t *testing.T, platform, id string, price int64, seen time.Time) {
	t.Helper()
	l := &models.CanonicalListing{
		OrgID:           "org-1",
		Platform:        platform,
		SourceListingID: id,
		Title:           "Listing " + id,
		Address:         id + " Main Street",
		Price:           &price,
		IsActive:        true,
		FirstSeenAt:     seen,
		LastSeenAt:      seen,
	}
	require.NoError(t, h.store.SaveListing(context.Background(), l))
}

func (h *harness) submitAndRun(t *testing.T) *models.ScrapeJob {
	t.Helper()
	ctx := context.Background()
	job, err := h.dispatcher.Submit(ctx, "org-1", nil)
	require.NoError(t, err)
	require.NoError(t, h.pipeline.Run(ctx, job.ID))
	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, final)
	return final
}

func TestPipeline_EndToEndWithDegradedPlatform(t *testing.T) {
	var records []models.RawListing
	for i := 1; i <= 10; i++ {
		price := 500000
		if i == 3 || i == 7 {
			price = 450000
		}
		records = append(records, rawListing(fmt.Sprintf("a-%d", i), price))
	}
	fetchA := &stubFetcher{results: []stubResult{{records: records}}}
	fetchB := &stubFetcher{results: []stubResult{{err: &FetchError{Platform: "b", Page: 1, Err: errors.New("dial tcp: connection refused")}}}}

	h := newHarness(t, map[string]*stubFetcher{"a": fetchA, "b": fetchB}, orgConfig("a", "b"))
	priorSeen := time.Now().Add(-48 * time.Hour)
	for i := 1; i <= 10; i++ {
		h.seedListing(t, "a", fmt.Sprintf("a-%d", i), 500000, priorSeen)
	}

	job := h.submitAndRun(t)

	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, "1 of 2 platforms failed to scrape", job.ErrorMessage)
	require.NotNil(t, job.StartedAt)
	require.NotNil(t, job.CompletedAt)
	assert.Nil(t, job.CurrentPlatform)

	a := job.Progress["a"]
	assert.Equal(t, models.PlatformStatusCompleted, a.Status)
	assert.Equal(t, 10, a.Total)
	assert.Equal(t, 10, a.Passed)
	assert.Equal(t, 0, a.Failed)

	b := job.Progress["b"]
	assert.Equal(t, models.PlatformStatusFailed, b.Status)
	assert.Zero(t, b.Total)
	assert.Zero(t, b.Passed)
	assert.Zero(t, b.Failed)
	require.Len(t, b.Errors, 1)
	assert.Contains(t, b.Errors[0], "connection refused")

	report := services.BuildReport(job, time.Now())
	assert.Equal(t, 10, report.Summary.TotalPassed)
	assert.Equal(t, 10, report.Summary.TotalAnalyzed)

	ctx := context.Background()
	for _, id := range []string{"a-3", "a-7"} {
		l, err := h.store.GetListing(ctx, models.ListingKey{OrgID: "org-1", Platform: "a", SourceListingID: id})
		require.NoError(t, err)
		require.NotNil(t, l)
		assert.Equal(t, int64(450000), *l.Price)
		require.NotNil(t, l.PreviousPrice)
		assert.Equal(t, int64(500000), *l.PreviousPrice)
		assert.True(t, l.LastSeenAt.After(priorSeen))
	}

	audits, err := h.store.ListRunAudits(ctx, "org-1", 0)
	require.NoError(t, err)
	require.Len(t, audits, 2)
	byPlatform := map[string]models.RunAudit{}
	for _, au := range audits {
		byPlatform[au.Platform] = au
	}
	assert.Equal(t, 10, byPlatform["a"].ListingsFound)
	assert.Equal(t, 2, byPlatform["a"].PriceChanges)
	assert.Equal(t, models.PlatformStatusFailed, byPlatform["b"].Status)

	org, err := h.store.GetOrgConfig(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusPartial, org.RunStatus)
	assert.Zero(t, org.ConsecutiveFailures)
	require.NotNil(t, org.LastRunAt)
	require.NotNil(t, org.NextRunAt)
	assert.True(t, org.NextRunAt.After(*org.LastRunAt))

	events := h.publisher.Events()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, models.EventJobStatus, last.Type)
	assert.Equal(t, models.JobStatusCompleted, last.Status)
}

func TestPipeline_ProgressSnapshotsNeverRegress(t *testing.T) {
	var records []models.RawListing
	for i := 0; i < 25; i++ {
		records = append(records, rawListing(fmt.Sprintf("x-%d", i), 100000+i))
	}
	records = append(records, models.RawListing{Fields: map[string]any{"title": "no id"}})

	h := newHarness(t, map[string]*stubFetcher{"a": {results: []stubResult{{records: records}}}}, orgConfig("a"))
	watched := &watchingStore{MemoryStore: h.store}
	h.pipeline.store = watched

	job := h.submitAndRun(t)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 26, job.Progress["a"].Total)
	assert.Equal(t, 25, job.Progress["a"].Passed)
	assert.Equal(t, 1, job.Progress["a"].Failed)
	assert.Equal(t, []string{services.ErrMissingSourceID.Error()}, job.Progress["a"].Errors)

	require.Greater(t, len(watched.snapshots), 3, "progress is flushed periodically")
	var prev models.PlatformProgress
	for _, snap := range watched.snapshots {
		p := snap.Progress["a"]
		assert.GreaterOrEqual(t, p.Total, p.Passed+p.Failed)
		assert.GreaterOrEqual(t, p.Total, prev.Total)
		assert.GreaterOrEqual(t, p.Passed, prev.Passed)
		assert.GreaterOrEqual(t, p.Failed, prev.Failed)
		prev = p
	}
}

// watchingStore captures every persisted progress snapshot.
type watchingStore struct {
	*storage.MemoryStore
	mu        sync.Mutex
	snapshots []*models.ScrapeJob
}

func (s *watchingStore) SaveJobProgress(ctx context.Context, job *models.ScrapeJob) error {
	s.mu.Lock()
	s.snapshots = append(s.snapshots, job.Clone())
	s.mu.Unlock()
	return s.MemoryStore.SaveJobProgress(ctx, job)
}

func TestPipeline_PartialFetchSkipsDeactivation(t *testing.T) {
	partial := []models.RawListing{rawListing("p-1", 1), rawListing("p-2", 1), rawListing("p-3", 1)}
	fetcher := &stubFetcher{results: []stubResult{{
		records: partial,
		err:     &FetchError{Platform: "a", Page: 2, Partial: true, Err: errors.New("unexpected EOF")},
	}}}
	h := newHarness(t, map[string]*stubFetcher{"a": fetcher}, orgConfig("a"))
	for i := 1; i <= 5; i++ {
		h.seedListing(t, "a", fmt.Sprintf("p-%d", i), 1, time.Now().Add(-time.Hour))
	}

	job := h.submitAndRun(t)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, "All platforms failed to scrape", job.ErrorMessage)
	assert.Equal(t, models.PlatformStatusFailed, job.Progress["a"].Status)
	assert.Equal(t, 3, job.Progress["a"].Passed)

	active, err := h.store.ListActiveListingIDs(context.Background(), "org-1", "a")
	require.NoError(t, err)
	assert.Len(t, active, 5, "a truncated pass never deactivates")

	org, err := h.store.GetOrgConfig(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, org.RunStatus)
	assert.Equal(t, 1, org.ConsecutiveFailures)
}

func TestPipeline_FullPassDeactivatesUnseen(t *testing.T) {
	seen := []models.RawListing{rawListing("d-1", 1), rawListing("d-3", 1), rawListing("d-5", 1)}
	h := newHarness(t, map[string]*stubFetcher{"a": {results: []stubResult{{records: seen}}}}, orgConfig("a"))
	for i := 1; i <= 5; i++ {
		h.seedListing(t, "a", fmt.Sprintf("d-%d", i), 1, time.Now().Add(-time.Hour))
	}

	job := h.submitAndRun(t)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Empty(t, job.ErrorMessage)

	active, err := h.store.ListActiveListingIDs(context.Background(), "org-1", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"d-1", "d-3", "d-5"}, active)

	audits, err := h.store.ListRunAudits(context.Background(), "org-1", 1)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, 2, audits[0].Deactivated)
}

// flakyListingStore fails writes of the listed source ids.
type flakyListingStore struct {
	*storage.MemoryStore
	failing map[string]bool
}

func (s *flakyListingStore) SaveListing(ctx context.Context, l *models.CanonicalListing) error {
	if s.failing[l.SourceListingID] {
		return errors.New("write conflict")
	}
	return s.MemoryStore.SaveListing(ctx, l)
}

func TestPipeline_FailedUpsertKeepsListingActive(t *testing.T) {
	fetched := []models.RawListing{rawListing("p1", 200), rawListing("p2", 200)}
	h := newHarness(t, map[string]*stubFetcher{"a": {results: []stubResult{{records: fetched}}}}, orgConfig("a"))
	h.seedListing(t, "a", "p1", 100, time.Now().Add(-time.Hour))
	h.seedListing(t, "a", "p2", 100, time.Now().Add(-time.Hour))
	h.pipeline.reconciler = services.NewReconciliationEngine(&flakyListingStore{MemoryStore: h.store, failing: map[string]bool{"p2": true}})

	job := h.submitAndRun(t)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Progress["a"].Total)
	assert.Equal(t, 1, job.Progress["a"].Passed)
	assert.Equal(t, 1, job.Progress["a"].Failed)
	require.Len(t, job.Progress["a"].Errors, 1)
	assert.Contains(t, job.Progress["a"].Errors[0], "write conflict")

	ctx := context.Background()
	active, err := h.store.ListActiveListingIDs(ctx, "org-1", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, active, "a listing observed in the pass stays active")

	p2, err := h.store.GetListing(ctx, models.ListingKey{OrgID: "org-1", Platform: "a", SourceListingID: "p2"})
	require.NoError(t, err)
	require.NotNil(t, p2)
	assert.Equal(t, int64(100), *p2.Price, "the failed write left the stored row untouched")

	audits, err := h.store.ListRunAudits(ctx, "org-1", 1)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Zero(t, audits[0].Deactivated)
}

func TestPipeline_EventsCarryCumulativeProgress(t *testing.T) {
	records := []models.RawListing{rawListing("e-1", 1), rawListing("e-2", 1), {Fields: map[string]any{"title": "no id"}}, rawListing("e-3", 1)}
	h := newHarness(t, map[string]*stubFetcher{"a": {results: []stubResult{{records: records}}}}, orgConfig("a"))
	h.submitAndRun(t)

	var progress []models.ProgressEvent
	var finished *models.ProgressEvent
	for _, ev := range h.publisher.Events() {
		switch {
		case ev.Type == models.EventProgress:
			progress = append(progress, ev)
		case ev.Type == models.EventPlatformStatus && ev.Final():
			ev := ev
			finished = &ev
		}
	}

	require.Len(t, progress, 4)
	for i, ev := range progress {
		require.NotNil(t, ev.Progress)
		assert.Equal(t, i+1, ev.Progress.Total, "each event reports the running total")
		assert.Equal(t, ev.Progress.Total, ev.Progress.Passed+ev.Progress.Failed)
	}
	last := progress[len(progress)-1].Progress
	assert.Equal(t, 3, last.Passed)
	assert.Equal(t, 1, last.Failed)

	require.NotNil(t, finished)
	require.NotNil(t, finished.Progress)
	assert.Equal(t, models.PlatformStatusCompleted, finished.Progress.Status)
	assert.Equal(t, 4, finished.Progress.Total)
	assert.Equal(t, 3, finished.Progress.Passed)
}

func TestPipeline_RetriesEmptyFailures(t *testing.T) {
	fetcher := &stubFetcher{results: []stubResult{
		{err: &FetchError{Platform: "a", Page: 1, Err: errors.New("timeout")}},
		{records: []models.RawListing{rawListing("r-1", 10)}},
	}}
	h := newHarness(t, map[string]*stubFetcher{"a": fetcher}, orgConfig("a"))
	h.pipeline.opts.FetchRetries = 2
	h.pipeline.opts.RetryBackoff = time.Millisecond

	job := h.submitAndRun(t)
	assert.Equal(t, 2, fetcher.Calls())
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, job.Progress["a"].Passed)
	assert.Empty(t, job.Progress["a"].Errors)
}

func TestPipeline_UnknownPlatformIsIsolated(t *testing.T) {
	h := newHarness(t, map[string]*stubFetcher{"a": {results: []stubResult{{records: []models.RawListing{rawListing("u-1", 5)}}}}}, orgConfig("a", "ghost"))

	job := h.submitAndRun(t)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, models.PlatformStatusCompleted, job.Progress["a"].Status)
	assert.Equal(t, models.PlatformStatusFailed, job.Progress["ghost"].Status)
	require.Len(t, job.Progress["ghost"].Errors, 1)
	assert.Contains(t, job.Progress["ghost"].Errors[0], "unknown platform")
}

func TestPipeline_SinkFailuresNeverFailTheJob(t *testing.T) {
	h := newHarness(t, map[string]*stubFetcher{"a": {results: []stubResult{{records: []models.RawListing{rawListing("s-1", 5)}}}}}, orgConfig("a"))
	h.publisher.fail = true
	archive := &recordingArchive{}
	h.pipeline.archive = archive

	job := h.submitAndRun(t)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Equal(t, 1, archive.batches["a"])
}

func TestPipeline_CancellationStopsBeforeNextPlatform(t *testing.T) {
	slow := &stubFetcher{
		results: []stubResult{{records: []models.RawListing{rawListing("c-1", 5), rawListing("c-2", 5)}}},
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	next := &stubFetcher{results: []stubResult{{records: []models.RawListing{rawListing("n-1", 5)}}}}
	h := newHarness(t, map[string]*stubFetcher{"a": slow, "b": next}, orgConfig("a", "b"))

	ctx := context.Background()
	job, err := h.dispatcher.Submit(ctx, "org-1", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- h.pipeline.Run(ctx, job.ID) }()

	select {
	case <-slow.started:
	case <-time.After(5 * time.Second):
		t.Fatal("fetch never started")
	}

	// Cancel returns while the fetch is still in flight.
	require.NoError(t, h.dispatcher.Cancel(ctx, job.ID))
	close(slow.release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop")
	}

	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCancelled, final.Status)
	assert.Equal(t, "Cancelled by user", final.ErrorMessage)
	assert.Zero(t, next.Calls(), "no platform starts after a cancel")

	l, err := h.store.GetListing(ctx, models.ListingKey{OrgID: "org-1", Platform: "a", SourceListingID: "c-1"})
	require.NoError(t, err)
	assert.NotNil(t, l, "the in-flight platform pass still completes")

	org, err := h.store.GetOrgConfig(ctx, "org-1")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCancelled, org.RunStatus)

	assert.ErrorIs(t, h.dispatcher.Cancel(ctx, job.ID), storage.ErrNotCancellable)
}

func TestPipeline_MissingOrgConfigFailsJob(t *testing.T) {
	h := newHarness(t, map[string]*stubFetcher{"a": {results: []stubResult{{}}}}, orgConfig("a"))
	ctx := context.Background()
	job, err := h.dispatcher.Submit(ctx, "org-1", nil)
	require.NoError(t, err)

	// Configuration removed between submission and execution.
	h.store = storage.NewMemoryStore()
	require.NoError(t, h.store.CreateJob(ctx, job))
	h.pipeline.store = h.store

	err = h.pipeline.Run(ctx, job.ID)
	require.Error(t, err)

	final, err := h.store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Contains(t, final.ErrorMessage, "no scrape config")
}

func TestPipeline_TerminalJobIsSkipped(t *testing.T) {
	fetcher := &stubFetcher{results: []stubResult{{}}}
	h := newHarness(t, map[string]*stubFetcher{"a": fetcher}, orgConfig("a"))
	ctx := context.Background()
	job, err := h.dispatcher.Submit(ctx, "org-1", nil)
	require.NoError(t, err)
	require.NoError(t, h.dispatcher.Cancel(ctx, job.ID))

	require.NoError(t, h.pipeline.Run(ctx, job.ID))
	assert.Zero(t, fetcher.Calls())
}
