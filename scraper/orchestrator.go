package scraper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"
	"github.com/sethvargo/go-retry"

	"market_intel/models"
	"market_intel/services"
	"market_intel/storage"
)

// EventPublisher is the best-effort real-time sink.
type EventPublisher interface {
	Publish(ctx context.Context, ev models.ProgressEvent) error
}

// RawArchive stores the raw records of a platform pass.
type RawArchive interface {
	ArchiveRaw(ctx context.Context, orgID, jobID, platform string, records []models.RawListing) error
}

type PipelineOptions struct {
	FlushEvery   int
	FetchRetries int
	RetryBackoff time.Duration
}

// Pipeline executes one scrape job: platforms in order, each fetched,
// normalized, reconciled and audited.
type Pipeline struct {
	store      storage.Store
	registry   *Registry
	reconciler *services.ReconciliationEngine
	publisher  EventPublisher
	archive    RawArchive
	opts       PipelineOptions
	now        func() time.Time
}

func NewPipeline(store storage.Store, registry *Registry, reconciler *services.ReconciliationEngine, publisher EventPublisher, archive RawArchive, opts PipelineOptions) *Pipeline {
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = 10
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Pipeline{
		store:      store,
		registry:   registry,
		reconciler: reconciler,
		publisher:  publisher,
		archive:    archive,
		opts:       opts,
		now:        time.Now,
	}
}

// run holds the per-job state threaded through a pipeline execution.
type run struct {
	tracker *services.JobTracker
	org     *models.OrgScrapeConfig
	stopped bool
}

// Run executes the job to a terminal state. Platform and listing errors are
// recorded in progress; the returned error is only set for pipeline-fatal
// failures, which also mark the job FAILED.
func (p *Pipeline) Run(ctx context.Context, jobID string) (err error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job %s: %w", jobID, err)
	}
	if job == nil {
		return fmt.Errorf("%w: %s", storage.ErrJobNotFound, jobID)
	}
	if job.Status.IsTerminal() {
		log.Info().Str("job_id", jobID).Str("status", string(job.Status)).Msg("Job already finished, skipping")
		return nil
	}

	r := &run{tracker: services.NewJobTracker(job, p.opts.FlushEvery)}

	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("pipeline panic: %v", rec)
			p.fail(ctx, r, err)
		}
	}()

	r.org, err = p.store.GetOrgConfig(ctx, job.OrgID)
	if err != nil {
		err = fmt.Errorf("load org config: %w", err)
		p.fail(ctx, r, err)
		return err
	}
	if r.org == nil {
		err = fmt.Errorf("org %s has no scrape config", job.OrgID)
		p.fail(ctx, r, err)
		return err
	}

	startedAt := p.now()
	if job.Status == models.JobStatusPending {
		if err := p.store.MarkJobRunning(ctx, jobID, startedAt); err != nil {
			if errors.Is(err, storage.ErrJobTerminal) {
				log.Info().Str("job_id", jobID).Msg("Job cancelled before start")
				return nil
			}
			err = fmt.Errorf("mark job running: %w", err)
			p.fail(ctx, r, err)
			return err
		}
	}
	r.tracker.MarkRunning(startedAt)
	r.tracker.SetAction(models.CurrentAction{Type: models.ActionInitializing, Message: "Starting market scrape"})

	if err := p.store.UpdateOrgRunStatus(ctx, job.OrgID, models.RunStatusRunning, r.org.ConsecutiveFailures, nil, nil); err != nil {
		log.Warn().Err(err).Str("org_id", job.OrgID).Msg("Failed to update org run status")
	}
	p.publish(ctx, models.ProgressEvent{Type: models.EventJobStatus, JobID: jobID, OrgID: job.OrgID, Status: models.JobStatusRunning})

	log.Info().Str("job_id", jobID).Str("org_id", job.OrgID).Strs("platforms", job.Platforms).Msg("Starting scrape job")

	for _, platform := range r.tracker.Platforms() {
		if err := ctx.Err(); err != nil {
			err = fmt.Errorf("scrape interrupted: %w", err)
			p.fail(ctx, r, err)
			return err
		}
		if !r.stopped {
			r.stopped, err = p.isCancelled(ctx, jobID)
			if err != nil {
				p.fail(ctx, r, err)
				return err
			}
		}
		if r.stopped {
			break
		}
		if err := p.runPlatform(ctx, r, platform); err != nil {
			p.fail(ctx, r, err)
			return err
		}
	}

	if r.stopped {
		p.finishCancelled(ctx, r)
		return nil
	}
	return p.finish(ctx, r)
}

// runPlatform performs one platform pass. Only persistence failures are returned.
func (p *Pipeline) runPlatform(ctx context.Context, r *run, platformID string) error {
	tr := r.tracker
	started := p.now()

	running := tr.StartPlatform(platformID)
	p.publish(ctx, p.platformEvent(tr, models.ProgressDelta{Platform: platformID, Status: models.PlatformStatusRunning}, running))

	name := platformID
	plat, platformErr := p.registry.Lookup(platformID)
	if platformErr == nil && plat.Config.Name != "" {
		name = plat.Config.Name
	}

	p.setAction(ctx, tr, models.CurrentAction{Type: models.ActionConnecting, Message: "Connecting to " + name, Platform: platformID})
	if err := p.flush(ctx, r); err != nil {
		return err
	}

	var (
		records []models.RawListing
		partial bool
		stats   models.PassStats
		seen    []string
	)
	if platformErr == nil {
		var fetchErr error
		records, fetchErr = p.fetch(ctx, plat, FetchRequest{
			Filters:  r.org.Filters,
			MaxPages: r.org.MaxPages,
			Report: func(a models.CurrentAction) {
				a.Platform = platformID
				p.setAction(ctx, tr, a)
			},
		})
		if fetchErr != nil {
			platformErr = fetchErr
			partial = len(records) > 0
		}
	}

	if platformErr == nil || partial {
		stats.Found = len(records)
		p.setAction(ctx, tr, models.CurrentAction{
			Type:     models.ActionExtracting,
			Message:  fmt.Sprintf("Found %d listings on %s", len(records), name),
			Platform: platformID,
		})
		p.archiveRaw(ctx, tr, platformID, records)

		for _, raw := range records {
			// An observed listing stays active even when its upsert failed.
			if id, _ := p.reconcile(ctx, r, plat, raw, &stats); id != "" {
				seen = append(seen, id)
			}
			if tr.ShouldFlush() {
				if err := p.flush(ctx, r); err != nil {
					return err
				}
			}
		}
	}

	var deactivated int
	if platformErr == nil {
		p.setAction(ctx, tr, models.CurrentAction{Type: models.ActionSaving, Message: "Retiring listings no longer on " + name, Platform: platformID})
		n, err := p.reconciler.DeactivateStale(ctx, tr.OrgID(), platformID, seen)
		if err != nil {
			platformErr = err
		}
		deactivated = n
	} else if partial {
		log.Warn().Str("job_id", tr.JobID()).Str("platform", platformID).Int("records", len(records)).Msg("Partial fetch, skipping deactivation")
	}

	final := models.ProgressDelta{Platform: platformID, Status: models.PlatformStatusCompleted}
	if platformErr != nil {
		final.Status = models.PlatformStatusFailed
		final.Error = platformErr.Error()
		log.Error().Err(platformErr).Str("job_id", tr.JobID()).Str("platform", platformID).Msg("Platform failed")
	}
	progress := tr.Apply(final)

	finished := p.now()
	audit := &models.RunAudit{
		ID:            uuid.NewString(),
		JobID:         tr.JobID(),
		OrgID:         tr.OrgID(),
		Platform:      platformID,
		Status:        progress.Status,
		StartedAt:     started,
		FinishedAt:    finished,
		DurationMS:    finished.Sub(started).Milliseconds(),
		ListingsFound: stats.Found,
		ListingsNew:   stats.New,
		Updated:       stats.Updated,
		PriceChanges:  stats.PriceChanges,
		Deactivated:   deactivated,
		ErrorsCount:   progress.Failed,
		Errors:        progress.Errors,
	}
	if platformErr != nil {
		audit.ErrorsCount++
	}
	if err := p.store.AppendRunAudit(context.WithoutCancel(ctx), audit); err != nil {
		log.Error().Err(err).Str("job_id", tr.JobID()).Str("platform", platformID).Msg("Failed to append run audit")
	}

	if err := p.flush(ctx, r); err != nil {
		return err
	}
	p.publish(ctx, p.platformEvent(tr, final, progress))

	log.Info().
		Str("job_id", tr.JobID()).
		Str("platform", platformID).
		Str("status", string(progress.Status)).
		Int("found", stats.Found).
		Int("new", stats.New).
		Int("updated", stats.Updated).
		Int("price_changes", stats.PriceChanges).
		Int("deactivated", deactivated).
		Int("failed", progress.Failed).
		Msg("Platform pass finished")
	return nil
}

// reconcile normalizes and upserts one record. Its error is a listing-level
// failure already recorded in progress. The source id is returned whenever the
// record carried one, even if the upsert failed.
func (p *Pipeline) reconcile(ctx context.Context, r *run, plat Platform, raw models.RawListing, stats *models.PassStats) (string, error) {
	tr := r.tracker
	listing, err := Normalize(raw, plat.Config, tr.OrgID())
	if err == nil {
		tr.SetAction(models.CurrentAction{
			Type:         models.ActionAnalyzing,
			Message:      "Analyzing listing",
			ListingTitle: listing.Title,
			Platform:     raw.Platform,
			Page:         raw.Page,
		})
		var res services.UpsertResult
		res, err = p.reconciler.UpsertListing(ctx, &listing)
		if err == nil {
			switch {
			case res.IsNew:
				stats.New++
			case res.Updated:
				stats.Updated++
			default:
				stats.Unchanged++
			}
			if res.PriceChanged {
				stats.PriceChanges++
			}
			if res.Reactivated {
				stats.Reactivated++
			}
		}
	}

	delta := models.ProgressDelta{Platform: plat.Config.ID, Total: 1, Passed: 1}
	if err != nil {
		stats.Errors++
		delta = models.ProgressDelta{Platform: plat.Config.ID, Total: 1, Failed: 1, Error: err.Error()}
		log.Debug().Err(err).Str("job_id", tr.JobID()).Str("platform", plat.Config.ID).Msg("Listing rejected")
	}
	progress := tr.Apply(delta)
	p.publish(ctx, models.ProgressEvent{Type: models.EventProgress, JobID: tr.JobID(), OrgID: tr.OrgID(), Delta: &delta, Progress: &progress})
	return listing.SourceListingID, err
}

// fetch retries a platform only when nothing was retrieved; partial results
// are returned as they are.
func (p *Pipeline) fetch(ctx context.Context, plat Platform, req FetchRequest) ([]models.RawListing, error) {
	if p.opts.FetchRetries <= 0 {
		return plat.Fetcher.Fetch(ctx, req)
	}

	var records []models.RawListing
	attempt := 0
	backoff := retry.WithMaxRetries(uint64(p.opts.FetchRetries), retry.NewExponential(p.opts.RetryBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		out, err := plat.Fetcher.Fetch(ctx, req)
		records = out
		if err != nil && len(out) == 0 && !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("platform", plat.Config.ID).Int("attempt", attempt).Msg("Fetch failed, retrying")
			return retry.RetryableError(err)
		}
		return err
	})
	return records, err
}

func (p *Pipeline) archiveRaw(ctx context.Context, tr *services.JobTracker, platformID string, records []models.RawListing) {
	if p.archive == nil || len(records) == 0 {
		return
	}
	if err := p.archive.ArchiveRaw(ctx, tr.OrgID(), tr.JobID(), platformID, records); err != nil {
		log.Warn().Err(err).Str("job_id", tr.JobID()).Str("platform", platformID).Msg("Failed to archive raw records")
	}
}

// flush persists a progress snapshot. Once the job turns terminal underneath
// us (a user cancel), the run is marked stopped and later flushes are skipped.
func (p *Pipeline) flush(ctx context.Context, r *run) error {
	if r.stopped {
		return nil
	}
	err := p.store.SaveJobProgress(context.WithoutCancel(ctx), r.tracker.Snapshot())
	if errors.Is(err, storage.ErrJobTerminal) {
		log.Info().Str("job_id", r.tracker.JobID()).Msg("Job no longer active, finishing current platform")
		r.stopped = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("save progress: %w", err)
	}
	return nil
}

func (p *Pipeline) isCancelled(ctx context.Context, jobID string) (bool, error) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("reload job: %w", err)
	}
	return job == nil || job.Status.IsTerminal(), nil
}

func (p *Pipeline) finish(ctx context.Context, r *run) error {
	tr := r.tracker
	status, message := tr.Outcome(r.org.EffectiveFailureThreshold())
	final := tr.Finish(status, message, p.now())

	err := p.store.FinishJob(context.WithoutCancel(ctx), final)
	if errors.Is(err, storage.ErrJobTerminal) {
		p.finishCancelled(ctx, r)
		return nil
	}
	if err != nil {
		err = fmt.Errorf("finish job: %w", err)
		p.fail(ctx, r, err)
		return err
	}

	p.updateOrg(ctx, r, final.Status, final.ErrorMessage)
	p.publish(ctx, models.ProgressEvent{Type: models.EventJobStatus, JobID: final.ID, OrgID: final.OrgID, Status: final.Status})

	failed, total := tr.PlatformCounts()
	log.Info().
		Str("job_id", final.ID).
		Str("org_id", final.OrgID).
		Str("status", string(final.Status)).
		Int("failed_platforms", failed).
		Int("platforms", total).
		Msg("Scrape job finished")
	return nil
}

// finishCancelled records the tenant side of a job cancelled by the user.
// The job row itself was already written by the cancel.
func (p *Pipeline) finishCancelled(ctx context.Context, r *run) {
	tr := r.tracker
	log.Info().Str("job_id", tr.JobID()).Msg("Scrape job cancelled")
	job, err := p.store.GetJob(context.WithoutCancel(ctx), tr.JobID())
	status, message := models.JobStatusCancelled, ""
	if err == nil && job != nil {
		status, message = job.Status, job.ErrorMessage
	}
	p.updateOrg(ctx, r, status, message)
	p.publish(ctx, models.ProgressEvent{Type: models.EventJobStatus, JobID: tr.JobID(), OrgID: tr.OrgID(), Status: status})
}

// fail marks the job FAILED after a pipeline-fatal error.
func (p *Pipeline) fail(ctx context.Context, r *run, cause error) {
	tr := r.tracker
	log.Error().Err(cause).Str("job_id", tr.JobID()).Msg("Scrape job failed")

	final := tr.Finish(models.JobStatusFailed, cause.Error(), p.now())
	err := p.store.FinishJob(context.WithoutCancel(ctx), final)
	if errors.Is(err, storage.ErrJobTerminal) {
		return
	}
	if err != nil {
		log.Error().Err(err).Str("job_id", tr.JobID()).Msg("Failed to record job failure")
	}
	if r.org != nil {
		p.updateOrg(ctx, r, models.JobStatusFailed, cause.Error())
	}
	p.publish(ctx, models.ProgressEvent{Type: models.EventJobStatus, JobID: tr.JobID(), OrgID: tr.OrgID(), Status: models.JobStatusFailed})
}

func (p *Pipeline) updateOrg(ctx context.Context, r *run, status models.JobStatus, message string) {
	if r.org == nil {
		return
	}
	runStatus, failures := services.RunStatusFor(status, message, r.org.ConsecutiveFailures)
	now := p.now()
	next, err := services.NextRun(r.org.Schedule, now)
	if err != nil {
		log.Warn().Err(err).Str("org_id", r.org.OrgID).Msg("Invalid schedule")
	}
	if err := p.store.UpdateOrgRunStatus(context.WithoutCancel(ctx), r.org.OrgID, runStatus, failures, &now, next); err != nil {
		log.Error().Err(err).Str("org_id", r.org.OrgID).Msg("Failed to update org run status")
	}
}

func (p *Pipeline) setAction(ctx context.Context, tr *services.JobTracker, a models.CurrentAction) {
	tr.SetAction(a)
	p.publish(ctx, models.ProgressEvent{Type: models.EventAction, JobID: tr.JobID(), OrgID: tr.OrgID(), Action: &a})
}

func (p *Pipeline) platformEvent(tr *services.JobTracker, d models.ProgressDelta, progress models.PlatformProgress) models.ProgressEvent {
	return models.ProgressEvent{Type: models.EventPlatformStatus, JobID: tr.JobID(), OrgID: tr.OrgID(), Delta: &d, Progress: &progress}
}

// publish never fails the job.
func (p *Pipeline) publish(ctx context.Context, ev models.ProgressEvent) {
	if p.publisher == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = p.now()
	}
	if err := p.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Str("job_id", ev.JobID).Str("type", string(ev.Type)).Msg("Failed to publish progress event")
	}
}
