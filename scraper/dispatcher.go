package scraper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phuslu/log"

	"market_intel/config"
	"market_intel/models"
	"market_intel/storage"
)

const cancelMessage = "Cancelled by user"

// ConfigError rejects a submission before any job is created.
type ConfigError struct {
	OrgID    string
	Reason   string
	NotFound bool
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("org %s: %s", e.OrgID, e.Reason)
}

// Substrate runs a created job somewhere: in this process or on an external
// job-execution cluster. Launch must return without waiting for the run.
type Substrate interface {
	Name() string
	Launch(ctx context.Context, job *models.ScrapeJob) error
}

// JobRunner executes a job to completion.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Dispatcher is the entry point for submitting and cancelling scrape jobs.
type Dispatcher struct {
	store     storage.Store
	substrate Substrate
	publisher EventPublisher
	validate  *validator.Validate
	now       func() time.Time
}

func NewDispatcher(store storage.Store, substrate Substrate, publisher EventPublisher) *Dispatcher {
	return &Dispatcher{
		store:     store,
		substrate: substrate,
		publisher: publisher,
		validate:  config.Validator(),
		now:       time.Now,
	}
}

// Submit creates a PENDING job for the tenant and hands it to the substrate.
// platforms narrows the run to a subset of the tenant's enabled platforms.
// It returns *ConfigError for configuration problems and
// *storage.ActiveJobError when the tenant already has an active job.
func (d *Dispatcher) Submit(ctx context.Context, orgID string, platforms []string) (*models.ScrapeJob, error) {
	cfg, err := d.store.GetOrgConfig(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("load org config: %w", err)
	}
	if cfg == nil {
		return nil, &ConfigError{OrgID: orgID, Reason: "no scrape configuration", NotFound: true}
	}
	if !cfg.Enabled {
		return nil, &ConfigError{OrgID: orgID, Reason: "market intelligence is disabled"}
	}
	if err := d.validate.Struct(cfg); err != nil {
		return nil, &ConfigError{OrgID: orgID, Reason: fmt.Sprintf("invalid scrape configuration: %v", err)}
	}

	selected := cfg.Platforms
	if len(platforms) > 0 {
		selected = make([]string, 0, len(platforms))
		seen := make(map[string]bool, len(platforms))
		for _, p := range platforms {
			if !cfg.HasPlatform(p) {
				return nil, &ConfigError{OrgID: orgID, Reason: fmt.Sprintf("platform %s is not enabled", p)}
			}
			if !seen[p] {
				seen[p] = true
				selected = append(selected, p)
			}
		}
	}

	job := &models.ScrapeJob{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		Status:    models.JobStatusPending,
		Platforms: selected,
		Progress:  models.NewProgress(selected),
		Substrate: d.substrate.Name(),
		CreatedAt: d.now(),
	}
	if err := d.store.CreateJob(ctx, job); err != nil {
		var active *storage.ActiveJobError
		if errors.As(err, &active) {
			return nil, err
		}
		return nil, fmt.Errorf("create job: %w", err)
	}
	log.Info().Str("job_id", job.ID).Str("org_id", orgID).Str("substrate", job.Substrate).Strs("platforms", selected).Msg("Scrape job submitted")
	d.publish(ctx, models.ProgressEvent{Type: models.EventJobStatus, JobID: job.ID, OrgID: orgID, Status: job.Status})

	if err := d.substrate.Launch(ctx, job); err != nil {
		d.failLaunch(ctx, job, err)
		return nil, fmt.Errorf("launch job: %w", err)
	}
	return job, nil
}

// Cancel moves a PENDING or RUNNING job to CANCELLED. It does not wait for the
// current platform pass; the pipeline stops before starting the next one.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	if err := d.store.CancelJob(ctx, jobID, cancelMessage, d.now()); err != nil {
		return err
	}

	job, err := d.store.GetJob(ctx, jobID)
	if err != nil || job == nil {
		return nil
	}
	log.Info().Str("job_id", jobID).Str("org_id", job.OrgID).Msg("Scrape job cancelled by user")

	if cfg, err := d.store.GetOrgConfig(ctx, job.OrgID); err == nil && cfg != nil {
		if err := d.store.UpdateOrgRunStatus(ctx, job.OrgID, models.RunStatusCancelled, cfg.ConsecutiveFailures, nil, nil); err != nil {
			log.Warn().Err(err).Str("org_id", job.OrgID).Msg("Failed to update org run status")
		}
	}
	d.publish(ctx, models.ProgressEvent{Type: models.EventJobStatus, JobID: jobID, OrgID: job.OrgID, Status: models.JobStatusCancelled})
	return nil
}

func (d *Dispatcher) failLaunch(ctx context.Context, job *models.ScrapeJob, cause error) {
	log.Error().Err(cause).Str("job_id", job.ID).Str("substrate", job.Substrate).Msg("Failed to launch scrape job")
	if err := failActiveJob(context.WithoutCancel(ctx), d.store, job.ID, "Failed to launch scrape: "+cause.Error(), d.now()); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("Failed to record launch failure")
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev models.ProgressEvent) {
	if d.publisher == nil {
		return
	}
	ev.At = d.now()
	if err := d.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Warn().Err(err).Str("job_id", ev.JobID).Msg("Failed to publish progress event")
	}
}

// failActiveJob marks a still-active job FAILED and records the failure on the
// tenant. A job that is already terminal is left alone.
func failActiveJob(ctx context.Context, store storage.Store, jobID, message string, at time.Time) error {
	job, err := store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.IsTerminal() {
		return nil
	}

	job.Status = models.JobStatusFailed
	job.ErrorMessage = message
	job.CompletedAt = &at
	job.CurrentPlatform = nil
	job.CurrentAction = nil
	if err := store.FinishJob(ctx, job); err != nil {
		if errors.Is(err, storage.ErrJobTerminal) {
			return nil
		}
		return err
	}

	cfg, err := store.GetOrgConfig(ctx, job.OrgID)
	if err != nil || cfg == nil {
		return err
	}
	return store.UpdateOrgRunStatus(ctx, job.OrgID, models.RunStatusFailed, cfg.ConsecutiveFailures+1, &at, nil)
}

// InlineSubstrate runs jobs on background goroutines of the serving process.
// Runs are detached from the submitting request and bounded by a worker limit.
type InlineSubstrate struct {
	ctx    context.Context
	runner JobRunner
	store  storage.Store
	sem    chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
}

// NewInlineSubstrate ties every run to ctx, the process lifetime. Jobs still
// queued for a worker when ctx ends are failed in store.
func NewInlineSubstrate(ctx context.Context, runner JobRunner, store storage.Store, workers int) *InlineSubstrate {
	if workers <= 0 {
		workers = 1
	}
	return &InlineSubstrate{
		ctx:    ctx,
		runner: runner,
		store:  store,
		sem:    make(chan struct{}, workers),
		now:    time.Now,
	}
}

func (s *InlineSubstrate) Name() string {
	return "inline"
}

func (s *InlineSubstrate) Launch(_ context.Context, job *models.ScrapeJob) error {
	if err := s.ctx.Err(); err != nil {
		return fmt.Errorf("substrate shutting down: %w", err)
	}

	jobID := job.ID
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				log.Error().Str("job_id", jobID).Interface("panic", r).Msg("Scrape job crashed")
			}
		}()

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			log.Warn().Str("job_id", jobID).Msg("Scrape job dropped from queue at shutdown")
			if err := failActiveJob(context.WithoutCancel(s.ctx), s.store, jobID, "Scrape interrupted by shutdown", s.now()); err != nil {
				log.Error().Err(err).Str("job_id", jobID).Msg("Failed to record interrupted job")
			}
			return
		}
		defer func() { <-s.sem }()

		if err := s.runner.Run(s.ctx, jobID); err != nil {
			log.Error().Err(err).Str("job_id", jobID).Msg("Scrape job ended with error")
		}
	}()
	return nil
}

// Wait blocks until every launched run has returned.
func (s *InlineSubstrate) Wait() {
	s.wg.Wait()
}

// FailOrphanedJobs fails the active jobs a previous process left on the named
// substrate. Inline runs do not survive a restart, so their rows would
// otherwise block each tenant forever.
func FailOrphanedJobs(ctx context.Context, store storage.Store, substrate string) (int, error) {
	jobs, err := store.ListActiveJobs(ctx, substrate)
	if err != nil {
		return 0, fmt.Errorf("list active %s jobs: %w", substrate, err)
	}

	now := time.Now()
	var failed int
	var errs []error
	for _, job := range jobs {
		if err := failActiveJob(ctx, store, job.ID, "Scrape interrupted by restart", now); err != nil {
			errs = append(errs, fmt.Errorf("fail job %s: %w", job.ID, err))
			continue
		}
		failed++
		log.Warn().Str("job_id", job.ID).Str("org_id", job.OrgID).Str("status", string(job.Status)).Msg("Failed orphaned scrape job")
	}
	return failed, errors.Join(errs...)
}
